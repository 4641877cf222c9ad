package ledger

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for expired leases.
const DefaultSweepInterval = 30 * time.Second

// Adopter answers whether a request already completed upstream. The sweeper
// asks before requeueing so a crash after the provider responded does not
// duplicate work.
type Adopter interface {
	AlreadyCompleted(ctx context.Context, requestID string) (bool, error)
}

// Requeuer puts an orphaned request back in line for another attempt.
type Requeuer interface {
	Requeue(ctx context.Context, rec Record) error
}

// SweepStats counts what one sweep pass did.
type SweepStats struct {
	Scanned  int
	Adopted  int
	Requeued int
	Failed   int
}

// Sweeper periodically reconciles expired in-flight records. Each orphan is
// either adopted (the work already finished), requeued for another attempt,
// or failed terminally once its retry budget is gone.
type Sweeper struct {
	ledger      *Ledger
	adopter     Adopter
	requeuer    Requeuer
	maxAttempts int
	interval    time.Duration
	onAdopt     func(rec Record)
	onRequeue   func(rec Record)
	onFail      func(rec Record)
}

// NewSweeper creates a sweeper. adopter and requeuer may be nil; a nil
// adopter treats nothing as completed, a nil requeuer fails orphans.
func NewSweeper(l *Ledger, adopter Adopter, requeuer Requeuer, maxAttempts int) *Sweeper {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Sweeper{
		ledger:      l,
		adopter:     adopter,
		requeuer:    requeuer,
		maxAttempts: maxAttempts,
		interval:    DefaultSweepInterval,
	}
}

// SetInterval overrides the sweep period.
func (s *Sweeper) SetInterval(d time.Duration) {
	s.interval = d
}

// OnAdopt registers a callback fired when an orphan is adopted.
func (s *Sweeper) OnAdopt(fn func(rec Record)) { s.onAdopt = fn }

// OnRequeue registers a callback fired when an orphan is requeued.
func (s *Sweeper) OnRequeue(fn func(rec Record)) { s.onRequeue = fn }

// OnFail registers a callback fired when an orphan fails terminally.
func (s *Sweeper) OnFail(fn func(rec Record)) { s.onFail = fn }

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep reconciles every currently expired record once. Live leases are
// untouched, so a slow but alive owner never loses its request.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	expired, err := s.ledger.ListExpired(ctx)
	if err != nil {
		slog.Warn("ledger sweep scan failed", "error", err)
		return stats
	}
	stats.Scanned = len(expired)

	if _, err := s.ledger.PurgeTerminal(ctx); err != nil {
		slog.Warn("terminal record purge failed", "error", err)
	}

	for _, rec := range expired {
		if ctx.Err() != nil {
			return stats
		}
		switch s.reconcile(ctx, rec) {
		case outcomeAdopted:
			stats.Adopted++
		case outcomeRequeued:
			stats.Requeued++
		case outcomeFailed:
			stats.Failed++
		}
	}
	return stats
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdopted
	outcomeRequeued
	outcomeFailed
)

func (s *Sweeper) reconcile(ctx context.Context, rec Record) outcome {
	if s.adopter != nil {
		done, err := s.adopter.AlreadyCompleted(ctx, rec.RequestID)
		if err != nil {
			// Unknown state: leave the record for the next sweep rather
			// than risk a duplicate attempt.
			slog.Warn("orphan adoption check failed", "request_id", rec.RequestID, "error", err)
			return outcomeSkipped
		}
		if done {
			if err := s.ledger.Complete(ctx, rec.RequestID); err != nil {
				slog.Warn("orphan adoption delete failed", "request_id", rec.RequestID, "error", err)
				return outcomeSkipped
			}
			slog.Info("orphaned request adopted", "request_id", rec.RequestID, "attempt", rec.Attempt)
			if s.onAdopt != nil {
				s.onAdopt(rec)
			}
			return outcomeAdopted
		}
	}

	if s.requeuer != nil && rec.Attempt < s.maxAttempts {
		if err := s.requeuer.Requeue(ctx, rec); err != nil {
			slog.Warn("orphan requeue failed", "request_id", rec.RequestID, "error", err)
			return outcomeSkipped
		}
		// The requeued attempt gets a fresh lease so the next sweep does
		// not pick it up again before it runs.
		s.ledger.Heartbeat(ctx, rec.RequestID, rec.Attempt+1)
		slog.Info("orphaned request requeued", "request_id", rec.RequestID, "attempt", rec.Attempt+1)
		if s.onRequeue != nil {
			s.onRequeue(rec)
		}
		return outcomeRequeued
	}

	s.ledger.Fail(ctx, rec.RequestID, "lease expired with retry budget exhausted")
	slog.Warn("orphaned request failed terminally", "request_id", rec.RequestID, "attempt", rec.Attempt)
	if s.onFail != nil {
		s.onFail(rec)
	}
	return outcomeFailed
}
