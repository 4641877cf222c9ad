// Package ledger keeps the durable record of requests currently being
// attempted. A lease protocol makes the record crash-recoverable: an owner
// that dies mid-attempt leaves an expired lease behind for the sweeper.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"modelbroker/internal/kv"
)

// DefaultLease is how long one attempt may run before its record is
// considered orphaned.
const DefaultLease = 90 * time.Second

const keyPrefix = "inflight/"

// Status of an in-flight record.
const (
	StatusRunning = "RUNNING"
	StatusFailed  = "FAILED"
)

// TerminalRetention is how long failed records stay readable before the
// sweeper purges them.
const TerminalRetention = 24 * time.Hour

// Record is the durable in-flight entry keyed by request id.
type Record struct {
	RequestID  string            `json:"requestId"`
	Status     string            `json:"status"`
	LeaseUntil int64             `json:"leaseUntilTs"`
	Attempt    int               `json:"attempt"`
	CreatedAt  int64             `json:"createdAt"`
	FailedAt   int64             `json:"failedAt,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
	TenantKey  string            `json:"tenantKey,omitempty"`
	Spec       string            `json:"spec,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Request describes the attempt being registered.
type Request struct {
	// RequestID is the caller-chosen deterministic id. Empty generates one,
	// but recovery dedup only works when the caller supplies a stable id.
	RequestID string
	TenantKey string
	Spec      string
	Meta      map[string]string
}

// Ledger reads and writes in-flight records through the durable kv store.
type Ledger struct {
	kv    kv.Store
	lease time.Duration
	now   func() time.Time
}

// New creates a ledger with the default lease duration.
func New(store kv.Store) *Ledger {
	return &Ledger{kv: store, lease: DefaultLease, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetLease overrides the lease duration.
func (l *Ledger) SetLease(d time.Duration) {
	l.lease = d
}

// Begin writes the in-flight record for a request. Called before any
// network I/O so a crash between here and the response leaves evidence.
// Beginning an id that is already tracked as running resumes it: the
// attempt count and creation time carry over so a replayed request keeps
// its retry history.
func (l *Ledger) Begin(ctx context.Context, req Request) (Record, kv.WriteResult) {
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	now := l.now()
	rec := Record{
		RequestID:  id,
		Status:     StatusRunning,
		LeaseUntil: now.Add(l.lease).UnixMilli(),
		Attempt:    1,
		CreatedAt:  now.UnixMilli(),
		TenantKey:  req.TenantKey,
		Spec:       req.Spec,
		Meta:       req.Meta,
	}
	var existing Record
	if found, _ := kv.Load(ctx, l.kv, keyPrefix+id, &existing); found && existing.Status == StatusRunning {
		if existing.Attempt > rec.Attempt {
			rec.Attempt = existing.Attempt
		}
		rec.CreatedAt = existing.CreatedAt
	}
	return rec, kv.Save(ctx, l.kv, keyPrefix+id, rec)
}

// Heartbeat refreshes the lease for a retry attempt, so a live owner that
// is actively retrying never expires.
func (l *Ledger) Heartbeat(ctx context.Context, requestID string, attempt int) kv.WriteResult {
	var rec Record
	found, _ := kv.Load(ctx, l.kv, keyPrefix+requestID, &rec)
	if !found {
		rec = Record{
			RequestID: requestID,
			Status:    StatusRunning,
			CreatedAt: l.now().UnixMilli(),
		}
	}
	rec.Attempt = attempt
	rec.LeaseUntil = l.now().Add(l.lease).UnixMilli()
	return kv.Save(ctx, l.kv, keyPrefix+requestID, rec)
}

// Complete removes the record after a terminal success.
func (l *Ledger) Complete(ctx context.Context, requestID string) error {
	return l.kv.Delete(ctx, keyPrefix+requestID)
}

// Fail marks the record terminally failed with the final error message.
// The record stays readable until the sweeper's retention purge so callers
// and operators can see why a request died.
func (l *Ledger) Fail(ctx context.Context, requestID, cause string) kv.WriteResult {
	var rec Record
	found, _ := kv.Load(ctx, l.kv, keyPrefix+requestID, &rec)
	if !found {
		rec = Record{RequestID: requestID, CreatedAt: l.now().UnixMilli()}
	}
	rec.Status = StatusFailed
	rec.FailedAt = l.now().UnixMilli()
	rec.LastError = cause
	return kv.Save(ctx, l.kv, keyPrefix+requestID, rec)
}

// Get returns the record for a request id, if present.
func (l *Ledger) Get(ctx context.Context, requestID string) (Record, bool) {
	var rec Record
	found, err := kv.Load(ctx, l.kv, keyPrefix+requestID, &rec)
	return rec, found && err == nil
}

// ListExpired returns running records whose lease has passed, oldest lease
// first. Records with live leases and terminal records are never returned.
func (l *Ledger) ListExpired(ctx context.Context) ([]Record, error) {
	raw, err := l.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	now := l.now().UnixMilli()
	var out []Record
	for key := range raw {
		var rec Record
		found, err := kv.Load(ctx, l.kv, key, &rec)
		if !found || err != nil {
			continue
		}
		if rec.Status == StatusRunning && rec.LeaseUntil < now {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LeaseUntil == out[j].LeaseUntil {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].LeaseUntil < out[j].LeaseUntil
	})
	return out, nil
}

// PurgeTerminal removes failed records older than the retention window and
// returns how many were removed.
func (l *Ledger) PurgeTerminal(ctx context.Context) (int, error) {
	raw, err := l.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := l.now().Add(-TerminalRetention).UnixMilli()
	purged := 0
	for key := range raw {
		var rec Record
		found, err := kv.Load(ctx, l.kv, key, &rec)
		if !found || err != nil {
			continue
		}
		if rec.Status == StatusFailed && rec.FailedAt < cutoff {
			if err := l.kv.Delete(ctx, key); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
