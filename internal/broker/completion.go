package broker

import (
	"context"
	"time"

	"modelbroker/internal/kv"
)

// CompletionTTL bounds how long completion markers are trusted. Entries
// older than this read as unknown, which errs toward a duplicate attempt
// rather than a lost one.
const CompletionTTL = 24 * time.Hour

const completionPrefix = "completed/"

type completionRecord struct {
	CompletedAt int64 `json:"completedAt"`
}

// CompletionLog durably marks finished request ids so the ledger sweeper
// can adopt orphans whose work actually landed. The marker is written
// before the in-flight record is removed; a crash between the two leaves
// an adoptable orphan, never a duplicate.
type CompletionLog struct {
	kv  kv.Store
	now func() time.Time
}

// NewCompletionLog creates a completion log over the durable store.
func NewCompletionLog(store kv.Store) *CompletionLog {
	return &CompletionLog{kv: store, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (c *CompletionLog) SetClock(now func() time.Time) {
	c.now = now
}

// MarkCompleted records that a request finished.
func (c *CompletionLog) MarkCompleted(ctx context.Context, requestID string) kv.WriteResult {
	return kv.Save(ctx, c.kv, completionPrefix+requestID, completionRecord{
		CompletedAt: c.now().UnixMilli(),
	})
}

// AlreadyCompleted implements ledger.Adopter.
func (c *CompletionLog) AlreadyCompleted(ctx context.Context, requestID string) (bool, error) {
	var rec completionRecord
	found, err := kv.Load(ctx, c.kv, completionPrefix+requestID, &rec)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return c.now().UnixMilli()-rec.CompletedAt < CompletionTTL.Milliseconds(), nil
}
