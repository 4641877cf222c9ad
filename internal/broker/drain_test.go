package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelbroker/internal/dispatch"
	"modelbroker/internal/ledger"
)

func (f *fixture) newDrainer() (*Drainer, *dispatch.Queue) {
	q := dispatch.New(nil)
	return NewDrainer(f.broker, q, f.ledger, nil), q
}

// requeuedRecord simulates the state the sweeper leaves behind: a running
// ledger record with replay data and a high-priority job in the queue.
func (f *fixture) requeuedRecord(ctx context.Context, t *testing.T, q *dispatch.Queue, id string) {
	t.Helper()
	f.ledger.Begin(ctx, ledger.Request{
		RequestID: id,
		TenantKey: "tab-1",
		Spec:      "gpt-5-mini:standard",
		Meta: map[string]string{
			"payload":    `{"input":"replay me"}`,
			"policy":     "cheapest",
			"candidates": "gpt-5-mini:standard",
		},
	})
	f.ledger.Heartbeat(ctx, id, 3)
	q.Enqueue(ctx, dispatch.Job{ID: id, TenantKey: "tab-1", Priority: dispatch.PriorityHigh})
}

func TestDrainReplaysRequeuedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, q := f.newDrainer()
	f.requeuedRecord(ctx, t, q, "req-9")

	drained := d.Drain(ctx)
	assert.Equal(t, 1, drained)

	require.Len(t, f.transport.sent, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.transport.sent[0].Body, &payload))
	assert.Equal(t, "replay me", payload["input"])
	assert.Equal(t, "gpt-5-mini", payload["model"])

	_, tracked := f.ledger.Get(ctx, "req-9")
	assert.False(t, tracked, "replayed request completes and clears its record")
	assert.Zero(t, q.Len())
}

func TestDoResumesAttemptCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ledger.Begin(ctx, ledger.Request{RequestID: "req-1"})
	f.ledger.Heartbeat(ctx, "req-1", 3)

	res, err := f.broker.Do(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts, "retry history survives a resume")
}

func TestDrainDropsJobWithoutRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, q := f.newDrainer()

	q.Enqueue(ctx, dispatch.Job{ID: "ghost", TenantKey: "tab-1"})
	drained := d.Drain(ctx)

	assert.Zero(t, drained, "a job completed elsewhere is dropped")
	assert.Empty(t, f.transport.sent)
	assert.Zero(t, q.Len())
}

func TestDrainFailsUnreplayableRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, q := f.newDrainer()

	f.ledger.Begin(ctx, ledger.Request{RequestID: "req-bare"})
	q.Enqueue(ctx, dispatch.Job{ID: "req-bare", TenantKey: "tab-1"})

	drained := d.Drain(ctx)
	assert.Zero(t, drained)
	assert.Empty(t, f.transport.sent)

	rec, tracked := f.ledger.Get(ctx, "req-bare")
	require.True(t, tracked)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "cannot be replayed")
}

func TestReplayRequestRoundTrip(t *testing.T) {
	orig := baseRequest()
	orig.EstimatedTokens = 900

	rec := ledger.Record{
		RequestID: orig.RequestID,
		TenantKey: orig.TenantKey,
		Spec:      "gpt-5-mini:standard",
		Meta:      replayMeta(&orig),
	}
	got, ok := replayRequest(rec)
	require.True(t, ok)
	assert.Equal(t, orig.RequestID, got.RequestID)
	assert.Equal(t, orig.TenantKey, got.TenantKey)
	assert.Equal(t, orig.Policy, got.Policy)
	assert.Equal(t, orig.Candidates, got.Candidates)
	assert.Equal(t, orig.EstimatedTokens, got.EstimatedTokens)
	assert.Equal(t, orig.Payload, got.Payload)
}
