package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"modelbroker/internal/chooser"
	"modelbroker/internal/core"
	"modelbroker/internal/dispatch"
	"modelbroker/internal/ledger"
	"modelbroker/internal/observability"
)

// DefaultDrainInterval is how often the drainer checks the queue for jobs
// the sweeper requeued.
const DefaultDrainInterval = 5 * time.Second

// Drainer re-executes requests the sweeper requeued after a lease expiry.
// Queue contents are not durable; everything needed to replay a request
// lives on its in-flight ledger record.
type Drainer struct {
	broker   *Broker
	queue    *dispatch.Queue
	ledger   *ledger.Ledger
	metrics  *observability.Metrics
	interval time.Duration
}

// NewDrainer creates a drainer. metrics may be nil.
func NewDrainer(b *Broker, q *dispatch.Queue, l *ledger.Ledger, m *observability.Metrics) *Drainer {
	return &Drainer{
		broker:   b,
		queue:    q,
		ledger:   l,
		metrics:  m,
		interval: DefaultDrainInterval,
	}
}

// SetInterval overrides the drain cadence.
func (d *Drainer) SetInterval(iv time.Duration) {
	if iv > 0 {
		d.interval = iv
	}
}

// Run drains on a ticker until the context ends.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain empties the queue, re-executing each job whose ledger record is
// still running. Jobs without a record were completed or adopted elsewhere
// and are dropped. Returns how many jobs were replayed.
func (d *Drainer) Drain(ctx context.Context) int {
	drained := 0
	for {
		job, ok := d.queue.DequeueNext(ctx, "")
		if !ok {
			break
		}
		rec, tracked := d.ledger.Get(ctx, job.ID)
		if !tracked || rec.Status != ledger.StatusRunning {
			continue
		}
		req, ok := replayRequest(rec)
		if !ok {
			slog.Warn("requeued request has no replay data", "request_id", job.ID)
			d.ledger.Fail(ctx, job.ID, "lease expired and the request cannot be replayed")
			continue
		}
		if _, err := d.broker.Do(ctx, req); err != nil {
			slog.Warn("replay failed", "request_id", job.ID, "error", err)
		}
		drained++
	}
	d.reportDepth()
	return drained
}

func (d *Drainer) reportDepth() {
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}
}

// replayMeta captures enough of a request on the ledger record for the
// drainer to rebuild it after a crash.
func replayMeta(req *Request) map[string]string {
	meta := make(map[string]string, 4)
	if req.Policy != "" {
		meta["policy"] = string(req.Policy)
	}
	if len(req.Candidates) > 0 {
		keys := make([]string, len(req.Candidates))
		for i, c := range req.Candidates {
			keys[i] = c.String()
		}
		meta["candidates"] = strings.Join(keys, ",")
	}
	if req.EstimatedTokens > 0 {
		meta["estimatedTokens"] = strconv.Itoa(req.EstimatedTokens)
	}
	if req.Payload != nil {
		if body, err := json.Marshal(req.Payload); err == nil {
			meta["payload"] = string(body)
		}
	}
	return meta
}

// replayRequest rebuilds a request from its ledger record. The chosen spec
// stands in when the original candidate list was not recorded.
func replayRequest(rec ledger.Record) (Request, bool) {
	req := Request{
		RequestID: rec.RequestID,
		TenantKey: rec.TenantKey,
		Policy:    chooser.Policy(rec.Meta["policy"]),
	}
	for _, key := range strings.Split(rec.Meta["candidates"], ",") {
		if key != "" {
			req.Candidates = append(req.Candidates, core.ParseModelSpec(key))
		}
	}
	if len(req.Candidates) == 0 {
		if rec.Spec == "" {
			return Request{}, false
		}
		req.Candidates = []core.ModelSpec{core.ParseModelSpec(rec.Spec)}
	}
	if n, err := strconv.Atoi(rec.Meta["estimatedTokens"]); err == nil {
		req.EstimatedTokens = n
	}
	if raw, ok := rec.Meta["payload"]; ok {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			return Request{}, false
		}
	}
	return req, true
}
