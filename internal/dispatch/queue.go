// Package dispatch implements the fairness-aware multi-tenant queue that
// decides which pending request runs next. Each tenant gets its own FIFO
// sub-queue; a rotating cursor walks tenants so no one starves, with the
// active tenant weighted to keep the foreground responsive.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"modelbroker/internal/kv"
)

// DefaultActiveWeight is how many consecutive jobs the active tenant may
// take before the cursor rotates to the next tenant.
const DefaultActiveWeight = 3

// Priority orders jobs within one tenant's sub-queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Job is one queued unit of work.
type Job struct {
	ID         string   `json:"id"`
	TenantKey  string   `json:"tenantKey"`
	Priority   Priority `json:"priority"`
	Reason     string   `json:"reason,omitempty"`
	Attempt    int      `json:"attempt,omitempty"`
	EnqueuedAt int64    `json:"enqueuedAt"`
	seq        uint64
}

// TenantDepth reports one tenant's backlog for the snapshot.
type TenantDepth struct {
	TenantKey string `json:"tenantKey"`
	Depth     int    `json:"depth"`
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Total   int           `json:"total"`
	Tenants []TenantDepth `json:"tenants"`
	TakenAt int64         `json:"takenAt"`
}

type tenantQueue struct {
	key  string
	jobs []Job
}

// Queue is the in-memory dispatcher. A durable kv store, when provided,
// receives best-effort depth snapshots for diagnostics; queue contents
// themselves are not durable, recovery flows through the in-flight ledger.
type Queue struct {
	mu           sync.Mutex
	tenants      map[string]*tenantQueue
	order        []string
	cursor       int
	activeServed int
	seq          uint64
	activeWeight int
	status       kv.Store
	now          func() time.Time
}

// New creates a queue. status may be nil.
func New(status kv.Store) *Queue {
	return &Queue{
		tenants:      make(map[string]*tenantQueue),
		activeWeight: DefaultActiveWeight,
		status:       status,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// SetActiveWeight overrides the active tenant's consecutive-dequeue budget.
func (q *Queue) SetActiveWeight(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 {
		q.activeWeight = n
	}
}

// Enqueue appends a job to its tenant's sub-queue. Within a tenant, higher
// priority runs first; equal priorities keep arrival order.
func (q *Queue) Enqueue(ctx context.Context, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.EnqueuedAt = q.now().UnixMilli()
	q.seq++
	job.seq = q.seq

	tq, ok := q.tenants[job.TenantKey]
	if !ok {
		tq = &tenantQueue{key: job.TenantKey}
		q.tenants[job.TenantKey] = tq
		q.order = append(q.order, job.TenantKey)
	}
	tq.jobs = append(tq.jobs, job)
	sort.SliceStable(tq.jobs, func(i, j int) bool {
		if tq.jobs[i].Priority != tq.jobs[j].Priority {
			return tq.jobs[i].Priority > tq.jobs[j].Priority
		}
		return tq.jobs[i].seq < tq.jobs[j].seq
	})

	q.persistSnapshot(ctx)
}

// DequeueNext pops the next job under the fairness rotation. The active
// tenant is served up to the configured weight in a row, then the cursor
// rotates round-robin through the remaining tenants. Returns false when
// the queue is empty.
func (q *Queue) DequeueNext(ctx context.Context, activeTenantKey string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return Job{}, false
	}

	if activeTenantKey != "" {
		if tq, ok := q.tenants[activeTenantKey]; ok && len(tq.jobs) > 0 {
			if q.activeServed < q.activeWeight {
				job := q.pop(tq)
				q.activeServed++
				q.persistSnapshot(ctx)
				return job, true
			}
			// Streak exhausted: one turn for the rotation, then the
			// active tenant's budget starts over.
			if job, ok := q.rotate(activeTenantKey); ok {
				q.activeServed = 0
				q.persistSnapshot(ctx)
				return job, true
			}
			job := q.pop(tq)
			q.persistSnapshot(ctx)
			return job, true
		}
	}
	q.activeServed = 0

	if job, ok := q.rotate(""); ok {
		q.persistSnapshot(ctx)
		return job, true
	}
	return Job{}, false
}

// rotate pops from the next non-empty tenant at the cursor, skipping the
// given key. Returns false when no other tenant has work.
func (q *Queue) rotate(skip string) (Job, bool) {
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		key := q.order[idx]
		if key == skip {
			continue
		}
		tq := q.tenants[key]
		if len(tq.jobs) == 0 {
			continue
		}
		// Advance past this tenant before popping; drop re-normalizes the
		// cursor if the tenant empties out.
		q.cursor = (idx + 1) % n
		return q.pop(tq), true
	}
	return Job{}, false
}

func (q *Queue) pop(tq *tenantQueue) Job {
	job := tq.jobs[0]
	tq.jobs = tq.jobs[1:]
	if len(tq.jobs) == 0 {
		q.drop(tq.key)
	}
	return job
}

// drop removes an emptied tenant from the rotation so the cursor only ever
// walks tenants with work.
func (q *Queue) drop(key string) {
	delete(q.tenants, key)
	for i, k := range q.order {
		if k != key {
			continue
		}
		q.order = append(q.order[:i], q.order[i+1:]...)
		if q.cursor > i {
			q.cursor--
		}
		if len(q.order) > 0 {
			q.cursor %= len(q.order)
		} else {
			q.cursor = 0
		}
		return
	}
}

// Len returns the total number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, tq := range q.tenants {
		total += len(tq.jobs)
	}
	return total
}

// Snapshot returns per-tenant depths sorted by tenant key.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	snap := Snapshot{TakenAt: q.now().UnixMilli()}
	for key, tq := range q.tenants {
		snap.Total += len(tq.jobs)
		snap.Tenants = append(snap.Tenants, TenantDepth{TenantKey: key, Depth: len(tq.jobs)})
	}
	sort.Slice(snap.Tenants, func(i, j int) bool {
		return snap.Tenants[i].TenantKey < snap.Tenants[j].TenantKey
	})
	return snap
}

// persistSnapshot writes the current depths for diagnostics. Best effort:
// queue behavior is identical whether or not the write lands.
func (q *Queue) persistSnapshot(ctx context.Context) {
	if q.status == nil {
		return
	}
	kv.Save(ctx, q.status, "dispatch/depths", q.snapshotLocked())
}
