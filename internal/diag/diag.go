// Package diag keeps a bounded in-memory trail of recent broker events for
// the diagnostics endpoint. Old events fall off the end; nothing here is
// durable or load-bearing.
package diag

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of events retained.
const DefaultCapacity = 256

// Level of an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one recorded occurrence.
type Event struct {
	TS      int64             `json:"ts"`
	Level   Level             `json:"level"`
	Tag     string            `json:"tag"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Ring is a fixed-capacity append-only event buffer.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
	now  func() time.Time
}

// NewRing creates a ring. capacity <= 0 uses the default.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Event, capacity), now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (r *Ring) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Record appends an event, evicting the oldest when full.
func (r *Ring) Record(level Level, tag, message string, meta map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = Event{
		TS:      r.now().UnixMilli(),
		Level:   level,
		Tag:     tag,
		Message: message,
		Meta:    meta,
	}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Info records an info-level event.
func (r *Ring) Info(tag, message string, meta map[string]string) {
	r.Record(LevelInfo, tag, message, meta)
}

// Warn records a warn-level event.
func (r *Ring) Warn(tag, message string, meta map[string]string) {
	r.Record(LevelWarn, tag, message, meta)
}

// Error records an error-level event.
func (r *Ring) Error(tag, message string, meta map[string]string) {
	r.Record(LevelError, tag, message, meta)
}

// Events returns the retained events, oldest first.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
