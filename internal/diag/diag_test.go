package diag

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsOrder(t *testing.T) {
	r := NewRing(8)
	r.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	r.Info("chooser", "decision made", map[string]string{"policy": "fastest"})
	r.Warn("budget", "cooldown set", nil)
	r.Error("transport", "server error", nil)

	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "chooser", events[0].Tag)
	assert.Equal(t, LevelWarn, events[1].Level)
	assert.Equal(t, "fastest", events[0].Meta["policy"])
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(4)

	for i := 0; i < 10; i++ {
		r.Info("t", fmt.Sprintf("event-%d", i), nil)
	}

	events := r.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "event-6", events[0].Message, "oldest surviving event")
	assert.Equal(t, "event-9", events[3].Message)
	assert.Equal(t, 4, r.Len())
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	r.Info("t", "x", nil)
	assert.Equal(t, 1, r.Len())
}
