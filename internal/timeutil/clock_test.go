package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	var clock Clock = RealClock{}

	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before.Add(-time.Second)), time.Second)

	timer := clock.NewTimer(10 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, timer.Stop())
}

func TestMockClock_NowAndSince(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), clock.Now())
	assert.Equal(t, 1500*time.Millisecond, clock.Since(start))

	later := start.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestMockClock_TimerFiresAtDeadline(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(100 * time.Millisecond)
	assert.Equal(t, 1, clock.PendingTimers())

	clock.Advance(99 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(100*time.Millisecond), at)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, clock.PendingTimers())
	assert.False(t, timer.Stop())

	// fires once
	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("fired twice")
	default:
	}
}

func TestMockClock_StoppedTimer(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(time.Second)
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, clock.PendingTimers())

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_ZeroDurationTimer(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero timer should fire immediately")
	}
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestMockClock_SetFiresTimers(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(time.Minute)

	clock.Set(start.Add(2 * time.Minute))
	select {
	case <-timer.C():
	default:
		t.Fatal("Set past the deadline should fire")
	}
}
