package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeupFiresAtScheduledInstant(t *testing.T) {
	w := NewWakeupScheduler()
	defer w.Stop()

	start := time.Now()
	w.Schedule(start.Add(50 * time.Millisecond))

	select {
	case <-w.C():
		assert.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("wakeup never fired")
	}
}

func TestEarlierScheduleTightensTimer(t *testing.T) {
	w := NewWakeupScheduler()
	defer w.Stop()

	start := time.Now()
	w.Schedule(start.Add(2 * time.Second))
	w.Schedule(start.Add(50 * time.Millisecond))

	select {
	case <-w.C():
		assert.Less(t, time.Since(start), time.Second,
			"the earlier instant must win")
	case <-time.After(time.Second):
		t.Fatal("wakeup never fired")
	}
}

func TestLaterScheduleIsNoOp(t *testing.T) {
	w := NewWakeupScheduler()
	defer w.Stop()

	start := time.Now()
	w.Schedule(start.Add(60 * time.Millisecond))
	earlier := w.NextFireAt()
	w.Schedule(start.Add(5 * time.Second))

	assert.Equal(t, earlier, w.NextFireAt(), "a later instant must not push the timer back")

	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("wakeup never fired")
	}
	// The superseded 5s schedule left nothing armed.
	assert.True(t, w.NextFireAt().IsZero())
}

func TestScheduleAfterFireRearms(t *testing.T) {
	w := NewWakeupScheduler()
	defer w.Stop()

	w.Schedule(time.Now().Add(20 * time.Millisecond))
	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("first wakeup never fired")
	}

	w.Schedule(time.Now().Add(20 * time.Millisecond))
	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("second wakeup never fired")
	}
}

func TestZeroInstantIgnored(t *testing.T) {
	w := NewWakeupScheduler()
	defer w.Stop()

	w.Schedule(time.Time{})
	assert.True(t, w.NextFireAt().IsZero())
}

func TestStopDisarms(t *testing.T) {
	w := NewWakeupScheduler()

	w.Schedule(time.Now().Add(30 * time.Millisecond))
	w.Stop()

	select {
	case <-w.C():
		t.Fatal("stopped scheduler must not fire")
	case <-time.After(150 * time.Millisecond):
	}
	require.True(t, w.NextFireAt().IsZero())
}
