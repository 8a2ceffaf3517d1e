package chatsync

import (
	"sync"
	"testing"
	"time"
)

// fakeClock drives the poller deterministically. Now returns a fixed
// instant; After hands back a shared channel the test feeds to fire
// ticks.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, ticks: make(chan time.Time, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	return c.ticks
}

func (c *fakeClock) tick() {
	c.ticks <- c.Now()
}

func TestAdjustedNowBelowThresholdIsUnadjusted(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sync := NewClockSync(clock)

	sync.RecordSample(clock.Now(), clock.Now().Add(3*time.Second))
	if got := sync.Offset(); got != 3*time.Second {
		t.Fatalf("offset = %s, want 3s", got)
	}
	if got := sync.AdjustedNow(); !got.Equal(clock.Now()) {
		t.Fatalf("AdjustedNow = %s, want unadjusted local time %s", got, clock.Now())
	}
}

func TestAdjustedNowAboveThresholdCompensates(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sync := NewClockSync(clock)

	var drift time.Duration
	sync.OnDrift = func(offset time.Duration) { drift = offset }

	sync.RecordSample(clock.Now(), clock.Now().Add(120*time.Second))
	want := clock.Now().Add(120 * time.Second)
	if got := sync.AdjustedNow(); !got.Equal(want) {
		t.Fatalf("AdjustedNow = %s, want offset-adjusted %s", got, want)
	}
	if drift != 120*time.Second {
		t.Fatalf("drift indicator = %s, want 120s", drift)
	}
}

func TestNegativeOffsetCompensates(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sync := NewClockSync(clock)

	sync.RecordSample(clock.Now(), clock.Now().Add(-10*time.Second))
	want := clock.Now().Add(-10 * time.Second)
	if got := sync.AdjustedNow(); !got.Equal(want) {
		t.Fatalf("AdjustedNow = %s, want %s", got, want)
	}
}

func TestDriftIndicatorFiresOncePerCrossing(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sync := NewClockSync(clock)

	var calls int
	sync.OnDrift = func(time.Duration) { calls++ }

	sync.RecordSample(clock.Now(), clock.Now().Add(2*time.Minute))
	sync.RecordSample(clock.Now(), clock.Now().Add(3*time.Minute))
	if calls != 1 {
		t.Fatalf("drift calls while above threshold = %d, want 1", calls)
	}

	// Dropping below the threshold re-arms the indicator.
	sync.RecordSample(clock.Now(), clock.Now().Add(time.Second))
	sync.RecordSample(clock.Now(), clock.Now().Add(90*time.Second))
	if calls != 2 {
		t.Fatalf("drift calls after re-crossing = %d, want 2", calls)
	}
}

func TestLastSampleWinsOverEarlierSamples(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sync := NewClockSync(clock)

	sync.RecordSample(clock.Now(), clock.Now().Add(30*time.Second))
	sync.RecordSample(clock.Now(), clock.Now().Add(2*time.Second))
	if got := sync.Offset(); got != 2*time.Second {
		t.Fatalf("offset = %s, want last sample 2s", got)
	}
}
