package chatsync

import (
	"sync"
	"time"
)

// Clock abstracts the time operations the engine performs so tests can
// drive the polling loop deterministically. Production code injects
// RealClock().
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

const (
	// compensationThreshold is the minimum absolute clock offset worth
	// compensating for. Below it AdjustedNow returns the local clock
	// unmodified; small drift is noise, not signal.
	compensationThreshold = 5 * time.Second

	// driftAlertThreshold is the absolute offset beyond which the drift
	// callback fires so the UI can surface an indicator.
	driftAlertThreshold = time.Minute
)

// ClockSync estimates the offset between the local clock and the server
// clock from paired (client-sent-at, server-reported) samples. The
// estimate is the last sample, not a filtered average: samples arrive on
// every poll and drift is assumed slowly varying.
//
// One ClockSync may be shared process-wide or held per conversation;
// either works as long as the normalizer and the send path consult the
// same instance.
type ClockSync struct {
	clock Clock

	// OnDrift, if set, is called with the current offset whenever a
	// recorded sample crosses the drift alert threshold. It re-arms once
	// a later sample falls back under the threshold.
	OnDrift func(offset time.Duration)

	mu       sync.Mutex
	offset   time.Duration
	signaled bool
}

// NewClockSync returns a ClockSync reading local time from clock. A nil
// clock means RealClock().
func NewClockSync(clock Clock) *ClockSync {
	if clock == nil {
		clock = RealClock()
	}
	return &ClockSync{clock: clock}
}

// RecordSample updates the offset estimate to serverTime - clientSentAt.
func (c *ClockSync) RecordSample(clientSentAt, serverTime time.Time) {
	offset := serverTime.Sub(clientSentAt)

	c.mu.Lock()
	c.offset = offset
	alert := false
	if abs(offset) > driftAlertThreshold {
		if !c.signaled {
			c.signaled = true
			alert = true
		}
	} else {
		c.signaled = false
	}
	onDrift := c.OnDrift
	c.mu.Unlock()

	if alert && onDrift != nil {
		onDrift(offset)
	}
}

// Offset returns the current server-minus-client estimate. Zero until
// the first sample.
func (c *ClockSync) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// AdjustedNow returns local time shifted by the offset estimate when the
// estimate exceeds the compensation threshold, otherwise plain local
// time.
func (c *ClockSync) AdjustedNow() time.Time {
	now := c.clock.Now()
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()
	if abs(offset) > compensationThreshold {
		return now.Add(offset)
	}
	return now
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
