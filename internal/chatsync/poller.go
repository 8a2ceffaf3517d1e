package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase is the polling loop's state. All transitions funnel through one
// place so overlapping start/stop calls cannot race the loop into an
// inconsistent state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseBackoff
	PhaseSuspended
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseBackoff:
		return "backoff"
	case PhaseSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// ErrAlreadyStarted is returned by Start when the loop is already
// running for this conversation. The call is a no-op; the existing loop
// keeps its timers.
var ErrAlreadyStarted = errors.New("polling already started")

// Config tunes the polling loop. Zero values take the reference
// defaults: 1 second interval and base backoff, 5 second cap, full
// resync after the fourth consecutive failure.
type Config struct {
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MaxIncrementalFailures is how many consecutive poll failures are
	// absorbed with backoff before escalating to a full history reload.
	MaxIncrementalFailures int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxIncrementalFailures <= 0 {
		c.MaxIncrementalFailures = 3
	}
	return c
}

// backoffDelay returns min(base * 2^failures, max).
func (c Config) backoffDelay(failures int) time.Duration {
	delay := c.BaseBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return delay
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Conversation ConversationContext
	Channel      MessageChannel
	Clock        Clock
	ClockSync    *ClockSync
	Logger       *slog.Logger
	Config       Config

	// Emit receives every message to render, in order. A message whose
	// LocalKey matches a previously emitted optimistic echo replaces
	// that entry rather than appending. Emit runs on the poller's
	// goroutine (or the Send caller's); it must not block.
	Emit func(Message)

	// OnError, if set, receives the aggregate error when full-resync
	// escalation itself fails. Transient poll failures are absorbed
	// silently.
	OnError func(error)
}

// Poller drives periodic fetch-since-cursor calls for one conversation.
// It owns that conversation's sync state exclusively: the cursor, the
// deduplicator, the failure counter, and the phase. The send path shares
// the same instance (see Send).
type Poller struct {
	conv       ConversationContext
	channel    MessageChannel
	clock      Clock
	clockSync  *ClockSync
	normalizer *Normalizer
	cursor     *CursorTracker
	dedup      *Deduplicator
	logger     *slog.Logger
	cfg        Config
	emit       func(Message)
	onError    func(error)

	mu            sync.Mutex
	phase         Phase
	failures      int
	inFlight      bool
	resyncPending bool
	generation    uint64
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewPoller validates opts and returns a Poller in the Idle phase.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if opts.Conversation.RequestID <= 0 {
		return nil, fmt.Errorf("conversation request id is required")
	}
	if opts.Emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	clockSync := opts.ClockSync
	if clockSync == nil {
		clockSync = NewClockSync(clock)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", opts.Conversation.RequestID)
	return &Poller{
		conv:       opts.Conversation,
		channel:    opts.Channel,
		clock:      clock,
		clockSync:  clockSync,
		normalizer: NewNormalizer(clockSync, logger),
		cursor:     &CursorTracker{},
		dedup:      NewDeduplicator(),
		logger:     logger,
		cfg:        opts.Config.withDefaults(),
		emit:       opts.Emit,
		onError:    opts.OnError,
	}, nil
}

// Phase returns the loop's current phase.
func (p *Poller) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Cursor returns the current cursor value, or empty before the first
// message is seen.
func (p *Poller) Cursor() string {
	return p.cursor.Current("")
}

// Start loads the full history, renders it, and begins incremental
// polling. Starting an already-running loop is a no-op returning
// ErrAlreadyStarted (no duplicate timers). Starting after Stop performs
// a full reload rather than resuming incremental polling: the cursor may
// be arbitrarily stale relative to the time spent suspended.
//
// If the initial load fails, the loop stays stopped and the aggregate
// error is returned; calling Start again is the retry affordance.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.phase == PhaseActive || p.phase == PhaseBackoff {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	wasSuspended := p.phase == PhaseSuspended
	p.generation++
	gen := p.generation
	p.setPhaseLocked(PhaseActive)
	p.failures = 0
	p.resyncPending = false
	p.mu.Unlock()

	if err := p.fullReload(ctx, gen, wasSuspended); err != nil {
		p.mu.Lock()
		if p.generation == gen {
			p.setPhaseLocked(PhaseIdle)
		}
		p.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	if p.generation != gen {
		// Stopped while the initial load was in flight.
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(loopCtx, gen, done)
	return nil
}

// Stop cancels the pending timer and suspends the loop. A network call
// already in flight is allowed to complete, but its result is discarded.
// Stop is idempotent and returns once the loop goroutine has exited.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.generation++
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.setPhaseLocked(PhaseSuspended)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			p.releaseLoop(gen)
			return
		case <-p.clock.After(p.nextDelay()):
		}
		p.cycle(ctx, gen)
	}
}

// releaseLoop records a context-driven exit: the caller cancelled the
// context passed to Start instead of calling Stop. The loop suspends
// exactly as Stop would, so Phase() tells the truth and a later Start
// takes the full-reload resume path instead of being refused.
func (p *Poller) releaseLoop(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		// Stop already ran; it owns the teardown.
		return
	}
	p.generation++
	p.cancel = nil
	p.done = nil
	p.setPhaseLocked(PhaseSuspended)
	p.logger.Info("polling context cancelled, loop suspended")
}

// nextDelay picks the wait before the next cycle: the base interval in
// steady state, the backoff ladder after failures, the cap delay while a
// full resync is pending.
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resyncPending {
		return p.cfg.MaxBackoff
	}
	if p.phase == PhaseBackoff {
		return p.cfg.backoffDelay(p.failures)
	}
	return p.cfg.Interval
}

// cycle performs one fetch: an incremental poll normally, a full reload
// when escalation is pending. Skipped entirely when a prior cycle's
// network call is still outstanding, so a slow backend never builds up
// concurrent requests.
func (p *Poller) cycle(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if p.generation != gen || p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	resync := p.resyncPending
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	if resync {
		if err := p.fullReload(ctx, gen, true); err != nil {
			p.logger.Error("full resync failed", "error", err)
			if p.onError != nil && ctx.Err() == nil {
				p.onError(err)
			}
		}
		return
	}

	since := p.cursor.Current(Canonical(p.clockSync.AdjustedNow()))
	messages, err := p.channel.MessagesSince(ctx, p.conv.RequestID, since)
	if err != nil {
		p.handleFailure(ctx, gen, err)
		return
	}
	p.applyIncrement(gen, messages)
}

// applyIncrement feeds a poll response through the normalizer, cursor,
// and deduplicator in server order. Results from a superseded generation
// (the loop was stopped or restarted meanwhile) are discarded.
func (p *Poller) applyIncrement(gen uint64, messages []Message) {
	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		return
	}
	p.failures = 0
	p.setPhaseLocked(PhaseActive)
	p.mu.Unlock()

	for _, m := range messages {
		if p.isStale(gen) {
			return
		}
		m.Timestamp = p.normalizer.Normalize(m.Timestamp)
		// Rendering is gated by the deduplicator, not the cursor: two
		// distinct messages may share a timestamp, and both render. The
		// cursor still only moves forward.
		if p.dedup.ShouldRender(m) {
			p.emit(m)
		}
		p.cursor.Advance(m.Timestamp)
	}
}

// isStale reports whether gen has been superseded by a Stop or restart.
// Render loops consult it per message so a teardown mid-batch cuts the
// batch short instead of completing it.
func (p *Poller) isStale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation != gen
}

func (p *Poller) handleFailure(ctx context.Context, gen uint64, pollErr error) {
	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		return
	}
	p.failures++
	failures := p.failures
	escalate := failures > p.cfg.MaxIncrementalFailures
	if escalate {
		p.resyncPending = true
		p.setPhaseLocked(PhaseIdle)
	} else {
		p.setPhaseLocked(PhaseBackoff)
	}
	p.mu.Unlock()

	if !escalate {
		p.logger.Warn("poll failed, backing off",
			"consecutive_failures", failures,
			"retry_in", p.cfg.backoffDelay(failures).String(),
			"error", pollErr,
		)
		return
	}

	p.logger.Warn("poll failures exceeded threshold, escalating to full resync",
		"consecutive_failures", failures,
		"error", pollErr,
	)
	if err := p.fullReload(ctx, gen, true); err != nil {
		p.logger.Error("full resync failed", "error", err)
		if p.onError != nil && ctx.Err() == nil {
			p.onError(err)
		}
	}
}

// fullReload fetches the entire history and replays it through the
// render pipeline. Already-rendered messages are suppressed by the
// deduplicator; the cursor is rebuilt from scratch when resetCursor is
// set so a resync converges on the server's view rather than trusting a
// possibly stale window.
func (p *Poller) fullReload(ctx context.Context, gen uint64, resetCursor bool) error {
	history, err := p.channel.LoadHistory(ctx, p.conv.RequestID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		return nil
	}
	p.failures = 0
	p.resyncPending = false
	p.setPhaseLocked(PhaseActive)
	p.mu.Unlock()

	if resetCursor {
		p.cursor.Reset()
	}
	for _, m := range history.Messages {
		if p.isStale(gen) {
			return nil
		}
		m.Timestamp = p.normalizer.Normalize(m.Timestamp)
		if p.dedup.ShouldRender(m) {
			p.emit(m)
		}
		p.cursor.Advance(m.Timestamp)
	}
	return nil
}

// setPhaseLocked is the single transition point. Callers hold p.mu.
func (p *Poller) setPhaseLocked(to Phase) {
	if p.phase == to {
		return
	}
	p.logger.Debug("polling phase transition", "from", p.phase.String(), "to", to.String())
	p.phase = to
}
