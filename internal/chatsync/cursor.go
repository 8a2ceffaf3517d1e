package chatsync

import "sync"

// CursorTracker holds the monotonic "last seen message timestamp" that
// drives the since parameter of incremental polls. The cursor only
// moves forward: a poll response containing a stale or out-of-order
// message can never regress the window used for the next poll.
//
// Comparison is plain string comparison, which is correct because all
// values are canonical timestamps (fixed-width, zone-normalized).
type CursorTracker struct {
	mu     sync.Mutex
	cursor string
}

// Advance replaces the cursor with candidate only if candidate is
// strictly greater than the current cursor. Reports whether the cursor
// moved.
func (t *CursorTracker) Advance(candidate string) bool {
	if candidate == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor != "" && candidate <= t.cursor {
		return false
	}
	t.cursor = candidate
	return true
}

// Current returns the cursor, or fallback if no message has been seen
// yet. Callers typically pass the canonicalized adjusted now.
func (t *CursorTracker) Current(fallback string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor == "" {
		return fallback
	}
	return t.cursor
}

// Reset clears the cursor so a full history reload can rebuild it from
// scratch. Used only by the escalation path; incremental polling never
// resets.
func (t *CursorTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor = ""
}
