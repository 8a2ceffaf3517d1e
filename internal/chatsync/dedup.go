package chatsync

import "sync"

// Deduplicator suppresses re-delivery of messages already handed to the
// renderer, keyed by server-assigned id. Full history reloads after a
// resync or resume re-deliver the whole transcript; the deduplicator is
// what keeps those reloads from duplicating entries on screen.
//
// Messages without an id (optimistic local echoes) always pass; the
// emitter replaces them by LocalKey when the confirmed copy arrives.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[int64]struct{})}
}

// ShouldRender reports true exactly once per distinct message id, and
// unconditionally for id-less messages.
func (d *Deduplicator) ShouldRender(m Message) bool {
	if m.ID == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[m.ID]; ok {
		return false
	}
	d.seen[m.ID] = struct{}{}
	return true
}
