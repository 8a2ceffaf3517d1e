package chatsync

import (
	"strconv"
	"strings"
	"sync"
)

// Endpoint is one candidate route for a message-channel operation. Path
// is a template where "{requestID}" is replaced with the conversation
// id.
type Endpoint struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Path    string `yaml:"path" json:"path"`
}

// Resolve expands the path template against requestID and joins it to
// the base URL.
func (e Endpoint) Resolve(requestID int64) string {
	base := strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	path := strings.ReplaceAll(e.Path, "{requestID}", strconv.FormatInt(requestID, 10))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// EndpointSet holds the ordered candidate routes for each operation.
// History and poll share the same fallback discipline so a partial
// backend outage degrades uniformly.
type EndpointSet struct {
	History []Endpoint `yaml:"history" json:"history"`
	Poll    []Endpoint `yaml:"poll" json:"poll"`
	Send    []Endpoint `yaml:"send" json:"send"`
}

// DefaultEndpoints returns the built-in route list for a backend rooted
// at baseURL: the primary chat routes first, then the support-router
// variants the backend also serves.
func DefaultEndpoints(baseURL string) EndpointSet {
	return EndpointSet{
		History: []Endpoint{
			{BaseURL: baseURL, Path: "/api/chat/{requestID}"},
			{BaseURL: baseURL, Path: "/api/support/requests/{requestID}"},
		},
		Poll: []Endpoint{
			{BaseURL: baseURL, Path: "/api/chat/{requestID}/messages"},
		},
		Send: []Endpoint{
			{BaseURL: baseURL, Path: "/api/chat/{requestID}/messages"},
			{BaseURL: baseURL, Path: "/api/support/requests/{requestID}/messages"},
		},
	}
}

// EndpointStrategy owns the candidate lists and hands out a snapshot per
// operation. Swap replaces the whole set atomically, which is how config
// hot reload changes fallbacks without restarting the poller.
type EndpointStrategy struct {
	mu  sync.RWMutex
	set EndpointSet
}

// NewEndpointStrategy returns a strategy serving set.
func NewEndpointStrategy(set EndpointSet) *EndpointStrategy {
	return &EndpointStrategy{set: set}
}

// Swap replaces the candidate lists.
func (s *EndpointStrategy) Swap(set EndpointSet) {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}

// History returns the ordered history candidates.
func (s *EndpointStrategy) History() []Endpoint { return s.snapshot(func(set EndpointSet) []Endpoint { return set.History }) }

// Poll returns the ordered incremental-poll candidates.
func (s *EndpointStrategy) Poll() []Endpoint { return s.snapshot(func(set EndpointSet) []Endpoint { return set.Poll }) }

// Send returns the ordered send candidates.
func (s *EndpointStrategy) Send() []Endpoint { return s.snapshot(func(set EndpointSet) []Endpoint { return set.Send }) }

func (s *EndpointStrategy) snapshot(pick func(EndpointSet) []Endpoint) []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := pick(s.set)
	out := make([]Endpoint, len(src))
	copy(out, src)
	return out
}
