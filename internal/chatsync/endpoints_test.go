package chatsync

import "testing"

func TestEndpointResolve(t *testing.T) {
	e := Endpoint{BaseURL: "http://127.0.0.1:8080/", Path: "/api/chat/{requestID}/messages"}
	if got := e.Resolve(17); got != "http://127.0.0.1:8080/api/chat/17/messages" {
		t.Fatalf("Resolve = %q", got)
	}
	bare := Endpoint{BaseURL: "http://backend", Path: "api/chat/{requestID}"}
	if got := bare.Resolve(3); got != "http://backend/api/chat/3" {
		t.Fatalf("Resolve without leading slash = %q", got)
	}
}

func TestDefaultEndpointsPreferChatRoutes(t *testing.T) {
	set := DefaultEndpoints("http://backend")
	if len(set.History) != 2 || set.History[0].Path != "/api/chat/{requestID}" {
		t.Fatalf("unexpected history candidates: %+v", set.History)
	}
	if len(set.Send) != 2 || set.Send[1].Path != "/api/support/requests/{requestID}/messages" {
		t.Fatalf("expected support-router send fallback, got %+v", set.Send)
	}
}

func TestStrategySwapReplacesCandidates(t *testing.T) {
	strategy := NewEndpointStrategy(DefaultEndpoints("http://a"))
	strategy.Swap(EndpointSet{
		Poll: []Endpoint{{BaseURL: "http://b", Path: "/api/chat/{requestID}/messages"}},
	})
	poll := strategy.Poll()
	if len(poll) != 1 || poll[0].BaseURL != "http://b" {
		t.Fatalf("swap did not replace poll candidates: %+v", poll)
	}
	if len(strategy.History()) != 0 {
		t.Fatalf("swap should replace the whole set")
	}
}

func TestStrategySnapshotsAreIndependent(t *testing.T) {
	strategy := NewEndpointStrategy(DefaultEndpoints("http://a"))
	snapshot := strategy.History()
	snapshot[0].BaseURL = "http://mutated"
	if strategy.History()[0].BaseURL != "http://a" {
		t.Fatalf("mutating a snapshot must not affect the strategy")
	}
}
