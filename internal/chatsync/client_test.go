package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChannelUsesFirstSuccessfulEndpoint(t *testing.T) {
	var primaryCalls, fallbackCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/7":
			primaryCalls++
			w.WriteHeader(http.StatusInternalServerError)
		case "/api/support/requests/7":
			fallbackCalls++
			_ = json.NewEncoder(w).Encode(History{
				RequestID: 7,
				Status:    "pending",
				Messages: []Message{
					{ID: 1, RequestID: 7, Body: "hi", Timestamp: "2024-01-01T10:00:00.000Z"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	channel := NewChannel(
		NewHTTPClient(server.Client(), "", nil),
		NewEndpointStrategy(DefaultEndpoints(server.URL)),
	)
	history, err := channel.LoadHistory(context.Background(), 7)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if primaryCalls != 1 || fallbackCalls != 1 {
		t.Fatalf("expected primary then fallback, got %d/%d calls", primaryCalls, fallbackCalls)
	}
	if len(history.Messages) != 1 || history.Messages[0].ID != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestChannelAggregatesWhenAllEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewChannel(
		NewHTTPClient(server.Client(), "", nil),
		NewEndpointStrategy(DefaultEndpoints(server.URL)),
	)
	_, err := channel.LoadHistory(context.Background(), 7)
	if err == nil {
		t.Fatalf("expected aggregate error")
	}
	if !errors.Is(err, ErrEndpointsExhausted) {
		t.Fatalf("error should match ErrEndpointsExhausted, got %v", err)
	}
	var aggregate *AllEndpointsError
	if !errors.As(err, &aggregate) {
		t.Fatalf("error should be *AllEndpointsError, got %T", err)
	}
	if aggregate.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", aggregate.Attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("aggregate should unwrap to the last HTTP error, got %v", err)
	}
}

func TestMessagesSincePassesCursor(t *testing.T) {
	var gotSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode([]Message{})
	}))
	defer server.Close()

	channel := NewChannel(
		NewHTTPClient(server.Client(), "", nil),
		NewEndpointStrategy(DefaultEndpoints(server.URL)),
	)
	if _, err := channel.MessagesSince(context.Background(), 7, "2024-01-01T10:00:05.000Z"); err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if gotSince != "2024-01-01T10:00:05.000Z" {
		t.Fatalf("since = %q", gotSince)
	}
}

func TestClientRecordsServerTimeSamples(t *testing.T) {
	serverTime := "2030-01-01T00:00:00.000Z"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(clientTimestampHeader) == "" {
			t.Errorf("request is missing %s", clientTimestampHeader)
		}
		w.Header().Set(serverTimeHeader, serverTime)
		_ = json.NewEncoder(w).Encode([]Message{})
	}))
	defer server.Close()

	clockSync := NewClockSync(nil)
	channel := NewChannel(
		NewHTTPClient(server.Client(), "", clockSync),
		NewEndpointStrategy(DefaultEndpoints(server.URL)),
	)
	if _, err := channel.MessagesSince(context.Background(), 7, "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if clockSync.Offset() == 0 {
		t.Fatalf("expected a clock sample from %s", serverTimeHeader)
	}
}

func TestSendPostsOutgoingMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var out OutgoingMessage
		if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if out.Body != "hello" || out.SenderType != SenderUser {
			t.Errorf("unexpected outgoing payload: %+v", out)
		}
		_ = json.NewEncoder(w).Encode(SendReceipt{ID: 99, Timestamp: "2024-01-01T10:00:06.000Z"})
	}))
	defer server.Close()

	channel := NewChannel(
		NewHTTPClient(server.Client(), "", nil),
		NewEndpointStrategy(DefaultEndpoints(server.URL)),
	)
	receipt, err := channel.Send(context.Background(), 7, OutgoingMessage{
		SenderID:   12,
		SenderType: SenderUser,
		Body:       "hello",
		Timestamp:  "2024-01-01T10:00:05.000Z",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if receipt.ID != 99 {
		t.Fatalf("receipt id = %d, want 99", receipt.ID)
	}
}

func TestClientRejectsOversizedResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64*1024))
	}))
	defer server.Close()

	client := NewHTTPClient(server.Client(), "", nil)
	client.maxResponseBytes = 1024
	channel := NewChannel(client, NewEndpointStrategy(EndpointSet{
		History: []Endpoint{{BaseURL: server.URL, Path: "/api/chat/{requestID}"}},
	}))
	_, err := channel.LoadHistory(context.Background(), 7)
	if err == nil {
		t.Fatalf("oversized body must fail instead of being buffered whole")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("error should name the size limit, got %v", err)
	}
}

func TestNoEndpointsConfigured(t *testing.T) {
	channel := NewChannel(NewHTTPClient(&http.Client{Timeout: time.Second}, "", nil), NewEndpointStrategy(EndpointSet{}))
	_, err := channel.LoadHistory(context.Background(), 7)
	if !errors.Is(err, ErrEndpointsExhausted) {
		t.Fatalf("expected ErrEndpointsExhausted, got %v", err)
	}
}
