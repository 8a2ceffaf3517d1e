package chatsync

import "testing"

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	tracker := &CursorTracker{}
	sequence := []string{
		"2024-01-01T10:00:05.000Z",
		"2024-01-01T10:00:00.000Z",
		"2024-01-01T10:00:10.000Z",
		"2024-01-01T09:59:59.000Z",
		"2024-01-01T10:00:10.000Z",
	}
	for _, candidate := range sequence {
		tracker.Advance(candidate)
	}
	if got := tracker.Current(""); got != "2024-01-01T10:00:10.000Z" {
		t.Fatalf("cursor = %q, want the maximum of the sequence", got)
	}
}

func TestCursorAdvanceReportsMovement(t *testing.T) {
	tracker := &CursorTracker{}
	if !tracker.Advance("2024-01-01T10:00:00.000Z") {
		t.Fatalf("first advance should move the cursor")
	}
	if tracker.Advance("2024-01-01T10:00:00.000Z") {
		t.Fatalf("equal timestamp must not move the cursor")
	}
	if tracker.Advance("2024-01-01T09:00:00.000Z") {
		t.Fatalf("older timestamp must not move the cursor")
	}
	if !tracker.Advance("2024-01-01T10:00:01.000Z") {
		t.Fatalf("newer timestamp should move the cursor")
	}
}

func TestCursorCurrentFallsBackWhenUnset(t *testing.T) {
	tracker := &CursorTracker{}
	if got := tracker.Current("2024-06-01T00:00:00.000Z"); got != "2024-06-01T00:00:00.000Z" {
		t.Fatalf("unset cursor should return fallback, got %q", got)
	}
	tracker.Advance("2024-01-01T10:00:00.000Z")
	if got := tracker.Current("2024-06-01T00:00:00.000Z"); got != "2024-01-01T10:00:00.000Z" {
		t.Fatalf("set cursor should ignore fallback, got %q", got)
	}
}

func TestCursorResetClears(t *testing.T) {
	tracker := &CursorTracker{}
	tracker.Advance("2024-01-01T10:00:00.000Z")
	tracker.Reset()
	if got := tracker.Current(""); got != "" {
		t.Fatalf("cursor after reset = %q, want empty", got)
	}
}

func TestEmptyCandidateIsIgnored(t *testing.T) {
	tracker := &CursorTracker{}
	if tracker.Advance("") {
		t.Fatalf("empty candidate must not move the cursor")
	}
}
