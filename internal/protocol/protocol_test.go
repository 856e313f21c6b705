package protocol

import (
	"testing"
	"time"
)

func TestTimestampCarriesMilliseconds(t *testing.T) {
	at := time.Date(2026, 8, 29, 4, 52, 15, 500*int(time.Millisecond), time.UTC)
	got := Timestamp(at)
	want := "2026-08-29T04:52:15.500Z"
	if got != want {
		t.Errorf("Timestamp = %q, want %q", got, want)
	}
}

func TestTimestampOrdersSubSecondEdits(t *testing.T) {
	base := time.Date(2026, 8, 29, 4, 52, 15, 100*int(time.Millisecond), time.UTC)
	earlier, err := ParseTimestamp(Timestamp(base))
	if err != nil {
		t.Fatalf("Failed to parse stamp: %v", err)
	}
	later, err := ParseTimestamp(Timestamp(base.Add(500 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Failed to parse stamp: %v", err)
	}
	if !later.After(earlier) {
		t.Errorf("Stamps %v and %v do not order edits 500ms apart", earlier, later)
	}
}

func TestParseTimestampAcceptsWholeSeconds(t *testing.T) {
	at, err := ParseTimestamp("2026-08-29T04:52:15Z")
	if err != nil {
		t.Fatalf("Failed to parse second-precision stamp: %v", err)
	}
	if at.Nanosecond() != 0 {
		t.Errorf("Parsed fractional part = %d, want 0", at.Nanosecond())
	}
}
