package connector

import (
	"testing"
	"time"

	"github.com/buildrun/daemonconnect/internal/daemon"
)

func TestGenerateStatus_NoRejections(t *testing.T) {
	got := generateStatus("abc123", 0, 0, 0)
	want := "Starting new daemon abc123 (subsequent builds will be faster)..."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGenerateStatus_SingleReasonSingular(t *testing.T) {
	got := generateStatus("abc123", 1, 0, 0)
	want := "Starting new daemon abc123, 1 busy daemon could not be reused, use --status for details"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGenerateStatus_MultipleReasonsPlural(t *testing.T) {
	got := generateStatus("abc123", 2, 1, 3)
	want := "Starting new daemon abc123, 2 busy and 1 incompatible and 3 stopped daemons could not be reused, use --status for details"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGenerateStatus_SingleReasonTotalGreaterThanOnePluralizes(t *testing.T) {
	// A single reason bucket whose own count is >1 still pluralizes
	// "daemon(s)" off the *total*, not off that bucket alone would be
	// wrong too, but here they coincide: total=3, one bucket.
	got := generateStatus("abc123", 0, 0, 3)
	want := "Starting new daemon abc123, 3 stopped daemons could not be reused, use --status for details"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func statusPtr(s string) *string { return &s }

func TestWinnerStopEvent_NonNullBeatsNull(t *testing.T) {
	a := daemon.StopEvent{DaemonID: "d1", Status: statusPtr("KILLED")}
	b := daemon.StopEvent{DaemonID: "d1", Status: nil}
	if got := winnerStopEvent(a, b); got.Status == nil {
		t.Fatalf("expected non-null status to win")
	}
	if got := winnerStopEvent(b, a); got.Status == nil {
		t.Fatalf("expected non-null status to win regardless of argument order")
	}
}

func TestWinnerStopEvent_GreaterStatusWins(t *testing.T) {
	a := daemon.StopEvent{DaemonID: "d1", Status: statusPtr("ABORTED")}
	b := daemon.StopEvent{DaemonID: "d1", Status: statusPtr("KILLED")}
	got := winnerStopEvent(a, b)
	if got.Status == nil || *got.Status != "KILLED" {
		t.Fatalf("expected lexicographically greater status (KILLED) to win, got %v", got.Status)
	}
}

func TestDedupRecentStopEvents_OnePerDaemonID(t *testing.T) {
	now := time.Now()
	events := []daemon.StopEvent{
		{DaemonID: "d1", Timestamp: now, Status: statusPtr("ABORTED")},
		{DaemonID: "d1", Timestamp: now, Status: statusPtr("KILLED")},
		{DaemonID: "d2", Timestamp: now, Status: nil},
	}
	deduped := dedupRecentStopEvents(events)
	if len(deduped) != 2 {
		t.Fatalf("expected 2 deduped events, got %d", len(deduped))
	}
	seen := map[string]daemon.StopEvent{}
	for _, ev := range deduped {
		seen[ev.DaemonID] = ev
	}
	if seen["d1"].Status == nil || *seen["d1"].Status != "KILLED" {
		t.Fatalf("expected d1's winner to be KILLED, got %v", seen["d1"].Status)
	}
}
