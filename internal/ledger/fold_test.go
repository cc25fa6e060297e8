package ledger

import (
	"testing"
	"time"
)

func ev(study, addr string, offset time.Duration, status bool) ConsentEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return ConsentEvent{StudyID: study, Address: addr, Timestamp: base.Add(offset), Status: status}
}

func TestFoldLatestLastWriteWins(t *testing.T) {
	events := []ConsentEvent{
		ev("s1", "a1", 0, false),
		ev("s1", "a1", time.Minute, true),
		ev("s1", "a2", 0, true),
		ev("s1", "a2", 2*time.Minute, false),
	}

	latest := FoldLatest(events)
	if !latest["a1"].Status {
		t.Fatal("a1 latest event is a grant")
	}
	if latest["a2"].Status {
		t.Fatal("a2 latest event is a withdrawal")
	}
}

func TestConsentingAddresses(t *testing.T) {
	events := []ConsentEvent{
		ev("s1", "a1", 0, false),
		ev("s1", "a1", time.Minute, true),
		ev("s1", "a2", 0, true),
		ev("s1", "a2", time.Minute, false),
		ev("s1", "a3", 0, true),
	}

	got := ConsentingAddresses(events)
	if len(got) != 2 || got[0] != "a1" || got[1] != "a3" {
		t.Fatalf("unexpected consenting set: %v", got)
	}
}

func TestAllAddressesKeepsWithdrawn(t *testing.T) {
	events := []ConsentEvent{
		ev("s1", "a2", 0, true),
		ev("s1", "a2", time.Minute, false),
		ev("s1", "a1", 0, false),
	}

	got := AllAddresses(events)
	if len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Fatalf("unexpected address set: %v", got)
	}
}

func TestFoldLatestEmptyHistory(t *testing.T) {
	if got := FoldLatest(nil); len(got) != 0 {
		t.Fatalf("empty history must fold to empty map, got %v", got)
	}
	if got := ConsentingAddresses(nil); len(got) != 0 {
		t.Fatalf("no events means nobody consents, got %v", got)
	}
}
