package store

import (
	"bytes"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestCodecRoundTrip(t *testing.T) {
	c, err := NewCodec(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Seal("alice@example.org")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got != "alice@example.org" {
		t.Fatalf("Open = %q", got)
	}
}

func TestCodecNonDeterministic(t *testing.T) {
	c, err := NewCodec(testKey())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Seal("same value")
	b, _ := c.Seal("same value")
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext are identical")
	}
}

func TestCodecRejectsTampering(t *testing.T) {
	c, err := NewCodec(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := c.Seal("Alice")
	sealed[len(sealed)-1] ^= 0x01
	if _, err := c.Open(sealed); err == nil {
		t.Fatal("tampered ciphertext opened without error")
	}
}

func TestCodecRejectsShortKey(t *testing.T) {
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestStudyActiveWindow(t *testing.T) {
	start := mustTime(t, "2026-01-01T00:00:00Z")
	end := mustTime(t, "2026-06-30T23:59:59Z")
	s := Study{StartsAt: start, EndsAt: end}

	if s.Active(start.Add(-time.Second)) {
		t.Fatal("active before the window opens")
	}
	if !s.Active(start) || !s.Active(end) {
		t.Fatal("window bounds are inclusive")
	}
	if s.Active(end.Add(time.Second)) {
		t.Fatal("active after the window closes")
	}

	open := Study{StartsAt: start}
	if !open.Active(end.AddDate(10, 0, 0)) {
		t.Fatal("study without an end date should stay active")
	}
}
