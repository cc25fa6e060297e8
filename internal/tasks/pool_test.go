package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsEverySubmittedTask(t *testing.T) {
	p := New(4, 8)
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		_, err := p.Submit(context.Background(), Task{
			Kind: "consent_write",
			Run: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()
	if got := ran.Load(); got != 20 {
		t.Fatalf("ran %d tasks, want 20", got)
	}
}

func TestReaperRecordsOutcome(t *testing.T) {
	p := New(1, 1)
	failure := errors.New("node unreachable")
	okID, err := p.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	badID, err := p.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return failure }})
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	r, ok := p.Lookup(okID)
	if !ok || r.Err != nil {
		t.Fatalf("Lookup(%s) = %+v, %v; want reaped success", okID, r, ok)
	}
	r, ok = p.Lookup(badID)
	if !ok || !errors.Is(r.Err, failure) {
		t.Fatalf("Lookup(%s) = %+v, %v; want reaped failure", badID, r, ok)
	}
}

func TestSubmitHonoursCallerCancellation(t *testing.T) {
	p := New(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	// Occupy the worker and fill the queue so the next Submit must wait.
	if _, err := p.Submit(context.Background(), Task{Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := p.Submit(context.Background(), Task{Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, Task{Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit = %v, want deadline exceeded", err)
	}

	close(block)
	p.Close()
}

func TestCloseWaitsForInFlightWork(t *testing.T) {
	p := New(2, 2)
	var done atomic.Bool
	if _, err := p.Submit(context.Background(), Task{Run: func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	p.Close()
	if !done.Load() {
		t.Fatal("Close returned before the in-flight task finished")
	}
}
