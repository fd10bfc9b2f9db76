package cancel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBroadcastIdempotent(t *testing.T) {
	ctx := timeout(t)
	b := New(3, 0)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if err := b.Broadcast(); err != nil {
		t.Fatal(err)
	}
	if !b.Cancelled() {
		t.Fatal("not cancelled after Broadcast returned")
	}
	b.Broadcast()
	b.Broadcast()
	if b.CancelRequests() != 3 || b.Ignored() != 2 {
		t.Errorf("requests %d ignored %d, expected 3 and 2", b.CancelRequests(), b.Ignored())
	}
}

func TestExiters(t *testing.T) {
	ctx := timeout(t)
	b := New(1, 5)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	if err := spinUntil(ctx, func() bool { return b.Exited() == 5 }); err != nil {
		t.Fatalf("exit threads: %v", err)
	}
	b.Broadcast()
}

func TestThreadCount(t *testing.T) {
	err := New(0, 0).Start(timeout(t))
	var terr *ThreadCountError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ThreadCountError, got %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	ctx := timeout(t)
	b := New(1, 0)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != errAlreadyStarted {
		t.Errorf("second Start: %v", err)
	}
	b.Broadcast()
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(); err != errNotStarted {
		t.Errorf("second Stop: %v", err)
	}
}

func TestBroadcastBeforeStart(t *testing.T) {
	ctx := timeout(t)
	b := New(4, 0)
	if err := b.Broadcast(); err != errNotStarted {
		t.Fatalf("Broadcast before Start: %v", err)
	}
	if b.Cancelled() || b.CancelRequests() != 0 || b.Ignored() != 0 {
		t.Fatalf("state changed by Broadcast before Start: cancelled=%v requests=%d ignored=%d", b.Cancelled(), b.CancelRequests(), b.Ignored())
	}

	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	if err := b.Broadcast(); err != nil {
		t.Fatal(err)
	}
	if !b.Cancelled() || b.CancelRequests() != 4 || b.Ignored() != 0 {
		t.Errorf("cancelled=%v requests=%d ignored=%d, expected true, 4 and 0", b.Cancelled(), b.CancelRequests(), b.Ignored())
	}
}

func TestRestart(t *testing.T) {
	ctx := timeout(t)
	b := New(1, 0)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Broadcast(); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != errRestarted {
		t.Errorf("Start after Stop: %v", err)
	}
	if err := b.Broadcast(); err != errNotStarted {
		t.Errorf("Broadcast after Stop: %v", err)
	}
}
