//go:build !windows

package cancel

import (
	"testing"
	"time"
)

func TestBroadcastSignal(t *testing.T) {
	ctx := timeout(t)
	b := New(4, 2)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if b.Running() != 4 {
		t.Errorf("Running() = %d, expected 4", b.Running())
	}
	for i := 0; i < 10; i++ {
		if b.Cancelled() {
			t.Fatal("cancelled before the signal was sent")
		}
		time.Sleep(time.Millisecond)
	}

	if err := b.Raise(); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.CancelRequests(); got != 4 {
		t.Errorf("cancelled flag set after %d cancellation requests, expected 4", got)
	}
	if b.Running() != 0 {
		t.Errorf("%d workers still running", b.Running())
	}

	// second delivery is ignored
	if err := b.Raise(); err != nil {
		t.Fatal(err)
	}
	if err := spinUntil(ctx, func() bool { return b.Ignored() == 1 }); err != nil {
		t.Fatal(err)
	}
	if got := b.CancelRequests(); got != 4 {
		t.Errorf("%d cancellation requests after second signal, expected 4", got)
	}
}
