package launch

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestTracerPid(t *testing.T) {
	tests := []struct {
		status string
		pid    int
		fail   bool
	}{
		{"Name:\tcat\nState:\tR (running)\nTracerPid:\t0\n", 0, false},
		{"Name:\tcat\nTracerPid:\t4242\nUid:\t0\n", 4242, false},
		{"Name:\tcat\nTracerPid:\n", 0, true},
		{"Name:\tcat\nTracerPid:\tx\n", 0, true},
		{"Name:\tcat\n", 0, true},
	}
	for _, tc := range tests {
		pid, err := tracerPid(strings.NewReader(tc.status))
		if (err != nil) != tc.fail || pid != tc.pid {
			t.Errorf("tracerPid(%q) = %d, %v", tc.status, pid, err)
		}
	}
}

func TestWaitAttachedTimeout(t *testing.T) {
	if attached, err := Attached(os.Getpid()); err != nil {
		t.Fatal(err)
	} else if attached {
		t.Skip("test process is traced")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitAttached(ctx, os.Getpid(), time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAttached returned %v", err)
	}
}
