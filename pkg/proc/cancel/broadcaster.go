// Package cancel implements a process wide broadcast of thread
// cancellation triggered by a signal.
//
// A Broadcaster starts a fixed number of workers, each locked to its own
// OS thread and spinning in a loop that checks for cancellation at every
// iteration. When the cancellation signal reaches the process the
// broadcaster cancels every worker, waits for all of them to terminate
// and records that all threads were cancelled. Workers never unlock their
// OS thread, so the thread terminates with the worker.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-delve/faultcheck/pkg/logflags"
)

// ThreadCountError is returned when the number of running workers does
// not match the number that was requested.
type ThreadCountError struct {
	Want, Got int
}

func (err *ThreadCountError) Error() string {
	return fmt.Sprintf("wrong number of threads: expected %d, got %d", err.Want, err.Got)
}

var (
	errAlreadyStarted = errors.New("broadcaster already started")
	errNotStarted     = errors.New("broadcaster not started")
	errRestarted      = errors.New("broadcaster can not be restarted")
)

// Broadcaster owns a set of workers and the flag recording that all of
// them were cancelled.
type Broadcaster struct {
	numWorkers int
	numExiters int
	sig        os.Signal
	log        logflags.Logger

	mu      sync.Mutex
	started bool
	cancels []context.CancelFunc
	group   *errgroup.Group
	sigc    chan os.Signal
	done    chan struct{}

	running        atomic.Int32
	exited         atomic.Int32
	cancelRequests atomic.Int32
	ignored        atomic.Int32
	handling       atomic.Bool
	cancelled      atomic.Bool
}

// New returns a broadcaster for n workers and m short lived exit threads,
// cancelled by the default cancellation signal (SIGUSR1 where available).
func New(n, m int) *Broadcaster {
	return &Broadcaster{numWorkers: n, numExiters: m, sig: defaultSignal, log: logflags.CancelLogger()}
}

// SetSignal changes the cancellation signal. It must be called before
// Start.
func (b *Broadcaster) SetSignal(sig os.Signal) {
	b.sig = sig
}

// Signal returns the cancellation signal.
func (b *Broadcaster) Signal() os.Signal {
	return b.sig
}

// Start starts the workers and the exit threads and returns once every
// worker is running. The cancellation signal is intercepted before the
// first worker starts, but a signal received while workers are being
// started is only acted upon after all of them are running.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.numWorkers <= 0 {
		return &ThreadCountError{Want: 1, Got: b.numWorkers}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errAlreadyStarted
	}
	if b.group != nil {
		return errRestarted
	}

	b.sigc = make(chan os.Signal, 1)
	signal.Notify(b.sigc, b.sig)

	var gctx context.Context
	b.group, gctx = errgroup.WithContext(context.Background())
	for i := 0; i < b.numWorkers; i++ {
		wctx, cancel := context.WithCancel(gctx)
		b.cancels = append(b.cancels, cancel)
		id := i
		b.group.Go(func() error {
			return b.work(wctx, id)
		})
	}
	b.log.Debugf("created %d workers", b.numWorkers)

	b.spawnExiters()

	if err := spinUntil(ctx, func() bool { return int(b.running.Load()) >= b.numWorkers }); err != nil {
		b.abort()
		return err
	}
	if got := int(b.running.Load()); got != b.numWorkers {
		b.abort()
		return &ThreadCountError{Want: b.numWorkers, Got: got}
	}
	b.log.Infof("all %d workers running", b.numWorkers)

	b.started = true
	b.done = make(chan struct{})
	go b.dispatch()
	return nil
}

// work is the body of a worker. The only cancellation point is the check
// at the top of the loop.
func (b *Broadcaster) work(ctx context.Context, id int) error {
	runtime.LockOSThread()
	b.running.Add(1)
	b.log.Debugf("worker %d running", id)
	var x uint64
	for {
		select {
		case <-ctx.Done():
			b.running.Add(-1)
			b.log.Debugf("worker %d cancelled", id)
			return nil
		default:
		}
		for i := 0; i < 1000; i++ {
			x = x*6364136223846793005 + 1442695040888963407
		}
	}
}

// spawnExiters starts the exit threads. Nothing waits for them.
func (b *Broadcaster) spawnExiters() {
	for i := 0; i < b.numExiters; i++ {
		go func() {
			runtime.LockOSThread()
			b.exited.Add(1)
			runtime.Goexit()
		}()
	}
}

func (b *Broadcaster) dispatch() {
	defer close(b.done)
	for range b.sigc {
		b.log.Debugf("received %v", b.sig)
		if err := b.Broadcast(); err != nil {
			b.log.WithError(err).Warn("cancellation signal dropped")
		}
	}
}

// Broadcast cancels every worker, waits for all of them to terminate and
// then sets the cancelled flag. Only the first call after Start has any
// effect, later calls are counted and ignored. Broadcast fails if the
// broadcaster is not started.
func (b *Broadcaster) Broadcast() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errNotStarted
	}
	cancels, group := b.cancels, b.group
	b.mu.Unlock()

	if !b.handling.CompareAndSwap(false, true) {
		b.ignored.Add(1)
		b.log.Debug("cancellation already requested, ignoring")
		return nil
	}

	for _, cancel := range cancels {
		cancel()
		b.cancelRequests.Add(1)
	}
	b.log.Infof("issued %d cancellation requests", len(cancels))
	if group != nil {
		if err := group.Wait(); err != nil {
			b.log.WithError(err).Error("worker failed")
		}
	}
	b.cancelled.Store(true)
	b.log.Info("all threads cancelled")
	return nil
}

func (b *Broadcaster) abort() {
	signal.Stop(b.sigc)
	for _, cancel := range b.cancels {
		cancel()
	}
	b.group.Wait()
	b.cancels = nil
	b.group = nil
}

// Raise sends the cancellation signal to the current process.
func (b *Broadcaster) Raise() error {
	return raise(b.sig)
}

// Wait polls the cancelled flag until it is set or ctx is done.
func (b *Broadcaster) Wait(ctx context.Context) error {
	return spinUntil(ctx, b.Cancelled)
}

// Stop stops intercepting the cancellation signal. Workers that are still
// running are not cancelled. A stopped broadcaster can not be started
// again.
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errNotStarted
	}
	b.started = false
	sigc, done := b.sigc, b.done
	b.mu.Unlock()

	signal.Stop(sigc)
	close(sigc)
	<-done
	return nil
}

// Cancelled returns true once every worker has been cancelled.
func (b *Broadcaster) Cancelled() bool { return b.cancelled.Load() }

// Running returns the number of workers currently running.
func (b *Broadcaster) Running() int { return int(b.running.Load()) }

// CancelRequests returns the number of cancellation requests issued.
func (b *Broadcaster) CancelRequests() int { return int(b.cancelRequests.Load()) }

// Ignored returns the number of cancellation signals that were ignored
// because cancellation had already been requested.
func (b *Broadcaster) Ignored() int { return int(b.ignored.Load()) }

// Exited returns the number of exit threads that have run.
func (b *Broadcaster) Exited() int { return int(b.exited.Load()) }

// spinUntil yields the processor until cond returns true or ctx is done.
func spinUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	return nil
}
