// Package shutdown implements C9: the process-wide cancellation token
// that every long-lived worker loop polls (spec §4.8). The source's
// async-signal-safe-flag-plus-50ms-poller pattern exists because C's
// signal handlers can do nothing but set a flag; Go's os/signal already
// performs that async-signal-safe hop inside the runtime and delivers the
// signal on an ordinary channel, so Coordinator is one goroutine selecting
// on that channel instead of a polling thread (SPEC_FULL.md §13, open
// question 5 — waitForShutdown()'s observable contract is unchanged).
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Coordinator is C9: a set-once shutdown flag plus the reason and signal
// that caused it, with a channel waiters can block on (the condition
// variable's Go analog).
type Coordinator struct {
	log *logrus.Entry

	once   sync.Once
	doneCh chan struct{}

	mu     sync.Mutex
	reason string
	sig    os.Signal

	sigCh  chan os.Signal
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Coordinator and starts its signal-watcher goroutine,
// listening for SIGINT/SIGTERM/SIGQUIT (spec §6's "Signal surface").
func New(log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Coordinator{
		log:    log,
		doneCh: make(chan struct{}),
		sigCh:  make(chan os.Signal, 1),
		stopCh: make(chan struct{}),
	}
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	c.wg.Add(1)
	go c.watch()
	return c
}

func (c *Coordinator) watch() {
	defer c.wg.Done()
	select {
	case sig := <-c.sigCh:
		c.trigger("signal", sig)
	case <-c.stopCh:
	}
}

// trigger is the non-async-safe work the source's watcher thread performs
// once the flag is observed set: store the reason and signal, close the
// done channel exactly once (the broadcast equivalent).
func (c *Coordinator) trigger(reason string, sig os.Signal) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.sig = sig
		c.mu.Unlock()
		close(c.doneCh)
		c.log.WithFields(logrus.Fields{"reason": reason, "signal": sig}).Warn("shutdown requested")
	})
}

// RequestShutdown is the programmatic equivalent of a signal: same
// effect, bypasses the signal path (spec §4.8).
func (c *Coordinator) RequestShutdown(reason string) {
	c.trigger(reason, nil)
}

// IsShutdownRequested is the non-blocking poll every long-lived loop
// checks between units of work (spec §5).
func (c *Coordinator) IsShutdownRequested() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once shutdown has been requested,
// usable directly in a select alongside a cancellable sleep.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// WaitForShutdown blocks until a shutdown has been requested, by signal
// or programmatically.
func (c *Coordinator) WaitForShutdown() {
	<-c.doneCh
}

// Reason returns the stored reason string and signal, or ("", nil) if no
// shutdown has been requested yet.
func (c *Coordinator) Reason() (string, os.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.sig
}

// Reset exists for tests: it stops the signal watcher, drops the signal
// registration, and returns a fresh Coordinator in its place. The
// receiver itself is left inert after Reset — callers should discard it
// and use the returned Coordinator.
func (c *Coordinator) Reset() *Coordinator {
	signal.Stop(c.sigCh)
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
	return New(c.log)
}
