package memhook

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// backoffMultiplier is how fast the poll delay grows on each
// consecutive failed AttachByName attempt.
const backoffMultiplier = 2

// ProcessWatcher polls for a named process and (re-)attaches whenever
// it appears: a poll loop guarded by a mutex, a callback invoked on
// change, and a Stop that tears down the loop. A polling timer stands
// in for an event source, since there is no portable cross-process
// equivalent of a file-change notification. The poll delay grows
// exponentially while the named process can't be found and resets to
// the base interval the moment attach succeeds.
type ProcessWatcher struct {
	facade      osFacade
	name        string
	interval    time.Duration
	maxInterval time.Duration
	onAttach    func(*Attachment)
	onExit      func()

	mu      sync.Mutex
	current *Attachment
	probe   uint64
	backoff time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProcessWatcher builds a watcher for the named process. interval is
// both the liveness-probe cadence while attached and the starting delay
// (and post-success reset value) of the not-found backoff; the backoff
// caps at 32x interval. onAttach is invoked (from the watcher's own
// goroutine) every time the process is found and attached, including
// re-attachment after an exit; onExit is invoked once liveness probing
// detects the watched process is gone. Either callback may be nil.
func NewProcessWatcher(facade osFacade, name string, interval time.Duration, onAttach func(*Attachment), onExit func()) *ProcessWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessWatcher{
		facade:      facade,
		name:        name,
		interval:    interval,
		maxInterval: interval * 32,
		backoff:     interval,
		onAttach:    onAttach,
		onExit:      onExit,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Watch runs the poll loop until Stop is called. It blocks the calling
// goroutine; run it in a goroutine of your own. A timer rather than a
// ticker drives the loop since the next delay is decided fresh after
// every tick.
func (w *ProcessWatcher) Watch() {
	defer close(w.doneCh)
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-timer.C:
			timer.Reset(w.tick())
		}
	}
}

func (w *ProcessWatcher) tick() time.Duration {
	w.mu.Lock()
	attached := w.current
	probe := w.probe
	w.mu.Unlock()

	if attached != nil {
		if probe != 0 {
			// A 1-byte read of the first module's base is the liveness
			// probe: it fails once the process has exited.
			if _, err := w.facade.ReadMemory(attached.handle, probe, 1); err != nil {
				w.handleExit()
			}
		}
		return w.interval
	}

	handle, bitness, modules, err := w.facade.AttachByName(w.name)
	if err != nil {
		return w.growBackoff()
	}
	a := newAttachment(w.facade, handle, bitness, modules)

	var probeAddr uint64
	if len(modules) > 0 {
		probeAddr = modules[0].Base
	}

	w.mu.Lock()
	w.current = a
	w.probe = probeAddr
	w.mu.Unlock()
	w.resetBackoff()

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "memhook: watcher attached to %q (pid %d)\n", w.name, handle.PID())
	}
	if w.onAttach != nil {
		w.onAttach(a)
	}
	return w.interval
}

// growBackoff doubles the not-found poll delay, capped at maxInterval,
// and returns the delay to wait before the next AttachByName attempt.
func (w *ProcessWatcher) growBackoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	delay := w.backoff
	next := w.backoff * backoffMultiplier
	if next > w.maxInterval || next <= 0 {
		next = w.maxInterval
	}
	w.backoff = next
	return delay
}

// resetBackoff restores the not-found poll delay to the base interval,
// run whenever AttachByName succeeds.
func (w *ProcessWatcher) resetBackoff() {
	w.mu.Lock()
	w.backoff = w.interval
	w.mu.Unlock()
}

func (w *ProcessWatcher) handleExit() {
	w.mu.Lock()
	a := w.current
	w.current = nil
	w.probe = 0
	w.mu.Unlock()

	if a != nil {
		a.Detach()
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "memhook: watcher lost %q\n", w.name)
	}
	if w.onExit != nil {
		w.onExit()
	}
}

// Stop ends the poll loop and waits for Watch to return.
func (w *ProcessWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}
