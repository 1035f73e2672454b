package fault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"resilience/internal/domain"
	"resilience/internal/metrics"
	"resilience/internal/transport"
)

type Raiser interface {
	RaiseFault(ctx context.Context, generation uint64, reason string) error
}

// Detector tracks pending faults for one process and delivers them either at
// probe points (synchronous) or by cancelling the running entry context
// (asynchronous). Notices that arrive while an episode is running are queued
// until Resume.
type Detector struct {
	raiser Raiser

	mu         sync.Mutex
	mode       domain.FaultMode
	generation uint64
	inEpisode  bool
	pending    *transport.FaultNotice
	queue      []transport.FaultNotice
	abort      *transport.FaultNotice
	lost       bool
	interrupt  context.CancelCauseFunc

	terminal     chan struct{}
	terminalOnce sync.Once
}

func NewDetector(raiser Raiser, mode domain.FaultMode) *Detector {
	return &Detector{
		raiser:   raiser,
		mode:     mode,
		terminal: make(chan struct{}),
	}
}

// Terminal is closed once the group aborted or this process lost its
// membership.
func (d *Detector) Terminal() <-chan struct{} {
	return d.terminal
}

func (d *Detector) Mode() domain.FaultMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMode switches delivery. Moving to asynchronous with a fault already
// pending interrupts the entry immediately.
func (d *Detector) SetMode(mode domain.FaultMode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == mode {
		return
	}
	d.mode = mode
	slog.Debug("fault mode changed", "mode", mode)

	if cause := d.causeLocked(); cause != nil {
		d.interruptLocked(cause, false)
	}
}

// Arm returns the context the entry point runs under. In asynchronous mode
// it is cancelled with cause ErrFault when a fault arrives.
func (d *Detector) Arm(ctx context.Context) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	d.interrupt = cancel
	if cause := d.causeLocked(); cause != nil {
		d.interruptLocked(cause, false)
	}
	return runCtx
}

func (d *Detector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interrupt != nil {
		d.interrupt(nil)
		d.interrupt = nil
	}
}

// Probe is a no-op unless a fault is pending.
func (d *Detector) Probe() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.causeLocked()
}

// Raise starts a group-wide fault on behalf of the application. Raising
// while a fault is pending or an episode is running does nothing.
func (d *Detector) Raise(ctx context.Context, reason string) error {
	d.mu.Lock()
	if cause := d.causeLocked(); cause != nil {
		d.mu.Unlock()
		return cause
	}
	if d.inEpisode {
		d.mu.Unlock()
		return ErrFault
	}

	gen := d.generation
	d.pending = &transport.FaultNotice{Generation: gen, Origin: -1, Reason: reason}
	d.interruptLocked(ErrFault, false)
	d.mu.Unlock()

	slog.Warn("raising fault", "generation", gen, "reason", reason)
	if err := d.raiser.RaiseFault(ctx, gen, reason); err != nil {
		return fmt.Errorf("raise fault: %w", err)
	}
	return ErrFault
}

func (d *Detector) Notify(n transport.FaultNotice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n.Abort {
		if d.abort == nil {
			d.abort = &n
		}
		d.terminalOnce.Do(func() { close(d.terminal) })
		d.interruptLocked(d.causeLocked(), true)
		return
	}

	if n.Generation < d.generation {
		slog.Debug("dropping stale fault notice", "generation", n.Generation, "current", d.generation)
		return
	}

	if d.inEpisode {
		d.queue = append(d.queue, n)
		metrics.FaultsQueued.Inc()
		slog.Debug("queued fault notice during episode", "generation", n.Generation, "origin", n.Origin)
		return
	}

	if d.pending == nil {
		d.pending = &n
		slog.Info("fault pending", "generation", n.Generation, "origin", n.Origin, "reason", n.Reason)
	}
	d.interruptLocked(ErrFault, false)
}

// Begin enters an episode and returns the notice that triggered it.
func (d *Detector) Begin() (transport.FaultNotice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return transport.FaultNotice{}, ErrProcessLost
	}
	if d.abort != nil {
		return *d.abort, d.abortErrorLocked()
	}

	var n transport.FaultNotice
	if d.pending != nil {
		n = *d.pending
	}
	d.pending = nil
	d.inEpisode = true
	return n, nil
}

// Resume leaves the episode at the new generation. A pending or queued
// notice that is not older than it becomes the next pending fault.
func (d *Detector) Resume(generation uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inEpisode = false
	d.generation = generation
	if d.pending != nil && d.pending.Generation < generation {
		d.pending = nil
	}

	for _, n := range d.queue {
		if d.pending != nil {
			break
		}
		if n.Generation >= generation {
			queued := n
			d.pending = &queued
			slog.Info("delivering queued fault", "generation", n.Generation, "origin", n.Origin)
		}
	}
	d.queue = nil
}

// Watch feeds notices from the transport until ctx ends. A closed channel
// while ctx is still live means this process was removed from the group.
func (d *Detector) Watch(ctx context.Context, notices <-chan transport.FaultNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				if ctx.Err() == nil {
					d.markLost()
				}
				return
			}
			d.Notify(n)
		}
	}
}

func (d *Detector) markLost() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lost = true
	d.terminalOnce.Do(func() { close(d.terminal) })
	slog.Warn("process lost its group membership")
	d.interruptLocked(ErrProcessLost, true)
}

func (d *Detector) causeLocked() error {
	switch {
	case d.lost:
		return ErrProcessLost
	case d.abort != nil:
		return d.abortErrorLocked()
	case d.pending != nil:
		return ErrFault
	default:
		return nil
	}
}

func (d *Detector) abortErrorLocked() error {
	return &AbortError{Code: d.abort.Code, Origin: d.abort.Origin, Reason: d.abort.Reason}
}

func (d *Detector) interruptLocked(cause error, force bool) {
	if d.interrupt == nil || cause == nil {
		return
	}
	if force || d.mode == domain.FaultModeAsynchronous {
		d.interrupt(cause)
	}
}
