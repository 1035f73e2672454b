package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"resilience/internal/metrics"
)

// Locator picks the cheapest source that holds this rank's checkpoint for
// the agreed restart step.
type Locator struct {
	manager *Manager
	initial uint64
}

func NewLocator(manager *Manager, initial uint64) *Locator {
	return &Locator{manager: manager, initial: initial}
}

func (l *Locator) SetInitial(step uint64) {
	l.initial = step
}

// Resolve tries the memory cache, then a checkpoint handed over during
// consensus, then durable storage. The initial step needs no checkpoint and
// resolves to an empty handle.
func (l *Locator) Resolve(step uint64, incoming *Handle) (Handle, error) {
	rank := l.manager.Rank()

	if cp, ok := l.manager.LoadLocal(step); ok {
		return l.found(Handle{Checkpoint: cp, Source: SourceMemory}), nil
	}

	if incoming != nil && incoming.Step == step && incoming.Verify() {
		return l.found(*incoming), nil
	}

	cp, err := l.manager.LoadDurable(rank, step)
	switch {
	case err == nil:
		return l.found(Handle{Checkpoint: cp, Source: SourceDurable}), nil
	case !errors.Is(err, ErrNotFound):
		slog.Warn("durable checkpoint unusable", "rank", rank, "step", step, "error", err)
	}

	if step == l.initial {
		return l.found(Handle{Checkpoint: Checkpoint{Owner: rank, Step: step}, Source: SourceInitial}), nil
	}

	return Handle{}, fmt.Errorf("rank %d step %d: %w", rank, step, ErrNoCheckpoint)
}

func (l *Locator) found(h Handle) Handle {
	metrics.CheckpointResolutions.WithLabelValues(h.Source.String()).Inc()
	slog.Debug("checkpoint resolved", "owner", h.Owner, "step", h.Step, "source", h.Source)
	return h
}
