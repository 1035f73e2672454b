package demo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"resilience/internal/checkpoint"
	"resilience/internal/cleanup"
	"resilience/internal/domain"
	"resilience/internal/reinit"
)

var ErrBadState = errors.New("malformed application state")

// CrashFunc takes a rank out of the group the way a node failure would.
type CrashFunc func(ctx context.Context, rank int) error

type Config struct {
	Steps           uint64
	CheckpointEvery uint64
	StepDelay       time.Duration
	// KillRank crashes at KillAtStep on its first run. Negative disables it.
	KillRank    int
	KillAtStep  uint64
	FaultRank   int
	FaultAtStep uint64
}

// App is a bulk-synchronous style job: every rank folds (rank+1)*step into
// a running sum, checkpoints it and reports progress. The final sum does
// not depend on how many faults the run went through.
type App struct {
	cfg   Config
	crash CrashFunc

	mu      sync.Mutex
	results map[int]uint64
	entries map[int]int
}

func New(cfg Config, crash CrashFunc) *App {
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 1
	}
	return &App{
		cfg:     cfg,
		crash:   crash,
		results: make(map[int]uint64),
		entries: make(map[int]int),
	}
}

// Expected is the sum rank reaches once all steps ran.
func Expected(rank int, steps uint64) uint64 {
	return uint64(rank+1) * steps * (steps + 1) / 2
}

func (a *App) Entry(ctx context.Context, rt *reinit.Runtime, rs reinit.RecoveryState) error {
	id := rs.Identity
	a.entered(id.Rank)

	sum, err := restore(rs.Checkpoint)
	if err != nil {
		return err
	}
	slog.Info("entering application",
		"rank", id.Rank,
		"state", id.State,
		"step", rs.Step,
		"source", rs.Checkpoint.Source,
		"episode_id", rs.EpisodeID,
	)

	scratch := make([]uint64, 0, a.cfg.Steps)
	rt.PushCleanup(cleanup.HandlerFunc(func(step uint64) cleanup.Code {
		slog.Debug("releasing scratch buffer", "rank", id.Rank, "step", step, "held", len(scratch))
		scratch = nil
		return cleanup.Success
	}))

	first := id.State == domain.StartNew
	for step := rs.Step + 1; step <= a.cfg.Steps; step++ {
		if first && id.Rank == a.cfg.FaultRank && step == a.cfg.FaultAtStep {
			return rt.Fault(ctx, fmt.Sprintf("rank %d diverged at step %d", id.Rank, step))
		}
		if first && id.Rank == a.cfg.KillRank && step == a.cfg.KillAtStep && a.crash != nil {
			return a.crashed(ctx, rt, id.Rank)
		}

		if err := a.sleep(ctx); err != nil {
			return err
		}
		sum += uint64(id.Rank+1) * step
		scratch = append(scratch, sum)

		if step%a.cfg.CheckpointEvery != 0 && step != a.cfg.Steps {
			if err := rt.Probe(); err != nil {
				return err
			}
			continue
		}
		if err := rt.Checkpoints().Save(ctx, step, binary.BigEndian.AppendUint64(nil, sum)); err != nil {
			return err
		}
		if err := rt.StepComplete(step); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.results[id.Rank] = sum
	a.mu.Unlock()
	slog.Info("application finished", "rank", id.Rank, "sum", sum)
	return nil
}

// crashed kills this rank and waits until the runtime notices.
func (a *App) crashed(ctx context.Context, rt *reinit.Runtime, rank int) error {
	slog.Warn("simulating process crash", "rank", rank)
	if err := a.crash(ctx, rank); err != nil {
		return fmt.Errorf("crash rank %d: %w", rank, err)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := rt.Probe(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *App) sleep(ctx context.Context) error {
	if a.cfg.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(a.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *App) entered(rank int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[rank]++
}

func (a *App) Results() map[int]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]uint64, len(a.results))
	for k, v := range a.results {
		out[k] = v
	}
	return out
}

// Entries counts how often each rank entered the application.
func (a *App) Entries(rank int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[rank]
}

func restore(h checkpoint.Handle) (uint64, error) {
	if h.Empty() {
		return 0, nil
	}
	if len(h.Data) != 8 {
		return 0, fmt.Errorf("%w: %d bytes at step %d", ErrBadState, len(h.Data), h.Step)
	}
	return binary.BigEndian.Uint64(h.Data), nil
}
