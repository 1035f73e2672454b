package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"resilience/internal/metrics"
	"resilience/internal/transport"
)

var ErrNonViableSize = errors.New("group size is not viable")

// SizePolicy reports whether the computation can run with size ranks.
type SizePolicy func(size int) bool

func AnySize(size int) bool { return size > 0 }

func MinSize(n int) SizePolicy {
	return func(size int) bool {
		return size >= n && size > 0
	}
}

type Source interface {
	Membership(ctx context.Context) (transport.Membership, error)
}

type Tracker struct {
	source Source
	policy SizePolicy

	last    transport.Membership
	hasLast bool
}

func NewTracker(source Source, policy SizePolicy) *Tracker {
	if policy == nil {
		policy = AnySize
	}
	return &Tracker{source: source, policy: policy}
}

// Resolve reads the current group metadata and checks it against the size
// policy. A non-viable size is fatal and must not be retried.
func (t *Tracker) Resolve(ctx context.Context) (transport.Membership, error) {
	m, err := t.source.Membership(ctx)
	if err != nil {
		return transport.Membership{}, fmt.Errorf("membership: %w", err)
	}

	if !t.policy(m.Size) {
		slog.Error("group size not viable", "size", m.Size, "rank", m.Rank, "generation", m.Generation)
		return m, fmt.Errorf("size %d: %w", m.Size, ErrNonViableSize)
	}

	if t.hasLast && !RanksStable(t.last, m) {
		slog.Warn("group shrank, rank order not preserved",
			"previous_size", t.last.Size,
			"size", m.Size,
			"rank", m.Rank,
		)
	}

	t.last = m
	t.hasLast = true
	metrics.GroupSize.Set(float64(m.Size))
	metrics.Generation.Set(float64(m.Generation))

	return m, nil
}

func (t *Tracker) Last() (transport.Membership, bool) {
	return t.last, t.hasLast
}

// RanksStable reports whether ranks keep their meaning from prev to cur.
// Ranks survive a fault when the group did not shrink; after a shrink no
// ordering guarantee is made.
func RanksStable(prev, cur transport.Membership) bool {
	return cur.Size >= prev.Size
}
