package consensus

import (
	"context"
	"sync"

	"resilience/internal/checkpoint"
	"resilience/internal/transport"
)

type fakeDurable struct {
	mu     sync.Mutex
	latest map[int]checkpoint.Checkpoint
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{latest: make(map[int]checkpoint.Checkpoint)}
}

func (f *fakeDurable) put(cp checkpoint.Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[cp.Owner] = cp
}

func (f *fakeDurable) LatestDurable(rank int) (checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.latest[rank]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

type failingReducer struct {
	err error
}

func (f failingReducer) AllReduce(context.Context, string, transport.Op, transport.Value) (transport.Value, error) {
	return transport.Value{}, f.err
}
