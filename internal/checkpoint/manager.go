package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"resilience/internal/metrics"
)

type ManagerConfig struct {
	CacheSize int
	Replicate bool
	// Retain is the number of durable checkpoints kept per rank. Zero keeps
	// everything.
	Retain int
}

// Manager is the checkpoint store handed to the application. Save goes to
// the memory cache, the durable log and, when enabled, the buddy replica.
type Manager struct {
	cfg      ManagerConfig
	cache    *Cache
	durable  *DurableStore
	replicas *Replicas

	mu    sync.Mutex
	rank  int
	size  int
	saved []uint64
}

func NewManager(cfg ManagerConfig, durable *DurableStore, replicas *Replicas) *Manager {
	return &Manager{
		cfg:      cfg,
		cache:    NewCache(cfg.CacheSize),
		durable:  durable,
		replicas: replicas,
	}
}

// Bind sets the identity checkpoints are saved under. A rank that changed
// since the last bind starts with an empty cache.
func (m *Manager) Bind(rank, size int) {
	m.mu.Lock()
	if m.rank != rank {
		m.cache = NewCache(m.cfg.CacheSize)
		m.saved = nil
	}
	m.rank = rank
	m.size = size
	m.mu.Unlock()

	if m.replicas != nil {
		m.replicas.Bind(rank, size)
	}
}

func (m *Manager) Rank() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rank
}

func (m *Manager) Replicas() *Replicas {
	return m.replicas
}

func (m *Manager) Save(ctx context.Context, step uint64, data []byte) error {
	m.mu.Lock()
	rank := m.rank
	cache := m.cache
	m.mu.Unlock()

	cp := New(rank, step, data)
	cache.Put(cp)

	if m.durable != nil {
		if err := m.durable.Save(cp); err != nil {
			return fmt.Errorf("save step %d: %w", step, err)
		}
		m.retain(rank, step)
	}

	if m.cfg.Replicate && m.replicas != nil {
		if err := m.replicas.Push(ctx, cp); err != nil {
			slog.Warn("replica push failed", "rank", rank, "step", step, "error", err)
		}
	}

	metrics.CheckpointSaves.Inc()
	metrics.CheckpointSize.Set(float64(len(data)))
	slog.Debug("checkpoint saved", "rank", rank, "step", step, "size_bytes", len(data))
	return nil
}

func (m *Manager) LoadLocal(step uint64) (Checkpoint, bool) {
	m.mu.Lock()
	cache := m.cache
	m.mu.Unlock()

	cp, ok := cache.Get(step)
	if !ok {
		return Checkpoint{}, false
	}
	if !cp.Verify() {
		slog.Warn("cached checkpoint corrupt", "step", step)
		return Checkpoint{}, false
	}
	return cp, true
}

func (m *Manager) LoadDurable(rank int, step uint64) (Checkpoint, error) {
	if m.durable == nil {
		return Checkpoint{}, fmt.Errorf("rank %d step %d: %w", rank, step, ErrNotFound)
	}
	cp, err := m.durable.Load(rank, step)
	if err != nil {
		return Checkpoint{}, err
	}
	if !cp.Verify() {
		return Checkpoint{}, fmt.Errorf("durable rank %d step %d: %w", rank, step, ErrCorrupt)
	}
	return cp, nil
}

// LatestDurable returns the last checkpoint rank wrote to durable storage.
func (m *Manager) LatestDurable(rank int) (Checkpoint, error) {
	if m.durable == nil {
		return Checkpoint{}, fmt.Errorf("rank %d: %w", rank, ErrNotFound)
	}
	cp, err := m.durable.Latest(rank)
	if err != nil {
		return Checkpoint{}, err
	}
	if !cp.Verify() {
		return Checkpoint{}, fmt.Errorf("durable rank %d step %d: %w", rank, cp.Step, ErrCorrupt)
	}
	return cp, nil
}

func (m *Manager) retain(rank int, step uint64) {
	if m.cfg.Retain <= 0 {
		return
	}

	m.mu.Lock()
	m.saved = append(m.saved, step)
	if len(m.saved) <= m.cfg.Retain {
		m.mu.Unlock()
		return
	}
	m.saved = m.saved[len(m.saved)-m.cfg.Retain:]
	keepFrom := m.saved[0]
	m.mu.Unlock()

	if err := m.durable.Compact(rank, keepFrom); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("checkpoint compaction failed", "rank", rank, "keep_from", keepFrom, "error", err)
	}
}
