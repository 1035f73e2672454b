package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/wal"
	"go.uber.org/multierr"

	"resilience/internal/metrics"
)

// DurableStore keeps one write-ahead log of checkpoints per owner rank under
// a shared directory. The newest record written for an owner is its latest
// checkpoint, even if an older timeline reached a higher step.
type DurableStore struct {
	mu sync.Mutex

	dir    string
	noSync bool
	logs   map[int]*ownerLog
}

type ownerLog struct {
	log     *wal.Log
	steps   map[uint64]uint64
	next    uint64
	latest  uint64
	written bool
}

func OpenDurableStore(dir string, noSync bool) (*DurableStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &DurableStore{
		dir:    dir,
		noSync: noSync,
		logs:   make(map[int]*ownerLog),
	}, nil
}

func (s *DurableStore) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.ownerLocked(cp.Owner)
	if err != nil {
		return err
	}

	start := time.Now()
	idx := ol.next
	if err := ol.log.Write(idx, encode(cp)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", idx, err)
	}
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())
	metrics.WALWritesTotal.Inc()

	ol.steps[cp.Step] = idx
	ol.latest = cp.Step
	ol.written = true
	ol.next++

	slog.Debug("checkpoint flushed", "owner", cp.Owner, "step", cp.Step, "wal_index", idx)
	return nil
}

func (s *DurableStore) Load(owner int, step uint64) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.ownerLocked(owner)
	if err != nil {
		return Checkpoint{}, err
	}
	idx, ok := ol.steps[step]
	if !ok {
		return Checkpoint{}, fmt.Errorf("owner %d step %d: %w", owner, step, ErrNotFound)
	}
	return readCheckpoint(ol.log, idx)
}

func (s *DurableStore) Latest(owner int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.ownerLocked(owner)
	if err != nil {
		return Checkpoint{}, err
	}
	if !ol.written {
		return Checkpoint{}, fmt.Errorf("owner %d: %w", owner, ErrNotFound)
	}
	return readCheckpoint(ol.log, ol.steps[ol.latest])
}

// Compact drops every record older than the one holding keepFrom. Steps
// written after it are kept even if they are numerically lower.
func (s *DurableStore) Compact(owner int, keepFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.ownerLocked(owner)
	if err != nil {
		return err
	}
	idx, ok := ol.steps[keepFrom]
	if !ok {
		return fmt.Errorf("compact owner %d at step %d: %w", owner, keepFrom, ErrNotFound)
	}

	first, err := ol.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	if idx <= first {
		return nil
	}
	if err := ol.log.TruncateFront(idx); err != nil {
		return fmt.Errorf("wal.TruncateFront: %w", err)
	}
	for step, wi := range ol.steps {
		if wi < idx {
			delete(ol.steps, step)
		}
	}

	slog.Debug("compacted checkpoint log", "owner", owner, "keep_from", keepFrom, "wal_index", idx)
	return nil
}

func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for owner, ol := range s.logs {
		err = multierr.Append(err, ol.log.Close())
		delete(s.logs, owner)
	}
	return err
}

func (s *DurableStore) ownerLocked(owner int) (*ownerLog, error) {
	if ol, ok := s.logs[owner]; ok {
		return ol, nil
	}

	opts := *wal.DefaultOptions
	opts.NoSync = s.noSync
	path := filepath.Join(s.dir, fmt.Sprintf("rank-%06d", owner))
	log, err := wal.Open(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	ol := &ownerLog{
		log:   log,
		steps: make(map[uint64]uint64),
		next:  1,
	}
	if err := ol.replay(); err != nil {
		log.Close()
		return nil, err
	}

	s.logs[owner] = ol
	return ol, nil
}

func (ol *ownerLog) replay() error {
	last, err := ol.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 {
		return nil
	}
	first, err := ol.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}

	for idx := first; idx <= last; idx++ {
		cp, err := readCheckpoint(ol.log, idx)
		if err != nil {
			return fmt.Errorf("replay record %d: %w", idx, err)
		}
		ol.steps[cp.Step] = idx
		ol.latest = cp.Step
		ol.written = true
	}
	ol.next = last + 1

	slog.Debug("replayed checkpoint log", "wal_first", first, "wal_last", last, "latest", ol.latest)
	return nil
}

func readCheckpoint(log *wal.Log, idx uint64) (Checkpoint, error) {
	data, err := log.Read(idx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("wal.Read(%d): %w", idx, err)
	}
	return decode(data)
}
