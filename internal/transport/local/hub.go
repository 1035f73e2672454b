package local

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"resilience/internal/domain"
	"resilience/internal/metrics"
	"resilience/internal/transport"
)

const defaultFaultQueueSize = 16

// Hub is an in-process group transport. It owns membership, collectives,
// mailboxes and fault fan-out for every endpoint it spawned, and lets a
// launcher kill, replace or remove ranks.
type Hub struct {
	mu sync.Mutex

	slots      []*Endpoint
	generation uint64
	lost       map[int]struct{}
	rounds     map[string]*round
	aborted    *transport.FaultNotice

	faultQueueSize int
}

type round struct {
	op           transport.Op
	acc          transport.Value
	contributors map[int]struct{}
	expected     int
	taken        int
	finished     bool
	result       transport.Value
	err          error
	done         chan struct{}
}

type Option func(*Hub)

func WithFaultQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.faultQueueSize = n
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		lost:           make(map[int]struct{}),
		rounds:         make(map[string]*round),
		faultQueueSize: defaultFaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Spawn adds a cold-start process at the next free rank.
func (h *Hub) Spawn() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.newEndpointLocked(len(h.slots), domain.StartNew)
	h.slots = append(h.slots, e)
	metrics.GroupSize.Set(float64(len(h.slots)))

	slog.Debug("spawned rank", "rank", e.rank, "size", len(h.slots))
	return e
}

// Kill simulates the loss of a process. Open collectives fail, the rank's
// mailbox is discarded and a detected fault is broadcast to the survivors.
// The slot stays reserved until Replace refills it.
func (h *Hub) Kill(rank int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, err := h.liveLocked(rank)
	if err != nil {
		return err
	}

	h.retireLocked(e)
	h.slots[rank] = nil

	h.failRoundsLocked(transport.ErrRankLost)
	h.raiseLocked(h.generation, rank, fmt.Sprintf("rank %d lost", rank), true)
	h.lost[rank] = struct{}{}

	slog.Warn("rank killed", "rank", rank, "generation", h.generation)
	return nil
}

// Replace spawns a process that takes over the identity of a killed rank.
func (h *Hub) Replace(rank int) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rank < 0 || rank >= len(h.slots) {
		return nil, fmt.Errorf("replace rank %d: %w", rank, transport.ErrUnknownRank)
	}
	if h.slots[rank] != nil {
		return nil, fmt.Errorf("replace rank %d: rank is still alive", rank)
	}

	e := h.newEndpointLocked(rank, domain.StartAdded)
	h.slots[rank] = e
	h.lost[rank] = struct{}{}

	slog.Info("rank replaced", "rank", rank, "generation", h.generation)
	return e, nil
}

// Remove shrinks the group. Remaining ranks are compacted, so callers must
// not rely on rank order after a shrink.
func (h *Hub) Remove(rank int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rank < 0 || rank >= len(h.slots) {
		return fmt.Errorf("remove rank %d: %w", rank, transport.ErrUnknownRank)
	}

	if e := h.slots[rank]; e != nil {
		h.retireLocked(e)
	}

	h.slots = append(h.slots[:rank], h.slots[rank+1:]...)
	for i, e := range h.slots {
		if e != nil {
			e.rank = i
		}
	}
	delete(h.lost, rank)
	metrics.GroupSize.Set(float64(len(h.slots)))

	h.failRoundsLocked(transport.ErrRankLost)
	h.raiseLocked(h.generation, rank, fmt.Sprintf("rank %d removed", rank), true)

	slog.Warn("rank removed", "rank", rank, "size", len(h.slots))
	return nil
}

func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

func (h *Hub) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

func (h *Hub) Endpoint(rank int) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rank < 0 || rank >= len(h.slots) || h.slots[rank] == nil {
		return nil, false
	}
	return h.slots[rank], true
}

func (h *Hub) Aborted() (transport.FaultNotice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted == nil {
		return transport.FaultNotice{}, false
	}
	return *h.aborted, true
}

func (h *Hub) newEndpointLocked(rank int, state domain.StartState) *Endpoint {
	return &Endpoint{
		hub:    h,
		rank:   rank,
		state:  state,
		faults: make(chan transport.FaultNotice, h.faultQueueSize),
		done:   make(chan struct{}),
		signal: make(chan struct{}),
	}
}

func (h *Hub) liveLocked(rank int) (*Endpoint, error) {
	if rank < 0 || rank >= len(h.slots) || h.slots[rank] == nil {
		return nil, fmt.Errorf("rank %d: %w", rank, transport.ErrUnknownRank)
	}
	return h.slots[rank], nil
}

// closedRankLocked returns a rank that closed its endpoint while keeping
// its slot, or -1. Killed ranks are not reported; their slot waits for a
// replacement.
func (h *Hub) closedRankLocked() int {
	for i, e := range h.slots {
		if e != nil && e.retired {
			return i
		}
	}
	return -1
}

func (h *Hub) retireLocked(e *Endpoint) {
	if e.retired {
		return
	}
	e.retired = true
	e.mailbox = nil
	close(e.done)
	close(e.faults)
}

func (h *Hub) membershipLocked(e *Endpoint) transport.Membership {
	replaced := make([]int, 0, len(h.lost))
	for r := range h.lost {
		replaced = append(replaced, r)
	}
	sort.Ints(replaced)

	return transport.Membership{
		Rank:       e.rank,
		Size:       len(h.slots),
		Generation: h.generation,
		State:      e.state,
		Replaced:   replaced,
	}
}

// raiseLocked starts a new generation if the fault targets the current one.
// Faults for an older generation are duplicates of an episode already in
// flight and are ignored.
func (h *Hub) raiseLocked(generation uint64, origin int, reason string, detected bool) bool {
	if generation != h.generation {
		slog.Debug("ignoring duplicate fault",
			"generation", generation,
			"current", h.generation,
			"origin", origin,
		)
		return false
	}

	notice := transport.FaultNotice{
		Generation: generation,
		Origin:     origin,
		Reason:     reason,
		Detected:   detected,
	}

	h.generation++
	h.lost = make(map[int]struct{})
	h.broadcastLocked(notice)

	source := "raised"
	if detected {
		source = "detected"
	}
	metrics.FaultsTotal.WithLabelValues(source).Inc()
	return true
}

func (h *Hub) broadcastLocked(n transport.FaultNotice) {
	for _, e := range h.slots {
		if e == nil || e.retired {
			continue
		}
		select {
		case e.faults <- n:
		default:
			slog.Warn("fault queue full, dropping notice", "rank", e.rank, "generation", n.Generation)
		}
	}
}

func (h *Hub) abortLocked(origin, code int, reason string) {
	if h.aborted != nil {
		return
	}
	n := transport.FaultNotice{
		Generation: h.generation,
		Origin:     origin,
		Reason:     reason,
		Abort:      true,
		Code:       code,
	}
	h.aborted = &n
	h.failRoundsLocked(transport.ErrAborted)
	h.broadcastLocked(n)
	for _, e := range h.slots {
		if e != nil {
			e.wakeLocked()
		}
	}
	slog.Error("group aborted", "origin", origin, "code", code, "reason", reason)
}

func (h *Hub) failRoundsLocked(err error) {
	for key, r := range h.rounds {
		if !r.finished {
			r.finished = true
			r.err = err
			close(r.done)
		}
		delete(h.rounds, key)
	}
}
