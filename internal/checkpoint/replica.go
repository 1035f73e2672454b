package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"resilience/internal/metrics"
	"resilience/internal/transport"
)

const TagReplicaPut = "replica/put"

// ReplicaTransferTag names the point-to-point channel used to hand a replica
// to a replacement process during the consensus of one episode.
func ReplicaTransferTag(epoch uint64) string {
	return fmt.Sprintf("replica/transfer/%d", epoch)
}

// Mailbox is the slice of transport.Endpoint the replica service needs.
type Mailbox interface {
	Send(ctx context.Context, dest int, tag string, payload []byte) error
	Recv(ctx context.Context, src int, tag string) ([]byte, error)
	Drain(tag string) []transport.Message
}

// Replicas keeps a copy of this rank's checkpoints on its buddy rank and
// holds the copies other ranks pushed here. Incoming copies are picked up
// lazily on lookup; the newest copy per owner wins.
type Replicas struct {
	mailbox Mailbox

	mu   sync.Mutex
	rank int
	size int
	held map[int]Checkpoint
}

func NewReplicas(mailbox Mailbox) *Replicas {
	return &Replicas{
		mailbox: mailbox,
		held:    make(map[int]Checkpoint),
	}
}

func (r *Replicas) Bind(rank, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rank = rank
	r.size = size
}

// Buddy returns the rank that stores this rank's replicas, or -1 when the
// group is too small to replicate.
func (r *Replicas) Buddy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buddyLocked()
}

func (r *Replicas) buddyLocked() int {
	if r.size < 2 {
		return -1
	}
	return (r.rank + 1) % r.size
}

func (r *Replicas) Push(ctx context.Context, cp Checkpoint) error {
	buddy := r.Buddy()
	if buddy < 0 {
		return nil
	}
	if err := r.mailbox.Send(ctx, buddy, TagReplicaPut, encode(cp)); err != nil {
		return fmt.Errorf("push replica of step %d to rank %d: %w", cp.Step, buddy, err)
	}
	metrics.ReplicaTransfers.WithLabelValues("push").Inc()
	return nil
}

// Replica returns the newest copy held for owner.
func (r *Replicas) Replica(owner int) (Checkpoint, bool) {
	r.absorb()

	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.held[owner]
	return cp, ok
}

// Has reports whether a copy for owner is held here and whether its
// checksum still matches.
func (r *Replicas) Has(owner int) (has, intact bool) {
	cp, ok := r.Replica(owner)
	if !ok {
		return false, false
	}
	return true, cp.Verify()
}

func (r *Replicas) Send(ctx context.Context, dest int, tag string, cp Checkpoint) error {
	if err := r.mailbox.Send(ctx, dest, tag, encode(cp)); err != nil {
		return fmt.Errorf("send replica of rank %d to rank %d: %w", cp.Owner, dest, err)
	}
	metrics.ReplicaTransfers.WithLabelValues("send").Inc()
	return nil
}

func (r *Replicas) Receive(ctx context.Context, src int, tag string) (Checkpoint, error) {
	data, err := r.mailbox.Recv(ctx, src, tag)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("receive replica from rank %d: %w", src, err)
	}
	cp, err := decode(data)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode replica from rank %d: %w", src, err)
	}
	if !cp.Verify() {
		return Checkpoint{}, fmt.Errorf("replica of rank %d step %d: %w", cp.Owner, cp.Step, ErrCorrupt)
	}
	metrics.ReplicaTransfers.WithLabelValues("receive").Inc()
	return cp, nil
}

// Forget drops every held copy, including pushes not picked up yet. Copies
// are keyed by owner rank and mean nothing once ranks are renumbered.
func (r *Replicas) Forget() {
	dropped := len(r.mailbox.Drain(TagReplicaPut))

	r.mu.Lock()
	defer r.mu.Unlock()
	dropped += len(r.held)
	clear(r.held)
	slog.Info("dropped replicas", "rank", r.rank, "count", dropped)
}

func (r *Replicas) absorb() {
	msgs := r.mailbox.Drain(TagReplicaPut)
	if len(msgs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		cp, err := decode(m.Payload)
		if err != nil {
			slog.Warn("dropping malformed replica", "src", m.Src, "error", err)
			continue
		}
		r.held[cp.Owner] = cp
	}
}
