package local

import (
	"context"
	"fmt"

	"resilience/internal/domain"
	"resilience/internal/metrics"
	"resilience/internal/transport"
)

type envelope struct {
	src     int
	tag     string
	payload []byte
}

// Endpoint is a process attached to a Hub. All of its state is guarded by
// the hub mutex.
type Endpoint struct {
	hub *Hub

	rank    int
	state   domain.StartState
	faults  chan transport.FaultNotice
	done    chan struct{}
	retired bool

	mailbox []envelope
	signal  chan struct{}
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) Rank() int {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.rank
}

func (e *Endpoint) Membership(_ context.Context) (transport.Membership, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := e.usableLocked(); err != nil {
		return transport.Membership{}, err
	}
	return h.membershipLocked(e), nil
}

func (e *Endpoint) AllReduce(ctx context.Context, key string, op transport.Op, v transport.Value) (transport.Value, error) {
	h := e.hub
	h.mu.Lock()

	if err := e.usableLocked(); err != nil {
		h.mu.Unlock()
		return transport.Value{}, err
	}

	if closed := h.closedRankLocked(); closed >= 0 {
		h.mu.Unlock()
		return transport.Value{}, fmt.Errorf("collective %s: rank %d left the group: %w", key, closed, transport.ErrRankLost)
	}

	r, ok := h.rounds[key]
	if !ok {
		r = &round{
			op:           op,
			contributors: make(map[int]struct{}),
			expected:     len(h.slots),
			done:         make(chan struct{}),
		}
		h.rounds[key] = r
	}
	if r.op != op {
		h.mu.Unlock()
		return transport.Value{}, fmt.Errorf("collective %s: op %s does not match %s", key, op, r.op)
	}
	if _, dup := r.contributors[e.rank]; dup {
		h.mu.Unlock()
		return transport.Value{}, fmt.Errorf("collective %s: rank %d contributed twice", key, e.rank)
	}

	if len(r.contributors) == 0 {
		r.acc = v
	} else {
		r.acc = transport.Combine(op, r.acc, v)
	}
	r.contributors[e.rank] = struct{}{}

	if len(r.contributors) == r.expected {
		r.finished = true
		r.result = r.acc
		close(r.done)
	}
	h.mu.Unlock()

	metrics.CollectivesTotal.WithLabelValues(op.String()).Inc()

	select {
	case <-r.done:
	case <-e.done:
		return transport.Value{}, transport.ErrRankLost
	case <-ctx.Done():
		return transport.Value{}, ctx.Err()
	}

	h.mu.Lock()
	r.taken++
	if r.taken == r.expected && h.rounds[key] == r {
		delete(h.rounds, key)
	}
	h.mu.Unlock()

	return r.result, r.err
}

func (e *Endpoint) Send(_ context.Context, dest int, tag string, payload []byte) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := e.usableLocked(); err != nil {
		return err
	}
	target, err := h.liveLocked(dest)
	if err != nil {
		return err
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	target.mailbox = append(target.mailbox, envelope{src: e.rank, tag: tag, payload: buf})
	target.wakeLocked()
	return nil
}

func (e *Endpoint) Recv(ctx context.Context, src int, tag string) ([]byte, error) {
	h := e.hub
	for {
		h.mu.Lock()
		if err := e.usableLocked(); err != nil {
			h.mu.Unlock()
			return nil, err
		}
		for i, m := range e.mailbox {
			if m.src == src && m.tag == tag {
				e.mailbox = append(e.mailbox[:i], e.mailbox[i+1:]...)
				h.mu.Unlock()
				return m.payload, nil
			}
		}
		wait := e.signal
		h.mu.Unlock()

		select {
		case <-wait:
		case <-e.done:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Endpoint) Drain(tag string) []transport.Message {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []transport.Message
	kept := e.mailbox[:0]
	for _, m := range e.mailbox {
		if m.tag == tag {
			out = append(out, transport.Message{Src: m.src, Payload: m.payload})
			continue
		}
		kept = append(kept, m)
	}
	e.mailbox = kept
	return out
}

func (e *Endpoint) RaiseFault(_ context.Context, generation uint64, reason string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := e.usableLocked(); err != nil {
		return err
	}
	h.raiseLocked(generation, e.rank, reason, false)
	return nil
}

func (e *Endpoint) Faults() <-chan transport.FaultNotice {
	return e.faults
}

func (e *Endpoint) Abort(_ context.Context, code int, reason string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.abortLocked(e.rank, code, reason)
	return nil
}

// Close detaches a process that finished normally. Its slot stays in the
// group so the size seen by peers does not change, but no collective can
// complete without it any more: open rounds fail with ErrRankLost.
func (e *Endpoint) Close() error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.retired {
		return nil
	}
	h.retireLocked(e)
	h.failRoundsLocked(transport.ErrRankLost)
	return nil
}

func (e *Endpoint) usableLocked() error {
	if e.hub.aborted != nil {
		return transport.ErrAborted
	}
	if e.retired {
		return transport.ErrClosed
	}
	return nil
}

func (e *Endpoint) wakeLocked() {
	close(e.signal)
	e.signal = make(chan struct{})
}
