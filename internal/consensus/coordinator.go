package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resilience/internal/checkpoint"
	"resilience/internal/metrics"
	"resilience/internal/transport"
)

// ErrCollectiveFailed means the group could not finish agreeing on a restart
// point. The episode cannot be retried.
var ErrCollectiveFailed = errors.New("consensus collective failed")

type Reducer interface {
	AllReduce(ctx context.Context, key string, op transport.Op, v transport.Value) (transport.Value, error)
}

type ReplicaPort interface {
	Has(owner int) (has, intact bool)
	Replica(owner int) (checkpoint.Checkpoint, bool)
	Send(ctx context.Context, dest int, tag string, cp checkpoint.Checkpoint) error
	Receive(ctx context.Context, src int, tag string) (checkpoint.Checkpoint, error)
}

type DurablePort interface {
	LatestDurable(rank int) (checkpoint.Checkpoint, error)
}

type Input struct {
	// Epoch namespaces every collective of this episode. All participants
	// must use the same value.
	Epoch      uint64
	Membership transport.Membership
	// Replacement is set on a process that took over a lost rank and has
	// no state of its own yet.
	Replacement bool
	LastStep    uint64
	DefaultStep uint64
}

type Decision struct {
	Epoch          uint64
	DeathConfirmed bool
	DeadRank       int
	ReplicaHolder  int
	RestartStep    uint64
	// Recovered is the checkpoint a replacement obtained while agreeing,
	// from a peer replica or its own durable log.
	Recovered *checkpoint.Handle
}

type Coordinator struct {
	reducer  Reducer
	replicas ReplicaPort
	durable  DurablePort
}

func NewCoordinator(reducer Reducer, replicas ReplicaPort, durable DurablePort) *Coordinator {
	return &Coordinator{
		reducer:  reducer,
		replicas: replicas,
		durable:  durable,
	}
}

// Agree runs the recovery reductions for one episode. Every live process of
// the group must call it with the same epoch.
func (c *Coordinator) Agree(ctx context.Context, in Input) (Decision, error) {
	start := time.Now()
	defer func() {
		metrics.ConsensusDuration.Observe(time.Since(start).Seconds())
	}()

	rank := in.Membership.Rank
	d := Decision{Epoch: in.Epoch, DeadRank: -1, ReplicaHolder: -1}

	dead, err := c.reduce(ctx, in.Epoch, "dead", transport.OpMaxLoc, transport.Value{Num: boolNum(in.Replacement), Rank: rank})
	if err != nil {
		return d, err
	}
	view := in.Replacement || len(in.Membership.Replaced) > 0
	confirmed, err := c.reduce(ctx, in.Epoch, "confirm", transport.OpAnd, transport.Value{Flag: view, Rank: rank})
	if err != nil {
		return d, err
	}

	d.DeathConfirmed = dead.Num == 1 && confirmed.Flag
	if dead.Num == 1 {
		d.DeadRank = dead.Rank
	}

	if d.DeathConfirmed {
		if err := c.recoverDead(ctx, in, &d); err != nil {
			return d, err
		}
	}

	contribution := in.LastStep
	if in.Replacement {
		if d.Recovered == nil {
			d.Recovered = c.latestDurable(rank)
		}
		contribution = in.DefaultStep
		if d.Recovered != nil {
			contribution = d.Recovered.Step
		}
	}

	restart, err := c.reduce(ctx, in.Epoch, "restart", transport.OpMin, transport.Value{Num: contribution, Rank: rank})
	if err != nil {
		return d, err
	}
	d.RestartStep = restart.Num

	metrics.RestartStep.Set(float64(d.RestartStep))
	slog.Info("consensus reached",
		"epoch", in.Epoch,
		"rank", rank,
		"death_confirmed", d.DeathConfirmed,
		"dead_rank", d.DeadRank,
		"replica_holder", d.ReplicaHolder,
		"contribution", contribution,
		"restart_step", d.RestartStep,
	)
	return d, nil
}

// recoverDead finds a surviving holder of an intact replica for the dead
// rank and ships it to the replacement. Other replacements in the same
// episode fall back to durable storage.
func (c *Coordinator) recoverDead(ctx context.Context, in Input, d *Decision) error {
	rank := in.Membership.Rank

	var has, intact bool
	if rank != d.DeadRank && c.replicas != nil {
		has, intact = c.replicas.Has(d.DeadRank)
	}

	holder, err := c.reduce(ctx, in.Epoch, "holder", transport.OpMaxLoc, transport.Value{Num: boolNum(has), Rank: rank})
	if err != nil {
		return err
	}
	ok, err := c.reduce(ctx, in.Epoch, "intact", transport.OpAnd, transport.Value{Flag: !has || intact, Rank: rank})
	if err != nil {
		return err
	}
	if holder.Num != 1 || !ok.Flag {
		slog.Info("no usable replica for dead rank", "epoch", in.Epoch, "dead_rank", d.DeadRank, "intact", ok.Flag)
		return nil
	}
	d.ReplicaHolder = holder.Rank

	tag := checkpoint.ReplicaTransferTag(in.Epoch)
	switch rank {
	case holder.Rank:
		cp, found := c.replicas.Replica(d.DeadRank)
		if !found {
			return fmt.Errorf("%w: replica for rank %d vanished", ErrCollectiveFailed, d.DeadRank)
		}
		if err := c.replicas.Send(ctx, d.DeadRank, tag, cp); err != nil {
			return fmt.Errorf("%w: %w", ErrCollectiveFailed, err)
		}
		slog.Info("sent replica to replacement", "epoch", in.Epoch, "dead_rank", d.DeadRank, "step", cp.Step)
	case d.DeadRank:
		cp, err := c.replicas.Receive(ctx, holder.Rank, tag)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCollectiveFailed, err)
		}
		d.Recovered = &checkpoint.Handle{Checkpoint: cp, Source: checkpoint.SourceReplica}
		slog.Info("received replica", "epoch", in.Epoch, "holder", holder.Rank, "step", cp.Step)
	}
	return nil
}

func (c *Coordinator) latestDurable(rank int) *checkpoint.Handle {
	if c.durable == nil {
		return nil
	}
	cp, err := c.durable.LatestDurable(rank)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			slog.Warn("durable checkpoint unusable", "rank", rank, "error", err)
		}
		return nil
	}
	return &checkpoint.Handle{Checkpoint: cp, Source: checkpoint.SourceDurable}
}

func (c *Coordinator) reduce(ctx context.Context, epoch uint64, name string, op transport.Op, v transport.Value) (transport.Value, error) {
	out, err := c.reducer.AllReduce(ctx, transport.CollectiveKey(epoch, name), op, v)
	if err != nil {
		return transport.Value{}, fmt.Errorf("%w: %s: %w", ErrCollectiveFailed, name, err)
	}
	return out, nil
}

func boolNum(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
