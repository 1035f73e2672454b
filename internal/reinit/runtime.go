package reinit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"resilience/internal/checkpoint"
	"resilience/internal/cleanup"
	"resilience/internal/consensus"
	"resilience/internal/domain"
	"resilience/internal/fault"
	"resilience/internal/ledger"
	"resilience/internal/membership"
	"resilience/internal/metrics"
	"resilience/internal/transport"
)

const (
	defaultAbortCode     = 1
	defaultSettleTimeout = time.Second
)

// EntryPoint is the application root. It is invoked once at cold start and
// again after every recovered fault, always from a clean frame. Returning
// fault.ErrFault (or any error once a fault is pending) hands control back
// to the runtime.
type EntryPoint func(ctx context.Context, rt *Runtime, rs RecoveryState) error

type Config struct {
	FaultMode  domain.FaultMode
	SizePolicy membership.SizePolicy
	// AbortCode is the exit status used when this process aborts the group.
	AbortCode int
	// SettleTimeout bounds how long a transport failure waits for the abort
	// notice that explains it.
	SettleTimeout time.Duration
	Checkpoint    checkpoint.ManagerConfig
}

// Runtime drives one process through cold start, fault episodes and
// termination.
type Runtime struct {
	cfg      Config
	endpoint transport.Endpoint

	tracker     *membership.Tracker
	detector    *fault.Detector
	stack       *cleanup.Stack
	ledger      *ledger.Ledger
	manager     *checkpoint.Manager
	locator     *checkpoint.Locator
	coordinator *consensus.Coordinator

	defaultStep uint64

	mu       sync.Mutex
	state    State
	identity domain.Identity
	episode  string
}

// New builds a runtime on top of endpoint. durable may be nil, in which case
// checkpoints only live in memory and on peers.
func New(endpoint transport.Endpoint, durable *checkpoint.DurableStore, cfg Config) *Runtime {
	if cfg.AbortCode == 0 {
		cfg.AbortCode = defaultAbortCode
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}

	replicas := checkpoint.NewReplicas(endpoint)
	manager := checkpoint.NewManager(cfg.Checkpoint, durable, replicas)

	return &Runtime{
		cfg:         cfg,
		endpoint:    endpoint,
		tracker:     membership.NewTracker(endpoint, cfg.SizePolicy),
		detector:    fault.NewDetector(endpoint, cfg.FaultMode),
		stack:       cleanup.NewStack(),
		ledger:      ledger.New(0),
		manager:     manager,
		locator:     checkpoint.NewLocator(manager, 0),
		coordinator: consensus.NewCoordinator(endpoint, replicas, manager),
		state:       StateColdStart,
	}
}

// Reinit installs the runtime as the root of this process and runs entry
// until it completes or the group terminates. Fatal conditions abort the
// whole group and are returned as *fault.AbortError.
func (r *Runtime) Reinit(ctx context.Context, entry EntryPoint, defaultStep uint64) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.detector.Watch(watchCtx, r.endpoint.Faults())
	}()
	defer func() {
		stopWatch()
		<-watchDone
	}()

	r.defaultStep = defaultStep
	r.ledger.Reset(defaultStep)
	r.locator.SetInitial(defaultStep)

	rs, err := r.coldStart(ctx)
	if err != nil {
		return err
	}

	for {
		r.setState(StateRunning)
		runCtx := r.detector.Arm(ctx)
		err := entry(runCtx, r, rs)
		cause := context.Cause(runCtx)
		r.detector.Disarm()

		if err == nil {
			pending := r.detector.Probe()
			if pending == nil {
				slog.Info("entry point completed", "rank", rs.Identity.Rank, "last_step", r.ledger.Last())
				r.setState(StateTerminated)
				return nil
			}
			if !errors.Is(pending, fault.ErrFault) {
				return r.finish(pending)
			}
			err = pending
		}

		if t := r.settle(ctx, err); t != nil {
			return r.finish(t)
		}
		if !isFault(err) && !errors.Is(cause, fault.ErrFault) {
			return r.fatal(ctx, fmt.Errorf("entry point: %w", err))
		}

		if rs, err = r.recover(ctx, false); err != nil {
			return err
		}
	}
}

func (r *Runtime) coldStart(ctx context.Context) (RecoveryState, error) {
	ms, err := r.resolve(ctx)
	if err != nil {
		return RecoveryState{}, err
	}

	if ms.State == domain.StartAdded {
		slog.Info("replacement process joining recovery", "rank", ms.Rank, "generation", ms.Generation)
		return r.recover(ctx, true)
	}

	r.detector.Resume(ms.Generation)
	h, err := r.locator.Resolve(r.defaultStep, nil)
	if err != nil {
		return RecoveryState{}, r.fatal(ctx, err)
	}

	id := episodeID("cold", ms.Generation)
	r.setIdentity(ms.Identity(), id)
	slog.Info("cold start", "rank", ms.Rank, "size", ms.Size, "step", r.defaultStep, "source", h.Source, "episode_id", id)

	return RecoveryState{
		Identity:   ms.Identity(),
		Step:       r.defaultStep,
		Checkpoint: h,
		EpisodeID:  id,
	}, nil
}

// recover runs one fault episode. A replacement has nothing to unwind and
// joins the survivors at consensus.
func (r *Runtime) recover(ctx context.Context, replacement bool) (RecoveryState, error) {
	if !replacement && r.detector.Probe() == nil {
		// The entry reported a fault without raising it; make sure peers
		// join the episode.
		if err := r.detector.Raise(ctx, "entry point reported a fault"); !errors.Is(err, fault.ErrFault) {
			if t := r.settle(ctx, err); t != nil {
				return RecoveryState{}, r.finish(t)
			}
			return RecoveryState{}, r.fatal(ctx, err)
		}
	}

	notice, err := r.detector.Begin()
	if err != nil {
		return RecoveryState{}, r.finish(err)
	}
	slog.Warn("fault episode started",
		"rank", r.Identity().Rank,
		"generation", notice.Generation,
		"origin", notice.Origin,
		"reason", notice.Reason,
		"replacement", replacement,
	)

	if !replacement {
		r.setState(StateUnwinding)
		if err := r.stack.Unwind(r.ledger.Last()); err != nil {
			return RecoveryState{}, r.fatal(ctx, fmt.Errorf("unwind: %w", err))
		}
	}

	r.setState(StateConsensus)
	ms, err := r.resolve(ctx)
	if err != nil {
		return RecoveryState{}, err
	}
	id := episodeID("episode", ms.Generation)

	decision, err := r.coordinator.Agree(ctx, consensus.Input{
		Epoch:       ms.Generation,
		Membership:  ms,
		Replacement: replacement,
		LastStep:    r.ledger.Last(),
		DefaultStep: r.defaultStep,
	})
	if err != nil {
		if t := r.settle(ctx, err); t != nil {
			return RecoveryState{}, r.finish(t)
		}
		return RecoveryState{}, r.fatal(ctx, err)
	}

	r.setState(StateLoading)
	h, err := r.locator.Resolve(decision.RestartStep, decision.Recovered)
	if err != nil {
		return RecoveryState{}, r.fatal(ctx, fmt.Errorf("load restart step: %w", err))
	}

	r.ledger.Reset(decision.RestartStep)
	r.detector.Resume(ms.Generation)

	identity := ms.Identity()
	identity.State = domain.StartRestarted
	if replacement {
		identity.State = domain.StartAdded
	}
	r.setIdentity(identity, id)
	metrics.EpisodesTotal.WithLabelValues("recovered").Inc()

	slog.Info("fault episode recovered",
		"episode_id", id,
		"rank", ms.Rank,
		"generation", ms.Generation,
		"restart_step", decision.RestartStep,
		"source", h.Source,
	)

	return RecoveryState{
		Identity:   identity,
		Step:       decision.RestartStep,
		Checkpoint: h,
		EpisodeID:  id,
	}, nil
}

func (r *Runtime) resolve(ctx context.Context) (transport.Membership, error) {
	prev, hadPrev := r.tracker.Last()
	ms, err := r.tracker.Resolve(ctx)
	if ms.Size > 0 {
		r.mu.Lock()
		r.identity.Rank = ms.Rank
		r.identity.Size = ms.Size
		r.identity.Generation = ms.Generation
		r.mu.Unlock()
	}
	if err != nil {
		if errors.Is(err, membership.ErrNonViableSize) {
			return ms, r.fatal(ctx, err)
		}
		if t := r.settle(ctx, err); t != nil {
			return ms, r.finish(t)
		}
		return ms, r.fatal(ctx, err)
	}
	if hadPrev && !membership.RanksStable(prev, ms) {
		r.manager.Replicas().Forget()
	}
	r.manager.Bind(ms.Rank, ms.Size)
	return ms, nil
}

// settle returns the terminal condition behind a failure, if there is one:
// the group aborted or this process was removed from it.
func (r *Runtime) settle(ctx context.Context, err error) error {
	if t := r.detector.Probe(); isTerminal(t) {
		return t
	}
	if !errors.Is(err, transport.ErrRankLost) &&
		!errors.Is(err, transport.ErrClosed) &&
		!errors.Is(err, transport.ErrAborted) {
		return nil
	}

	_, merr := r.endpoint.Membership(ctx)
	switch {
	case errors.Is(merr, transport.ErrClosed):
		return fault.ErrProcessLost
	case errors.Is(merr, transport.ErrAborted):
		select {
		case <-r.detector.Terminal():
			if t := r.detector.Probe(); isTerminal(t) {
				return t
			}
		case <-time.After(r.cfg.SettleTimeout):
		}
		return &fault.AbortError{Code: r.cfg.AbortCode, Origin: -1, Reason: "group aborted"}
	default:
		return nil
	}
}

// fatal aborts the whole group on behalf of this process.
func (r *Runtime) fatal(ctx context.Context, cause error) error {
	var abortErr *fault.AbortError
	if errors.As(cause, &abortErr) {
		return r.finish(abortErr)
	}

	rank := r.Identity().Rank
	slog.Error("fatal condition, aborting group", "rank", rank, "state", r.State(), "error", cause)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SettleTimeout)
	defer cancel()
	if err := r.endpoint.Abort(abortCtx, r.cfg.AbortCode, cause.Error()); err != nil {
		slog.Warn("abort broadcast failed", "rank", rank, "error", err)
	}

	return r.finish(&fault.AbortError{Code: r.cfg.AbortCode, Origin: rank, Reason: cause.Error()})
}

func (r *Runtime) finish(err error) error {
	r.setState(StateTerminated)

	outcome := "aborted"
	if errors.Is(err, fault.ErrProcessLost) {
		outcome = "lost"
		slog.Warn("process lost, leaving group", "rank", r.Identity().Rank)
	}
	metrics.EpisodesTotal.WithLabelValues(outcome).Inc()
	return err
}

// Fault raises a fault on behalf of the application. It always returns an
// error so callers can write `return rt.Fault(ctx, "...")`.
func (r *Runtime) Fault(ctx context.Context, reason string) error {
	return r.detector.Raise(ctx, reason)
}

func (r *Runtime) Probe() error {
	return r.detector.Probe()
}

func (r *Runtime) PushCleanup(h cleanup.Handler) cleanup.Handle {
	return r.stack.Push(h)
}

func (r *Runtime) PopCleanup() (cleanup.Entry, bool) {
	return r.stack.Pop()
}

func (r *Runtime) DeleteCleanup(h cleanup.Handle) bool {
	return r.stack.Delete(h)
}

// StepComplete records local progress. With a fault pending the step is
// not recorded and the fault is returned instead.
func (r *Runtime) StepComplete(step uint64) error {
	if err := r.detector.Probe(); err != nil {
		return err
	}
	return r.ledger.Complete(step)
}

func (r *Runtime) LastStep() uint64 {
	return r.ledger.Last()
}

func (r *Runtime) FaultMode() domain.FaultMode {
	return r.detector.Mode()
}

func (r *Runtime) SetFaultMode(mode domain.FaultMode) {
	r.detector.SetMode(mode)
}

// Abort terminates the whole group with code.
func (r *Runtime) Abort(ctx context.Context, code int, reason string) error {
	rank := r.Identity().Rank
	if err := r.endpoint.Abort(ctx, code, reason); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return &fault.AbortError{Code: code, Origin: rank, Reason: reason}
}

func (r *Runtime) Checkpoints() *checkpoint.Manager {
	return r.manager
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) Identity() domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *Runtime) EpisodeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.episode
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()

	if prev != s {
		slog.Debug("runtime state", "from", prev, "to", s)
	}
}

func (r *Runtime) setIdentity(id domain.Identity, episode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = id
	r.episode = episode
}

func episodeID(kind string, generation uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "resilience/%s/%d", kind, generation)).String()
}

func isFault(err error) bool {
	return errors.Is(err, fault.ErrFault) || errors.Is(err, transport.ErrRankLost)
}

func isTerminal(err error) bool {
	var abortErr *fault.AbortError
	return errors.Is(err, fault.ErrProcessLost) || errors.As(err, &abortErr)
}
