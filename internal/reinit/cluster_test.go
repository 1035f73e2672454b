package reinit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"resilience/internal/checkpoint"
	"resilience/internal/domain"
	"resilience/internal/transport/local"
)

type visit struct {
	state  domain.StartState
	step   uint64
	source checkpoint.Source
	data   string
}

// stepApp runs numbered steps, checkpointing and completing each one. On
// its first run a rank can pause at a step until a fault arrives, or raise
// a fault itself.
type stepApp struct {
	final   uint64
	pauseAt map[int]uint64
	faultAt map[int]uint64
	setup   func(rank int, rt *Runtime)
	ready   chan int
	// gate holds a faulting rank back until the test releases it.
	gate chan struct{}

	mu     sync.Mutex
	visits map[int][]visit
}

func newStepApp(final uint64, size int) *stepApp {
	return &stepApp{
		final:   final,
		pauseAt: make(map[int]uint64),
		faultAt: make(map[int]uint64),
		ready:   make(chan int, 2*size),
		visits:  make(map[int][]visit),
	}
}

func (a *stepApp) entry(ctx context.Context, rt *Runtime, rs RecoveryState) error {
	rank := rs.Identity.Rank
	a.record(rank, rs)
	if a.setup != nil {
		a.setup(rank, rt)
	}

	first := rs.Identity.State == domain.StartNew
	for step := rs.Step + 1; step <= a.final; step++ {
		if first && step == a.faultAt[rank] {
			if a.gate != nil {
				select {
				case <-a.gate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return rt.Fault(ctx, fmt.Sprintf("rank %d diverged", rank))
		}
		payload := fmt.Appendf(nil, "rank %d step %d", rank, step)
		if err := rt.Checkpoints().Save(ctx, step, payload); err != nil {
			return err
		}
		if err := rt.StepComplete(step); err != nil {
			return err
		}
		if first && step == a.pauseAt[rank] {
			a.ready <- rank
			return waitForFault(ctx, rt)
		}
	}
	return nil
}

func (a *stepApp) record(rank int, rs RecoveryState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visits[rank] = append(a.visits[rank], visit{
		state:  rs.Identity.State,
		step:   rs.Step,
		source: rs.Checkpoint.Source,
		data:   string(rs.Checkpoint.Data),
	})
}

func (a *stepApp) visitsOf(rank int) []visit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]visit(nil), a.visits[rank]...)
}

func (a *stepApp) awaitReady(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.ready:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d ranks reached their pause step", i, n)
		}
	}
}

func waitForFault(ctx context.Context, rt *Runtime) error {
	ticker := time.NewTicker(2 * time.Millisecond)
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

type cluster struct {
	t       *testing.T
	ctx     context.Context
	hub     *local.Hub
	durable *checkpoint.DurableStore
	cfg     Config
	eg      errgroup.Group

	mu       sync.Mutex
	results  map[string]error
	runtimes map[string]*Runtime
}

func newCluster(t *testing.T, cfg Config) *cluster {
	t.Helper()
	durable, err := checkpoint.OpenDurableStore(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return &cluster{
		t:        t,
		ctx:      ctx,
		hub:      local.NewHub(),
		durable:  durable,
		cfg:      cfg,
		results:  make(map[string]error),
		runtimes: make(map[string]*Runtime),
	}
}

func (c *cluster) spawn(n int) []*local.Endpoint {
	out := make([]*local.Endpoint, n)
	for i := range out {
		out[i] = c.hub.Spawn()
	}
	return out
}

func (c *cluster) start(name string, e *local.Endpoint, entry EntryPoint, defaultStep uint64) {
	rt := New(e, c.durable, c.cfg)
	c.mu.Lock()
	c.runtimes[name] = rt
	c.mu.Unlock()

	c.eg.Go(func() error {
		err := rt.Reinit(c.ctx, entry, defaultStep)
		_ = e.Close()
		c.mu.Lock()
		c.results[name] = err
		c.mu.Unlock()
		return nil
	})
}

func (c *cluster) wait() map[string]error {
	require.NoError(c.t, c.eg.Wait())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

// finished reports whether name returned from Reinit and left the group.
func (c *cluster) finished(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.results[name]
	return ok
}

func (c *cluster) runtime(name string) *Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimes[name]
}

func syncConfig() Config {
	return Config{
		FaultMode: domain.FaultModeSynchronous,
		AbortCode: 3,
		Checkpoint: checkpoint.ManagerConfig{
			Replicate: true,
		},
	}
}
