package reinit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resilience/internal/checkpoint"
	"resilience/internal/cleanup"
	"resilience/internal/domain"
	"resilience/internal/fault"
	"resilience/internal/membership"
)

func runReplacementScenario(t *testing.T, replicate bool) (*stepApp, map[string]error) {
	t.Helper()
	cfg := syncConfig()
	cfg.Checkpoint.Replicate = replicate
	c := newCluster(t, cfg)

	app := newStepApp(10, 4)
	app.pauseAt[0] = 9
	app.pauseAt[1] = 7
	app.pauseAt[2] = 7
	app.pauseAt[3] = 8

	for i, e := range c.spawn(4) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 4)

	require.NoError(t, c.hub.Kill(2))
	e, err := c.hub.Replace(2)
	require.NoError(t, err)
	c.start("rank-2-replacement", e, app.entry, 0)

	return app, c.wait()
}

func TestReinit_ReplacementRecoversFromPeerReplica(t *testing.T) {
	app, results := runReplacementScenario(t, true)

	assert.ErrorIs(t, results["rank-2"], fault.ErrProcessLost)
	for _, name := range []string{"rank-0", "rank-1", "rank-3", "rank-2-replacement"} {
		assert.NoError(t, results[name], name)
	}

	for _, rank := range []int{0, 1, 3} {
		visits := app.visitsOf(rank)
		require.Len(t, visits, 2, "rank %d", rank)
		assert.Equal(t, domain.StartNew, visits[0].state)
		assert.Equal(t, checkpoint.SourceInitial, visits[0].source)
		assert.Equal(t, domain.StartRestarted, visits[1].state)
		assert.Equal(t, uint64(7), visits[1].step)
		assert.Equal(t, checkpoint.SourceMemory, visits[1].source)
		assert.Equal(t, fmt.Sprintf("rank %d step 7", rank), visits[1].data)
	}

	replacement := app.visitsOf(2)
	require.Len(t, replacement, 2)
	assert.Equal(t, domain.StartAdded, replacement[1].state)
	assert.Equal(t, uint64(7), replacement[1].step)
	assert.Equal(t, checkpoint.SourceReplica, replacement[1].source)
	assert.Equal(t, "rank 2 step 7", replacement[1].data)
}

func TestReinit_ReplacementFallsBackToDurable(t *testing.T) {
	app, results := runReplacementScenario(t, false)

	assert.ErrorIs(t, results["rank-2"], fault.ErrProcessLost)
	assert.NoError(t, results["rank-2-replacement"])

	replacement := app.visitsOf(2)
	require.Len(t, replacement, 2)
	assert.Equal(t, domain.StartAdded, replacement[1].state)
	assert.Equal(t, uint64(7), replacement[1].step)
	assert.Equal(t, checkpoint.SourceDurable, replacement[1].source)
	assert.Equal(t, "rank 2 step 7", replacement[1].data)

	for _, rank := range []int{0, 1, 3} {
		visits := app.visitsOf(rank)
		require.Len(t, visits, 2)
		assert.Equal(t, uint64(7), visits[1].step)
	}
}

func TestReinit_RaisedFaultRestartsAtMinimum(t *testing.T) {
	c := newCluster(t, syncConfig())
	app := newStepApp(6, 3)
	app.pauseAt[0] = 4
	app.pauseAt[2] = 5
	app.faultAt[1] = 3
	app.gate = make(chan struct{})

	for i, e := range c.spawn(3) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 2)
	close(app.gate)
	results := c.wait()

	for name, err := range results {
		assert.NoError(t, err, name)
	}
	for rank := 0; rank < 3; rank++ {
		visits := app.visitsOf(rank)
		require.Len(t, visits, 2, "rank %d", rank)
		assert.Equal(t, domain.StartRestarted, visits[1].state)
		assert.Equal(t, uint64(2), visits[1].step)
	}
	assert.Equal(t, uint64(6), c.runtime("rank-1").LastStep())
	assert.Equal(t, StateTerminated, c.runtime("rank-1").State())
}

func TestReinit_CleanupSeesLocalLastStep(t *testing.T) {
	c := newCluster(t, syncConfig())
	app := newStepApp(6, 3)
	app.pauseAt[0] = 4
	app.pauseAt[2] = 5
	app.faultAt[1] = 3
	app.gate = make(chan struct{})

	var mu sync.Mutex
	unwound := make(map[int]uint64)
	app.setup = func(rank int, rt *Runtime) {
		rt.PushCleanup(cleanup.HandlerFunc(func(step uint64) cleanup.Code {
			mu.Lock()
			defer mu.Unlock()
			unwound[rank] = step
			return cleanup.Success
		}))
	}

	for i, e := range c.spawn(3) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 2)
	close(app.gate)
	results := c.wait()

	for name, err := range results {
		require.NoError(t, err, name)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]uint64{0: 4, 1: 2, 2: 5}, unwound)
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, uint64(2), app.visitsOf(rank)[1].step, "rank %d", rank)
	}
}

func TestReinit_CleanupAbortAbortsGroup(t *testing.T) {
	c := newCluster(t, syncConfig())
	app := newStepApp(6, 3)
	app.pauseAt[0] = 4
	app.pauseAt[2] = 4
	app.faultAt[1] = 3

	var bottomRan bool
	app.setup = func(rank int, rt *Runtime) {
		if rank != 1 {
			return
		}
		rt.PushCleanup(cleanup.HandlerFunc(func(uint64) cleanup.Code {
			bottomRan = true
			return cleanup.Success
		}))
		rt.PushCleanup(cleanup.HandlerFunc(func(uint64) cleanup.Code {
			return cleanup.Abort
		}))
	}

	app.gate = make(chan struct{})

	for i, e := range c.spawn(3) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 2)
	close(app.gate)
	results := c.wait()

	for name, err := range results {
		var abortErr *fault.AbortError
		require.True(t, errors.As(err, &abortErr), "%s: %v", name, err)
		assert.Equal(t, 3, abortErr.Code, name)
	}
	assert.False(t, bottomRan)

	_, aborted := c.hub.Aborted()
	assert.True(t, aborted)
}

func TestReinit_FinishedRankAbortsLaterEpisode(t *testing.T) {
	c := newCluster(t, syncConfig())
	app := newStepApp(4, 2)
	app.faultAt[1] = 3
	app.gate = make(chan struct{})

	for i, e := range c.spawn(2) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	require.Eventually(t, func() bool { return c.finished("rank-0") }, 5*time.Second, 5*time.Millisecond)
	close(app.gate)
	results := c.wait()

	assert.NoError(t, results["rank-0"])
	var abortErr *fault.AbortError
	require.True(t, errors.As(results["rank-1"], &abortErr), "%v", results["rank-1"])
	assert.Equal(t, 3, abortErr.Code)
	assert.Equal(t, 1, abortErr.Origin)
	assert.Len(t, app.visitsOf(1), 1)

	_, aborted := c.hub.Aborted()
	assert.True(t, aborted)
}

func TestReinit_NonViableSizeAbortsBeforeConsensus(t *testing.T) {
	cfg := syncConfig()
	cfg.SizePolicy = membership.MinSize(3)
	c := newCluster(t, cfg)

	app := newStepApp(5, 3)
	for rank := 0; rank < 3; rank++ {
		app.pauseAt[rank] = 2
	}
	for i, e := range c.spawn(3) {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 3)

	require.NoError(t, c.hub.Remove(2))
	results := c.wait()

	assert.ErrorIs(t, results["rank-2"], fault.ErrProcessLost)
	for _, name := range []string{"rank-0", "rank-1"} {
		var abortErr *fault.AbortError
		require.True(t, errors.As(results[name], &abortErr), name)
		assert.Equal(t, 3, abortErr.Code)
		assert.Contains(t, abortErr.Reason, membership.ErrNonViableSize.Error())
		assert.Equal(t, StateTerminated, c.runtime(name).State())
	}
	for rank := 0; rank < 2; rank++ {
		assert.Len(t, app.visitsOf(rank), 1)
	}
}

func TestReinit_ShrinkDropsRenumberedReplicas(t *testing.T) {
	cfg := syncConfig()
	cfg.SizePolicy = membership.MinSize(2)
	c := newCluster(t, cfg)

	app := newStepApp(4, 3)
	for rank := 0; rank < 3; rank++ {
		app.pauseAt[rank] = 2
	}

	var mu sync.Mutex
	held := make(map[int]bool)
	app.setup = func(rank int, rt *Runtime) {
		if rt.Identity().State != domain.StartRestarted {
			return
		}
		has, _ := rt.Checkpoints().Replicas().Has(rank)
		mu.Lock()
		held[rank] = has
		mu.Unlock()
	}

	endpoints := c.spawn(3)
	for i, e := range endpoints {
		c.start(fmt.Sprintf("rank-%d", i), e, app.entry, 0)
	}
	app.awaitReady(t, 3)

	require.NoError(t, c.hub.Remove(1))
	results := c.wait()

	assert.ErrorIs(t, results["rank-1"], fault.ErrProcessLost)
	assert.NoError(t, results["rank-0"])
	assert.NoError(t, results["rank-2"])
	assert.Equal(t, 1, endpoints[2].Rank())

	mu.Lock()
	defer mu.Unlock()
	// Old rank 2 held copies owned by the removed rank 1 and is now rank 1.
	assert.Equal(t, map[int]bool{0: false, 1: false}, held)
}

func TestReinit_AsyncModeInterruptsEntry(t *testing.T) {
	cfg := syncConfig()
	c := newCluster(t, cfg)
	endpoints := c.spawn(2)

	var interrupted bool
	waiter := func(ctx context.Context, rt *Runtime, rs RecoveryState) error {
		if rs.Identity.State != domain.StartNew {
			return nil
		}
		rt.SetFaultMode(domain.FaultModeAsynchronous)
		<-ctx.Done()
		interrupted = errors.Is(context.Cause(ctx), fault.ErrFault)
		return ctx.Err()
	}
	raiser := func(ctx context.Context, rt *Runtime, rs RecoveryState) error {
		if rs.Identity.State != domain.StartNew {
			return nil
		}
		if err := rt.StepComplete(1); err != nil {
			return err
		}
		return rt.Fault(ctx, "residual exploded")
	}

	c.start("waiter", endpoints[0], waiter, 0)
	c.start("raiser", endpoints[1], raiser, 0)
	results := c.wait()

	assert.NoError(t, results["waiter"])
	assert.NoError(t, results["raiser"])
	assert.True(t, interrupted)
	assert.Equal(t, domain.FaultModeAsynchronous, c.runtime("waiter").FaultMode())
}

func TestReinit_ProbeWithoutFaultIsNoop(t *testing.T) {
	c := newCluster(t, syncConfig())
	e := c.spawn(1)[0]

	var runs int
	c.start("solo", e, func(ctx context.Context, rt *Runtime, rs RecoveryState) error {
		runs++
		for i := 0; i < 3; i++ {
			if err := rt.Probe(); err != nil {
				return err
			}
		}
		return rt.StepComplete(rs.Step + 1)
	}, 4)
	results := c.wait()

	assert.NoError(t, results["solo"])
	assert.Equal(t, 1, runs)
	assert.Equal(t, uint64(5), c.runtime("solo").LastStep())
}

func TestReinit_EntryErrorAbortsGroup(t *testing.T) {
	c := newCluster(t, syncConfig())
	e := c.spawn(1)[0]

	c.start("solo", e, func(context.Context, *Runtime, RecoveryState) error {
		return errors.New("out of memory")
	}, 0)
	results := c.wait()

	var abortErr *fault.AbortError
	require.True(t, errors.As(results["solo"], &abortErr))
	assert.Equal(t, 3, abortErr.Code)
	assert.Contains(t, abortErr.Reason, "out of memory")
}

func TestReinit_ColdStartResolvesDurableCheckpoint(t *testing.T) {
	c := newCluster(t, syncConfig())
	require.NoError(t, c.durable.Save(checkpoint.New(0, 5, []byte("warm"))))
	e := c.spawn(1)[0]

	var got RecoveryState
	c.start("solo", e, func(_ context.Context, _ *Runtime, rs RecoveryState) error {
		got = rs
		return nil
	}, 5)
	results := c.wait()

	require.NoError(t, results["solo"])
	assert.Equal(t, checkpoint.SourceDurable, got.Checkpoint.Source)
	assert.Equal(t, []byte("warm"), got.Checkpoint.Data)
	assert.Equal(t, domain.StartNew, got.Identity.State)
	assert.NotEmpty(t, got.EpisodeID)
}

func TestRuntime_CleanupAPI(t *testing.T) {
	c := newCluster(t, syncConfig())
	rt := New(c.spawn(1)[0], nil, syncConfig())

	h1 := rt.PushCleanup(cleanup.HandlerFunc(func(uint64) cleanup.Code { return cleanup.Success }))
	h2 := rt.PushCleanup(cleanup.HandlerFunc(func(uint64) cleanup.Code { return cleanup.Success }))

	assert.True(t, rt.DeleteCleanup(h1))
	assert.False(t, rt.DeleteCleanup(h1))

	top, ok := rt.PopCleanup()
	require.True(t, ok)
	assert.Equal(t, h2, top.Handle)

	empty, ok := rt.PopCleanup()
	assert.False(t, ok)
	assert.Nil(t, empty.Handler)
}

func TestRuntime_StepCompleteWithPendingFault(t *testing.T) {
	c := newCluster(t, syncConfig())
	rt := New(c.spawn(1)[0], nil, syncConfig())

	require.NoError(t, rt.StepComplete(1))
	assert.ErrorIs(t, rt.Fault(context.Background(), "x"), fault.ErrFault)
	assert.ErrorIs(t, rt.StepComplete(2), fault.ErrFault)
	assert.Equal(t, uint64(1), rt.LastStep())
}
