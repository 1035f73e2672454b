package fault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resilience/internal/domain"
	"resilience/internal/transport"
)

type fakeRaiser struct {
	mu     sync.Mutex
	raised []uint64
	err    error
}

func (f *fakeRaiser) RaiseFault(_ context.Context, generation uint64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, generation)
	return f.err
}

func (f *fakeRaiser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raised)
}

func TestDetector_ProbeWithoutFaultIsNoop(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)

	for i := 0; i < 3; i++ {
		assert.NoError(t, d.Probe())
	}
	assert.Equal(t, domain.FaultModeSynchronous, d.Mode())
}

func TestDetector_NotifySynchronousOnlyAtProbe(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	ctx := d.Arm(context.Background())

	d.Notify(transport.FaultNotice{Generation: 0, Origin: 2})

	assert.NoError(t, ctx.Err())
	assert.ErrorIs(t, d.Probe(), ErrFault)
}

func TestDetector_NotifyAsynchronousCancelsEntry(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeAsynchronous)
	ctx := d.Arm(context.Background())

	d.Notify(transport.FaultNotice{Generation: 0, Origin: 2})

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("entry context not cancelled")
	}
	assert.ErrorIs(t, context.Cause(ctx), ErrFault)
}

func TestDetector_SwitchToAsyncWithPendingInterrupts(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	ctx := d.Arm(context.Background())
	d.Notify(transport.FaultNotice{Generation: 0})
	require.NoError(t, ctx.Err())

	d.SetMode(domain.FaultModeAsynchronous)

	assert.ErrorIs(t, context.Cause(ctx), ErrFault)
}

func TestDetector_RaiseIsIdempotent(t *testing.T) {
	r := &fakeRaiser{}
	d := NewDetector(r, domain.FaultModeSynchronous)

	assert.ErrorIs(t, d.Raise(context.Background(), "physics"), ErrFault)
	assert.ErrorIs(t, d.Raise(context.Background(), "physics again"), ErrFault)

	assert.Equal(t, 1, r.count())
	assert.ErrorIs(t, d.Probe(), ErrFault)
}

func TestDetector_RaiseTransportError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDetector(&fakeRaiser{err: boom}, domain.FaultModeSynchronous)

	err := d.Raise(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}

func TestDetector_StaleNoticeDropped(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	d.Resume(3)

	d.Notify(transport.FaultNotice{Generation: 2})
	assert.NoError(t, d.Probe())

	d.Notify(transport.FaultNotice{Generation: 3})
	assert.ErrorIs(t, d.Probe(), ErrFault)
}

func TestDetector_NoticesQueuedDuringEpisode(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	d.Notify(transport.FaultNotice{Generation: 0, Origin: 1})

	n, err := d.Begin()
	require.NoError(t, err)
	assert.Equal(t, 1, n.Origin)

	d.Notify(transport.FaultNotice{Generation: 0, Origin: 3})
	d.Notify(transport.FaultNotice{Generation: 1, Origin: 2})
	assert.NoError(t, d.Probe())

	d.Resume(1)
	assert.ErrorIs(t, d.Probe(), ErrFault)

	n, err = d.Begin()
	require.NoError(t, err)
	assert.Equal(t, 2, n.Origin)
}

func TestDetector_DuplicateNoticesCoalesceIntoEpisode(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	d.Notify(transport.FaultNotice{Generation: 0, Origin: 1})
	_, err := d.Begin()
	require.NoError(t, err)

	d.Notify(transport.FaultNotice{Generation: 0, Origin: 1})
	d.Resume(1)

	assert.NoError(t, d.Probe())
}

func TestDetector_RaiseDuringEpisodeDoesNotBroadcast(t *testing.T) {
	r := &fakeRaiser{}
	d := NewDetector(r, domain.FaultModeSynchronous)
	_, err := d.Begin()
	require.NoError(t, err)

	assert.ErrorIs(t, d.Raise(context.Background(), "x"), ErrFault)
	assert.Equal(t, 0, r.count())
}

func TestDetector_AbortNotice(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	ctx := d.Arm(context.Background())

	d.Notify(transport.FaultNotice{Abort: true, Code: 3, Origin: 1, Reason: "cleanup"})

	var abortErr *AbortError
	require.True(t, errors.As(d.Probe(), &abortErr))
	assert.Equal(t, 3, abortErr.Code)
	assert.ErrorIs(t, abortErr, transport.ErrAborted)
	assert.Error(t, ctx.Err())

	_, err := d.Begin()
	assert.True(t, errors.As(err, &abortErr))
}

func TestDetector_WatchMarksLostOnClosedChannel(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	runCtx := d.Arm(context.Background())

	ch := make(chan transport.FaultNotice, 1)
	ch <- transport.FaultNotice{Generation: 0, Origin: 4}
	close(ch)

	d.Watch(context.Background(), ch)

	assert.ErrorIs(t, d.Probe(), ErrProcessLost)
	assert.ErrorIs(t, context.Cause(runCtx), ErrProcessLost)
}

func TestDetector_WatchStopsOnContext(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan transport.FaultNotice)

	done := make(chan struct{})
	go func() {
		d.Watch(ctx, ch)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
	assert.NoError(t, d.Probe())
}

func TestDetector_ResumeKeepsCurrentPending(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)
	d.Notify(transport.FaultNotice{Generation: 4, Origin: 1})

	d.Resume(4)
	assert.ErrorIs(t, d.Probe(), ErrFault)

	d.Resume(5)
	assert.NoError(t, d.Probe())
}

func TestDetector_TerminalClosesOnAbort(t *testing.T) {
	d := NewDetector(&fakeRaiser{}, domain.FaultModeSynchronous)

	select {
	case <-d.Terminal():
		t.Fatal("terminal closed before abort")
	default:
	}

	d.Notify(transport.FaultNotice{Abort: true, Code: 2})
	d.Notify(transport.FaultNotice{Abort: true, Code: 5})

	select {
	case <-d.Terminal():
	case <-time.After(time.Second):
		t.Fatal("terminal not closed")
	}
	var abortErr *AbortError
	require.True(t, errors.As(d.Probe(), &abortErr))
	assert.Equal(t, 2, abortErr.Code)
}
