package cleanup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
}

func (r *recorder) handler(name string, code Code) Handler {
	return HandlerFunc(func(uint64) Code {
		r.calls = append(r.calls, name)
		return code
	})
}

func TestStack_PopIsLIFO(t *testing.T) {
	s := NewStack()
	h1 := s.Push(HandlerFunc(func(uint64) Code { return Success }))
	h2 := s.Push(HandlerFunc(func(uint64) Code { return Success }))
	h3 := s.Push(HandlerFunc(func(uint64) Code { return Success }))

	for _, want := range []Handle{h3, h2, h1} {
		e, ok := s.Pop()
		require.True(t, ok)
		assert.Equal(t, want, e.Handle)
	}
}

func TestStack_PopEmptyReturnsSentinelEveryTime(t *testing.T) {
	s := NewStack()
	s.Push(HandlerFunc(func(uint64) Code { return Success }))
	_, ok := s.Pop()
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		e, ok := s.Pop()
		assert.False(t, ok)
		assert.Nil(t, e.Handler)
		assert.Equal(t, Handle(0), e.Handle)
	}
}

func TestStack_DeleteOutOfOrder(t *testing.T) {
	r := &recorder{}
	s := NewStack()
	s.Push(r.handler("bottom", Success))
	mid := s.Push(r.handler("middle", Success))
	s.Push(r.handler("top", Success))

	assert.True(t, s.Delete(mid))
	assert.False(t, s.Delete(mid))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Unwind(1))
	assert.Equal(t, []string{"top", "bottom"}, r.calls)
}

func TestStack_UnwindRunsAllAndEmpties(t *testing.T) {
	r := &recorder{}
	s := NewStack()
	s.Push(r.handler("a", Success))
	s.Push(r.handler("b", Success))
	s.Push(r.handler("c", Success))

	require.NoError(t, s.Unwind(5))
	assert.Equal(t, []string{"c", "b", "a"}, r.calls)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Unwind(5))
	assert.Len(t, r.calls, 3)
}

func TestStack_UnwindStopsAtAbort(t *testing.T) {
	r := &recorder{}
	s := NewStack()
	s.Push(r.handler("bottom", Success))
	mid := s.Push(r.handler("middle", Abort))
	s.Push(r.handler("top", Success))

	err := s.Unwind(3)

	var aborted *AbortedError
	require.True(t, errors.As(err, &aborted))
	assert.Equal(t, mid, aborted.Handle)
	assert.Equal(t, 2, aborted.Ran)
	assert.Equal(t, []string{"top", "middle"}, r.calls)
	assert.Equal(t, 1, s.Len())
}

func TestStack_UnwindPassesStep(t *testing.T) {
	var got uint64
	s := NewStack()
	s.Push(HandlerFunc(func(step uint64) Code {
		got = step
		return Success
	}))

	require.NoError(t, s.Unwind(42))
	assert.Equal(t, uint64(42), got)
}
