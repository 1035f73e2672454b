package cleanup

import (
	"fmt"
	"log/slog"
	"time"

	"resilience/internal/metrics"
)

type Code int

const (
	Success Code = iota
	Abort
)

func (c Code) String() string {
	if c == Abort {
		return "abort"
	}
	return "success"
}

// Handler tears down a resource when a fault unwinds the process. Any state
// the handler needs is bound at registration time.
//
// step is the last step this process completed locally when the unwind
// began. Unwinding runs before consensus, so the group's restart step is
// not known yet and may be lower.
type Handler interface {
	Cleanup(step uint64) Code
}

type HandlerFunc func(step uint64) Code

func (f HandlerFunc) Cleanup(step uint64) Code { return f(step) }

// Handle identifies a registered handler for Delete.
type Handle uint64

type Entry struct {
	Handle  Handle
	Handler Handler
}

type AbortedError struct {
	Handle Handle
	Ran    int
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("cleanup handler %d aborted after %d handlers ran", e.Handle, e.Ran)
}

// Stack is the per-process LIFO of cleanup handlers. It is never shared
// between processes and is not safe for concurrent use.
type Stack struct {
	entries []Entry
	next    Handle
}

func NewStack() *Stack {
	return &Stack{}
}

func (s *Stack) Push(h Handler) Handle {
	s.next++
	s.entries = append(s.entries, Entry{Handle: s.next, Handler: h})
	metrics.CleanupStackDepth.Set(float64(len(s.entries)))
	return s.next
}

// Pop removes the top entry. An empty stack yields the zero Entry, whose
// Handler is nil, and false.
func (s *Stack) Pop() (Entry, bool) {
	n := len(s.entries)
	if n == 0 {
		return Entry{}, false
	}
	top := s.entries[n-1]
	s.entries[n-1] = Entry{}
	s.entries = s.entries[:n-1]
	metrics.CleanupStackDepth.Set(float64(len(s.entries)))
	return top, true
}

// Delete removes a handler regardless of its position, for resources freed
// before any fault.
func (s *Stack) Delete(h Handle) bool {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Handle != h {
			continue
		}
		copy(s.entries[i:], s.entries[i+1:])
		s.entries[len(s.entries)-1] = Entry{}
		s.entries = s.entries[:len(s.entries)-1]
		metrics.CleanupStackDepth.Set(float64(len(s.entries)))
		return true
	}
	return false
}

func (s *Stack) Len() int {
	return len(s.entries)
}

// Unwind pops and runs every handler from the top down. The first Abort
// stops the unwind; handlers below it are never invoked.
func (s *Stack) Unwind(step uint64) error {
	start := time.Now()
	defer func() {
		metrics.UnwindDuration.Observe(time.Since(start).Seconds())
	}()

	ran := 0
	for {
		e, ok := s.Pop()
		if !ok {
			slog.Debug("cleanup stack unwound", "handlers", ran, "step", step)
			return nil
		}

		ran++
		code := e.Handler.Cleanup(step)
		metrics.CleanupHandlersTotal.WithLabelValues(code.String()).Inc()

		if code == Abort {
			slog.Error("cleanup handler aborted", "handle", e.Handle, "ran", ran, "remaining", s.Len())
			return &AbortedError{Handle: e.Handle, Ran: ran}
		}
	}
}
