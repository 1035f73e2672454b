package domain

import "fmt"

type StartState int

const (
	StartNew StartState = iota
	StartRestarted
	StartAdded
)

func (s StartState) String() string {
	switch s {
	case StartNew:
		return "new"
	case StartRestarted:
		return "restarted"
	case StartAdded:
		return "added"
	default:
		return fmt.Sprintf("start_state(%d)", int(s))
	}
}

// FaultMode controls when fault interrupts are delivered to a process.
// Synchronous mode masks interrupts until the next probe or runtime call.
type FaultMode int

const (
	FaultModeSynchronous FaultMode = iota
	FaultModeAsynchronous
)

func (m FaultMode) String() string {
	switch m {
	case FaultModeSynchronous:
		return "synchronous"
	case FaultModeAsynchronous:
		return "asynchronous"
	default:
		return fmt.Sprintf("fault_mode(%d)", int(m))
	}
}

func ParseFaultMode(s string) (FaultMode, error) {
	switch s {
	case "", "sync", "synchronous":
		return FaultModeSynchronous, nil
	case "async", "asynchronous":
		return FaultModeAsynchronous, nil
	default:
		return 0, fmt.Errorf("unknown fault mode %q", s)
	}
}

// Identity describes one process for the lifetime of a single generation.
// It is rebuilt on every entry and never persisted.
type Identity struct {
	Rank       int
	Size       int
	Generation uint64
	State      StartState
}
