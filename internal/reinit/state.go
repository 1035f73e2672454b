package reinit

import (
	"fmt"

	"resilience/internal/checkpoint"
	"resilience/internal/domain"
)

type State int

const (
	StateColdStart State = iota
	StateRunning
	StateUnwinding
	StateConsensus
	StateLoading
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold_start"
	case StateRunning:
		return "running"
	case StateUnwinding:
		return "unwinding"
	case StateConsensus:
		return "consensus"
	case StateLoading:
		return "loading"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RecoveryState is what the entry point is started with. It is rebuilt on
// every entry and nothing else from the previous run survives.
type RecoveryState struct {
	Identity   domain.Identity
	Step       uint64
	Checkpoint checkpoint.Handle
	EpisodeID  string
}
