package domain

import "context"

// Prober is the slice of the runtime that tight application loops need to
// poll for faults in synchronous mode.
type Prober interface {
	Probe() error
}

type Raiser interface {
	Fault(ctx context.Context, reason string) error
}

type StepRecorder interface {
	StepComplete(step uint64) error
}
