package ledger

import (
	"errors"
	"fmt"
	"sync"

	"resilience/internal/metrics"
)

var ErrStepRegression = errors.New("step is below the last completed step")

// Ledger records the last step this process completed. Normal execution
// only moves it forward; Reset is reserved for consensus recovery.
type Ledger struct {
	mu   sync.Mutex
	last uint64
}

func New(start uint64) *Ledger {
	return &Ledger{last: start}
}

func (l *Ledger) Complete(step uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if step < l.last {
		return fmt.Errorf("complete step %d after %d: %w", step, l.last, ErrStepRegression)
	}
	l.last = step
	metrics.StepsCompleted.Inc()
	return nil
}

func (l *Ledger) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Ledger) Reset(step uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = step
}
