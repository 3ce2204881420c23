package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/timmy/scadarchive/internal/domain"
)

const idleMessage = "Ready"

// StatusTracker owns the process-wide ProcessingStatus. The orchestrator is
// its only writer; readers receive copies.
type StatusTracker struct {
	mu     sync.Mutex
	status domain.ProcessingStatus
	clock  clockwork.Clock
}

// NewStatusTracker returns a tracker in the idle state.
func NewStatusTracker(clock clockwork.Clock) *StatusTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatusTracker{
		status: domain.ProcessingStatus{Status: domain.RunStateIdle, Message: idleMessage},
		clock:  clock,
	}
}

// begin moves the tracker to starting. A tracker that is starting or
// running rejects the transition.
func (t *StatusTracker) begin(runID, mode, date string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status.Status {
	case domain.RunStateStarting, domain.RunStateRunning:
		return domain.ErrRunInProgress
	}
	now := t.clock.Now().UTC()
	t.status = domain.ProcessingStatus{
		Status:    domain.RunStateStarting,
		Message:   "Starting " + mode,
		Date:      date,
		RunID:     runID,
		Mode:      mode,
		StartedAt: &now,
	}
	return nil
}

func (t *StatusTracker) running(step, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Status = domain.RunStateRunning
	t.status.Step = step
	if message != "" {
		t.status.Message = message
	}
}

func (t *StatusTracker) message(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Message = msg
}

// record appends the result of one unit.
func (t *StatusTracker) record(e domain.StepEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Status = domain.RunStateRunning
	t.status.Step = fmt.Sprintf("%s %s", e.DataType, e.Period)
	t.status.Steps = append(t.status.Steps, e)
	if e.State == domain.StepFailed {
		t.status.Errors = append(t.status.Errors, domain.TypeError{
			DataType: e.DataType,
			Period:   e.Period,
			Error:    e.Error,
		})
	}
	t.status.Message = fmt.Sprintf("%d units done", len(t.status.Steps))
}

func (t *StatusTracker) finish(state domain.RunState, msg string) domain.ProcessingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now().UTC()
	t.status.Status = state
	t.status.Message = msg
	t.status.Step = ""
	t.status.FinishedAt = &now
	return t.status.Clone()
}

// Get returns the current status. A terminal status is returned once and
// the tracker then resets to idle.
func (t *StatusTracker) Get() domain.ProcessingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.status.Clone()
	if t.status.Status.Terminal() {
		t.status = domain.ProcessingStatus{Status: domain.RunStateIdle, Message: idleMessage}
	}
	return out
}

// Peek returns the current status without the terminal reset.
func (t *StatusTracker) Peek() domain.ProcessingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Clone()
}

func (t *StatusTracker) now() time.Time {
	return t.clock.Now().UTC()
}
