package saga

import (
	"context"
	"fmt"
	"time"
)

// Saga is the orchestration logic over one State. It decides what to do with
// an event (queue commands, push or pop compensations, advance TCC steps,
// transition status) and performs no I/O. Persisting and dispatching are the
// Manager's job.
type Saga struct {
	def   *Definition
	state *State

	stepLabel string
}

// New binds a definition's logic to a loaded state. def may be nil when only
// the lifecycle primitives are needed (recovery paths).
func New(def *Definition, state *State) *Saga {
	return &Saga{def: def, state: state}
}

// State returns the underlying instance state.
func (s *Saga) State() *State { return s.state }

// Handle applies one event. Events already processed, events arriving after a
// terminal status, and events with no registered handler are silently
// skipped. A handler error propagates without marking the event processed, so
// redelivery retries the same handler.
func (s *Saga) Handle(ctx context.Context, e *Event) error {
	st := s.state
	if st.Status.IsTerminal() {
		return nil
	}
	if st.Processed(e.ID) {
		return nil
	}
	if s.def == nil {
		return nil
	}
	h := s.def.handler(e.Type)
	if h == nil {
		return nil
	}

	s.stepLabel = ""
	if err := h(ctx, s, e); err != nil {
		return fmt.Errorf("saga %s: handle %s: %w", st.SagaType, e.Type, err)
	}

	now := time.Now().UTC()
	label := s.stepLabel
	if label == "" {
		label = e.Type
	}
	outcome := "handled"
	if st.Status.IsTerminal() || st.Status == StatusCompensating {
		outcome = string(st.Status)
	}
	st.CurrentStep = label
	st.StepHistory = append(st.StepHistory, StepRecord{Name: label, Outcome: outcome, At: now})
	st.ProcessedEventIDs = append(st.ProcessedEventIDs, e.ID)
	if st.Status == StatusPending {
		st.Status = StatusRunning
	}
	st.UpdatedAt = now
	return nil
}

// SetStep sets the step label recorded for the event being handled.
func (s *Saga) SetStep(label string) {
	s.stepLabel = label
}

// Dispatch appends a command to the in-memory pending queue. Nothing is sent
// until the Manager has persisted the queue.
func (s *Saga) Dispatch(cmd Command) {
	s.state.PendingCommands = append(s.state.PendingCommands, PendingCommand{Command: cmd})
}

// AddCompensation pushes a compensating command onto the stack. Compensations
// execute in reverse push order.
func (s *Saga) AddCompensation(cmd Command, reason string) {
	s.state.CompensationStack = append(s.state.CompensationStack, CompensationEntry{Command: cmd, Reason: reason})
}

// Complete marks the saga COMPLETED.
func (s *Saga) Complete() {
	st := s.state
	now := time.Now().UTC()
	st.Status = StatusCompleted
	st.CompletedAt = &now
	st.UpdatedAt = now
}

// Fail terminates the saga. With compensate set and a non-empty compensation
// stack the stack is drained in LIFO order into the pending queue and the
// saga moves to COMPENSATING; entries that cannot be queued are recorded into
// FailedCompensations and do not abort the remaining pops. The saga stays
// COMPENSATING until the Manager has dispatched every queued compensation,
// so a transport failure or crash leaves a non-terminal instance the stalled
// scan picks up; the Manager settles it COMPENSATED once the queue drains.
// Without compensate, or with nothing to undo, the saga ends FAILED.
func (s *Saga) Fail(reason string, compensate bool) {
	st := s.state
	now := time.Now().UTC()
	st.Error = reason
	st.FailedAt = &now

	if !compensate || len(st.CompensationStack) == 0 {
		st.Status = StatusFailed
		st.UpdatedAt = now
		return
	}

	st.Status = StatusCompensating
	queued := 0
	for i := len(st.CompensationStack) - 1; i >= 0; i-- {
		entry := st.CompensationStack[i]
		if entry.Command.Type == "" {
			st.FailedCompensations = append(st.FailedCompensations, FailedCompensation{
				CommandType: entry.Command.Type,
				Reason:      entry.Reason,
				Error:       "empty compensation command",
				At:          now,
			})
			continue
		}
		s.Dispatch(markCompensation(entry.Command, entry.Reason))
		queued++
	}
	st.CompensationStack = nil
	if queued == 0 {
		st.Status = StatusCompensated
	}
	st.UpdatedAt = now
}

// Suspend parks the saga for an external wait. timeout > 0 arms automatic
// expiry via the recovery worker.
func (s *Saga) Suspend(reason string, timeout time.Duration) {
	st := s.state
	now := time.Now().UTC()
	st.Status = StatusSuspended
	st.SuspendedAt = &now
	st.SuspensionReason = reason
	if timeout > 0 {
		t := now.Add(timeout)
		st.TimeoutAt = &t
	} else {
		st.TimeoutAt = nil
	}
	st.UpdatedAt = now
}

// Resume returns a suspended saga to RUNNING and clears the suspension
// fields.
func (s *Saga) Resume() {
	st := s.state
	st.Status = StatusRunning
	st.SuspendedAt = nil
	st.SuspensionReason = ""
	st.TimeoutAt = nil
	st.UpdatedAt = time.Now().UTC()
}

// OnTimeout runs the definition's timeout handler; the default is
// Fail("timeout", compensate=true).
func (s *Saga) OnTimeout(ctx context.Context) error {
	if s.def != nil && s.def.onTimeout != nil {
		return s.def.onTimeout(ctx, s)
	}
	s.Fail("timeout", true)
	return nil
}

// markCompensation tags a command as compensating so the dispatch pipeline
// can attribute transport failures to failed_compensations.
func markCompensation(cmd Command, reason string) Command {
	md := make(map[string]string, len(cmd.Metadata)+2)
	for k, v := range cmd.Metadata {
		md[k] = v
	}
	md["compensation"] = "true"
	md["compensationReason"] = reason
	cmd.Metadata = md
	return cmd
}

// isCompensation reports whether a command was queued by compensation drain.
func isCompensation(cmd Command) bool {
	return cmd.Metadata["compensation"] == "true"
}
