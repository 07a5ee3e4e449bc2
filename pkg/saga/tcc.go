package saga

import (
	"fmt"
	"time"
)

// TCC lifecycle. Steps are state on the saga, not a sub-saga: Confirm and
// Cancel commands must travel through the same persist-before-dispatch queue
// as every other saga command, so there is exactly one dispatch pipeline.

// AddTCCStep registers a Try-Confirm-Cancel step. Steps begin with BeginTCC
// and are cancelled in reverse registration order.
func (s *Saga) AddTCCStep(step TCCStep) error {
	if step.Name == "" {
		return fmt.Errorf("tcc step: empty name")
	}
	if s.state.FindTCCStep(step.Name) != nil {
		return fmt.Errorf("tcc step %q: %w", step.Name, ErrDuplicateTCCStep)
	}
	if step.Reservation == "" {
		step.Reservation = ReservationResource
	}
	s.state.TCCSteps = append(s.state.TCCSteps, step)
	return nil
}

// BeginTCC dispatches every registered step's Try command and moves the
// steps to TRYING.
func (s *Saga) BeginTCC() {
	st := s.state
	for i := range st.TCCSteps {
		step := &st.TCCSteps[i]
		s.Dispatch(step.Try)
		step.Phase = PhaseTrying
	}
	if st.Status == StatusPending {
		st.Status = StatusRunning
	}
	st.UpdatedAt = time.Now().UTC()
}

// MarkStepTried records a successful Try. Once every step is TRIED the
// Confirm commands are dispatched and all steps move to CONFIRMING.
func (s *Saga) MarkStepTried(name string) error {
	st := s.state
	step := st.FindTCCStep(name)
	if step == nil {
		return fmt.Errorf("tcc step %q: %w", name, ErrUnknownTCCStep)
	}
	step.Phase = PhaseTried

	for i := range st.TCCSteps {
		if st.TCCSteps[i].Phase != PhaseTried {
			return nil
		}
	}
	for i := range st.TCCSteps {
		s.Dispatch(st.TCCSteps[i].Confirm)
		st.TCCSteps[i].Phase = PhaseConfirming
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkStepConfirmed records a successful Confirm. Once every step is
// CONFIRMED the saga completes.
func (s *Saga) MarkStepConfirmed(name string) error {
	st := s.state
	step := st.FindTCCStep(name)
	if step == nil {
		return fmt.Errorf("tcc step %q: %w", name, ErrUnknownTCCStep)
	}
	step.Phase = PhaseConfirmed

	for i := range st.TCCSteps {
		if st.TCCSteps[i].Phase != PhaseConfirmed {
			return nil
		}
	}
	s.Complete()
	return nil
}

// MarkStepFailed fails one step and dispatches Cancel for every other step
// not yet CANCELLED, in reverse registration order. Steps already CONFIRMED
// are left alone: releasing a finalized reservation is business
// compensation, registered per definition via AddCompensation, not a generic
// cancel.
func (s *Saga) MarkStepFailed(name string) error {
	st := s.state
	step := st.FindTCCStep(name)
	if step == nil {
		return fmt.Errorf("tcc step %q: %w", name, ErrUnknownTCCStep)
	}
	step.Phase = PhaseFailed
	st.Status = StatusCompensating

	for i := len(st.TCCSteps) - 1; i >= 0; i-- {
		other := &st.TCCSteps[i]
		if other.Name == name {
			continue
		}
		switch other.Phase {
		case PhaseCancelled, PhaseCancelling, PhaseFailed, PhaseConfirmed:
			continue
		}
		s.Dispatch(other.Cancel)
		other.Phase = PhaseCancelling
	}
	st.UpdatedAt = time.Now().UTC()
	s.settleCancelled()
	return nil
}

// MarkStepCancelled records a completed Cancel. Once every non-failed step
// is CANCELLED the saga is COMPENSATED.
func (s *Saga) MarkStepCancelled(name string) error {
	st := s.state
	step := st.FindTCCStep(name)
	if step == nil {
		return fmt.Errorf("tcc step %q: %w", name, ErrUnknownTCCStep)
	}
	step.Phase = PhaseCancelled
	s.settleCancelled()
	return nil
}

// CheckTCCTimeouts expires TIME_BASED steps still TRYING or TRIED whose
// deadline has passed, treating each as a step failure.
func (s *Saga) CheckTCCTimeouts(now time.Time) error {
	st := s.state
	for i := range st.TCCSteps {
		step := &st.TCCSteps[i]
		if step.Reservation != ReservationTimeBased || step.TimeoutAt == nil {
			continue
		}
		if step.Phase != PhaseTrying && step.Phase != PhaseTried {
			continue
		}
		if step.TimeoutAt.After(now) {
			continue
		}
		if err := s.MarkStepFailed(step.Name); err != nil {
			return err
		}
	}
	return nil
}

// settleCancelled finishes cancellation once no step is still in flight:
// every step is either CANCELLED or FAILED.
func (s *Saga) settleCancelled() {
	st := s.state
	if len(st.TCCSteps) == 0 {
		return
	}
	for i := range st.TCCSteps {
		switch st.TCCSteps[i].Phase {
		case PhaseCancelled, PhaseFailed:
		default:
			return
		}
	}
	now := time.Now().UTC()
	st.Status = StatusCompensated
	if st.Error == "" {
		st.Error = "tcc cancelled"
	}
	st.UpdatedAt = now
}
