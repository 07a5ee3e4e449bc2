package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Remediation operations consumed by the recovery worker. The worker never
// mutates state fields itself; every write funnels through these and the
// Saga lifecycle methods, over the same persist-before-dispatch primitive as
// live event handling.

// RecoverStalled re-drives the dispatch loop for an instance persisted with
// undispatched commands. Each attempt burns one unit of the retry budget;
// once the budget is exhausted the instance settles FAILED for manual
// intervention, recording any still-undispatched compensation commands into
// FailedCompensations.
func (m *Manager) RecoverStalled(ctx context.Context, st *State) error {
	if st.Status.IsTerminal() {
		m.recovered("stalled", "noop")
		return nil
	}
	if st.UndispatchedCount() == 0 {
		if len(st.PendingCommands) == 0 {
			m.recovered("stalled", "noop")
			return nil
		}
		// Fully dispatched queue: the crash hit between the last dispatch ack
		// and the queue-clear persist. Clear and settle without burning the
		// retry budget; nothing is re-sent.
		if err := m.DispatchPending(ctx, st); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				m.recovered("stalled", "conflict_skip")
				return nil
			}
			m.recovered("stalled", "dispatch_error")
			return err
		}
		m.recovered("stalled", "settled")
		return nil
	}

	if st.MaxRetries > 0 && st.RetryCount >= st.MaxRetries {
		now := time.Now().UTC()
		for _, pc := range st.PendingCommands {
			if pc.Dispatched || !isCompensation(pc.Command) {
				continue
			}
			st.FailedCompensations = append(st.FailedCompensations, FailedCompensation{
				CommandType: pc.Command.Type,
				Reason:      pc.Command.Metadata["compensationReason"],
				Error:       "dispatch retries exhausted",
				At:          now,
			})
		}
		def, _ := m.registry.Definition(st.SagaType)
		New(def, st).Fail(fmt.Sprintf("dispatch retries exhausted after %d attempts", st.RetryCount), false)
		ok, err := m.saveForRecovery(ctx, st)
		if err != nil {
			m.recovered("stalled", "save_error")
			return err
		}
		if !ok {
			m.recovered("stalled", "conflict_skip")
			return nil
		}
		m.log.WithField("sagaId", st.ID).WithField("sagaType", st.SagaType).
			Warn("saga failed: dispatch retries exhausted")
		m.recovered("stalled", "failed")
		return nil
	}

	st.RetryCount++
	st.UpdatedAt = time.Now().UTC()
	ok, err := m.saveForRecovery(ctx, st)
	if err != nil {
		m.recovered("stalled", "save_error")
		return err
	}
	if !ok {
		m.recovered("stalled", "conflict_skip")
		return nil
	}
	if err := m.DispatchPending(ctx, st); err != nil {
		m.recovered("stalled", "dispatch_error")
		return err
	}
	m.recovered("stalled", "redispatched")
	return nil
}

// TimeoutSuspended expires a SUSPENDED instance whose deadline passed by
// invoking the saga's timeout handler, then runs the persist-then-dispatch
// sequence for whatever the handler queued.
func (m *Manager) TimeoutSuspended(ctx context.Context, st *State) error {
	if st.Status != StatusSuspended {
		m.recovered("suspended", "noop")
		return nil
	}
	def, _ := m.registry.Definition(st.SagaType)
	sg := New(def, st)
	if err := sg.OnTimeout(ctx); err != nil {
		m.recovered("suspended", "handler_error")
		return fmt.Errorf("saga %s on_timeout: %w", st.ID, err)
	}
	// A custom handler that neither resumed nor terminated would leave the
	// instance eligible for the same scan forever; treat that as the default.
	if st.Status == StatusSuspended {
		sg.Fail("timeout", true)
	}
	ok, err := m.saveForRecovery(ctx, st)
	if err != nil {
		m.recovered("suspended", "save_error")
		return err
	}
	if !ok {
		m.recovered("suspended", "conflict_skip")
		return nil
	}
	if err := m.DispatchPending(ctx, st); err != nil {
		m.recovered("suspended", "dispatch_error")
		return err
	}
	m.recovered("suspended", "timed_out")
	return nil
}

// ExpireTCC fails TIME_BASED TCC steps past their deadline and dispatches
// the resulting cancel commands crash-safely.
func (m *Manager) ExpireTCC(ctx context.Context, st *State) error {
	if st.Status.IsTerminal() {
		m.recovered("tcc", "noop")
		return nil
	}
	def, _ := m.registry.Definition(st.SagaType)
	sg := New(def, st)
	before := st.UndispatchedCount()
	if err := sg.CheckTCCTimeouts(time.Now().UTC()); err != nil {
		m.recovered("tcc", "handler_error")
		return err
	}
	if st.UndispatchedCount() == before && !st.Status.IsTerminal() {
		m.recovered("tcc", "noop")
		return nil
	}
	ok, err := m.saveForRecovery(ctx, st)
	if err != nil {
		m.recovered("tcc", "save_error")
		return err
	}
	if !ok {
		m.recovered("tcc", "conflict_skip")
		return nil
	}
	if err := m.DispatchPending(ctx, st); err != nil {
		m.recovered("tcc", "dispatch_error")
		return err
	}
	m.recovered("tcc", "expired")
	return nil
}

// saveForRecovery persists, downgrading a version conflict to a skip: the
// concurrent writer (live handling or another worker) owns the instance now
// and the next scan re-evaluates it. Returns false when the write lost the
// race; callers must not dispatch from their now-stale copy.
func (m *Manager) saveForRecovery(ctx context.Context, st *State) (bool, error) {
	err := m.repo.Save(ctx, st)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrVersionConflict) {
		m.log.WithField("sagaId", st.ID).Debug("recovery lost version race, skipping")
		return false, nil
	}
	return false, err
}

func (m *Manager) recovered(kind, result string) {
	if m.metrics != nil {
		m.metrics.Recovered(kind, result)
	}
}
