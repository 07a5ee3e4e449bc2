package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exchange/saga/pkg/logger"
)

// Repository is the persistence port. Save must enforce optimistic
// concurrency on State.Version, returning ErrVersionConflict on mismatch and
// updating State.Version in place on success. Load returns ErrNotFound when
// no live (non-terminal) instance exists for the pair.
type Repository interface {
	Load(ctx context.Context, correlationID, sagaType string) (*State, error)
	Save(ctx context.Context, st *State) error
	FindStalled(ctx context.Context, limit int) ([]*State, error)
	FindSuspendedTimedOut(ctx context.Context, now time.Time, limit int) ([]*State, error)
	FindTCCTimedOut(ctx context.Context, now time.Time, limit int) ([]*State, error)
}

// CommandBus is the transport port. Send fails by returning the transport
// error; retry policy lives in the Manager and recovery worker, not here.
// Delivery is at least once, so downstream handlers must be idempotent.
type CommandBus interface {
	Send(ctx context.Context, cmd Command) error
}

// IDGenerator mints saga instance ids.
type IDGenerator interface {
	NextID() string
}

// Metrics is the observer port; a nil Metrics disables instrumentation.
type Metrics interface {
	EventHandled(sagaType, eventType, result string, d time.Duration)
	CommandDispatched(sagaType, cmdType string)
	DispatchError(sagaType, cmdType string)
	Recovered(kind, result string)
}

// DefaultConflictRetries bounds whole-handle retries on version conflicts.
const DefaultConflictRetries = 3

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the metrics observer.
func WithMetrics(mx Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithIDGenerator sets the instance id generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(m *Manager) { m.ids = ids }
}

// WithConflictRetries bounds version-conflict retries per handle call.
func WithConflictRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.conflictRetries = n
		}
	}
}

// Manager is the runtime orchestrator and the only component doing I/O
// around saga instances: it loads or creates state, runs the Saga logic,
// persists the queued commands before any dispatch attempt, dispatches in
// queue order, and records each dispatch acknowledgment durably.
type Manager struct {
	registry *Registry
	repo     Repository
	bus      CommandBus
	ids      IDGenerator
	log      *logger.Logger
	metrics  Metrics

	conflictRetries int
	wake            chan struct{}
}

// NewManager wires the manager over its ports.
func NewManager(registry *Registry, repo Repository, bus CommandBus, opts ...Option) *Manager {
	m := &Manager{
		registry:        registry,
		repo:            repo,
		bus:             bus,
		log:             logger.Nop(),
		conflictRetries: DefaultConflictRetries,
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wake signals that an instance may need recovery attention soon. The
// recovery worker selects on it to bound latency below its poll interval.
func (m *Manager) Wake() <-chan struct{} {
	return m.wake
}

func (m *Manager) notifyWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// HandleEvent routes one inbound event to every saga type listening for its
// type. Unroutable events are ignored; events without a correlation id are
// rejected loudly. Idempotency skips, version conflicts, and dispatch
// failures are absorbed here and never surface to the dispatcher caller.
func (m *Manager) HandleEvent(ctx context.Context, e *Event) error {
	defs := m.registry.Lookup(e.Type)
	if len(defs) == 0 {
		return nil
	}

	corr := e.Correlation()
	if corr == "" {
		return fmt.Errorf("event %s (%s): %w", e.ID, e.Type, ErrMissingCorrelation)
	}

	ctx = logger.ContextWithCorrelation(ctx, corr)
	var firstErr error
	for _, def := range defs {
		if err := m.handleFor(ctx, def, corr, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleFor runs the load → handle → persist → dispatch sequence for one
// saga type, retrying the whole sequence on version conflicts up to the
// configured bound. An exhausted bound abandons the event: at-least-once
// delivery brings it back.
func (m *Manager) handleFor(ctx context.Context, def *Definition, corr string, e *Event) error {
	start := time.Now()
	log := m.log.WithContext(ctx).WithField("sagaType", def.Name()).WithField("eventType", e.Type)

	for attempt := 0; attempt <= m.conflictRetries; attempt++ {
		st, err := m.loadOrCreate(ctx, def, corr)
		if err != nil {
			m.observe(def.Name(), e.Type, "load_error", start)
			return err
		}
		if st.Status.IsTerminal() {
			m.observe(def.Name(), e.Type, "terminal_skip", start)
			return nil
		}
		if st.Processed(e.ID) {
			m.observe(def.Name(), e.Type, "duplicate", start)
			return nil
		}

		sg := New(def, st)
		if err := sg.Handle(ctx, e); err != nil {
			// Handler logic failure: nothing persisted, the event is not
			// marked processed, redelivery retries the same handler.
			m.observe(def.Name(), e.Type, "handler_error", start)
			return err
		}

		// Outbox point: the queue must be durable before any send.
		if err := m.repo.Save(ctx, st); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				log.Warn("version conflict, retrying handle")
				continue
			}
			m.observe(def.Name(), e.Type, "save_error", start)
			return err
		}

		if st.UndispatchedCount() > 0 {
			m.notifyWake()
		}

		if err := m.DispatchPending(ctx, st); err != nil {
			// The dispatched flags are accurate on disk; the recovery worker
			// re-drives the tail.
			log.WithError(err).Warn("dispatch incomplete, left to recovery")
		}
		m.observe(def.Name(), e.Type, "handled", start)
		return nil
	}

	log.Warn("conflict retries exhausted, event abandoned for redelivery")
	m.observe(def.Name(), e.Type, "conflict_abandoned", start)
	return nil
}

func (m *Manager) loadOrCreate(ctx context.Context, def *Definition, corr string) (*State, error) {
	st, err := m.repo.Load(ctx, corr, def.Name())
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load saga %s/%s: %w", def.Name(), corr, err)
	}
	st = NewState(m.nextID(def, corr), def.Name(), corr)
	st.MaxRetries = def.MaxRetries()
	return st, nil
}

func (m *Manager) nextID(def *Definition, corr string) string {
	if m.ids != nil {
		return m.ids.NextID()
	}
	return def.Name() + "-" + corr
}

// DispatchPending sends undispatched commands in queue order. Each
// acknowledgment is persisted before the next send so a crash mid-loop only
// re-sends the tail. A transport failure stops the loop without skipping
// ahead; ordering matters for compensation correctness. Once the queue is
// fully dispatched it is cleared, a COMPENSATING instance with no TCC cancel
// still in flight settles COMPENSATED, and the result is persisted.
func (m *Manager) DispatchPending(ctx context.Context, st *State) error {
	for i := range st.PendingCommands {
		pc := &st.PendingCommands[i]
		if pc.Dispatched {
			continue
		}
		if err := m.bus.Send(ctx, pc.Command); err != nil {
			if m.metrics != nil {
				m.metrics.DispatchError(st.SagaType, pc.Command.Type)
			}
			if isCompensation(pc.Command) {
				m.log.WithError(err).WithField("command", pc.Command.Type).
					Warn("compensation command dispatch failed")
			}
			return fmt.Errorf("send %s: %w", pc.Command.Type, err)
		}
		pc.Dispatched = true
		if err := m.repo.Save(ctx, st); err != nil {
			return fmt.Errorf("persist dispatch ack for %s: %w", pc.Command.Type, err)
		}
		if m.metrics != nil {
			m.metrics.CommandDispatched(st.SagaType, pc.Command.Type)
		}
	}

	if len(st.PendingCommands) == 0 || st.UndispatchedCount() > 0 {
		return nil
	}
	st.PendingCommands = nil
	if st.Status == StatusCompensating && !st.CancelInFlight() {
		st.Status = StatusCompensated
	}
	st.UpdatedAt = time.Now().UTC()
	if err := m.repo.Save(ctx, st); err != nil {
		return fmt.Errorf("persist queue clear: %w", err)
	}
	return nil
}

func (m *Manager) observe(sagaType, eventType, result string, start time.Time) {
	if m.metrics != nil {
		m.metrics.EventHandled(sagaType, eventType, result, time.Since(start))
	}
}
