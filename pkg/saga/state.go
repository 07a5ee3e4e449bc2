// Package saga implements the saga orchestration core: the persisted saga
// state model, the per-instance orchestration logic (including the
// Try-Confirm-Cancel lifecycle and LIFO compensation), the registry routing
// events to saga definitions, and the manager that drives crash-safe,
// outbox-style command dispatch.
package saga

import (
	"encoding/json"
	"time"
)

// Status 状态机
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusSuspended    Status = "SUSPENDED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// IsTerminal reports whether no further events may be applied.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// StateVersion is the current schema version of the persisted State record.
const StateVersion = 1

// Event is an inbound domain event as delivered by the event dispatcher.
// Correlation is carried explicitly in the payload, never in ambient context:
// saga processing crosses process and persistence boundaries where ambient
// context does not survive.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlationId"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

// Correlation returns the event's correlation id, falling back to the
// correlationId metadata field.
func (e *Event) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.Metadata["correlationId"]
}

// Command is an outbound command queued by saga logic and sent via the
// command bus.
type Command struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PendingCommand is a queued command plus its dispatch acknowledgment. A
// command is removed from the queue only after Dispatched is true and the
// removal itself has been persisted.
type PendingCommand struct {
	Command    Command `json:"command"`
	Dispatched bool    `json:"dispatched"`
}

// StepRecord is one entry of the append-only step audit trail.
type StepRecord struct {
	Name    string    `json:"name"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// CompensationEntry is a compensating command pushed in forward-execution
// order and popped in reverse.
type CompensationEntry struct {
	Command Command `json:"command"`
	Reason  string  `json:"reason"`
}

// FailedCompensation records a compensation attempt that raised an error.
// These are surfaced for operator attention, never silently dropped.
type FailedCompensation struct {
	CommandType string    `json:"commandType"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
}

// Phase TCC 步骤阶段
type Phase string

const (
	PhaseTrying     Phase = "TRYING"
	PhaseTried      Phase = "TRIED"
	PhaseConfirming Phase = "CONFIRMING"
	PhaseConfirmed  Phase = "CONFIRMED"
	PhaseCancelling Phase = "CANCELLING"
	PhaseCancelled  Phase = "CANCELLED"
	PhaseFailed     Phase = "FAILED"
)

// ReservationType classifies a TCC reservation.
type ReservationType string

const (
	// ReservationResource holds a concrete resource until confirmed or
	// cancelled by an explicit event.
	ReservationResource ReservationType = "RESOURCE"
	// ReservationTimeBased additionally expires: past TimeoutAt the step is
	// treated as failed by the recovery worker.
	ReservationTimeBased ReservationType = "TIME_BASED"
)

// TCCStep is one Try-Confirm-Cancel reservation tracked on the saga state.
type TCCStep struct {
	Name        string          `json:"name"`
	Try         Command         `json:"try"`
	Confirm     Command         `json:"confirm"`
	Cancel      Command         `json:"cancel"`
	Reservation ReservationType `json:"reservation"`
	Phase       Phase           `json:"phase"`
	TimeoutAt   *time.Time      `json:"timeoutAt,omitempty"`
}

// State is the persisted record of one saga instance. Pure data, no
// behavior: all mutation goes through Saga. (correlation_id, saga_type)
// uniquely identify a live instance; the optimistic Version counter is
// incremented by the repository on every persisted write.
type State struct {
	ID            string `json:"id"`
	SagaType      string `json:"sagaType"`
	Status        Status `json:"status"`
	CorrelationID string `json:"correlationId"`
	CurrentStep   string `json:"currentStep,omitempty"`

	StepHistory         []StepRecord         `json:"stepHistory,omitempty"`
	TCCSteps            []TCCStep            `json:"tccSteps,omitempty"`
	ProcessedEventIDs   []string             `json:"processedEventIds,omitempty"`
	PendingCommands     []PendingCommand     `json:"pendingCommands,omitempty"`
	CompensationStack   []CompensationEntry  `json:"compensationStack,omitempty"`
	FailedCompensations []FailedCompensation `json:"failedCompensations,omitempty"`

	SuspendedAt      *time.Time `json:"suspendedAt,omitempty"`
	SuspensionReason string     `json:"suspensionReason,omitempty"`
	TimeoutAt        *time.Time `json:"timeoutAt,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Metadata map[string]string `json:"metadata,omitempty"`

	StateVersion int   `json:"stateVersion"`
	Version      int64 `json:"version"`
}

// NewState creates a fresh PENDING instance.
func NewState(id, sagaType, correlationID string) *State {
	now := time.Now().UTC()
	return &State{
		ID:            id,
		SagaType:      sagaType,
		Status:        StatusPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		StateVersion:  StateVersion,
	}
}

// Processed reports whether the event id has already been applied.
func (st *State) Processed(eventID string) bool {
	for _, id := range st.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// UndispatchedCount returns the number of queued commands not yet sent.
func (st *State) UndispatchedCount() int {
	n := 0
	for _, pc := range st.PendingCommands {
		if !pc.Dispatched {
			n++
		}
	}
	return n
}

// CancelInFlight reports whether any TCC step is still awaiting its cancel
// acknowledgment. A COMPENSATING saga with cancels in flight settles through
// MarkStepCancelled, not through queue drain.
func (st *State) CancelInFlight() bool {
	for i := range st.TCCSteps {
		if st.TCCSteps[i].Phase == PhaseCancelling {
			return true
		}
	}
	return false
}

// FindTCCStep returns the named TCC step, or nil.
func (st *State) FindTCCStep(name string) *TCCStep {
	for i := range st.TCCSteps {
		if st.TCCSteps[i].Name == name {
			return &st.TCCSteps[i]
		}
	}
	return nil
}

// NextTCCTimeout returns the earliest expiry among TIME_BASED steps still
// TRYING or TRIED, or nil when none can expire.
func (st *State) NextTCCTimeout() *time.Time {
	var next *time.Time
	for i := range st.TCCSteps {
		step := &st.TCCSteps[i]
		if step.Reservation != ReservationTimeBased || step.TimeoutAt == nil {
			continue
		}
		if step.Phase != PhaseTrying && step.Phase != PhaseTried {
			continue
		}
		if next == nil || step.TimeoutAt.Before(*next) {
			t := *step.TimeoutAt
			next = &t
		}
	}
	return next
}

// Clone returns a deep copy via JSON round-trip. The state must serialize
// losslessly anyway; cloning through the same path keeps the two contracts
// aligned.
func (st *State) Clone() (*State, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var cp State
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
