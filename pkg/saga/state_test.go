package saga

import (
	"testing"
	"time"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCompensated}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s.IsTerminal() = false, want true", s)
		}
	}
	live := []Status{StatusPending, StatusRunning, StatusSuspended, StatusCompensating}
	for _, s := range live {
		if s.IsTerminal() {
			t.Fatalf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestEventCorrelationFallback(t *testing.T) {
	e := &Event{ID: "e1", Type: "Ev", CorrelationID: "tx1"}
	if e.Correlation() != "tx1" {
		t.Fatalf("Correlation() = %s, want tx1", e.Correlation())
	}

	e = &Event{ID: "e2", Type: "Ev", Metadata: map[string]string{"correlationId": "tx2"}}
	if e.Correlation() != "tx2" {
		t.Fatalf("Correlation() = %s, want metadata fallback tx2", e.Correlation())
	}

	e = &Event{ID: "e3", Type: "Ev"}
	if e.Correlation() != "" {
		t.Fatalf("Correlation() = %s, want empty", e.Correlation())
	}
}

func TestNewState(t *testing.T) {
	st := NewState("id1", "order", "tx1")

	if st.Status != StatusPending {
		t.Fatalf("Status = %s, want PENDING", st.Status)
	}
	if st.StateVersion != StateVersion {
		t.Fatalf("StateVersion = %d, want %d", st.StateVersion, StateVersion)
	}
	if st.Version != 0 {
		t.Fatalf("Version = %d, want 0 before first save", st.Version)
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestUndispatchedCount(t *testing.T) {
	st := NewState("id1", "order", "tx1")
	st.PendingCommands = []PendingCommand{
		{Command: Command{Type: "A"}, Dispatched: true},
		{Command: Command{Type: "B"}},
		{Command: Command{Type: "C"}},
	}
	if got := st.UndispatchedCount(); got != 2 {
		t.Fatalf("UndispatchedCount() = %d, want 2", got)
	}
}

func TestNextTCCTimeout(t *testing.T) {
	now := time.Now().UTC()
	early := now.Add(time.Minute)
	late := now.Add(time.Hour)

	st := NewState("id1", "settle", "tx1")
	st.TCCSteps = []TCCStep{
		{Name: "a", Reservation: ReservationTimeBased, Phase: PhaseTrying, TimeoutAt: &late},
		{Name: "b", Reservation: ReservationTimeBased, Phase: PhaseTried, TimeoutAt: &early},
		{Name: "c", Reservation: ReservationResource, Phase: PhaseTrying, TimeoutAt: &early},
		{Name: "d", Reservation: ReservationTimeBased, Phase: PhaseConfirmed, TimeoutAt: &early},
	}

	got := st.NextTCCTimeout()
	if got == nil || !got.Equal(early) {
		t.Fatalf("NextTCCTimeout() = %v, want %v", got, early)
	}

	st.TCCSteps[1].Phase = PhaseCancelled
	got = st.NextTCCTimeout()
	if got == nil || !got.Equal(late) {
		t.Fatalf("NextTCCTimeout() = %v, want %v after b settled", got, late)
	}

	st.TCCSteps = nil
	if st.NextTCCTimeout() != nil {
		t.Fatal("NextTCCTimeout() != nil with no steps")
	}
}

func TestCloneIsolation(t *testing.T) {
	st := NewState("id1", "order", "tx1")
	st.PendingCommands = []PendingCommand{{Command: Command{Type: "A", Metadata: map[string]string{"k": "v"}}}}
	st.ProcessedEventIDs = []string{"e1"}

	cp, err := st.Clone()
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	cp.PendingCommands[0].Dispatched = true
	cp.PendingCommands[0].Command.Metadata["k"] = "changed"
	cp.ProcessedEventIDs = append(cp.ProcessedEventIDs, "e2")

	if st.PendingCommands[0].Dispatched {
		t.Fatal("clone shares PendingCommands backing array")
	}
	if st.PendingCommands[0].Command.Metadata["k"] != "v" {
		t.Fatal("clone shares command metadata map")
	}
	if len(st.ProcessedEventIDs) != 1 {
		t.Fatal("clone shares ProcessedEventIDs")
	}
}
