package sagas

import (
	"context"
	"testing"
	"time"

	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/pkg/saga"
)

func newSettlementManager(t *testing.T) (*saga.Manager, *repository.MemoryRepository, *captureBus) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	bus := &captureBus{}
	r := saga.NewRegistry()
	r.MustRegister(TradeSettlement())
	return saga.NewManager(r, repo, bus), repo, bus
}

func TestTradeSettlementHappyPath(t *testing.T) {
	mgr, repo, bus := newSettlementManager(t)
	ctx := context.Background()

	if err := mgr.HandleEvent(ctx, event("e1", EvTradeExecuted, "trade1")); err != nil {
		t.Fatalf("HandleEvent(TradeExecuted) error = %v", err)
	}

	got := bus.types()
	if len(got) != 2 || got[0] != CmdHoldBuyerFunds || got[1] != CmdHoldSellerAsset {
		t.Fatalf("sent = %v, want both holds", got)
	}

	st, err := repo.Load(ctx, "trade1", "trade-settlement")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, name := range []string{StepBuyerFunds, StepSellerAsset} {
		step := st.FindTCCStep(name)
		if step == nil || step.Phase != saga.PhaseTrying {
			t.Fatalf("step %s = %+v, want TRYING", name, step)
		}
		if step.Reservation != saga.ReservationTimeBased || step.TimeoutAt == nil {
			t.Fatalf("step %s not TIME_BASED with deadline", name)
		}
	}

	if err := mgr.HandleEvent(ctx, event("e2", EvBuyerFundsHeld, "trade1")); err != nil {
		t.Fatalf("HandleEvent(BuyerFundsHeld) error = %v", err)
	}
	if n := len(bus.types()); n != 2 {
		t.Fatalf("sent = %d commands, want confirms held back until both tried", n)
	}

	if err := mgr.HandleEvent(ctx, event("e3", EvSellerAssetHeld, "trade1")); err != nil {
		t.Fatalf("HandleEvent(SellerAssetHeld) error = %v", err)
	}
	got = bus.types()
	if len(got) != 4 || got[2] != CmdCaptureBuyerFunds || got[3] != CmdCaptureSellerAsset {
		t.Fatalf("sent = %v, want captures after both held", got)
	}

	if err := mgr.HandleEvent(ctx, event("e4", EvBuyerFundsCaptured, "trade1")); err != nil {
		t.Fatalf("HandleEvent(BuyerFundsCaptured) error = %v", err)
	}
	if err := mgr.HandleEvent(ctx, event("e5", EvSellerAssetCaptured, "trade1")); err != nil {
		t.Fatalf("HandleEvent(SellerAssetCaptured) error = %v", err)
	}

	final, ok := repo.Get("trade-settlement-trade1")
	if !ok {
		t.Fatal("instance not found")
	}
	if final.Status != saga.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", final.Status)
	}
}

func TestTradeSettlementHoldFailureReleasesOtherSide(t *testing.T) {
	mgr, repo, bus := newSettlementManager(t)
	ctx := context.Background()

	if err := mgr.HandleEvent(ctx, event("e1", EvTradeExecuted, "trade1")); err != nil {
		t.Fatalf("HandleEvent(TradeExecuted) error = %v", err)
	}
	if err := mgr.HandleEvent(ctx, event("e2", EvSellerAssetHeld, "trade1")); err != nil {
		t.Fatalf("HandleEvent(SellerAssetHeld) error = %v", err)
	}
	if err := mgr.HandleEvent(ctx, event("e3", EvBuyerHoldFailed, "trade1")); err != nil {
		t.Fatalf("HandleEvent(BuyerHoldFailed) error = %v", err)
	}

	got := bus.types()
	if got[len(got)-1] != CmdReleaseSellerAsset {
		t.Fatalf("sent = %v, want ReleaseSellerAsset last", got)
	}

	st, err := repo.Load(ctx, "trade1", "trade-settlement")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Status != saga.StatusCompensating {
		t.Fatalf("Status = %s, want COMPENSATING", st.Status)
	}

	if err := mgr.HandleEvent(ctx, event("e4", EvSellerHoldReleased, "trade1")); err != nil {
		t.Fatalf("HandleEvent(SellerHoldReleased) error = %v", err)
	}

	final, ok := repo.Get("trade-settlement-trade1")
	if !ok {
		t.Fatal("instance not found")
	}
	if final.Status != saga.StatusCompensated {
		t.Fatalf("Status = %s, want COMPENSATED", final.Status)
	}
	if final.FindTCCStep(StepBuyerFunds).Phase != saga.PhaseFailed {
		t.Fatalf("buyer phase = %s, want FAILED", final.FindTCCStep(StepBuyerFunds).Phase)
	}
	if final.FindTCCStep(StepSellerAsset).Phase != saga.PhaseCancelled {
		t.Fatalf("seller phase = %s, want CANCELLED", final.FindTCCStep(StepSellerAsset).Phase)
	}
}

func TestTradeSettlementHoldTimeoutCancels(t *testing.T) {
	mgr, repo, bus := newSettlementManager(t)
	ctx := context.Background()

	if err := mgr.HandleEvent(ctx, event("e1", EvTradeExecuted, "trade1")); err != nil {
		t.Fatalf("HandleEvent(TradeExecuted) error = %v", err)
	}

	// Backdate the hold deadlines past expiry.
	st, err := repo.Load(ctx, "trade1", "trade-settlement")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	for i := range st.TCCSteps {
		st.TCCSteps[i].TimeoutAt = &past
	}
	if err := repo.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	due, err := repo.FindTCCTimedOut(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("FindTCCTimedOut() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("FindTCCTimedOut() = %d instances, want 1", len(due))
	}

	if err := mgr.ExpireTCC(ctx, due[0]); err != nil {
		t.Fatalf("ExpireTCC() error = %v", err)
	}

	// The expired buyer hold fails; the seller hold gets a release command
	// and the saga waits for its acknowledgment.
	expired, ok := repo.Get("trade-settlement-trade1")
	if !ok {
		t.Fatal("instance not found")
	}
	if expired.Status != saga.StatusCompensating {
		t.Fatalf("Status = %s, want COMPENSATING after expiry", expired.Status)
	}
	if expired.FindTCCStep(StepBuyerFunds).Phase != saga.PhaseFailed {
		t.Fatalf("buyer phase = %s, want FAILED", expired.FindTCCStep(StepBuyerFunds).Phase)
	}
	if got := bus.types(); got[len(got)-1] != CmdReleaseSellerAsset {
		t.Fatalf("sent = %v, want ReleaseSellerAsset last", got)
	}

	if err := mgr.HandleEvent(ctx, event("e2", EvSellerHoldReleased, "trade1")); err != nil {
		t.Fatalf("HandleEvent(SellerHoldReleased) error = %v", err)
	}
	final, ok := repo.Get("trade-settlement-trade1")
	if !ok {
		t.Fatal("instance not found")
	}
	if final.Status != saga.StatusCompensated {
		t.Fatalf("Status = %s, want COMPENSATED", final.Status)
	}
}
