package sagas

import (
	"context"
	"time"

	"github.com/exchange/saga/pkg/saga"
)

// Event types consumed by the trade settlement saga.
const (
	EvTradeExecuted       = "TradeExecuted"
	EvBuyerFundsHeld      = "BuyerFundsHeld"
	EvSellerAssetHeld     = "SellerAssetHeld"
	EvBuyerFundsCaptured  = "BuyerFundsCaptured"
	EvSellerAssetCaptured = "SellerAssetCaptured"
	EvBuyerHoldFailed     = "BuyerHoldFailed"
	EvSellerHoldFailed    = "SellerHoldFailed"
	EvBuyerHoldReleased   = "BuyerHoldReleased"
	EvSellerHoldReleased  = "SellerHoldReleased"
)

// Command types emitted by the trade settlement saga.
const (
	CmdHoldBuyerFunds     = "HoldBuyerFunds"
	CmdHoldSellerAsset    = "HoldSellerAsset"
	CmdCaptureBuyerFunds  = "CaptureBuyerFunds"
	CmdCaptureSellerAsset = "CaptureSellerAsset"
	CmdReleaseBuyerFunds  = "ReleaseBuyerFunds"
	CmdReleaseSellerAsset = "ReleaseSellerAsset"
)

// TCC step names.
const (
	StepBuyerFunds  = "buyer-funds"
	StepSellerAsset = "seller-asset"
)

// HoldTimeout bounds how long the two-sided hold may stay open before the
// recovery worker fails and cancels it.
const HoldTimeout = 2 * time.Minute

// TradeSettlement settles an executed trade with a two-sided TCC hold:
// buyer funds and seller asset are tentatively held, then either both
// captured or both released.
func TradeSettlement() *saga.Definition {
	return saga.NewBuilder("trade-settlement").
		On(EvTradeExecuted, beginSettlement).
		TriedOn(EvBuyerFundsHeld, StepBuyerFunds).
		TriedOn(EvSellerAssetHeld, StepSellerAsset).
		ConfirmedOn(EvBuyerFundsCaptured, StepBuyerFunds).
		ConfirmedOn(EvSellerAssetCaptured, StepSellerAsset).
		FailedOn(EvBuyerHoldFailed, StepBuyerFunds).
		FailedOn(EvSellerHoldFailed, StepSellerAsset).
		CancelledOn(EvBuyerHoldReleased, StepBuyerFunds).
		CancelledOn(EvSellerHoldReleased, StepSellerAsset).
		MustBuild()
}

func beginSettlement(ctx context.Context, s *saga.Saga, e *saga.Event) error {
	timeout := time.Now().UTC().Add(HoldTimeout)

	steps := []saga.TCCStep{
		{
			Name:        StepBuyerFunds,
			Try:         command(CmdHoldBuyerFunds, e),
			Confirm:     command(CmdCaptureBuyerFunds, e),
			Cancel:      command(CmdReleaseBuyerFunds, e),
			Reservation: saga.ReservationTimeBased,
			TimeoutAt:   &timeout,
		},
		{
			Name:        StepSellerAsset,
			Try:         command(CmdHoldSellerAsset, e),
			Confirm:     command(CmdCaptureSellerAsset, e),
			Cancel:      command(CmdReleaseSellerAsset, e),
			Reservation: saga.ReservationTimeBased,
			TimeoutAt:   &timeout,
		},
	}
	for _, step := range steps {
		if err := s.AddTCCStep(step); err != nil {
			return err
		}
	}
	s.SetStep("begin-settlement")
	s.BeginTCC()
	return nil
}
