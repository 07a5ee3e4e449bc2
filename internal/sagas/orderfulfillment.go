// Package sagas 内置 saga 定义
package sagas

import (
	"context"
	"time"

	"github.com/exchange/saga/pkg/saga"
)

// Event types consumed by the order fulfillment saga.
const (
	EvOrderCreated         = "OrderCreated"
	EvItemsReserved        = "ItemsReserved"
	EvReservationFailed    = "ReservationFailed"
	EvPaymentCharged       = "PaymentCharged"
	EvPaymentDeclined      = "PaymentDeclined"
	EvManualReviewRequired = "ManualReviewRequired"
	EvManualReviewApproved = "ManualReviewApproved"
)

// Command types emitted by the order fulfillment saga.
const (
	CmdReserveItems      = "ReserveItems"
	CmdChargePayment     = "ChargePayment"
	CmdCancelReservation = "CancelReservation"
	CmdRefundPayment     = "RefundPayment"
)

// ManualReviewTimeout bounds how long an order waits for a human decision
// before it is compensated automatically.
const ManualReviewTimeout = 24 * time.Hour

// OrderFulfillment coordinates reserve → charge → complete, with reverse
// compensation when payment is declined or review times out.
func OrderFulfillment() *saga.Definition {
	return saga.NewBuilder("order-fulfillment").
		SendOn(EvOrderCreated, "reserve-items", forward(CmdReserveItems),
			saga.WithCompensation(compensate(CmdCancelReservation, "release reserved items"))).
		SendOn(EvItemsReserved, "charge-payment", forward(CmdChargePayment),
			saga.WithCompensation(compensate(CmdRefundPayment, "refund charged payment"))).
		FailOn(EvReservationFailed, "item reservation failed", false).
		CompleteOn(EvPaymentCharged, "payment-charged").
		FailOn(EvPaymentDeclined, "payment declined", true).
		On(EvManualReviewRequired, func(ctx context.Context, s *saga.Saga, e *saga.Event) error {
			s.SetStep("manual-review")
			s.Suspend("manual fraud review", ManualReviewTimeout)
			return nil
		}).
		On(EvManualReviewApproved, func(ctx context.Context, s *saga.Saga, e *saga.Event) error {
			s.SetStep("manual-review-approved")
			s.Resume()
			return nil
		}).
		MustBuild()
}

// forward builds a command carrying the triggering event's payload.
func forward(cmdType string) saga.CommandFactory {
	return func(e *saga.Event) (saga.Command, error) {
		return command(cmdType, e), nil
	}
}

// compensate builds a compensation command from the triggering event.
func compensate(cmdType, reason string) saga.CompensationFactory {
	return func(e *saga.Event) (saga.Command, string) {
		return command(cmdType, e), reason
	}
}

func command(cmdType string, e *saga.Event) saga.Command {
	return saga.Command{
		Type:    cmdType,
		Payload: e.Payload,
		Metadata: map[string]string{
			"correlationId": e.Correlation(),
		},
	}
}
