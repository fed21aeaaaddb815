package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowd/models"
	"escrowd/observability"
)

// Coordinator executes the fund-movement protocol at most once per
// transaction: transfer to the seller destination, then an immediate payout
// to the linked external account, with status as the concurrency gate. The
// two rail calls are issued back to back so the seller never observes an
// intermediate balance.
type Coordinator struct {
	store   Store
	rail    PaymentRail
	nowFn   func() time.Time
	log     *slog.Logger
	metrics *observability.EscrowMetrics
}

// NewCoordinator wires the coordinator with the storage and payment-rail
// capabilities.
func NewCoordinator(store Store, rail PaymentRail) *Coordinator {
	return &Coordinator{
		store:   store,
		rail:    rail,
		nowFn:   time.Now,
		log:     slog.Default(),
		metrics: observability.Escrow(),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = time.Now
		return
	}
	c.nowFn = now
}

// SetLogger overrides the logger used for coordinator diagnostics.
func (c *Coordinator) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	c.log = log
}

func (c *Coordinator) now() time.Time {
	if c == nil || c.nowFn == nil {
		return time.Now()
	}
	return c.nowFn()
}

// CaptureCharge captures the buyer's payment hold on the rail and returns
// the resulting charge identifier. The caller persists it on the row.
func (c *Coordinator) CaptureCharge(ctx context.Context, txn *models.EscrowTransaction, intentID string) (string, error) {
	chargeID, err := c.rail.Capture(ctx, CaptureRequest{
		IdempotencyKey: "capture-" + txn.ID.String(),
		PaymentIntent:  intentID,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
	})
	if err != nil {
		return "", fmt.Errorf("%w: capture: %v", ErrRailFailure, err)
	}
	return chargeID, nil
}

// Release settles the transaction in favour of the seller. The transfer
// and payout legs run as two separately persisted steps: a transfer that
// succeeded is recorded even when the payout leg fails, so a retry issues
// only the missing payout and never a second transfer. Returns true when
// this call completed the release.
func (c *Coordinator) Release(ctx context.Context, id uuid.UUID, trigger models.Actor, auto bool) (bool, error) {
	now := c.now()

	// Step A: claim the release under the row lock and issue the transfer
	// if it was not issued before. A failed transfer persists nothing.
	_, err := c.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := c.releasable(txn, trigger); err != nil {
			return nil, err
		}
		if txn.TransferID != "" {
			return nil, nil
		}
		transferID, err := c.rail.Transfer(ctx, TransferRequest{
			IdempotencyKey: "transfer-" + txn.ID.String(),
			Destination:    txn.SellerAccountID,
			Amount:         txn.SellerAmount,
			Currency:       txn.Currency,
			SourceCharge:   txn.ChargeID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: transfer: %v", ErrRailFailure, err)
		}
		txn.TransferID = transferID
		evt := NewEvent(txn, EventTypeTransferCreated, "transfer to seller destination created", trigger,
			models.JSONMap{"transferId": transferID, "amount": txn.SellerAmount}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return false, err
	}

	// Step B: pay out from the destination account and finalize. A payout
	// failure rolls this step back; the transfer identifier from step A
	// stays persisted for the retry.
	finalStatus := models.StatusReleased
	eventType := EventTypeReleased
	if auto {
		finalStatus = models.StatusAutoReleased
		eventType = EventTypeAutoReleased
	}
	_, err = c.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := c.releasable(txn, trigger); err != nil {
			return nil, err
		}
		if txn.TransferID == "" {
			return nil, ErrNotSettleable
		}
		payoutID, err := c.rail.Payout(ctx, PayoutRequest{
			IdempotencyKey: "payout-" + txn.ID.String(),
			Account:        txn.SellerAccountID,
			Amount:         txn.SellerAmount,
			Currency:       txn.Currency,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayoutPending, err)
		}
		txn.PayoutID = payoutID
		if err := applyTransition(txn, finalStatus, trigger, "funds released to seller", now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, eventType, "seller payout completed", trigger, models.JSONMap{
			"transferId": txn.TransferID,
			"payoutId":   payoutID,
			"amount":     txn.SellerAmount,
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return false, err
	}
	c.metrics.RecordRelease(auto)
	c.log.Info("escrow released", "transaction", id, "auto", auto)
	return true, nil
}

// releasable gates a release attempt on the current row state. Admin
// resolution of a dispute bypasses the condition check; every other caller
// needs the full condition set satisfied.
func (c *Coordinator) releasable(txn *models.EscrowTransaction, trigger models.Actor) error {
	if txn.Status.Terminal() {
		return ErrTerminal
	}
	if txn.Status == models.StatusPendingPayment || txn.ChargeID == "" {
		return ErrPaymentNotCaptured
	}
	if txn.Status == models.StatusDisputed {
		if trigger != models.ActorPlatform {
			return ErrDisputed
		}
		return nil
	}
	if !txn.AllConditionsMet {
		return ErrNotSettleable
	}
	return nil
}

// Refund reverses the buyer's payment and ends the transaction. A zero
// amount refunds the full original amount; partial refunds are permitted
// and still end the transaction as refunded.
func (c *Coordinator) Refund(ctx context.Context, id uuid.UUID, amount int64, reason string, trigger models.Actor) (*models.EscrowTransaction, error) {
	now := c.now()
	updated, err := c.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if txn.Status.Terminal() {
			return nil, ErrTerminal
		}
		if txn.ChargeID == "" {
			return nil, ErrPaymentNotCaptured
		}
		amt := amount
		if amt <= 0 {
			amt = txn.Amount
		}
		if amt > txn.Amount {
			return nil, fmt.Errorf("%w: refund %d exceeds original amount %d", ErrAmountOutOfBounds, amt, txn.Amount)
		}
		refundID, err := c.rail.Refund(ctx, RefundRequest{
			IdempotencyKey: "refund-" + txn.ID.String(),
			Charge:         txn.ChargeID,
			Amount:         amt,
			Reason:         reason,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: refund: %v", ErrRailFailure, err)
		}
		txn.RefundID = refundID
		txn.RefundedAmount = amt
		txn.RefundReason = reason
		if err := applyTransition(txn, models.StatusRefunded, trigger, reason, now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypeRefunded, "payment refunded to buyer", trigger, models.JSONMap{
			"refundId": refundID,
			"amount":   amt,
			"reason":   reason,
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRefund()
	c.log.Info("escrow refunded", "transaction", id, "amount", updated.RefundedAmount)
	return updated, nil
}
