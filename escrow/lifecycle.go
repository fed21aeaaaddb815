package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowd/models"
	"escrowd/observability"
)

var allowedTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusPendingPayment: {
		models.StatusPaymentReceived, models.StatusCancelled, models.StatusRefunded,
	},
	models.StatusPaymentReceived: {
		models.StatusShipped, models.StatusReleased, models.StatusAutoReleased, models.StatusRefunded,
	},
	models.StatusShipped: {
		models.StatusInTransit, models.StatusDelivered, models.StatusConfirmed,
		models.StatusDisputed, models.StatusReleased, models.StatusAutoReleased, models.StatusRefunded,
	},
	models.StatusInTransit: {
		models.StatusDelivered, models.StatusConfirmed,
		models.StatusDisputed, models.StatusReleased, models.StatusAutoReleased, models.StatusRefunded,
	},
	models.StatusDelivered: {
		models.StatusConfirmed, models.StatusDisputed,
		models.StatusReleased, models.StatusAutoReleased, models.StatusRefunded,
	},
	models.StatusConfirmed: {
		models.StatusDisputed, models.StatusReleased, models.StatusAutoReleased, models.StatusRefunded,
	},
	models.StatusDisputed: {
		models.StatusReleased, models.StatusRefunded,
	},
}

// ValidateTransition ensures the transition follows the defined state
// machine. A transition to the current status is a permitted no-op.
func ValidateTransition(current, next models.TransactionStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

// applyTransition moves the transaction to the next status and appends the
// status-history entry. History is append-only; the two writes commit (or
// abort) together with the caller's audit event.
func applyTransition(txn *models.EscrowTransaction, next models.TransactionStatus, actor models.Actor, note string, at time.Time) error {
	if txn.Status.Terminal() {
		return ErrTerminal
	}
	if err := ValidateTransition(txn.Status, next); err != nil {
		return err
	}
	if txn.Status == next {
		return nil
	}
	txn.Status = next
	txn.StatusHistory = append(txn.StatusHistory, models.StatusChange{
		Status:      next,
		Timestamp:   at,
		TriggeredBy: actor,
		Note:        note,
	})
	return nil
}

// CreateParams describes a new escrow transaction. When Conditions is
// empty the template for the item type applies.
type CreateParams struct {
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	SellerAccountID string
	Amount          int64
	Currency        string
	ItemDescription string
	ItemType        string
	Metadata        models.JSONMap
	Conditions      models.ConditionList
	PaymentIntentID string
}

// ShipmentParams carries the seller's shipping declaration.
type ShipmentParams struct {
	Carrier           string
	TrackingNumber    string
	EstimatedDelivery *time.Time
	Note              string
}

// CarrierUpdate is a carrier-webhook status report.
type CarrierUpdate struct {
	TrackingNumber string
	Status         string
	At             *time.Time
}

// Carrier webhook statuses accepted by RecordCarrierUpdate.
const (
	CarrierStatusInTransit = "in_transit"
	CarrierStatusDelivered = "delivered"
)

// Lifecycle owns the transaction state machine: which transitions are
// valid, who may trigger them, and the status-history and audit-event
// side effects of each. After every externally triggered mutation it asks
// the settlement engine to re-evaluate.
type Lifecycle struct {
	store       Store
	engine      *Engine
	coordinator *Coordinator
	nowFn       func() time.Time
	log         *slog.Logger
	metrics     *observability.EscrowMetrics
}

// NewLifecycle wires the lifecycle manager.
func NewLifecycle(store Store, engine *Engine, coordinator *Coordinator) *Lifecycle {
	return &Lifecycle{
		store:       store,
		engine:      engine,
		coordinator: coordinator,
		nowFn:       time.Now,
		log:         slog.Default(),
		metrics:     observability.Escrow(),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Lifecycle) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// SetLogger overrides the logger used for lifecycle diagnostics.
func (l *Lifecycle) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	l.log = log
}

func (l *Lifecycle) now() time.Time {
	if l == nil || l.nowFn == nil {
		return time.Now()
	}
	return l.nowFn()
}

// Create validates the request against the platform bounds, computes the
// frozen fee split, attaches the condition set, and persists the
// transaction in pending_payment.
func (l *Lifecycle) Create(ctx context.Context, params CreateParams) (*models.EscrowTransaction, error) {
	cfg, err := l.store.PlatformConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platform config: %w", err)
	}
	if params.BuyerID == uuid.Nil || params.SellerID == uuid.Nil {
		return nil, fmt.Errorf("%w: buyer and seller required", ErrUnauthorized)
	}
	if params.BuyerID == params.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrUnauthorized)
	}
	if strings.TrimSpace(params.SellerAccountID) == "" {
		return nil, fmt.Errorf("escrow: seller destination account required")
	}
	if params.Amount < cfg.MinAmount || (cfg.MaxAmount > 0 && params.Amount > cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %d not within [%d, %d]", ErrAmountOutOfBounds, params.Amount, cfg.MinAmount, cfg.MaxAmount)
	}
	fees, err := ComputeFees(params.Amount, cfg)
	if err != nil {
		return nil, err
	}
	now := l.now()
	conditions := params.Conditions
	if len(conditions) == 0 {
		conditions = DefaultConditions(params.ItemType, now, cfg)
	} else {
		conditions = sanitizeConditions(conditions)
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "usd"
	}
	metadata := params.Metadata
	if cfg.InspectionPeriodDays > 0 {
		if metadata == nil {
			metadata = models.JSONMap{}
		}
		if _, ok := metadata["inspectionPeriodDays"]; !ok {
			metadata["inspectionPeriodDays"] = float64(cfg.InspectionPeriodDays)
		}
	}
	txn := &models.EscrowTransaction{
		ID:                uuid.New(),
		BuyerID:           params.BuyerID,
		SellerID:          params.SellerID,
		SellerAccountID:   params.SellerAccountID,
		Amount:            params.Amount,
		PlatformFee:       fees.PlatformFee,
		RailFee:           fees.RailFee,
		SellerAmount:      fees.SellerAmount,
		Currency:          currency,
		PaymentIntentID:   params.PaymentIntentID,
		Status:            models.StatusPendingPayment,
		Conditions:        conditions,
		ItemDescription:   params.ItemDescription,
		ItemType:          params.ItemType,
		Metadata:          metadata,
		DisputePeriodDays: cfg.DisputePeriodDays,
		CreatedAt:         now,
		UpdatedAt:         now,
		StatusHistory: models.StatusHistory{{
			Status:      models.StatusPendingPayment,
			Timestamp:   now,
			TriggeredBy: models.ActorBuyer,
			Note:        "transaction created",
		}},
	}
	evt := NewEvent(txn, EventTypeCreated, "escrow transaction created", models.ActorBuyer, models.JSONMap{
		"amount":       txn.Amount,
		"platformFee":  txn.PlatformFee,
		"railFee":      txn.RailFee,
		"sellerAmount": txn.SellerAmount,
		"itemType":     txn.ItemType,
	}, now)
	if err := l.store.CreateTransaction(ctx, txn, evt); err != nil {
		return nil, err
	}
	l.metrics.RecordCreated()
	return txn, nil
}

// sanitizeConditions normalises caller-supplied conditions: combinator
// tags default to any_of, priorities default to list order, and met flags
// start cleared.
func sanitizeConditions(conds models.ConditionList) models.ConditionList {
	out := make(models.ConditionList, len(conds))
	for i, cond := range conds {
		if cond.Mode != models.ModeAllOf {
			cond.Mode = models.ModeAnyOf
		}
		if cond.Priority == 0 {
			cond.Priority = i + 1
		}
		if cond.Config == nil {
			cond.Config = models.JSONMap{}
		}
		cond.IsMet = false
		cond.MetAt = nil
		out[i] = cond
	}
	return out
}

// CapturePayment records the buyer's captured payment and moves the
// transaction to payment_received.
func (l *Lifecycle) CapturePayment(ctx context.Context, id, actorID uuid.UUID, actor models.Actor, intentID, chargeID string) (*models.EscrowTransaction, error) {
	now := l.now()
	updated, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := requireParty(txn, actor, actorID, models.ActorBuyer, models.ActorSystem); err != nil {
			return nil, err
		}
		if txn.Status != models.StatusPendingPayment {
			return nil, fmt.Errorf("%w: capture requires pending_payment, got %s", ErrInvalidTransition, txn.Status)
		}
		if txn.PaymentIntentID == "" {
			txn.PaymentIntentID = intentID
		}
		if txn.ChargeID == "" {
			if chargeID == "" {
				// The gateway handed us a hold, not a charge: capture
				// it ourselves through the rail.
				captured, err := l.coordinator.CaptureCharge(ctx, txn, txn.PaymentIntentID)
				if err != nil {
					return nil, err
				}
				chargeID = captured
			}
			txn.ChargeID = chargeID
		}
		if err := applyTransition(txn, models.StatusPaymentReceived, actor, "payment captured", now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypePaymentCaptured, "buyer payment captured", actor, models.JSONMap{
			"paymentIntentId": txn.PaymentIntentID,
			"chargeId":        txn.ChargeID,
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	l.evaluate(ctx, id, actor)
	return updated, nil
}

// MarkShipped records the seller's shipping declaration, stamps the
// dispute deadline, and seeds the tracking number into tracking
// conditions.
func (l *Lifecycle) MarkShipped(ctx context.Context, id, sellerID uuid.UUID, shipment ShipmentParams) (*models.EscrowTransaction, error) {
	now := l.now()
	updated, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := requireParty(txn, models.ActorSeller, sellerID, models.ActorSeller); err != nil {
			return nil, err
		}
		if txn.Status != models.StatusPaymentReceived {
			return nil, fmt.Errorf("%w: ship requires payment_received, got %s", ErrInvalidTransition, txn.Status)
		}
		if strings.TrimSpace(shipment.TrackingNumber) == "" {
			return nil, fmt.Errorf("escrow: tracking number required")
		}
		shippedAt := now
		txn.Shipping.Carrier = shipment.Carrier
		txn.Shipping.TrackingNumber = shipment.TrackingNumber
		txn.Shipping.ShippedAt = &shippedAt
		txn.Shipping.EstimatedDelivery = shipment.EstimatedDelivery
		deadline := now.AddDate(0, 0, disputeDays(txn)).UTC()
		txn.DisputeDeadline = &deadline
		for i := range txn.Conditions {
			if txn.Conditions[i].Type == models.ConditionTrackingConfirmation {
				if txn.Conditions[i].Config == nil {
					txn.Conditions[i].Config = models.JSONMap{}
				}
				txn.Conditions[i].Config[ConfigTrackingNumber] = shipment.TrackingNumber
			}
		}
		if err := applyTransition(txn, models.StatusShipped, models.ActorSeller, shipment.Note, now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypeShipped, "seller shipped with tracking", models.ActorSeller, models.JSONMap{
			"carrier":        shipment.Carrier,
			"trackingNumber": shipment.TrackingNumber,
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	l.evaluate(ctx, id, models.ActorSeller)
	return updated, nil
}

// RecordCarrierUpdate applies a carrier webhook report. A delivery report
// stamps the actual-delivery time, confirms tracking conditions, computes
// the inspection deadline for inspection conditions that lack one, and
// restarts the dispute window from the delivery time.
func (l *Lifecycle) RecordCarrierUpdate(ctx context.Context, id uuid.UUID, update CarrierUpdate) (*models.EscrowTransaction, error) {
	now := l.now()
	at := now
	if update.At != nil && !update.At.IsZero() {
		at = *update.At
	}
	updated, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		switch update.Status {
		case CarrierStatusInTransit:
			if txn.Status != models.StatusShipped && txn.Status != models.StatusInTransit {
				return nil, fmt.Errorf("%w: carrier update requires shipped or in_transit, got %s", ErrInvalidTransition, txn.Status)
			}
			if txn.Status == models.StatusInTransit {
				return nil, nil
			}
			if err := applyTransition(txn, models.StatusInTransit, models.ActorWebhook, "carrier reported movement", now); err != nil {
				return nil, err
			}
			evt := NewEvent(txn, EventTypeInTransit, "carrier reported parcel in transit", models.ActorWebhook, nil, now)
			return []*models.EscrowEvent{evt}, nil
		case CarrierStatusDelivered:
			if txn.Status != models.StatusShipped && txn.Status != models.StatusInTransit && txn.Status != models.StatusDelivered {
				return nil, fmt.Errorf("%w: delivery requires an in-flight shipment, got %s", ErrInvalidTransition, txn.Status)
			}
			if txn.Status == models.StatusDelivered {
				return nil, nil
			}
			txn.Shipping.ActualDelivery = &at
			deadline := at.AddDate(0, 0, disputeDays(txn)).UTC()
			txn.DisputeDeadline = &deadline
			for i := range txn.Conditions {
				cond := &txn.Conditions[i]
				if cond.Config == nil {
					cond.Config = models.JSONMap{}
				}
				switch cond.Type {
				case models.ConditionTrackingConfirmation:
					cond.Config[ConfigDeliveryConfirmed] = true
				case models.ConditionInspectionPeriod:
					if _, ok := configTime(cond.Config, ConfigInspectionDeadline); !ok {
						days := inspectionDays(txn)
						cond.Config[ConfigInspectionDeadline] = at.AddDate(0, 0, days).UTC().Format(time.RFC3339)
					}
				}
			}
			if err := applyTransition(txn, models.StatusDelivered, models.ActorWebhook, "carrier confirmed delivery", now); err != nil {
				return nil, err
			}
			evt := NewEvent(txn, EventTypeDelivered, "carrier confirmed delivery", models.ActorWebhook, models.JSONMap{
				"deliveredAt": at.UTC().Format(time.RFC3339),
			}, now)
			return []*models.EscrowEvent{evt}, nil
		default:
			return nil, fmt.Errorf("escrow: unsupported carrier status %q", update.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	l.evaluate(ctx, id, models.ActorWebhook)
	return updated, nil
}

// ConfirmReceipt records the buyer's confirmation.
func (l *Lifecycle) ConfirmReceipt(ctx context.Context, id, buyerID uuid.UUID) (*models.EscrowTransaction, error) {
	now := l.now()
	updated, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := requireParty(txn, models.ActorBuyer, buyerID, models.ActorBuyer); err != nil {
			return nil, err
		}
		switch txn.Status {
		case models.StatusShipped, models.StatusInTransit, models.StatusDelivered:
		default:
			return nil, fmt.Errorf("%w: confirm requires an in-flight shipment, got %s", ErrInvalidTransition, txn.Status)
		}
		if err := applyTransition(txn, models.StatusConfirmed, models.ActorBuyer, "buyer confirmed receipt", now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypeConfirmed, "buyer confirmed receipt", models.ActorBuyer, nil, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	l.evaluate(ctx, id, models.ActorBuyer)
	return updated, nil
}

// OpenDispute blocks settlement when invoked by the buyer before the
// stored dispute deadline.
func (l *Lifecycle) OpenDispute(ctx context.Context, id, buyerID uuid.UUID, reason string) (*models.EscrowTransaction, error) {
	now := l.now()
	return l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if err := requireParty(txn, models.ActorBuyer, buyerID, models.ActorBuyer); err != nil {
			return nil, err
		}
		switch txn.Status {
		case models.StatusShipped, models.StatusInTransit, models.StatusDelivered, models.StatusConfirmed:
		default:
			return nil, fmt.Errorf("%w: dispute requires a shipped or confirmed transaction, got %s", ErrInvalidTransition, txn.Status)
		}
		deadline := txn.DisputeDeadline
		if deadline == nil {
			fallback := txn.CreatedAt.AddDate(0, 0, disputeDays(txn))
			deadline = &fallback
		}
		if !now.Before(*deadline) {
			return nil, fmt.Errorf("%w: deadline %s", ErrDisputeWindowClosed, deadline.UTC().Format(time.RFC3339))
		}
		openedAt := now
		txn.DisputeReason = reason
		txn.DisputeOpenedAt = &openedAt
		if err := applyTransition(txn, models.StatusDisputed, models.ActorBuyer, reason, now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypeDisputed, "buyer opened a dispute", models.ActorBuyer, models.JSONMap{
			"reason": reason,
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
}

// Dispute resolution outcomes.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// ResolveDispute settles a disputed transaction according to the
// platform-determined outcome: release to the seller or refund to the
// buyer.
func (l *Lifecycle) ResolveDispute(ctx context.Context, id uuid.UUID, outcome string, resolution models.JSONMap) (*models.EscrowTransaction, error) {
	now := l.now()
	normalized := strings.ToLower(strings.TrimSpace(outcome))
	if normalized != ResolutionRelease && normalized != ResolutionRefund {
		return nil, fmt.Errorf("escrow: invalid resolution outcome %q", outcome)
	}
	_, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if txn.Status != models.StatusDisputed {
			return nil, fmt.Errorf("%w: resolve requires disputed, got %s", ErrInvalidTransition, txn.Status)
		}
		if resolution == nil {
			resolution = models.JSONMap{}
		}
		resolution["outcome"] = normalized
		txn.DisputeResolution = resolution
		evt := NewEvent(txn, EventTypeDisputeResolved, "platform resolved the dispute", models.ActorPlatform, resolution, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	if normalized == ResolutionRelease {
		if _, err := l.coordinator.Release(ctx, id, models.ActorPlatform, false); err != nil {
			return nil, err
		}
	} else {
		if _, err := l.coordinator.Refund(ctx, id, 0, "dispute resolved in buyer's favour", models.ActorPlatform); err != nil {
			return nil, err
		}
	}
	return l.store.GetTransaction(ctx, id)
}

// Cancel voids a transaction that never received payment.
func (l *Lifecycle) Cancel(ctx context.Context, id, actorID uuid.UUID, actor models.Actor, reason string) (*models.EscrowTransaction, error) {
	now := l.now()
	return l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if actor != models.ActorPlatform {
			if err := requireParty(txn, actor, actorID, models.ActorBuyer, models.ActorSeller); err != nil {
				return nil, err
			}
		}
		if txn.Status != models.StatusPendingPayment {
			return nil, fmt.Errorf("%w: cancel requires pending_payment, got %s", ErrInvalidTransition, txn.Status)
		}
		if err := applyTransition(txn, models.StatusCancelled, actor, reason, now); err != nil {
			return nil, err
		}
		evt := NewEvent(txn, EventTypeCancelled, "transaction cancelled", actor, models.JSONMap{"reason": reason}, now)
		return []*models.EscrowEvent{evt}, nil
	})
}

// UpdateCondition merges a config patch into one condition. Parties may
// only touch the keys they own: the buyer signs buyerSigned and approves
// milestones, the seller signs sellerSigned, the platform may set
// anything.
func (l *Lifecycle) UpdateCondition(ctx context.Context, id uuid.UUID, index int, patch models.JSONMap, actorID uuid.UUID, actor models.Actor) (*models.EscrowTransaction, error) {
	now := l.now()
	_, err := l.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if txn.Status.Terminal() {
			return nil, ErrTerminal
		}
		if index < 0 || index >= len(txn.Conditions) {
			return nil, fmt.Errorf("escrow: condition index %d out of range", index)
		}
		if actor != models.ActorPlatform {
			if err := requireParty(txn, actor, actorID, models.ActorBuyer, models.ActorSeller); err != nil {
				return nil, err
			}
		}
		cond := &txn.Conditions[index]
		if cond.Config == nil {
			cond.Config = models.JSONMap{}
		}
		for key, value := range patch {
			if !conditionKeyAllowed(actor, key) {
				return nil, fmt.Errorf("%w: %s may not set %s", ErrUnauthorized, actor, key)
			}
			cond.Config[key] = value
		}
		evt := NewEvent(txn, EventTypeConditionUpdate, cond.Description, actor, models.JSONMap{
			"index":         index,
			"conditionType": string(cond.Type),
		}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return nil, err
	}
	l.evaluate(ctx, id, actor)
	return l.store.GetTransaction(ctx, id)
}

func conditionKeyAllowed(actor models.Actor, key string) bool {
	switch actor {
	case models.ActorPlatform, models.ActorSystem:
		return true
	case models.ActorBuyer:
		return key == ConfigBuyerSigned || key == ConfigMilestones
	case models.ActorSeller:
		return key == ConfigSellerSigned
	default:
		return false
	}
}

// evaluate runs a best-effort settlement pass after a mutation; failures
// surface through logs and the next scheduler sweep rather than failing
// the user-facing operation that already committed.
func (l *Lifecycle) evaluate(ctx context.Context, id uuid.UUID, trigger models.Actor) {
	if l.engine == nil {
		return
	}
	if _, err := l.engine.EvaluateAll(ctx, id, trigger); err != nil {
		l.log.Warn("post-transition evaluation failed", "transaction", id, "error", err)
	}
}

// requireParty checks that the acting party matches the transaction's
// buyer/seller for the attempted transition.
func requireParty(txn *models.EscrowTransaction, actor models.Actor, actorID uuid.UUID, allowed ...models.Actor) error {
	permitted := false
	for _, a := range allowed {
		if actor == a {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s may not perform this transition", ErrUnauthorized, actor)
	}
	switch actor {
	case models.ActorBuyer:
		if actorID != txn.BuyerID {
			return fmt.Errorf("%w: not the transaction buyer", ErrUnauthorized)
		}
	case models.ActorSeller:
		if actorID != txn.SellerID {
			return fmt.Errorf("%w: not the transaction seller", ErrUnauthorized)
		}
	}
	return nil
}

func disputeDays(txn *models.EscrowTransaction) int {
	if txn.DisputePeriodDays > 0 {
		return txn.DisputePeriodDays
	}
	return 7
}

func inspectionDays(txn *models.EscrowTransaction) int {
	if txn.Metadata != nil {
		if v, ok := txn.Metadata["inspectionPeriodDays"].(float64); ok && v > 0 {
			return int(v)
		}
	}
	return 3
}
