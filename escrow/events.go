package escrow

import (
	"time"

	"github.com/google/uuid"

	"escrowd/models"
)

// Canonical audit event types. Every state-changing operation appends at
// least one of these to the write-once event log.
const (
	EventTypeCreated         = "escrow.created"
	EventTypePaymentCaptured = "escrow.payment_captured"
	EventTypeShipped         = "escrow.shipped"
	EventTypeInTransit       = "escrow.in_transit"
	EventTypeDelivered       = "escrow.delivered"
	EventTypeConfirmed       = "escrow.confirmed"
	EventTypeDisputed        = "escrow.disputed"
	EventTypeDisputeResolved = "escrow.dispute_resolved"
	EventTypeConditionMet    = "escrow.condition_met"
	EventTypeConditionUpdate = "escrow.condition_updated"
	EventTypeEvaluated       = "escrow.evaluated"
	EventTypeTransferCreated = "escrow.transfer_created"
	EventTypeReleased        = "escrow.released"
	EventTypeAutoReleased    = "escrow.auto_released"
	EventTypeRefunded        = "escrow.refunded"
	EventTypeCancelled       = "escrow.cancelled"
	EventTypeReminder        = "escrow.reminder"
)

// NewEvent builds an audit record for the transaction. The caller supplies
// the actor and an optional structured payload; creation time comes from
// the engine clock so tests stay deterministic.
func NewEvent(txn *models.EscrowTransaction, eventType, description string, actor models.Actor, payload models.JSONMap, at time.Time) *models.EscrowEvent {
	evt := &models.EscrowEvent{
		ID:          uuid.New(),
		Type:        eventType,
		Description: description,
		TriggeredBy: actor,
		Payload:     payload,
		CreatedAt:   at,
	}
	if txn != nil {
		evt.TransactionID = txn.ID
	}
	return evt
}
