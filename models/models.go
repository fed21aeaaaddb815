package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionStatus represents a state in the escrow settlement workflow.
type TransactionStatus string

// All workflow states.
const (
	StatusPendingPayment  TransactionStatus = "pending_payment"
	StatusPaymentReceived TransactionStatus = "payment_received"
	StatusShipped         TransactionStatus = "shipped"
	StatusInTransit       TransactionStatus = "in_transit"
	StatusDelivered       TransactionStatus = "delivered"
	StatusConfirmed       TransactionStatus = "confirmed"
	StatusDisputed        TransactionStatus = "disputed"
	StatusReleased        TransactionStatus = "released"
	StatusAutoReleased    TransactionStatus = "auto_released"
	StatusRefunded        TransactionStatus = "refunded"
	StatusCancelled       TransactionStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from the
// status. Terminal transactions are never evaluated again and never move
// funds again.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusReleased, StatusAutoReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Settled reports whether funds already reached the seller.
func (s TransactionStatus) Settled() bool {
	return s == StatusReleased || s == StatusAutoReleased
}

// Actor identifies who triggered a transition or event.
type Actor string

const (
	ActorBuyer    Actor = "buyer"
	ActorSeller   Actor = "seller"
	ActorPlatform Actor = "platform"
	ActorSystem   Actor = "system"
	ActorWebhook  Actor = "webhook"
)

// ConditionType enumerates the supported settlement condition kinds.
type ConditionType string

const (
	ConditionTrackingConfirmation ConditionType = "tracking_confirmation"
	ConditionTimeBased            ConditionType = "time_based"
	ConditionBuyerConfirmation    ConditionType = "buyer_confirmation"
	ConditionDeliveryConfirmation ConditionType = "delivery_confirmation"
	ConditionMilestoneBased       ConditionType = "milestone_based"
	ConditionInspectionPeriod     ConditionType = "inspection_period"
	ConditionDualSignature        ConditionType = "dual_signature"
	ConditionCustom               ConditionType = "custom"
)

// ConditionMode is the explicit aggregation combinator carried by every
// condition. Every all_of condition must be met; when any_of conditions
// exist at least one of them must be met as well.
type ConditionMode string

const (
	ModeAllOf ConditionMode = "all_of"
	ModeAnyOf ConditionMode = "any_of"
)

// SettlementCondition is one rule that can independently become met and
// contribute to the release decision. Conditions live as a JSON column on
// the transaction row; they are never deleted or reordered, only updated
// in place.
type SettlementCondition struct {
	Type        ConditionType `json:"type"`
	Description string        `json:"description"`
	Priority    int           `json:"priority"`
	Mode        ConditionMode `json:"mode"`
	Config      JSONMap       `json:"config,omitempty"`
	IsMet       bool          `json:"isMet"`
	MetAt       *time.Time    `json:"metAt,omitempty"`
}

// ConditionList stores the ordered condition set as a JSON column.
type ConditionList []SettlementCondition

// Value implements driver.Valuer.
func (c ConditionList) Value() (driver.Value, error) {
	if c == nil {
		c = ConditionList{}
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *ConditionList) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// StatusChange is one append-only status history entry.
type StatusChange struct {
	Status      TransactionStatus `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	TriggeredBy Actor             `json:"triggeredBy"`
	Note        string            `json:"note,omitempty"`
}

// StatusHistory stores the ordered status trail as a JSON column.
type StatusHistory []StatusChange

// Value implements driver.Valuer.
func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		h = StatusHistory{}
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *StatusHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

// ShippingDetails captures carrier metadata for the transaction.
type ShippingDetails struct {
	Carrier           string     `json:"carrier,omitempty"`
	TrackingNumber    string     `json:"trackingNumber,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time `json:"actualDelivery,omitempty"`
}

// Value implements driver.Valuer.
func (s ShippingDetails) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *ShippingDetails) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// JSONMap is a free-form JSON object column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("models: unsupported JSON column source %T", src)
	}
}

// EscrowTransaction is the central aggregate: held funds, the settlement
// condition set, the status machine state, and the external payment-rail
// linkage. Money fields are integer minor units (cents) and are computed
// once at creation and frozen.
type EscrowTransaction struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BuyerID         uuid.UUID `gorm:"type:uuid;index" json:"buyerId"`
	SellerID        uuid.UUID `gorm:"type:uuid;index" json:"sellerId"`
	SellerAccountID string    `gorm:"size:128" json:"sellerAccountId"`

	Amount       int64  `gorm:"not null" json:"amount"`
	PlatformFee  int64  `gorm:"not null" json:"platformFee"`
	RailFee      int64  `gorm:"not null" json:"railFee"`
	SellerAmount int64  `gorm:"not null" json:"sellerAmount"`
	Currency     string `gorm:"size:8" json:"currency"`

	// Payment-rail linkage, populated monotonically as the lifecycle
	// advances. Once set a field is never cleared.
	PaymentIntentID string `gorm:"size:128" json:"paymentIntentId,omitempty"`
	ChargeID        string `gorm:"size:128" json:"chargeId,omitempty"`
	TransferID      string `gorm:"size:128" json:"transferId,omitempty"`
	PayoutID        string `gorm:"size:128" json:"payoutId,omitempty"`
	RefundID        string `gorm:"size:128" json:"refundId,omitempty"`

	Status        TransactionStatus `gorm:"size:32;index" json:"status"`
	StatusHistory StatusHistory     `gorm:"type:jsonb" json:"statusHistory"`

	Conditions       ConditionList `gorm:"type:jsonb" json:"conditions"`
	AllConditionsMet bool          `json:"allConditionsMet"`

	Shipping ShippingDetails `gorm:"type:jsonb" json:"shipping"`

	DisputeReason     string     `gorm:"size:512" json:"disputeReason,omitempty"`
	DisputeOpenedAt   *time.Time `json:"disputeOpenedAt,omitempty"`
	DisputeResolution JSONMap    `gorm:"type:jsonb" json:"disputeResolution,omitempty"`
	DisputePeriodDays int        `json:"disputePeriodDays"`
	DisputeDeadline   *time.Time `json:"disputeDeadline,omitempty"`

	RefundedAmount int64  `json:"refundedAmount,omitempty"`
	RefundReason   string `gorm:"size:512" json:"refundReason,omitempty"`

	ItemDescription string  `gorm:"size:512" json:"itemDescription,omitempty"`
	ItemType        string  `gorm:"size:64;index" json:"itemType,omitempty"`
	Metadata        JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LastActionAt reports when a party last moved the transaction: the
// timestamp of the newest status-history entry, or the creation time for a
// transaction that has not transitioned yet. UpdatedAt is unsuitable for
// staleness checks because background evaluation passes refresh it on
// every save.
func (t *EscrowTransaction) LastActionAt() time.Time {
	if n := len(t.StatusHistory); n > 0 {
		return t.StatusHistory[n-1].Timestamp
	}
	return t.CreatedAt
}

// EscrowEvent is a write-once audit record. Every state-changing operation
// appends exactly one (or more) of these.
type EscrowEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID uuid.UUID `gorm:"type:uuid;index" json:"transactionId"`
	Type          string    `gorm:"size:64;index" json:"type"`
	Description   string    `gorm:"size:512" json:"description"`
	TriggeredBy   Actor     `gorm:"size:16" json:"triggeredBy"`
	Payload       JSONMap   `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IdempotencyKey stores request idempotency metadata for mutating endpoints.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// PlatformConfig is the singleton fee and window configuration. It is read
// only from the engine's perspective; changes affect only transactions
// created afterwards.
type PlatformConfig struct {
	Key                  string  `gorm:"primaryKey;size:32" json:"-"`
	PlatformFeePercent   float64 `json:"platformFeePercent"`
	PlatformFeeFixed     int64   `json:"platformFeeFixed"`
	RailFeePercent       float64 `json:"railFeePercent"`
	RailFeeFixed         int64   `json:"railFeeFixed"`
	DisputePeriodDays    int     `json:"disputePeriodDays"`
	AutoReleaseHours     int     `json:"autoReleaseHours"`
	InspectionPeriodDays int     `json:"inspectionPeriodDays"`
	MinAmount            int64   `json:"minAmount"`
	MaxAmount            int64   `json:"maxAmount"`
	UpdatedAt            time.Time
}

// PlatformConfigKey is the primary key of the singleton platform row.
const PlatformConfigKey = "default"

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EscrowTransaction{},
		&EscrowEvent{},
		&IdempotencyKey{},
		&PlatformConfig{},
	)
}
