package escrow

import (
	"context"

	"github.com/google/uuid"

	"escrowd/models"
)

// UpdateFunc mutates a transaction under the store's per-row serialization
// point. Audit events returned by the function are appended atomically with
// the transaction update; returning an error aborts the whole step so no
// partial status update is ever persisted.
type UpdateFunc func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error)

// Store is the document-store capability consumed by the engine. Each
// record update is atomic individually; UpdateTransaction additionally
// serializes concurrent writers on the same transaction id so status can
// act as the concurrency gate.
type Store interface {
	CreateTransaction(ctx context.Context, txn *models.EscrowTransaction, events ...*models.EscrowEvent) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	UpdateTransaction(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*models.EscrowTransaction, error)
	ListByStatus(ctx context.Context, statuses []models.TransactionStatus, limit, offset int) ([]models.EscrowTransaction, error)
	PlatformConfig(ctx context.Context) (*models.PlatformConfig, error)
}

// CaptureRequest captures the buyer's payment hold.
type CaptureRequest struct {
	IdempotencyKey string
	PaymentIntent  string
	Amount         int64
	Currency       string
}

// TransferRequest moves the seller amount from pooled platform funds to the
// seller's destination account.
type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	Amount         int64
	Currency       string
	SourceCharge   string
}

// PayoutRequest instructs the destination account to pay out to its linked
// external bank or wallet.
type PayoutRequest struct {
	IdempotencyKey string
	Account        string
	Amount         int64
	Currency       string
}

// RefundRequest reverses (part of) the original capture back to the buyer.
type RefundRequest struct {
	IdempotencyKey string
	Charge         string
	Amount         int64
	Reason         string
}

// PaymentRail is the external fund-movement capability. Every operation
// accepts an idempotency key and returns the rail's operation identifier
// used for audit linkage and retry safety.
type PaymentRail interface {
	Capture(ctx context.Context, req CaptureRequest) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Payout(ctx context.Context, req PayoutRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}
