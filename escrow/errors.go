package escrow

import "errors"

var (
	// ErrNotFound indicates the transaction does not exist.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrUnauthorized indicates the acting party does not match the
	// transaction's buyer/seller for the attempted transition.
	ErrUnauthorized = errors.New("escrow: unauthorized actor")
	// ErrInvalidTransition indicates the transaction is not in an allowed
	// source state for the attempted transition.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
	// ErrTerminal indicates the transaction already reached a terminal
	// status and no further mutation is permitted.
	ErrTerminal = errors.New("escrow: transaction is terminal")
	// ErrNotSettleable indicates release was requested while the condition
	// set is not satisfied.
	ErrNotSettleable = errors.New("escrow: conditions not satisfied")
	// ErrPaymentNotCaptured indicates release was requested before the
	// buyer's payment was captured.
	ErrPaymentNotCaptured = errors.New("escrow: payment not captured")
	// ErrDisputeWindowClosed indicates a dispute was opened after the
	// stored dispute deadline.
	ErrDisputeWindowClosed = errors.New("escrow: dispute window closed")
	// ErrDisputed indicates an automatic release was blocked by an open
	// dispute.
	ErrDisputed = errors.New("escrow: transaction disputed")
	// ErrAmountOutOfBounds indicates the transaction amount violates the
	// configured platform bounds.
	ErrAmountOutOfBounds = errors.New("escrow: amount out of configured bounds")
	// ErrRailFailure wraps failures reported by the external payment rail.
	ErrRailFailure = errors.New("escrow: payment rail failure")
	// ErrPayoutPending indicates the transfer leg succeeded but the payout
	// leg failed; the transfer identifier is persisted and a retried
	// release will not re-issue the transfer.
	ErrPayoutPending = errors.New("escrow: payout pending after transfer")
)

// IsValidation reports whether the error belongs to the synchronous
// validation taxonomy: the transaction is unchanged and the failure is
// surfaced to the caller verbatim.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrNotSettleable) ||
		errors.Is(err, ErrPaymentNotCaptured) ||
		errors.Is(err, ErrDisputeWindowClosed) ||
		errors.Is(err, ErrDisputed) ||
		errors.Is(err, ErrAmountOutOfBounds)
}
