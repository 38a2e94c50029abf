package domain

import "errors"

// RecoverableError marks errors the engine may handle by retrying
// rather than propagating (cleanup transfer failures).
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable checks if an error may be retried by the engine.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return false
}

// ValidationError rejects bad input before any state is touched.
// Never recoverable: the caller must correct the request and resubmit.
type ValidationError struct {
	Reason string // stable, greppable
	Err    error
}

func (e *ValidationError) Error() string {
	return "validation [" + e.Reason + "]: " + e.Err.Error()
}

func (e *ValidationError) IsRecoverable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a sentinel with its stable reason tag.
func NewValidationError(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// IsValidation reports whether err is a precondition rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrSameAsset is returned when sell and buy asset are identical.
	ErrSameAsset = errors.New("sell and buy asset must differ")

	// ErrZeroQuantity is returned for non-positive sell/buy quantities.
	ErrZeroQuantity = errors.New("quantity must be positive")

	// ErrEmptyAsset is returned for a missing asset symbol.
	ErrEmptyAsset = errors.New("asset must not be empty")

	// ErrAssetNotAllowed is returned when an asset fails the allowlist.
	ErrAssetNotAllowed = errors.New("asset not allowed")

	// ErrFeeOutOfBand is returned when the offered fee lies outside the
	// acceptance band around the current creation fee.
	ErrFeeOutOfBand = errors.New("fee outside acceptance band")

	// ErrNegativeFee is returned for a negative offered fee.
	ErrNegativeFee = errors.New("fee must not be negative")

	// ErrOrderNotFound is returned for absent order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotActive is returned when a transition races another:
	// the loser observes a non-Active status and fails with no effects.
	ErrOrderNotActive = errors.New("order not active")

	// ErrNotCounterparty is returned when a restricted order is filled
	// by anyone other than its designated counterparty.
	ErrNotCounterparty = errors.New("caller is not the counterparty")

	// ErrNotMaker is returned when cancel is attempted by a non-maker.
	ErrNotMaker = errors.New("caller is not the maker")

	// ErrOrderExpired is returned when fill is attempted past expiry.
	ErrOrderExpired = errors.New("order expired")

	// ErrPastGrace is returned when cancel is attempted past the grace
	// window; only cleanup may touch the order now.
	ErrPastGrace = errors.New("cancel window closed")

	// ErrReentrantCall is returned when a public entry point is invoked
	// while untrusted transfer code is already on the stack.
	ErrReentrantCall = errors.New("reentrant call rejected")

	// ErrPayoutFailed is fatal to a cleanup batch: the caller could not
	// receive the pooled fees, so every effect of the batch is undone.
	ErrPayoutFailed = errors.New("fee payout failed")
)
