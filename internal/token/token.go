// Package token is the fungible-asset collaborator boundary. The
// engine never sees a bool-return transfer convention: every outcome
// is normalized here into success or a *TransferError.
package token

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Token is the fungible-asset contract the engine consumes for every
// sell/buy/fee asset. Callers are explicit (no ambient sender): the
// engine passes its own address as caller when moving held balances.
type Token interface {
	Symbol() string
	BalanceOf(holder string) decimal.Decimal
	Allowance(owner, spender string) decimal.Decimal

	// Approve grants spender the right to move owner's funds.
	Approve(owner, spender string, amount decimal.Decimal) error

	// Transfer moves caller-held funds to the recipient.
	Transfer(caller, to string, amount decimal.Decimal) error

	// TransferFrom moves owner's funds to the recipient, consuming
	// the caller's allowance.
	TransferFrom(caller, owner, to string, amount decimal.Decimal) error
}

// Reversible is implemented by tokens whose transfers the engine can
// undo inside a rollback boundary. Third-party assets without it make
// rollback best-effort only.
type Reversible interface {
	Clawback(from, to string, amount decimal.Decimal) error

	// RestoreAllowance re-credits the allowance a reversed TransferFrom
	// consumed, so the owner can retry the operation afterwards.
	RestoreAllowance(owner, spender string, amount decimal.Decimal) error
}

// TransferError is the single failure shape token operations surface.
type TransferError struct {
	Asset string
	Op    string // "transfer", "transferFrom", "approve", "clawback"
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Asset, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsRecoverable satisfies domain.RecoverableError: a failed transfer
// is never fatal to the asset itself, only to the calling operation.
func (e *TransferError) IsRecoverable() bool {
	return true
}

var (
	// ErrInsufficientBalance is returned when the source holds less
	// than the transfer amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when the caller's allowance
	// does not cover a transferFrom.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrPaused is returned by a paused token for any transfer.
	ErrPaused = errors.New("token paused")

	// ErrUnknownAsset is returned by the registry for unknown symbols.
	ErrUnknownAsset = errors.New("unknown asset")
)
