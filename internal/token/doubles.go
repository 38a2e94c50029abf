package token

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// PausableToken wraps a token and rejects every transfer while paused.
// Models the misbehaving (pausable/blacklisting) assets the cleanup
// retry policy exists for.
type PausableToken struct {
	*Ledger
	paused atomic.Bool
}

// NewPausableToken wraps a fresh ledger for the symbol.
func NewPausableToken(symbol string) *PausableToken {
	return &PausableToken{Ledger: NewLedger(symbol)}
}

// SetPaused flips the pause switch.
func (p *PausableToken) SetPaused(v bool) { p.paused.Store(v) }

// Paused reports the pause state.
func (p *PausableToken) Paused() bool { return p.paused.Load() }

func (p *PausableToken) Transfer(caller, to string, amount decimal.Decimal) error {
	if p.paused.Load() {
		return &TransferError{Asset: p.Symbol(), Op: "transfer", Err: ErrPaused}
	}
	return p.Ledger.Transfer(caller, to, amount)
}

func (p *PausableToken) TransferFrom(caller, owner, to string, amount decimal.Decimal) error {
	if p.paused.Load() {
		return &TransferError{Asset: p.Symbol(), Op: "transferFrom", Err: ErrPaused}
	}
	return p.Ledger.TransferFrom(caller, owner, to, amount)
}

func (p *PausableToken) Clawback(from, to string, amount decimal.Decimal) error {
	if p.paused.Load() {
		return &TransferError{Asset: p.Symbol(), Op: "clawback", Err: ErrPaused}
	}
	return p.Ledger.Clawback(from, to, amount)
}

// CallbackToken invokes a hook in the middle of every transfer, after
// the balance movement. The reentrancy tests point the hook back at a
// public engine entry and assert it is rejected.
type CallbackToken struct {
	*Ledger
	OnTransfer func()
}

// NewCallbackToken wraps a fresh ledger for the symbol.
func NewCallbackToken(symbol string) *CallbackToken {
	return &CallbackToken{Ledger: NewLedger(symbol)}
}

func (c *CallbackToken) Transfer(caller, to string, amount decimal.Decimal) error {
	err := c.Ledger.Transfer(caller, to, amount)
	if c.OnTransfer != nil {
		c.OnTransfer()
	}
	return err
}

func (c *CallbackToken) TransferFrom(caller, owner, to string, amount decimal.Decimal) error {
	err := c.Ledger.TransferFrom(caller, owner, to, amount)
	if c.OnTransfer != nil {
		c.OnTransfer()
	}
	return err
}
