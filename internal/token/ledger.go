package token

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger is an in-memory fungible token with allowance bookkeeping.
// It backs tests and single-process deployments; production swaps in
// an adapter to the real asset contract behind the same interface.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner -> spender -> amount
	supply     decimal.Decimal
}

// NewLedger creates an empty ledger for one asset symbol.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// Mint credits new supply to a holder. Test and faucet surface, not
// part of the Token interface the engine sees.
func (l *Ledger) Mint(to string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
}

// TotalSupply returns the minted supply.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

func (l *Ledger) BalanceOf(holder string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holder]
}

func (l *Ledger) Allowance(owner, spender string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[owner][spender]
}

func (l *Ledger) Approve(owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &TransferError{Asset: l.symbol, Op: "approve", Err: fmt.Errorf("negative allowance %s", amount)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

func (l *Ledger) Transfer(caller, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.move(caller, to, amount); err != nil {
		return &TransferError{Asset: l.symbol, Op: "transfer", Err: err}
	}
	return nil
}

func (l *Ledger) TransferFrom(caller, owner, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner][caller].LessThan(amount) {
		return &TransferError{Asset: l.symbol, Op: "transferFrom", Err: ErrInsufficientAllowance}
	}
	if err := l.move(owner, to, amount); err != nil {
		return &TransferError{Asset: l.symbol, Op: "transferFrom", Err: err}
	}
	l.allowances[owner][caller] = l.allowances[owner][caller].Sub(amount)
	return nil
}

// RestoreAllowance re-credits allowance consumed by a TransferFrom
// that is being reversed. Engine-internal rollback surface, like
// Clawback.
func (l *Ledger) RestoreAllowance(owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &TransferError{Asset: l.symbol, Op: "restoreAllowance", Err: fmt.Errorf("negative amount %s", amount)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.allowances[owner] = m
	}
	m[spender] = m[spender].Add(amount)
	return nil
}

// Clawback force-moves funds for rollback boundaries, bypassing
// allowances. Engine-internal only.
func (l *Ledger) Clawback(from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.move(from, to, amount); err != nil {
		return &TransferError{Asset: l.symbol, Op: "clawback", Err: err}
	}
	return nil
}

// move is the balance mutation. Caller holds l.mu.
func (l *Ledger) move(from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative amount %s", amount)
	}
	if l.balances[from].LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}
