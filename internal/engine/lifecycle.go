package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
	"otc_book/internal/token"
)

// CreateRequest carries the maker's offer. Counterparty empty means
// open to any taker.
type CreateRequest struct {
	Maker        string
	Counterparty string
	SellAsset    string
	SellQuantity decimal.Decimal
	BuyAsset     string
	BuyQuantity  decimal.Decimal
	FeeOffered   decimal.Decimal
}

// Create escrows the maker's sell quantity, pools the offered fee and
// stores a new Active order. The fee market observes this call's cost
// only after the order exists, so the reading moves the band for the
// next maker, not this one.
func (e *Engine) Create(req CreateRequest) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	if err := e.validateCreate(&req); err != nil {
		return 0, err
	}

	sellTok, err := e.tokens.Get(req.SellAsset)
	if err != nil {
		return 0, domain.NewValidationError("ASSET_NOT_ALLOWED", domain.ErrAssetNotAllowed)
	}
	feeTok, err := e.tokens.Get(e.cfg.FeeAsset)
	if err != nil {
		return 0, fmt.Errorf("fee asset %q unregistered: %w", e.cfg.FeeAsset, err)
	}

	// Balance and allowance are verified before any transfer is
	// attempted so the common failure mode never moves funds.
	if sellTok.BalanceOf(req.Maker).LessThan(req.SellQuantity) {
		return 0, domain.NewValidationError("INSUFFICIENT_BALANCE", token.ErrInsufficientBalance)
	}
	if sellTok.Allowance(req.Maker, e.cfg.EngineAddress).LessThan(req.SellQuantity) {
		return 0, domain.NewValidationError("INSUFFICIENT_ALLOWANCE", token.ErrInsufficientAllowance)
	}

	// Escrow pull. Fatal on failure: nothing to roll back yet.
	err = e.callToken(func() error {
		return sellTok.TransferFrom(e.cfg.EngineAddress, req.Maker, e.cfg.EngineAddress, req.SellQuantity)
	})
	if err != nil {
		return 0, fmt.Errorf("escrow transfer: %w", err)
	}

	// Fee pull. On failure the escrow pull is undone in full: the
	// engine holds the funds, so a plain transfer returns them, and the
	// consumed sell allowance is re-credited so the maker can resubmit.
	if req.FeeOffered.IsPositive() {
		err = e.callToken(func() error {
			return feeTok.TransferFrom(e.cfg.EngineAddress, req.Maker, e.cfg.EngineAddress, req.FeeOffered)
		})
		if err != nil {
			if rbErr := e.callToken(func() error {
				return sellTok.Transfer(e.cfg.EngineAddress, req.Maker, req.SellQuantity)
			}); rbErr != nil {
				e.log.Error("escrow rollback failed", "asset", req.SellAsset, "maker", req.Maker, "error", rbErr)
			} else {
				e.restoreAllowance(sellTok, req.Maker, req.SellQuantity)
			}
			return 0, fmt.Errorf("fee transfer: %w", err)
		}
	}

	e.pooledFees = e.pooledFees.Add(req.FeeOffered)

	now := e.now()
	o := &domain.Order{
		ID:           e.allocate(),
		Maker:        req.Maker,
		Counterparty: req.Counterparty,
		SellAsset:    req.SellAsset,
		SellQuantity: req.SellQuantity,
		BuyAsset:     req.BuyAsset,
		BuyQuantity:  req.BuyQuantity,
		CreatedAt:    now,
		Status:       domain.StatusActive,
		FeePaid:      req.FeeOffered,
	}
	e.orders[o.ID] = o

	ev := domain.NewOrderEvent(domain.EventCreated, o, now)

	cost := e.meter.CreateCost(createPayloadBytes(o))
	e.fees.observe(cost)

	e.commit([]domain.Event{ev})
	e.log.Info("order created",
		"id", o.ID, "maker", o.Maker, "sell", o.SellAsset, "buy", o.BuyAsset, "fee", o.FeePaid)
	return o.ID, nil
}

func (e *Engine) validateCreate(req *CreateRequest) error {
	if req.SellAsset == "" || req.BuyAsset == "" {
		return domain.NewValidationError("ASSET_EMPTY", domain.ErrEmptyAsset)
	}
	if req.SellAsset == req.BuyAsset {
		return domain.NewValidationError("ASSET_PAIR", domain.ErrSameAsset)
	}
	if !req.SellQuantity.IsPositive() || !req.BuyQuantity.IsPositive() {
		return domain.NewValidationError("QUANTITY", domain.ErrZeroQuantity)
	}
	if !e.tokens.Allowed(req.SellAsset) || !e.tokens.Allowed(req.BuyAsset) {
		return domain.NewValidationError("ASSET_NOT_ALLOWED", domain.ErrAssetNotAllowed)
	}
	return e.fees.accept(req.FeeOffered)
}

// createPayloadBytes sizes the stored record for the gas meter.
func createPayloadBytes(o *domain.Order) int {
	return len(o.Maker) + len(o.Counterparty) + len(o.SellAsset) + len(o.BuyAsset) + 8 + 8
}

// Fill executes the swap all-or-nothing. The status flips to Filled
// before either transfer runs: a reentrant or racing fill/cancel
// observes a non-Active order and fails with no effects.
func (e *Engine) Fill(id uint64, taker string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return domain.NewValidationError("NOT_FOUND", domain.ErrOrderNotFound)
	}
	if !o.IsActive() {
		return domain.NewValidationError("NOT_ACTIVE", domain.ErrOrderNotActive)
	}
	now := e.now()
	if o.Expired(now, e.cfg.Expiry) {
		return domain.NewValidationError("EXPIRED", domain.ErrOrderExpired)
	}
	if !o.CanFill(taker) {
		return domain.NewValidationError("COUNTERPARTY", domain.ErrNotCounterparty)
	}

	buyTok, err := e.tokens.Get(o.BuyAsset)
	if err != nil {
		return fmt.Errorf("buy asset %q unregistered: %w", o.BuyAsset, err)
	}
	sellTok, err := e.tokens.Get(o.SellAsset)
	if err != nil {
		return fmt.Errorf("sell asset %q unregistered: %w", o.SellAsset, err)
	}
	if buyTok.BalanceOf(taker).LessThan(o.BuyQuantity) {
		return domain.NewValidationError("INSUFFICIENT_BALANCE", token.ErrInsufficientBalance)
	}
	if buyTok.Allowance(taker, e.cfg.EngineAddress).LessThan(o.BuyQuantity) {
		return domain.NewValidationError("INSUFFICIENT_ALLOWANCE", token.ErrInsufficientAllowance)
	}

	o.Status = domain.StatusFilled

	// (a) taker pays the maker.
	err = e.callToken(func() error {
		return buyTok.TransferFrom(e.cfg.EngineAddress, taker, o.Maker, o.BuyQuantity)
	})
	if err != nil {
		o.Status = domain.StatusActive
		return fmt.Errorf("buy transfer: %w", err)
	}

	// (b) escrow goes to the taker.
	err = e.callToken(func() error {
		return sellTok.Transfer(e.cfg.EngineAddress, taker, o.SellQuantity)
	})
	if err != nil {
		e.reverseTransferFrom(buyTok, taker, o.Maker, o.BuyQuantity, id)
		o.Status = domain.StatusActive
		return fmt.Errorf("escrow release: %w", err)
	}

	ev := domain.NewOrderEvent(domain.EventFilled, o, now)
	ev.Taker = taker
	e.commit([]domain.Event{ev})
	e.log.Info("order filled", "id", id, "maker", o.Maker, "taker", taker)
	return nil
}

// Cancel returns the escrow to the maker. Allowed until the grace
// window closes; past that only cleanup may touch the order.
func (e *Engine) Cancel(id uint64, caller string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return domain.NewValidationError("NOT_FOUND", domain.ErrOrderNotFound)
	}
	if !o.IsActive() {
		return domain.NewValidationError("NOT_ACTIVE", domain.ErrOrderNotActive)
	}
	if caller != o.Maker {
		return domain.NewValidationError("NOT_MAKER", domain.ErrNotMaker)
	}
	now := e.now()
	if o.PastGrace(now, e.cfg.Expiry, e.cfg.Grace) {
		return domain.NewValidationError("PAST_GRACE", domain.ErrPastGrace)
	}

	sellTok, err := e.tokens.Get(o.SellAsset)
	if err != nil {
		return fmt.Errorf("sell asset %q unregistered: %w", o.SellAsset, err)
	}

	o.Status = domain.StatusCanceled

	err = e.callToken(func() error {
		return sellTok.Transfer(e.cfg.EngineAddress, o.Maker, o.SellQuantity)
	})
	if err != nil {
		o.Status = domain.StatusActive
		return fmt.Errorf("escrow return: %w", err)
	}

	ev := domain.Event{
		Kind:      domain.EventCanceled,
		Timestamp: now,
		OrderID:   id,
		Maker:     o.Maker,
	}
	e.commit([]domain.Event{ev})
	e.log.Info("order canceled", "id", id, "maker", o.Maker)
	return nil
}

// reverseTransferFrom undoes a completed owner->recipient TransferFrom
// during fill rollback: the funds come back from the recipient and the
// owner's consumed allowance is re-credited, leaving no partial token
// movement behind. Needs the token's cooperation; without Reversible
// the inconsistency is logged and left to operations.
func (e *Engine) reverseTransferFrom(t token.Token, owner, recipient string, amount decimal.Decimal, id uint64) {
	rev, ok := t.(token.Reversible)
	if !ok {
		e.log.Error("cannot reverse transfer, token not reversible",
			"asset", t.Symbol(), "order", id, "amount", amount)
		return
	}
	if err := e.callToken(func() error { return rev.Clawback(recipient, owner, amount) }); err != nil {
		e.log.Error("transfer reversal failed", "asset", t.Symbol(), "order", id, "error", err)
		return
	}
	e.restoreAllowance(t, owner, amount)
}

// restoreAllowance re-credits the allowance a reversed TransferFrom
// consumed.
func (e *Engine) restoreAllowance(t token.Token, owner string, amount decimal.Decimal) {
	rev, ok := t.(token.Reversible)
	if !ok {
		e.log.Error("cannot restore allowance, token not reversible",
			"asset", t.Symbol(), "owner", owner, "amount", amount)
		return
	}
	if err := e.callToken(func() error {
		return rev.RestoreAllowance(owner, e.cfg.EngineAddress, amount)
	}); err != nil {
		e.log.Error("allowance restore failed", "asset", t.Symbol(), "owner", owner, "error", err)
	}
}
