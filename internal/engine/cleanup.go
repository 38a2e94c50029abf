package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
	"otc_book/internal/token"
)

// CleanupReport summarizes one sweep for the caller.
type CleanupReport struct {
	Examined    int             `json:"examined"`
	Evicted     int             `json:"evicted"`
	Retried     int             `json:"retried"`
	GaveUp      int             `json:"gave_up"`
	Distributed decimal.Decimal `json:"distributed"`
}

// cleanupTxn accumulates the batch's effects so a payout failure can
// undo all of them: saved order records, cursor/pool/counter values
// and compensating transfers, applied in reverse.
type cleanupTxn struct {
	savedOrders    map[uint64]*domain.Order // pre-image; nil = created by this batch
	savedFirstOpen uint64
	savedNextID    uint64
	reversals      []func() error
}

func (t *cleanupTxn) saveOrder(id uint64, o *domain.Order) {
	if _, seen := t.savedOrders[id]; seen {
		return
	}
	if o == nil {
		t.savedOrders[id] = nil
		return
	}
	cp := o.Clone()
	t.savedOrders[id] = &cp
}

// Cleanup sweeps the oldest still-open region of the table: evicts
// Active orders past expiry+grace, requeues the ones whose refund
// transfer fails, and pays the accumulated creation fees of evicted
// orders to the caller. Permissionless; a large backlog takes several
// calls, each independently rewarded.
func (e *Engine) Cleanup(caller string) (CleanupReport, error) {
	if err := e.enter(); err != nil {
		return CleanupReport{}, err
	}
	defer e.mu.Unlock()

	now := e.now()
	scanEnd := e.firstOpenID + uint64(e.cfg.MaxBatch)
	if scanEnd > e.nextID {
		scanEnd = e.nextID
	}

	txn := &cleanupTxn{
		savedOrders:    make(map[uint64]*domain.Order),
		savedFirstOpen: e.firstOpenID,
		savedNextID:    e.nextID,
	}
	var (
		report CleanupReport
		events []domain.Event
		toPay  = decimal.Zero
	)

	for id := e.firstOpenID; id < scanEnd; id++ {
		o, ok := e.orders[id]
		if !ok || !o.IsActive() {
			// Hole or terminal record: the slot is settled, advance past it.
			report.Examined++
			e.firstOpenID = id + 1
			continue
		}
		if !o.PastGrace(now, e.cfg.Expiry, e.cfg.Grace) {
			// Ids are allocated in creation order, so every later order
			// is younger still. Stop without advancing past this one.
			break
		}
		report.Examined++

		evs, credited := e.sweepOrder(o, now, txn, &report)
		events = append(events, evs...)
		toPay = toPay.Add(credited)
		e.firstOpenID = id + 1
	}

	if toPay.IsPositive() {
		// Cap at the pool so it can never go negative; never pay more
		// than what this call credited.
		if toPay.GreaterThan(e.pooledFees) {
			toPay = e.pooledFees
		}
		feesTok, err := e.tokens.Get(e.cfg.FeeAsset)
		if err == nil {
			err = e.callToken(func() error {
				return feesTok.Transfer(e.cfg.EngineAddress, caller, toPay)
			})
		}
		if err != nil {
			// Fatal: losing fees silently is worse than redoing the
			// sweep. Undo every effect of this batch.
			e.rollbackCleanup(txn)
			return CleanupReport{}, fmt.Errorf("%w: %v", domain.ErrPayoutFailed, err)
		}
		e.pooledFees = e.pooledFees.Sub(toPay)
		report.Distributed = toPay
		events = append(events, domain.Event{
			Kind:      domain.EventFeesDistributed,
			Timestamp: now,
			Recipient: caller,
			Amount:    toPay,
		})
	}

	if len(events) > 0 {
		e.commit(events)
	}
	e.log.Info("cleanup batch done", "caller", caller,
		"examined", report.Examined, "evicted", report.Evicted,
		"retried", report.Retried, "distributed", report.Distributed)
	return report, nil
}

// sweepOrder handles one eligible Active order: refund-and-evict, or
// requeue on transfer failure. Returns the events to emit and the fee
// credited toward the caller's payout. A failed refund never fails
// the batch; only that order's handling branches.
func (e *Engine) sweepOrder(o *domain.Order, now time.Time, txn *cleanupTxn, report *CleanupReport) ([]domain.Event, decimal.Decimal) {
	var events []domain.Event

	sellTok, tokErr := e.tokens.Get(o.SellAsset)
	var refundErr error
	if tokErr != nil {
		refundErr = tokErr
	} else {
		refundErr = e.callToken(func() error {
			return sellTok.Transfer(e.cfg.EngineAddress, o.Maker, o.SellQuantity)
		})
	}

	if refundErr == nil {
		txn.saveOrder(o.ID, o)
		txn.reversals = append(txn.reversals, e.clawbackFn(sellTok, o.Maker, o.SellQuantity))
		delete(e.orders, o.ID)
		report.Evicted++

		ev := domain.Event{
			Kind:      domain.EventEvicted,
			Timestamp: now,
			OrderID:   o.ID,
			Maker:     o.Maker,
		}
		return append(events, ev), o.FeePaid
	}

	// Diagnostic only; the retry policy absorbs the failure.
	events = append(events, domain.Event{
		Kind:      domain.EventTransferFailure,
		Timestamp: now,
		OrderID:   o.ID,
		AssetRole: "sell",
		Reason:    refundErr.Error(),
	})
	e.log.Warn("cleanup refund failed", "id", o.ID, "asset", o.SellAsset, "error", refundErr)

	if o.RetryCount >= e.cfg.MaxRetries {
		// Retry ceiling reached: give up, evict anyway, credit the fee.
		// The escrow stays with the engine until the asset recovers.
		txn.saveOrder(o.ID, o)
		delete(e.orders, o.ID)
		report.GaveUp++
		report.Evicted++

		ev := domain.Event{
			Kind:      domain.EventEvicted,
			Timestamp: now,
			OrderID:   o.ID,
			Maker:     o.Maker,
			GaveUp:    true,
		}
		return append(events, ev), o.FeePaid
	}

	// Requeue under a fresh id with a fresh clock. The new id is past
	// this sweep's scan end, so it cannot be re-evicted in-batch. No
	// fee credit: the logical order is still alive, just relocated.
	txn.saveOrder(o.ID, o)
	requeued := o.Clone()
	requeued.ID = e.allocate()
	requeued.CreatedAt = now
	requeued.Status = domain.StatusActive
	requeued.RetryCount = o.RetryCount + 1
	txn.saveOrder(requeued.ID, nil)
	e.orders[requeued.ID] = &requeued
	delete(e.orders, o.ID)
	report.Retried++

	ev := domain.NewOrderEvent(domain.EventRetried, &requeued, now)
	ev.OrderID = o.ID
	ev.NewID = requeued.ID
	return append(events, ev), decimal.Zero
}

// clawbackFn builds the compensating transfer for a successful maker
// refund, to run only if the batch is rolled back.
func (e *Engine) clawbackFn(t token.Token, maker string, amount decimal.Decimal) func() error {
	rev, ok := t.(token.Reversible)
	if !ok {
		sym := t.Symbol()
		return func() error {
			return fmt.Errorf("token %s: clawback unsupported", sym)
		}
	}
	return func() error {
		return e.callToken(func() error { return rev.Clawback(maker, e.cfg.EngineAddress, amount) })
	}
}

// rollbackCleanup restores the pre-batch state: order records, id
// cursors and already-executed refunds, newest first.
func (e *Engine) rollbackCleanup(txn *cleanupTxn) {
	for i := len(txn.reversals) - 1; i >= 0; i-- {
		if err := txn.reversals[i](); err != nil {
			e.log.Error("cleanup rollback reversal failed", "error", err)
		}
	}
	for id, saved := range txn.savedOrders {
		if saved == nil {
			delete(e.orders, id)
			continue
		}
		cp := saved.Clone()
		e.orders[id] = &cp
	}
	e.firstOpenID = txn.savedFirstOpen
	e.nextID = txn.savedNextID
}
