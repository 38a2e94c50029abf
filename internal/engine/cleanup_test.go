package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
	"otc_book/internal/token"
)

// cleanupCfg keeps the windows short and the batch small.
func cleanupCfg() Config {
	return Config{
		Expiry:     time.Hour,
		Grace:      30 * time.Minute,
		MaxBatch:   5,
		MaxRetries: 2,
	}
}

// pastGrace advances the clock beyond expiry+grace for orders created
// at the current fake time.
func (r *testRig) pastGrace(cfg Config) {
	r.clock.Advance(cfg.Expiry + cfg.Grace + time.Minute)
}

func TestCleanup_NoopOnEmpty(t *testing.T) {
	rig := newTestRig(t, cleanupCfg())

	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Examined != 0 || report.Evicted != 0 || report.Retried != 0 {
		t.Errorf("expected zero report, got %+v", report)
	}
	first, next := rig.cursors(t)
	if first != 0 || next != 0 {
		t.Errorf("cursors = (%d, %d), want (0, 0)", first, next)
	}
	if len(rig.sink.events) != 0 {
		t.Errorf("no events expected, got %d", len(rig.sink.events))
	}
}

func TestCleanup_NothingEligible(t *testing.T) {
	cfg := cleanupCfg()
	rig := newTestRig(t, cfg)
	rig.fundMaker(t, alice, "TKA", 1000)
	rig.create(t, openOrder())

	// Not even expired yet.
	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Examined != 0 {
		t.Errorf("examined = %d, want 0 (early stop on young order)", report.Examined)
	}
	first, _ := rig.cursors(t)
	if first != 0 {
		t.Errorf("firstOpenID = %d, want 0", first)
	}
	mustEqual(t, report.Distributed, decimal.Zero, "distributed")
}

func TestCleanup_EvictsAndPays(t *testing.T) {
	cfg := cleanupCfg()
	rig := newTestRig(t, cfg)
	rig.fundMaker(t, alice, "TKA", 300)

	ids := []uint64{
		rig.create(t, openOrder()),
		rig.create(t, openOrder()),
		rig.create(t, openOrder()),
	}
	wantPayout := decimal.Zero
	for _, id := range ids {
		o, _ := rig.eng.Order(id)
		wantPayout = wantPayout.Add(o.FeePaid)
	}
	escrowed := rig.balance(t, "TKA", engineAddr)
	mustEqual(t, escrowed, decimal.NewFromInt(300), "escrow before sweep")

	rig.pastGrace(cfg)
	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if report.Evicted != 3 || report.Retried != 0 {
		t.Errorf("report = %+v, want 3 evictions", report)
	}
	mustEqual(t, report.Distributed, wantPayout, "distributed")
	mustEqual(t, rig.balance(t, "FEE", carol), wantPayout, "caller reward")
	mustEqual(t, rig.pooledFees(t), decimal.Zero, "pool drained")
	mustEqual(t, rig.balance(t, "TKA", alice), decimal.NewFromInt(300), "makers refunded")
	mustEqual(t, rig.balance(t, "TKA", engineAddr), decimal.Zero, "no stuck escrow")

	for _, id := range ids {
		if _, err := rig.eng.Order(id); !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("order %d should be deleted, got %v", id, err)
		}
	}
	first, _ := rig.cursors(t)
	if first != 3 {
		t.Errorf("firstOpenID = %d, want 3", first)
	}

	if got := len(rig.sink.byKind(domain.EventEvicted)); got != 3 {
		t.Errorf("Evicted events = %d, want 3", got)
	}
	dist := rig.sink.byKind(domain.EventFeesDistributed)
	if len(dist) != 1 || dist[0].Recipient != carol {
		t.Errorf("bad FeesDistributed events: %+v", dist)
	}

	t.Run("second sweep is a no-op", func(t *testing.T) {
		report, err := rig.eng.Cleanup(carol)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if report.Examined != 0 {
			t.Errorf("examined = %d, want 0", report.Examined)
		}
	})
}

func TestCleanup_BatchBound(t *testing.T) {
	cfg := cleanupCfg() // MaxBatch = 5
	rig := newTestRig(t, cfg)
	rig.fundMaker(t, alice, "TKA", 1000)

	for i := 0; i < cfg.MaxBatch+5; i++ {
		rig.create(t, openOrder())
	}
	rig.pastGrace(cfg)

	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Examined != cfg.MaxBatch || report.Evicted != cfg.MaxBatch {
		t.Errorf("report = %+v, want exactly %d processed", report, cfg.MaxBatch)
	}
	first, _ := rig.cursors(t)
	if first != uint64(cfg.MaxBatch) {
		t.Errorf("firstOpenID = %d, want %d", first, cfg.MaxBatch)
	}

	t.Run("next call finishes the backlog", func(t *testing.T) {
		report, err := rig.eng.Cleanup(carol)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if report.Evicted != 5 {
			t.Errorf("evicted = %d, want 5", report.Evicted)
		}
		first, next := rig.cursors(t)
		if first != next {
			t.Errorf("cursors = (%d, %d), want caught up", first, next)
		}
	})
}

func TestCleanup_EarlyStopOnYoungOrder(t *testing.T) {
	cfg := cleanupCfg()
	rig := newTestRig(t, cfg)
	rig.fundMaker(t, alice, "TKA", 1000)

	rig.create(t, openOrder())
	rig.create(t, openOrder())
	rig.pastGrace(cfg)
	youngID := rig.create(t, openOrder()) // fresh clock, not eligible

	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Evicted != 2 {
		t.Errorf("evicted = %d, want 2", report.Evicted)
	}
	first, _ := rig.cursors(t)
	if first != youngID {
		t.Errorf("firstOpenID = %d, must stop at the young order %d", first, youngID)
	}
	if _, err := rig.eng.Order(youngID); err != nil {
		t.Errorf("young order must survive: %v", err)
	}
}

func TestCleanup_SkipsTerminalRecords(t *testing.T) {
	cfg := cleanupCfg()
	rig := newTestRig(t, cfg)
	rig.fundMaker(t, alice, "TKA", 200)
	rig.fund(t, "TKB", bob, 200)

	filledID := rig.create(t, openOrder())
	evictID := rig.create(t, openOrder())
	if err := rig.eng.Fill(filledID, bob); err != nil {
		t.Fatalf("fill: %v", err)
	}

	rig.pastGrace(cfg)
	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Examined != 2 || report.Evicted != 1 {
		t.Errorf("report = %+v, want 2 examined / 1 evicted", report)
	}

	// Fill/cancel records stay queryable; only the stale Active order
	// had its storage reclaimed.
	if o, err := rig.eng.Order(filledID); err != nil || o.Status != domain.StatusFilled {
		t.Errorf("filled record lost: %v %+v", err, o)
	}
	if _, err := rig.eng.Order(evictID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("stale order should be deleted, got %v", err)
	}
	first, _ := rig.cursors(t)
	if first != 2 {
		t.Errorf("firstOpenID = %d, want 2", first)
	}
}

func TestCleanup_RetryRequeue(t *testing.T) {
	cfg := cleanupCfg()
	sell := token.NewPausableToken("PSL")
	rig := newTestRig(t, cfg, sell)
	rig.fund(t, "PSL", alice, 100)
	rig.fund(t, "FEE", alice, 1000)

	req := openOrder()
	req.SellAsset = "PSL"
	oldID := rig.create(t, req)
	poolBefore := rig.pooledFees(t)

	rig.pastGrace(cfg)
	sell.SetPaused(true)

	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Retried != 1 || report.Evicted != 0 {
		t.Errorf("report = %+v, want 1 retry", report)
	}
	mustEqual(t, rig.pooledFees(t), poolBefore, "fee pool unchanged on retry")
	mustEqual(t, rig.balance(t, "FEE", carol), decimal.Zero, "no reward on retry")

	retried := rig.sink.byKind(domain.EventRetried)
	if len(retried) != 1 {
		t.Fatalf("Retried events = %d, want 1", len(retried))
	}
	ev := retried[0]
	if ev.OrderID != oldID || ev.NewID == oldID {
		t.Errorf("bad id link: %+v", ev)
	}
	if ev.RetryCount != 1 {
		t.Errorf("newRetryCount = %d, want 1", ev.RetryCount)
	}

	if _, err := rig.eng.Order(oldID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("old id should be deleted, got %v", err)
	}
	requeued, err := rig.eng.Order(ev.NewID)
	if err != nil {
		t.Fatalf("requeued order missing: %v", err)
	}
	if requeued.Status != domain.StatusActive || requeued.RetryCount != 1 {
		t.Errorf("requeued order = %+v", requeued)
	}
	if !requeued.CreatedAt.Equal(rig.clock.Now()) {
		t.Errorf("requeue must reset the clock: %s", requeued.CreatedAt)
	}
	mustEqual(t, requeued.SellQuantity, decimal.NewFromInt(100), "economic terms preserved")

	if got := len(rig.sink.byKind(domain.EventTransferFailure)); got != 1 {
		t.Errorf("TransferFailure diagnostics = %d, want 1", got)
	}

	t.Run("requeued order is outside the same sweep", func(t *testing.T) {
		first, next := rig.cursors(t)
		if first != ev.NewID || next != ev.NewID+1 {
			t.Errorf("cursors = (%d, %d), want (%d, %d)", first, next, ev.NewID, ev.NewID+1)
		}
	})
}

func TestCleanup_RetryCeiling(t *testing.T) {
	cfg := cleanupCfg() // MaxRetries = 2
	sell := token.NewPausableToken("PSL")
	rig := newTestRig(t, cfg, sell)
	rig.fund(t, "PSL", alice, 100)
	rig.fund(t, "FEE", alice, 1000)

	req := openOrder()
	req.SellAsset = "PSL"
	id := rig.create(t, req)
	o, _ := rig.eng.Order(id)
	feePaid := o.FeePaid
	sell.SetPaused(true)

	// Each sweep requeues with a fresh waiting period; advance the
	// clock every round so the requeue becomes eligible again.
	for round := 1; round <= cfg.MaxRetries; round++ {
		rig.pastGrace(cfg)
		report, err := rig.eng.Cleanup(carol)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if report.Retried != 1 {
			t.Fatalf("round %d: report = %+v, want 1 retry", round, report)
		}
	}

	retried := rig.sink.byKind(domain.EventRetried)
	if len(retried) != cfg.MaxRetries {
		t.Fatalf("Retried events = %d, want %d", len(retried), cfg.MaxRetries)
	}
	for i, ev := range retried {
		if ev.RetryCount != i+1 {
			t.Errorf("retry %d: newRetryCount = %d, want %d", i, ev.RetryCount, i+1)
		}
	}

	// The ceiling is reached: the next encounter gives up, evicts and
	// credits the fee even though the escrow cannot be returned.
	rig.pastGrace(cfg)
	report, err := rig.eng.Cleanup(carol)
	if err != nil {
		t.Fatalf("final cleanup: %v", err)
	}
	if report.GaveUp != 1 || report.Evicted != 1 || report.Retried != 0 {
		t.Errorf("report = %+v, want 1 gave-up eviction", report)
	}
	mustEqual(t, report.Distributed, feePaid, "fee credited on give-up")

	evicted := rig.sink.byKind(domain.EventEvicted)
	if len(evicted) != 1 || !evicted[0].GaveUp {
		t.Errorf("expected one gave-up Evicted event, got %+v", evicted)
	}

	// Escrow stays parked with the engine until the asset recovers.
	mustEqual(t, rig.balance(t, "PSL", engineAddr), decimal.NewFromInt(100), "parked escrow")

	first, next := rig.cursors(t)
	if first != next {
		t.Errorf("cursors = (%d, %d), want caught up", first, next)
	}
}

func TestCleanup_PayoutFailureRollsBack(t *testing.T) {
	cfg := cleanupCfg()
	cfg.FeeAsset = "PFEE"
	feeTok := token.NewPausableToken("PFEE")
	rig := newTestRig(t, cfg, feeTok)
	rig.fund(t, "TKA", alice, 100)
	rig.fund(t, "PFEE", alice, 1000)

	id := rig.create(t, openOrder())
	eventsBefore := len(rig.sink.events)
	poolBefore := rig.pooledFees(t)

	rig.pastGrace(cfg)
	feeTok.SetPaused(true) // refund in TKA still works, payout in PFEE fails

	_, err := rig.eng.Cleanup(carol)
	if !errors.Is(err, domain.ErrPayoutFailed) {
		t.Fatalf("expected ErrPayoutFailed, got %v", err)
	}

	// Every effect of the batch is undone.
	o, lookupErr := rig.eng.Order(id)
	if lookupErr != nil || o.Status != domain.StatusActive {
		t.Errorf("order must be restored: %v %+v", lookupErr, o)
	}
	first, _ := rig.cursors(t)
	if first != 0 {
		t.Errorf("firstOpenID = %d, want 0 after rollback", first)
	}
	mustEqual(t, rig.pooledFees(t), poolBefore, "pool unchanged")
	mustEqual(t, rig.balance(t, "TKA", engineAddr), decimal.NewFromInt(100), "refund clawed back")
	mustEqual(t, rig.balance(t, "TKA", alice), decimal.Zero, "maker refund reversed")
	if len(rig.sink.events) != eventsBefore {
		t.Errorf("rolled-back batch must not emit events")
	}

	t.Run("sweep succeeds once the fee asset recovers", func(t *testing.T) {
		feeTok.SetPaused(false)
		report, err := rig.eng.Cleanup(carol)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if report.Evicted != 1 {
			t.Errorf("report = %+v, want 1 eviction", report)
		}
		mustEqual(t, rig.balance(t, "TKA", alice), decimal.NewFromInt(100), "maker refunded")
	})
}
