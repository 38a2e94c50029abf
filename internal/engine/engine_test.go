package engine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
	"otc_book/internal/token"
)

// fakeClock is the test time source; expiry and grace are data-driven
// so advancing it is all the tests need.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// stubMeter returns scripted create costs.
type stubMeter struct {
	cost uint64
}

func (m *stubMeter) CreateCost(int) uint64 { return m.cost }

// captureSink records every committed batch.
type captureSink struct {
	events []domain.Event
	snaps  []Snapshot
}

func (s *captureSink) Commit(events []domain.Event, snap Snapshot) {
	s.events = append(s.events, events...)
	s.snaps = append(s.snaps, snap)
}

func (s *captureSink) byKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

const (
	engineAddr = "engine"
	alice      = "alice"
	bob        = "bob"
	carol      = "carol"

	// bootstrapFee is offered on the first-ever create, where any
	// non-negative fee is accepted.
	bootstrapFee = 50
)

type testRig struct {
	clock *fakeClock
	meter *stubMeter
	sink  *captureSink
	reg   *token.Registry
	eng   *Engine
}

// newTestRig builds an engine over fresh TKA/TKB/FEE ledgers. Extra
// tokens passed by the caller are registered and allowlisted too.
func newTestRig(t *testing.T, cfg Config, extra ...token.Token) *testRig {
	t.Helper()
	clock := newFakeClock()
	meter := &stubMeter{cost: 1000}
	sink := &captureSink{}

	reg := token.NewRegistry()
	reg.Register(token.NewLedger("FEE"), true)
	reg.Register(token.NewLedger("TKA"), true)
	reg.Register(token.NewLedger("TKB"), true)
	for _, tok := range extra {
		reg.Register(tok, true)
	}

	if cfg.FeeAsset == "" {
		cfg.FeeAsset = "FEE"
	}
	cfg.EngineAddress = engineAddr
	eng := New(cfg, reg, meter, clock.Now, slog.Default(), sink)
	return &testRig{clock: clock, meter: meter, sink: sink, reg: reg, eng: eng}
}

// fund mints and approves the engine in one go.
func (r *testRig) fund(t *testing.T, symbol, holder string, amount int64) {
	t.Helper()
	tok, err := r.reg.Get(symbol)
	if err != nil {
		t.Fatalf("get token %s: %v", symbol, err)
	}
	minter, ok := tok.(interface {
		Mint(to string, amount decimal.Decimal)
	})
	if !ok {
		t.Fatalf("token %s is not mintable", symbol)
	}
	minter.Mint(holder, decimal.NewFromInt(amount))
	if err := tok.Approve(holder, engineAddr, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("approve %s: %v", symbol, err)
	}
}

func (r *testRig) balance(t *testing.T, symbol, holder string) decimal.Decimal {
	t.Helper()
	tok, err := r.reg.Get(symbol)
	if err != nil {
		t.Fatalf("get token %s: %v", symbol, err)
	}
	return tok.BalanceOf(holder)
}

// allowance reads what the holder still lets the engine spend.
func (r *testRig) allowance(t *testing.T, symbol, holder string) decimal.Decimal {
	t.Helper()
	tok, err := r.reg.Get(symbol)
	if err != nil {
		t.Fatalf("get token %s: %v", symbol, err)
	}
	return tok.Allowance(holder, engineAddr)
}

func (r *testRig) currentFee(t *testing.T) decimal.Decimal {
	t.Helper()
	fee, err := r.eng.CurrentFee()
	if err != nil {
		t.Fatalf("current fee: %v", err)
	}
	return fee
}

func (r *testRig) pooledFees(t *testing.T) decimal.Decimal {
	t.Helper()
	pool, err := r.eng.PooledFees()
	if err != nil {
		t.Fatalf("pooled fees: %v", err)
	}
	return pool
}

func (r *testRig) cursors(t *testing.T) (uint64, uint64) {
	t.Helper()
	first, next, err := r.eng.Cursors()
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	return first, next
}

// create submits the request with the fee pinned to the published
// creation fee, which is always inside the band. The first-ever order
// offers bootstrapFee instead, exercising the bootstrap exemption.
func (r *testRig) create(t *testing.T, req CreateRequest) uint64 {
	t.Helper()
	req.FeeOffered = r.currentFee(t)
	if req.FeeOffered.IsZero() {
		req.FeeOffered = decimal.NewFromInt(bootstrapFee)
	}
	id, err := r.eng.Create(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

// fundMaker covers sell escrow and generous fee headroom for n creates.
func (r *testRig) fundMaker(t *testing.T, maker, sellAsset string, sellAmount int64) {
	t.Helper()
	r.fund(t, sellAsset, maker, sellAmount)
	r.fund(t, "FEE", maker, 100_000_000)
}

// openOrder is the default Alice offer: sell 100 TKA for 200 TKB,
// open to any taker. The fee is filled in by create.
func openOrder() CreateRequest {
	return CreateRequest{
		Maker:        alice,
		SellAsset:    "TKA",
		SellQuantity: decimal.NewFromInt(100),
		BuyAsset:     "TKB",
		BuyQuantity:  decimal.NewFromInt(200),
	}
}

func mustEqual(t *testing.T, got, want decimal.Decimal, what string) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", what, got, want)
	}
}

func TestAccessors(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.fundMaker(t, alice, "TKA", 1000)

	id := rig.create(t, openOrder())

	t.Run("Order returns a copy", func(t *testing.T) {
		o, err := rig.eng.Order(id)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		o.Status = domain.StatusCanceled
		again, _ := rig.eng.Order(id)
		if again.Status != domain.StatusActive {
			t.Error("mutating the returned order leaked into the engine")
		}
	})

	t.Run("Order on absent id", func(t *testing.T) {
		if _, err := rig.eng.Order(999); err != domain.ErrOrderNotFound {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})

	t.Run("Range respects limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rig.create(t, openOrder())
		}
		got, err := rig.eng.Range(0, 2)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 orders, got %d", len(got))
		}
		if got[0].ID != 0 || got[1].ID != 1 {
			t.Errorf("unexpected ids %d, %d", got[0].ID, got[1].ID)
		}
	})

	t.Run("Cursors", func(t *testing.T) {
		first, next := rig.cursors(t)
		if first != 0 {
			t.Errorf("firstOpenID = %d, want 0", first)
		}
		if next != 4 {
			t.Errorf("nextID = %d, want 4", next)
		}
	})
}

func TestRestore(t *testing.T) {
	rig := newTestRig(t, Config{})
	orders := []domain.Order{
		{ID: 3, Maker: alice, SellAsset: "TKA", SellQuantity: decimal.NewFromInt(5),
			BuyAsset: "TKB", BuyQuantity: decimal.NewFromInt(7),
			CreatedAt: rig.clock.Now(), Status: domain.StatusActive,
			FeePaid: decimal.NewFromInt(2)},
	}
	snap := Snapshot{
		NextID:      4,
		FirstOpenID: 2,
		EventSeq:    9,
		PooledFees:  decimal.NewFromInt(2),
		FeeAvg:      decimal.NewFromInt(100),
		Created:     4,
	}
	rig.eng.Restore(snap, orders)

	first, next := rig.cursors(t)
	if first != 2 || next != 4 {
		t.Errorf("cursors = (%d, %d), want (2, 4)", first, next)
	}
	mustEqual(t, rig.pooledFees(t), decimal.NewFromInt(2), "pool")
	mustEqual(t, rig.currentFee(t), decimal.NewFromInt(10000), "fee") // 100 * avg
	if _, err := rig.eng.Order(3); err != nil {
		t.Errorf("restored order missing: %v", err)
	}
}
