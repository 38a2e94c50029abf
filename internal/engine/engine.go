// Package engine implements the order lifecycle and fee/cleanup core:
// a serialized state machine over one shared order table, with escrow
// moved through the token collaborator boundary.
package engine

import (
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"otc_book/internal/domain"
	"otc_book/internal/token"

	"github.com/shopspring/decimal"
)

// Config carries the tunable engine parameters. Zero values are
// replaced by defaults in New.
type Config struct {
	Expiry     time.Duration // fill window
	Grace      time.Duration // maker-only cancel window after expiry
	MaxBatch   int           // cleanup ids examined per call
	MaxRetries int           // requeues per logical order

	FeeAsset      string          // designated fee token symbol
	FeeMultiplier decimal.Decimal // published fee = multiplier * smoothed cost
	BandLow       decimal.Decimal // accept >= BandLow * fee
	BandHigh      decimal.Decimal // accept <= BandHigh * fee

	EngineAddress string // escrow holder identity on the token ledgers
}

func (c *Config) applyDefaults() {
	if c.Expiry == 0 {
		c.Expiry = 24 * time.Hour
	}
	if c.Grace == 0 {
		c.Grace = 6 * time.Hour
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 50
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.FeeMultiplier.IsZero() {
		c.FeeMultiplier = decimal.NewFromInt(100)
	}
	if c.BandLow.IsZero() {
		c.BandLow = decimal.NewFromFloat(0.9)
	}
	if c.BandHigh.IsZero() {
		c.BandHigh = decimal.NewFromFloat(1.5)
	}
	if c.EngineAddress == "" {
		c.EngineAddress = "engine"
	}
}

// Snapshot is the scalar engine state alongside the order table,
// persisted on every commit and restored at startup.
type Snapshot struct {
	NextID      uint64          `json:"next_id"`
	FirstOpenID uint64          `json:"first_open_id"`
	EventSeq    uint64          `json:"event_seq"`
	PooledFees  decimal.Decimal `json:"pooled_fees"`
	FeeAvg      decimal.Decimal `json:"fee_avg"`
	CurrentFee  decimal.Decimal `json:"current_fee"`
	Created     uint64          `json:"created"`
}

// Sink receives the notification events of one committed operation,
// together with the post-commit scalar state. Sinks must not call
// back into the engine.
type Sink interface {
	Commit(events []domain.Event, snap Snapshot)
}

// Engine is the order book core. All public operations serialize on
// one mutex; external token code runs inside that critical section
// with the reentrancy guard raised.
type Engine struct {
	cfg    Config
	tokens *token.Registry
	meter  GasMeter
	now    func() time.Time
	log    *slog.Logger

	mu sync.Mutex
	// guardOwner is the goroutine id of the operation currently inside
	// untrusted transfer code. Only that goroutine is reentrant; every
	// other caller queues on mu as usual.
	guardOwner atomic.Uint64

	orders      map[uint64]*domain.Order
	nextID      uint64
	firstOpenID uint64
	pooledFees  decimal.Decimal
	fees        feeMarket
	eventSeq    uint64

	sinks []Sink
}

// New creates an engine over the given token registry. now is the
// time source; pass nil for the wall clock.
func New(cfg Config, tokens *token.Registry, meter GasMeter, now func() time.Time, log *slog.Logger, sinks ...Sink) *Engine {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if meter == nil {
		meter = NewDeterministicMeter()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		tokens:     tokens,
		meter:      meter,
		now:        now,
		log:        log,
		orders:     make(map[uint64]*domain.Order),
		pooledFees: decimal.Zero,
		fees:       newFeeMarket(cfg.FeeMultiplier, cfg.BandLow, cfg.BandHigh),
		sinks:      sinks,
	}
}

// Restore loads previously persisted state. Must run before the
// engine serves its first operation.
func (e *Engine) Restore(snap Snapshot, orders []domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID = snap.NextID
	e.firstOpenID = snap.FirstOpenID
	e.eventSeq = snap.EventSeq
	e.pooledFees = snap.PooledFees
	e.fees.restore(snap.FeeAvg, snap.Created)
	for i := range orders {
		o := orders[i]
		e.orders[o.ID] = &o
	}
}

// goroutineID parses the numeric id from the runtime stack header.
// The runtime exposes no cheaper handle, and the reentrancy guard must
// tell the operating goroutine apart from concurrent callers that may
// safely queue on the mutex.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	const header = len("goroutine ")
	if n <= header {
		return 0
	}
	s := buf[header:n]
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			id, _ := strconv.ParseUint(string(s[:i]), 10, 64)
			return id
		}
	}
	return 0
}

// enter is the non-reentrant guard on every public entry point. A
// token callback re-entering the engine runs on the operating
// goroutine, matches guardOwner and is rejected before it can reach
// the mutex it already transitively holds. Unrelated goroutines never
// match and block on the mutex instead.
func (e *Engine) enter() error {
	if gid := goroutineID(); gid != 0 && e.guardOwner.Load() == gid {
		return domain.ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

// callToken raises the guard around one untrusted token invocation.
// Internal state is always at its post-condition before this runs.
func (e *Engine) callToken(fn func() error) error {
	e.guardOwner.Store(goroutineID())
	defer e.guardOwner.Store(0)
	return fn()
}

// allocate hands out the next order id. Ids are never reused.
func (e *Engine) allocate() uint64 {
	id := e.nextID
	e.nextID++
	return id
}

// snapshotLocked captures the scalar state. Caller holds e.mu.
func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		NextID:      e.nextID,
		FirstOpenID: e.firstOpenID,
		EventSeq:    e.eventSeq,
		PooledFees:  e.pooledFees,
		FeeAvg:      e.fees.avg,
		CurrentFee:  e.fees.currentFee(),
		Created:     e.fees.created,
	}
}

// commit stamps sequence numbers on the buffered events and fans them
// out. Events reach sinks only for fully successful operations.
func (e *Engine) commit(events []domain.Event) {
	for i := range events {
		e.eventSeq++
		events[i].Seq = e.eventSeq
	}
	snap := e.snapshotLocked()
	for _, s := range e.sinks {
		s.Commit(events, snap)
	}
}

// Order returns a copy of the order record, which stays queryable
// after fill/cancel; only cleanup reclaims storage. Like every public
// entry point it fails rather than deadlocks when called back from a
// token transfer.
func (e *Engine) Order(id uint64) (domain.Order, error) {
	if err := e.enter(); err != nil {
		return domain.Order{}, err
	}
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// Range returns up to limit existing orders with id >= from, in id
// order. Deleted slots are skipped silently.
func (e *Engine) Range(from uint64, limit int) ([]domain.Order, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, limit)
	for id := from; id < e.nextID && len(out) < limit; id++ {
		if o, ok := e.orders[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// CurrentFee returns the published creation fee.
func (e *Engine) CurrentFee() (decimal.Decimal, error) {
	if err := e.enter(); err != nil {
		return decimal.Decimal{}, err
	}
	defer e.mu.Unlock()
	return e.fees.currentFee(), nil
}

// PooledFees returns the undistributed fee pool balance.
func (e *Engine) PooledFees() (decimal.Decimal, error) {
	if err := e.enter(); err != nil {
		return decimal.Decimal{}, err
	}
	defer e.mu.Unlock()
	return e.pooledFees, nil
}

// Cursors returns (firstOpenID, nextID): the low-water mark below
// which no Active orders remain, and the allocation counter.
func (e *Engine) Cursors() (uint64, uint64, error) {
	if err := e.enter(); err != nil {
		return 0, 0, err
	}
	defer e.mu.Unlock()
	return e.firstOpenID, e.nextID, nil
}
