package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the sole persistent entity of the book: one all-or-nothing
// OTC swap offer. The engine escrows SellQuantity of SellAsset for
// exactly the lifetime of Status == Active.
type Order struct {
	ID           uint64          `json:"id"`
	Maker        string          `json:"maker"`
	Counterparty string          `json:"counterparty,omitempty"` // empty = open to any taker
	SellAsset    string          `json:"sell_asset"`
	SellQuantity decimal.Decimal `json:"sell_quantity"`
	BuyAsset     string          `json:"buy_asset"`
	BuyQuantity  decimal.Decimal `json:"buy_quantity"`
	CreatedAt    time.Time       `json:"created_at"` // reset on retry-requeue
	Status       string          `json:"status"`
	FeePaid      decimal.Decimal `json:"fee_paid"` // captured at creation, the global fee floats
	RetryCount   int             `json:"retry_count"`
}

const (
	StatusActive   = "ACTIVE"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
)

// IsActive reports whether the order can still transition.
// Active is the only status with outward transitions.
func (o *Order) IsActive() bool {
	return o.Status == StatusActive
}

// IsOpen reports whether any taker may fill the order.
func (o *Order) IsOpen() bool {
	return o.Counterparty == ""
}

// CanFill reports whether the given taker is allowed to fill.
func (o *Order) CanFill(taker string) bool {
	return o.IsOpen() || o.Counterparty == taker
}

// Expired reports whether the fill window has closed.
func (o *Order) Expired(now time.Time, expiry time.Duration) bool {
	return now.After(o.CreatedAt.Add(expiry))
}

// PastGrace reports whether the maker-only cancel window has also
// closed, making the order eligible for cleanup eviction.
func (o *Order) PastGrace(now time.Time, expiry, grace time.Duration) bool {
	return now.After(o.CreatedAt.Add(expiry).Add(grace))
}

// Clone returns a copy safe to hand out past the engine boundary.
func (o *Order) Clone() Order {
	return *o
}
