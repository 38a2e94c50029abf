package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates the notification events emitted by the
// engine. Off-chain indexers rebuild the active book from these alone:
// replay Created within the EXPIRY+GRACE window, subtract every id seen
// in Filled/Canceled/Evicted/Retried(old).
type EventKind string

const (
	EventCreated         EventKind = "CREATED"
	EventFilled          EventKind = "FILLED"
	EventCanceled        EventKind = "CANCELED"
	EventEvicted         EventKind = "EVICTED_CLEANED"
	EventRetried         EventKind = "RETRIED"
	EventFeesDistributed EventKind = "FEES_DISTRIBUTED"
	EventTransferFailure EventKind = "TRANSFER_FAILURE"
)

// Event is a flat notification record. Fields not meaningful for a
// given kind are zero; string, integer and bool fields are then
// omitted from JSON.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	OrderID uint64 `json:"order_id,omitempty"`
	NewID   uint64 `json:"new_id,omitempty"` // RETRIED: requeued id
	Maker   string `json:"maker,omitempty"`
	Taker   string `json:"taker,omitempty"`

	// Decimal fields always serialize; omitempty cannot elide a struct
	// value, so zero quantities appear as "0".
	Counterparty string          `json:"counterparty,omitempty"`
	SellAsset    string          `json:"sell_asset,omitempty"`
	SellQuantity decimal.Decimal `json:"sell_quantity"`
	BuyAsset     string          `json:"buy_asset,omitempty"`
	BuyQuantity  decimal.Decimal `json:"buy_quantity"`
	FeePaid      decimal.Decimal `json:"fee_paid"`
	RetryCount   int             `json:"retry_count,omitempty"`
	GaveUp       bool            `json:"gave_up,omitempty"` // EVICTED_CLEANED after retry ceiling

	// FEES_DISTRIBUTED
	Recipient string          `json:"recipient,omitempty"`
	Amount    decimal.Decimal `json:"amount"`

	// TRANSFER_FAILURE diagnostics
	AssetRole string `json:"asset_role,omitempty"` // "sell", "buy", "fee"
	Reason    string `json:"reason,omitempty"`
}

// NewOrderEvent snapshots an order into an event of the given kind.
func NewOrderEvent(kind EventKind, o *Order, ts time.Time) Event {
	return Event{
		Kind:         kind,
		Timestamp:    ts,
		OrderID:      o.ID,
		Maker:        o.Maker,
		Counterparty: o.Counterparty,
		SellAsset:    o.SellAsset,
		SellQuantity: o.SellQuantity,
		BuyAsset:     o.BuyAsset,
		BuyQuantity:  o.BuyQuantity,
		FeePaid:      o.FeePaid,
		RetryCount:   o.RetryCount,
	}
}
