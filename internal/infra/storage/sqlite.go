// Package storage persists the notification journal and mirrors the
// order table so the engine can be rebuilt after a restart without
// replaying external event consumers.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"otc_book/internal/domain"
	"otc_book/internal/engine"
)

// OrderRecord mirrors one live order row.
type OrderRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement:false"`
	Maker        string `gorm:"index"`
	Counterparty string
	SellAsset    string
	SellQuantity decimal.Decimal `gorm:"type:text"`
	BuyAsset     string
	BuyQuantity  decimal.Decimal `gorm:"type:text"`
	CreatedAt    time.Time
	Status       string `gorm:"index"`
	FeePaid      decimal.Decimal `gorm:"type:text"`
	RetryCount   int
}

// EventRecord is one appended notification event.
type EventRecord struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Kind      string `gorm:"index"`
	OrderID   uint64 `gorm:"index"`
	Timestamp time.Time
	Payload   string // full event JSON
}

// StateRecord is the single-row scalar engine state.
type StateRecord struct {
	ID          uint   `gorm:"primaryKey"` // always 1
	NextID      uint64
	FirstOpenID uint64
	EventSeq    uint64
	PooledFees  decimal.Decimal `gorm:"type:text"`
	FeeAvg      decimal.Decimal `gorm:"type:text"`
	CurrentFee  decimal.Decimal `gorm:"type:text"`
	Created     uint64
	UpdatedAt   time.Time
}

// Storage is the SQLite-backed journal. It implements engine.Sink.
type Storage struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewStorage opens (or creates) the database at path.
func NewStorage(path string, log *slog.Logger) (*Storage, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Pure Go SQLite
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&OrderRecord{}, &EventRecord{}, &StateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db, log: log}, nil
}

// Commit appends the events, applies them to the order mirror and
// upserts the scalar state, all in one DB transaction. Failures are
// logged, not propagated: the in-memory engine is the source of truth
// and the journal catches up on the next commit of the same state.
func (s *Storage) Commit(events []domain.Event, snap engine.Snapshot) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i := range events {
			if err := s.applyEvent(tx, &events[i]); err != nil {
				return err
			}
		}
		state := StateRecord{
			ID:          1,
			NextID:      snap.NextID,
			FirstOpenID: snap.FirstOpenID,
			EventSeq:    snap.EventSeq,
			PooledFees:  snap.PooledFees,
			FeeAvg:      snap.FeeAvg,
			CurrentFee:  snap.CurrentFee,
			Created:     snap.Created,
			UpdatedAt:   time.Now(),
		}
		return tx.Save(&state).Error
	})
	if err != nil {
		s.log.Error("journal commit failed", "error", err)
	}
}

func (s *Storage) applyEvent(tx *gorm.DB, ev *domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := EventRecord{
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		OrderID:   ev.OrderID,
		Timestamp: ev.Timestamp,
		Payload:   string(payload),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return err
	}

	switch ev.Kind {
	case domain.EventCreated:
		return tx.Create(orderFromEvent(ev, ev.OrderID, ev.Timestamp)).Error
	case domain.EventFilled:
		return tx.Model(&OrderRecord{}).Where("id = ?", ev.OrderID).
			Update("status", domain.StatusFilled).Error
	case domain.EventCanceled:
		return tx.Model(&OrderRecord{}).Where("id = ?", ev.OrderID).
			Update("status", domain.StatusCanceled).Error
	case domain.EventEvicted:
		return tx.Delete(&OrderRecord{}, ev.OrderID).Error
	case domain.EventRetried:
		if err := tx.Delete(&OrderRecord{}, ev.OrderID).Error; err != nil {
			return err
		}
		return tx.Create(orderFromEvent(ev, ev.NewID, ev.Timestamp)).Error
	}
	// FeesDistributed / TransferFailure are journal-only.
	return nil
}

func orderFromEvent(ev *domain.Event, id uint64, createdAt time.Time) *OrderRecord {
	return &OrderRecord{
		ID:           id,
		Maker:        ev.Maker,
		Counterparty: ev.Counterparty,
		SellAsset:    ev.SellAsset,
		SellQuantity: ev.SellQuantity,
		BuyAsset:     ev.BuyAsset,
		BuyQuantity:  ev.BuyQuantity,
		CreatedAt:    createdAt,
		Status:       domain.StatusActive,
		FeePaid:      ev.FeePaid,
		RetryCount:   ev.RetryCount,
	}
}

// Load returns the persisted scalar state and order table for engine
// restore. A fresh database yields a zero snapshot and no orders.
func (s *Storage) Load() (engine.Snapshot, []domain.Order, error) {
	var state StateRecord
	err := s.db.First(&state, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.Snapshot{}, nil, nil
	}
	if err != nil {
		return engine.Snapshot{}, nil, err
	}

	var recs []OrderRecord
	if err := s.db.Order("id").Find(&recs).Error; err != nil {
		return engine.Snapshot{}, nil, err
	}

	orders := make([]domain.Order, 0, len(recs))
	for _, r := range recs {
		orders = append(orders, domain.Order{
			ID:           r.ID,
			Maker:        r.Maker,
			Counterparty: r.Counterparty,
			SellAsset:    r.SellAsset,
			SellQuantity: r.SellQuantity,
			BuyAsset:     r.BuyAsset,
			BuyQuantity:  r.BuyQuantity,
			CreatedAt:    r.CreatedAt,
			Status:       r.Status,
			FeePaid:      r.FeePaid,
			RetryCount:   r.RetryCount,
		})
	}

	snap := engine.Snapshot{
		NextID:      state.NextID,
		FirstOpenID: state.FirstOpenID,
		EventSeq:    state.EventSeq,
		PooledFees:  state.PooledFees,
		FeeAvg:      state.FeeAvg,
		CurrentFee:  state.CurrentFee,
		Created:     state.Created,
	}
	return snap, orders, nil
}

// Events returns journal entries with seq > after, oldest first, up
// to limit. Indexers that missed websocket pushes page through this.
func (s *Storage) Events(after uint64, limit int) ([]domain.Event, error) {
	var recs []EventRecord
	err := s.db.Where("seq > ?", after).Order("seq").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(recs))
	for _, r := range recs {
		var ev domain.Event
		if err := json.Unmarshal([]byte(r.Payload), &ev); err != nil {
			return nil, fmt.Errorf("corrupt journal entry seq %d: %w", r.Seq, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReplayActiveBook reconstructs the active book purely from the
// journal, the way an off-chain indexer would: Created events within
// the maximum order lifetime window, minus every id that later went
// terminal (filled, canceled, evicted or retired as a retry's old id).
func (s *Storage) ReplayActiveBook(now time.Time, window time.Duration) ([]domain.Event, error) {
	cutoff := now.Add(-window)

	var recs []EventRecord
	err := s.db.Where("timestamp >= ?", cutoff).Order("seq").Find(&recs).Error
	if err != nil {
		return nil, err
	}

	created := make(map[uint64]domain.Event)
	for _, r := range recs {
		var ev domain.Event
		if err := json.Unmarshal([]byte(r.Payload), &ev); err != nil {
			return nil, fmt.Errorf("corrupt journal entry seq %d: %w", r.Seq, err)
		}
		switch ev.Kind {
		case domain.EventCreated:
			created[ev.OrderID] = ev
		case domain.EventRetried:
			delete(created, ev.OrderID)
			// The requeue is a Created in its own right.
			reborn := ev
			reborn.OrderID = ev.NewID
			reborn.NewID = 0
			created[reborn.OrderID] = reborn
		case domain.EventFilled, domain.EventCanceled, domain.EventEvicted:
			delete(created, ev.OrderID)
		}
	}

	out := make([]domain.Event, 0, len(created))
	for _, ev := range created {
		if now.Sub(ev.Timestamp) <= window {
			out = append(out, ev)
		}
	}
	return out, nil
}
