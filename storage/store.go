package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowd/escrow"
	"escrowd/models"
)

// GormStore persists escrow transactions, audit events, and the platform
// configuration through gorm. It satisfies escrow.Store.
type GormStore struct {
	db *gorm.DB
}

// New wraps the supplied gorm handle.
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for migrations and middleware.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// CreateTransaction persists a new transaction together with its initial
// audit events in one database transaction.
func (s *GormStore) CreateTransaction(ctx context.Context, txn *models.EscrowTransaction, events ...*models.EscrowEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		for _, evt := range events {
			if evt == nil {
				continue
			}
			if err := tx.Create(evt).Error; err != nil {
				return fmt.Errorf("create event: %w", err)
			}
		}
		return nil
	})
}

// GetTransaction loads a transaction by id.
func (s *GormStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// UpdateTransaction loads the row under a FOR UPDATE lock, applies fn, and
// saves the row plus any returned audit events atomically. Concurrent
// updates to the same transaction serialize on the row lock, so fn always
// observes the latest committed state. An error from fn aborts the whole
// step.
func (s *GormStore) UpdateTransaction(ctx context.Context, id uuid.UUID, fn escrow.UpdateFunc) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return escrow.ErrNotFound
			}
			return err
		}
		events, err := fn(&txn)
		if err != nil {
			return err
		}
		txn.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&txn).Error; err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}
		for _, evt := range events {
			if evt == nil {
				continue
			}
			if err := tx.Create(evt).Error; err != nil {
				return fmt.Errorf("create event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListByStatus returns transactions in any of the supplied statuses,
// oldest first. A nil status set matches everything.
func (s *GormStore) ListByStatus(ctx context.Context, statuses []models.TransactionStatus, limit, offset int) ([]models.EscrowTransaction, error) {
	query := s.db.WithContext(ctx).Model(&models.EscrowTransaction{})
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var txns []models.EscrowTransaction
	if err := query.Order("created_at ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// ListFilter narrows ListTransactions. Zero-valued fields match everything.
type ListFilter struct {
	BuyerID  uuid.UUID
	SellerID uuid.UUID
	Status   models.TransactionStatus
	Limit    int
	Offset   int
}

// ListTransactions returns transactions for the API listing endpoint,
// newest first.
func (s *GormStore) ListTransactions(ctx context.Context, filter ListFilter) ([]models.EscrowTransaction, error) {
	query := s.db.WithContext(ctx).Model(&models.EscrowTransaction{})
	if filter.BuyerID != uuid.Nil {
		query = query.Where("buyer_id = ?", filter.BuyerID)
	}
	if filter.SellerID != uuid.Nil {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query = query.Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var txns []models.EscrowTransaction
	if err := query.Order("created_at DESC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// ListEvents returns the audit trail of one transaction in append order.
func (s *GormStore) ListEvents(ctx context.Context, txnID uuid.UUID) ([]models.EscrowEvent, error) {
	var events []models.EscrowEvent
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// PlatformConfig loads the singleton platform row.
func (s *GormStore) PlatformConfig(ctx context.Context) (*models.PlatformConfig, error) {
	var cfg models.PlatformConfig
	if err := s.db.WithContext(ctx).First(&cfg, "key = ?", models.PlatformConfigKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("platform config not seeded: %w", escrow.ErrNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

// SeedPlatformConfig inserts the singleton platform row when missing. An
// existing row is left untouched so operator changes survive restarts.
func (s *GormStore) SeedPlatformConfig(ctx context.Context, cfg models.PlatformConfig) error {
	cfg.Key = models.PlatformConfigKey
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&cfg).Error
}
