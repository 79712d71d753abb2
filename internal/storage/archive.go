package storage

import (
	"context"
	"fmt"
	"time"

	"chatpair/backend/internal/models"

	"gorm.io/gorm"
)

// Archive keeps the durable history in PostgreSQL: session metadata (never
// message content) and the exchange ledger.
type Archive struct {
	DB *gorm.DB
}

// NewArchive wraps an open GORM database.
func NewArchive(db *gorm.DB) *Archive {
	return &Archive{DB: db}
}

// Migrate creates or updates the archive tables.
func (a *Archive) Migrate() error {
	return a.DB.AutoMigrate(&models.SessionRecord{}, &models.Transaction{})
}

// SaveSession stores the opening row of a session.
func (a *Archive) SaveSession(ctx context.Context, s *models.ChatSession) error {
	rec := models.SessionRecord{
		SessionID:    s.ID,
		Participants: []string{s.UserA, s.UserB},
		UserA:        s.UserA,
		UserB:        s.UserB,
		StartedAt:    s.StartedAt,
	}
	if err := a.DB.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// CloseSession stamps the end time and reason on an archived session.
func (a *Archive) CloseSession(ctx context.Context, sessionID string, reason models.EndReason, endedAt time.Time) error {
	err := a.DB.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"ended_at":   endedAt,
			"end_reason": string(reason),
		}).Error
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// SessionsForUser lists the latest sessions a user took part in.
func (a *Archive) SessionsForUser(ctx context.Context, userID string, limit int) ([]models.SessionRecord, error) {
	var records []models.SessionRecord
	err := a.DB.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", userID, userID).
		Order("started_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// SaveTransaction appends a completed exchange to the ledger.
func (a *Archive) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.Status == "" {
		tx.Status = "completed"
	}
	if err := a.DB.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

// TransactionsForUser returns the user's ledger, newest first.
func (a *Archive) TransactionsForUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := a.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}
