// Package store caches fetched message summaries in SQLite so the inbox
// list stays available between fetches and across restarts. Token
// material never lands here; credentials live in the vault.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvander/mailbridge/internal/mail"
)

// CachedMessage is one message summary tied to the account it was
// fetched for.
type CachedMessage struct {
	ID         string `gorm:"primaryKey"`
	AccountID  string `gorm:"index"`
	Subject    string
	From       string
	Snippet    string
	ReceivedAt time.Time
	FetchedAt  time.Time
}

// Store is the message cache.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the cache database and runs migrations. Use
// ":memory:" for an ephemeral cache.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening message cache %q: %w", path, err)
	}
	if err := db.AutoMigrate(&CachedMessage{}); err != nil {
		return nil, fmt.Errorf("migrating message cache: %w", err)
	}
	return &Store{db: db}, nil
}

// ReplaceForAccount swaps the cached messages for one account with a
// freshly fetched batch. The swap is transactional so readers never see
// a half-replaced cache.
func (s *Store) ReplaceForAccount(accountID string, messages []mail.Message) error {
	now := time.Now()
	rows := make([]CachedMessage, 0, len(messages))
	for _, m := range messages {
		rows = append(rows, CachedMessage{
			ID:         m.ID,
			AccountID:  accountID,
			Subject:    m.Subject,
			From:       m.From,
			Snippet:    m.Snippet,
			ReceivedAt: m.ReceivedAt,
			FetchedAt:  now,
		})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&CachedMessage{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// ListForAccount returns the cached messages for one account, newest
// first.
func (s *Store) ListForAccount(accountID string) ([]CachedMessage, error) {
	var rows []CachedMessage
	err := s.db.Where("account_id = ?", accountID).
		Order("received_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reading message cache: %w", err)
	}
	return rows, nil
}

// PurgeAccount drops everything cached for an account. Called on unlink.
func (s *Store) PurgeAccount(accountID string) error {
	return s.db.Where("account_id = ?", accountID).Delete(&CachedMessage{}).Error
}
