package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps threads in the threads and thread_messages tables. It
// works with any GORM dialect; sqlite and mysql are wired through db.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the schema and returns a store over gdb.
func NewSQLStore(gdb *gorm.DB) (*SQLStore, error) {
	if gdb == nil {
		return nil, fmt.Errorf("storage: sql: db is required")
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, wrap("migrate", "", err)
	}
	return &SQLStore{db: gdb}, nil
}

// Save replaces the thread row and all of its messages in one transaction.
func (s *SQLStore) Save(ctx context.Context, t *models.Thread) error {
	if t == nil || t.ID == "" {
		return wrap("save", "", ErrEmptyID)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ThreadRow{ID: t.ID, ChatID: t.ChatID}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"chat_id", "updated_at"}),
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("upsert thread: %w", result.Error)
		}
		if err := tx.Where("thread_id = ?", t.ID).Delete(&models.MessageRow{}).Error; err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if len(t.Messages) == 0 {
			return nil
		}
		rows := make([]models.MessageRow, len(t.Messages))
		for i, m := range t.Messages {
			rows[i] = models.MessageRow{
				ThreadID: t.ID,
				Seq:      i,
				Role:     string(m.Role),
				Content:  m.Content,
				At:       m.At,
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
	return wrap("save", t.ID, err)
}

func (s *SQLStore) Load(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, wrap("load", "", ErrEmptyID)
	}
	gdb := s.db.WithContext(ctx)

	var row models.ThreadRow
	err := gdb.Where("id = ?", threadID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", threadID, err)
	}

	var rows []models.MessageRow
	if err := gdb.Where("thread_id = ?", threadID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, wrap("load", threadID, fmt.Errorf("messages: %w", err))
	}

	t := &models.Thread{ID: row.ID, ChatID: row.ChatID, Messages: make([]models.Message, len(rows))}
	for i, r := range rows {
		t.Messages[i] = models.Message{
			Role:    models.Role(r.Role),
			Content: r.Content,
			At:      r.At.UTC(),
		}
	}
	return t, nil
}

func (s *SQLStore) ListThreads(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ThreadRow{}).Order("id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, wrap("list", "", err)
	}
	return ids, nil
}

func (s *SQLStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, wrap("delete", "", ErrEmptyID)
	}
	var existed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&models.MessageRow{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", threadID).Delete(&models.ThreadRow{})
		if result.Error != nil {
			return result.Error
		}
		existed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, wrap("delete", threadID, err)
	}
	return existed, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("close", "", err)
	}
	return sqlDB.Close()
}
