package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zulandar/roundhouse/internal/models"
)

var bucketThreads = []byte("threads")

// BoltStore keeps threads as JSON values in a single bolt bucket. Bolt
// transactions make each Save atomic.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: bolt: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, wrap("open", "", err)
	}
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, wrap("open", "", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketThreads)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, wrap("open", "", fmt.Errorf("create bucket: %w", err))
	}
	return &BoltStore{db: bdb}, nil
}

func (s *BoltStore) Save(_ context.Context, t *models.Thread) error {
	if t == nil || t.ID == "" {
		return wrap("save", "", ErrEmptyID)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return wrap("save", t.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreads).Put([]byte(t.ID), data)
	})
	return wrap("save", t.ID, err)
}

func (s *BoltStore) Load(_ context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, wrap("load", "", ErrEmptyID)
	}
	var t *models.Thread
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketThreads).Get([]byte(threadID))
		if data == nil {
			return nil
		}
		t = &models.Thread{}
		if err := json.Unmarshal(data, t); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("load", threadID, err)
	}
	if t != nil && t.Messages == nil {
		t.Messages = []models.Message{}
	}
	return t, nil
}

// ListThreads returns keys in bolt's byte order, which is ascending.
func (s *BoltStore) ListThreads(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreads).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list", "", err)
	}
	return ids, nil
}

func (s *BoltStore) Delete(_ context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, wrap("delete", "", ErrEmptyID)
	}
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThreads)
		if b.Get([]byte(threadID)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(threadID))
	})
	if err != nil {
		return false, wrap("delete", threadID, err)
	}
	return existed, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
