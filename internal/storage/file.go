package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zulandar/roundhouse/internal/keylock"
	"github.com/zulandar/roundhouse/internal/models"
)

const (
	fileExt    = ".json"
	tempPrefix = ".tmp-"
)

// FileStore keeps one JSON file per thread under a directory. Ids are
// path-escaped so any string is a valid key.
type FileStore struct {
	dir   string
	locks keylock.Locker
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: file: dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrap("open", "", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding thread files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, url.PathEscape(threadID)+fileExt)
}

// Save writes the record to a temp file in the same directory, syncs it and
// renames it over the previous record.
func (s *FileStore) Save(ctx context.Context, t *models.Thread) error {
	if t == nil || t.ID == "" {
		return wrap("save", "", ErrEmptyID)
	}
	unlock, err := s.locks.Lock(ctx, t.ID)
	if err != nil {
		return wrap("save", t.ID, err)
	}
	defer unlock()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return wrap("save", t.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return wrap("save", t.ID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return wrap("save", t.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return wrap("save", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return wrap("save", t.ID, err)
	}
	if err := os.Rename(tmpName, s.path(t.ID)); err != nil {
		os.Remove(tmpName)
		return wrap("save", t.ID, err)
	}
	return nil
}

// Load reads the record for threadID.
func (s *FileStore) Load(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, wrap("load", "", ErrEmptyID)
	}
	unlock, err := s.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, wrap("load", threadID, err)
	}
	defer unlock()

	data, err := os.ReadFile(s.path(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", threadID, err)
	}
	var t models.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, wrap("load", threadID, fmt.Errorf("decode: %w", err))
	}
	if t.Messages == nil {
		t.Messages = []models.Message{}
	}
	return &t, nil
}

// ListThreads returns the ids of all stored records.
func (s *FileStore) ListThreads(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, wrap("list", "", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the record for threadID.
func (s *FileStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, wrap("delete", "", ErrEmptyID)
	}
	unlock, err := s.locks.Lock(ctx, threadID)
	if err != nil {
		return false, wrap("delete", threadID, err)
	}
	defer unlock()

	err = os.Remove(s.path(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrap("delete", threadID, err)
	}
	return true, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
