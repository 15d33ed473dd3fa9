package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
)

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"file", func(t *testing.T) Storage {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "threads"))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		}},
		{"bolt", func(t *testing.T) Storage {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "threads.db"))
			if err != nil {
				t.Fatalf("OpenBolt: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"sqlite", func(t *testing.T) Storage {
			gdb, err := db.ConnectSQLite(":memory:")
			if err != nil {
				t.Fatalf("ConnectSQLite: %v", err)
			}
			s, err := NewSQLStore(gdb)
			if err != nil {
				t.Fatalf("NewSQLStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func sampleThread(id string) *models.Thread {
	th := models.NewThread(id, 1234567890123)
	th.Append(models.RoleUser, "hello")
	th.Append(models.RoleAssistant, "hi\nthere, with \"quotes\" and unicode: héllo ✓")
	th.Append(models.RoleUser, "")
	return th
}

func assertThreadEqual(t *testing.T, got, want *models.Thread) {
	t.Helper()
	if got == nil {
		t.Fatal("got nil thread")
	}
	if got.ID != want.ID {
		t.Errorf("ID = %q, want %q", got.ID, want.ID)
	}
	if got.ChatID != want.ChatID {
		t.Errorf("ChatID = %d, want %d", got.ChatID, want.ChatID)
	}
	if len(got.Messages) != len(want.Messages) {
		t.Fatalf("len(Messages) = %d, want %d", len(got.Messages), len(want.Messages))
	}
	for i := range want.Messages {
		g, w := got.Messages[i], want.Messages[i]
		if g.Role != w.Role || g.Content != w.Content {
			t.Errorf("Messages[%d] = (%s, %q), want (%s, %q)", i, g.Role, g.Content, w.Role, w.Content)
		}
		if !g.At.Equal(w.At) {
			t.Errorf("Messages[%d].At = %v, want %v", i, g.At, w.At)
		}
	}
}

func TestStorage_SaveLoadRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			want := sampleThread("t1")

			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertThreadEqual(t, got, want)
		})
	}
}

func TestStorage_ZeroTimestampRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			want := &models.Thread{
				ID:       "t-zero",
				ChatID:   42,
				Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
			}

			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, "t-zero")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertThreadEqual(t, got, want)
			if !got.Messages[0].At.IsZero() {
				t.Errorf("At = %v, want zero time", got.Messages[0].At)
			}
		})
	}
}

func TestStorage_LoadMissingReturnsNil(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			got, err := s.Load(context.Background(), "nope")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got != nil {
				t.Errorf("Load(missing) = %+v, want nil", got)
			}
		})
	}
}

func TestStorage_SaveOverwrites(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			th := sampleThread("t1")
			if err := s.Save(ctx, th); err != nil {
				t.Fatalf("Save: %v", err)
			}
			// Idempotent re-save.
			if err := s.Save(ctx, th); err != nil {
				t.Fatalf("Save again: %v", err)
			}

			th.Append(models.RoleAssistant, "more")
			th.ChatID = 99
			if err := s.Save(ctx, th); err != nil {
				t.Fatalf("Save updated: %v", err)
			}
			got, err := s.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertThreadEqual(t, got, th)

			// Shorter history replaces a longer one.
			short := models.NewThread("t1", 5)
			short.Append(models.RoleUser, "only")
			if err := s.Save(ctx, short); err != nil {
				t.Fatalf("Save short: %v", err)
			}
			got, err = s.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertThreadEqual(t, got, short)
		})
	}
}

func TestStorage_EmptyThreadRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			if err := s.Save(ctx, models.NewThread("empty", 0)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, "empty")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got == nil || len(got.Messages) != 0 || got.Messages == nil {
				t.Errorf("Load(empty) = %+v, want non-nil empty messages", got)
			}
		})
	}
}

func TestStorage_ListThreadsSorted(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			for _, id := range []string{"c", "a", "slack:C1:1700.1", "b/with/slash"} {
				if err := s.Save(ctx, sampleThread(id)); err != nil {
					t.Fatalf("Save %s: %v", id, err)
				}
			}
			ids, err := s.ListThreads(ctx)
			if err != nil {
				t.Fatalf("ListThreads: %v", err)
			}
			want := []string{"a", "b/with/slash", "c", "slack:C1:1700.1"}
			if fmt.Sprint(ids) != fmt.Sprint(want) {
				t.Errorf("ListThreads = %v, want %v", ids, want)
			}
		})
	}
}

func TestStorage_Delete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			if err := s.Save(ctx, sampleThread("t1")); err != nil {
				t.Fatalf("Save: %v", err)
			}

			existed, err := s.Delete(ctx, "t1")
			if err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if !existed {
				t.Error("Delete(existing) = false, want true")
			}
			existed, err = s.Delete(ctx, "t1")
			if err != nil {
				t.Fatalf("Delete again: %v", err)
			}
			if existed {
				t.Error("Delete(missing) = true, want false")
			}
			got, err := s.Load(ctx, "t1")
			if err != nil || got != nil {
				t.Errorf("Load after delete = %+v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestStorage_EmptyIDIsStorageError(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			err := s.Save(context.Background(), models.NewThread("", 0))
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StorageError", err)
			}
			if !errors.Is(err, ErrEmptyID) {
				t.Errorf("err = %v, want ErrEmptyID", err)
			}
		})
	}
}

func TestStorage_ConcurrentDifferentThreads(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("t%02d", i)
					if err := s.Save(ctx, sampleThread(id)); err != nil {
						t.Errorf("Save %s: %v", id, err)
						return
					}
					if _, err := s.Load(ctx, id); err != nil {
						t.Errorf("Load %s: %v", id, err)
					}
				}(i)
			}
			wg.Wait()
			ids, err := s.ListThreads(ctx)
			if err != nil {
				t.Fatalf("ListThreads: %v", err)
			}
			if len(ids) != 16 {
				t.Errorf("len(ids) = %d, want 16", len(ids))
			}
		})
	}
}

func TestFileStore_IgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(context.Background(), sampleThread("real")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, name := range []string{".tmp-12345", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(ids) != 1 || ids[0] != "real" {
		t.Errorf("ListThreads = %v, want [real]", ids)
	}
}

func TestFileStore_EscapesIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(context.Background(), sampleThread("../escape")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.json")); err == nil {
		t.Error("thread file escaped the store directory")
	}
}

func TestFileStore_CorruptRecordIsStorageError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = s.Load(context.Background(), "bad")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if se.Op != "load" || se.ThreadID != "bad" {
		t.Errorf("StorageError = %+v", se)
	}
}

func TestFileStore_FailedWriteKeepsPreviousRecord(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	good := sampleThread("t1")
	if err := s.Save(context.Background(), good); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0755)

	bad := sampleThread("t1")
	bad.Append(models.RoleUser, "lost")
	err = s.Save(context.Background(), bad)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Save into read-only dir = %v, want *StorageError", err)
	}

	os.Chmod(dir, 0755)
	got, err := s.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertThreadEqual(t, got, good)
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	want := sampleThread("t1")
	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertThreadEqual(t, got, want)
}

func TestOpen_SelectsDriver(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "f")}, "*storage.FileStore"},
		{config.StorageConfig{Driver: "bolt", Path: filepath.Join(dir, "b.db")}, "*storage.BoltStore"},
		{config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "s.sqlite")}, "*storage.SQLStore"},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Driver, func(t *testing.T) {
			s, err := Open(tt.cfg)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if got := fmt.Sprintf("%T", s); got != tt.want {
				t.Errorf("Open(%s) = %s, want %s", tt.cfg.Driver, got, tt.want)
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(config.StorageConfig{Driver: "redis"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStorageError_Message(t *testing.T) {
	err := &StorageError{Op: "save", ThreadID: "t1", Err: errors.New("disk full")}
	if got := err.Error(); got != `storage: save "t1": disk full` {
		t.Errorf("Error() = %q", got)
	}
	err = &StorageError{Op: "list", Err: errors.New("boom")}
	if got := err.Error(); got != "storage: list: boom" {
		t.Errorf("Error() = %q", got)
	}
}
