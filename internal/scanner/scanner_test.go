//go:build unix

package scanner

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/types"
)

func createFile(t *testing.T, path string, size int64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i) // non-constant content so distinct files hash differently
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	store, err := config.Open(nil, nil)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	return store
}

func newTestQueue(t *testing.T) *dbqueue.Queue {
	t.Helper()
	db, err := dbqueue.Open(":memory:")
	if err != nil {
		t.Fatalf("dbqueue.Open: %v", err)
	}
	q := dbqueue.New(db, nil)
	t.Cleanup(func() { q.Stop() })
	return q
}

func countRows(t *testing.T, q *dbqueue.Queue, query string) int {
	t.Helper()
	var n int
	_, err := q.Read(context.Background(), func(db *sql.DB) (any, error) {
		return nil, db.QueryRow(query).Scan(&n)
	})
	if err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func TestScannerInsertsMatchedFiles(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "photo.jpg"), 100)
	createFile(t, filepath.Join(root, "notes.txt"), 50)

	cfg := newTestStore(t)
	q := newTestQueue(t)

	s := New([]string{root}, cfg, q, 2, false, nil, nil, nil, nil)
	s.Run()

	if n := countRows(t, q, "SELECT COUNT(*) FROM scanned_files"); n != 1 {
		t.Errorf("expected 1 scanned row (only photo.jpg matches a category), got %d", n)
	}
}

func TestScannerSkipsUnrecognizedExtensions(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "README"), 10)
	createFile(t, filepath.Join(root, "archive.zip"), 10)

	cfg := newTestStore(t)
	q := newTestQueue(t)

	s := New([]string{root}, cfg, q, 2, false, nil, nil, nil, nil)
	s.Run()

	if n := countRows(t, q, "SELECT COUNT(*) FROM scanned_files"); n != 0 {
		t.Errorf("expected 0 scanned rows, got %d", n)
	}
}

func TestScannerInvokesCallbackOnFirstSighting(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "photo.png"), 64)

	cfg := newTestStore(t)
	q := newTestQueue(t)

	var mu sync.Mutex
	var seen []string
	onNeeds := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, path)
	}

	s := New([]string{root}, cfg, q, 2, false, nil, onNeeds, nil, nil)
	s.Run()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected callback once, got %d calls", len(seen))
	}
}

func TestScannerRescanIsNoOpWhenUnchanged(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "photo.jpg")
	createFile(t, path, 128)

	cfg := newTestStore(t)
	q := newTestQueue(t)

	var callCount int
	var mu sync.Mutex
	onNeeds := func(string) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}

	s1 := New([]string{root}, cfg, q, 2, false, nil, onNeeds, nil, nil)
	s1.Run()

	// A bare rescan (content_hash already set by the first scan, file
	// unchanged) must not fire the callback a second time.
	s2 := New([]string{root}, cfg, q, 2, false, nil, onNeeds, nil, nil)
	s2.Run()

	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Errorf("expected exactly 1 callback across both scans (unchanged on rescan), got %d", callCount)
	}
}

func TestScannerEnqueuesTranscodeForRawFiles(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "shot.cr2"), 256)

	cfg := newTestStore(t)
	q := newTestQueue(t)

	s := New([]string{root}, cfg, q, 2, false, nil, nil, nil, nil)
	s.Run()

	if n := countRows(t, q, "SELECT COUNT(*) FROM transcode_map"); n != 1 {
		t.Errorf("expected 1 transcode_map row for the raw file, got %d", n)
	}
}

func TestScannerPermissionErrorHandling(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("skipping permission test when running as root")
	}

	root := t.TempDir()
	createFile(t, filepath.Join(root, "accessible.jpg"), 100)

	unreadable := filepath.Join(root, "unreadable")
	if err := os.Mkdir(unreadable, 0o000); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chmod(unreadable, 0o755) }()

	cfg := newTestStore(t)
	q := newTestQueue(t)
	errCh := make(chan error, 10)

	s := New([]string{root}, cfg, q, 2, false, errCh, nil, nil, nil)
	s.Run()
	close(errCh)

	if n := countRows(t, q, "SELECT COUNT(*) FROM scanned_files"); n != 1 {
		t.Errorf("expected 1 accessible file scanned, got %d", n)
	}

	var errCount int
	for range errCh {
		errCount++
	}
	if errCount == 0 {
		t.Error("expected permission error to be reported")
	}
}

func TestScannerNonRegularFilesSkipped(t *testing.T) {
	root := t.TempDir()
	regular := filepath.Join(root, "regular.jpg")
	createFile(t, regular, 100)

	symlink := filepath.Join(root, "symlink.jpg")
	if err := os.Symlink(regular, symlink); err != nil {
		t.Fatal(err)
	}

	cfg := newTestStore(t)
	q := newTestQueue(t)

	s := New([]string{root}, cfg, q, 2, false, nil, nil, nil, nil)
	s.Run()

	if n := countRows(t, q, "SELECT COUNT(*) FROM scanned_files"); n != 1 {
		t.Errorf("expected only the regular file to be scanned, got %d", n)
	}
}

func TestHashCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "hashes.db")

	c1, err := OpenHashCache(cachePath)
	if err != nil {
		t.Fatalf("OpenHashCache: %v", err)
	}
	fi := &types.FileInfo{Path: "/x/y.jpg", Size: 42, ModTime: time.Now()}
	c1.Store(fi, "abcd1234")
	if err := c1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := OpenHashCache(cachePath)
	if err != nil {
		t.Fatalf("reopen OpenHashCache: %v", err)
	}
	defer func() { _ = c2.Close() }()

	got, ok := c2.Lookup(fi)
	if !ok || got != "abcd1234" {
		t.Errorf("Lookup = (%q, %v), want (abcd1234, true)", got, ok)
	}
}
