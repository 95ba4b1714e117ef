package linker

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/shutdown"
	"github.com/mediadedup/dedupcore/internal/types"
)

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

func seedScannedFile(t *testing.T, q *dbqueue.Queue, path string) int64 {
	t.Helper()
	value, err := q.Read(context.Background(), func(db *sql.DB) (any, error) {
		res, err := db.Exec(`INSERT INTO scanned_files (file_path, file_name, content_hash, created_at)
			VALUES (?, ?, 'h', ?)`, path, path, time.Now().Unix())
		if err != nil {
			return nil, err
		}
		return res.LastInsertId()
	})
	if err != nil {
		t.Fatalf("seed scanned_files: %v", err)
	}
	return value.(int64)
}

func seedResult(t *testing.T, q *dbqueue.Queue, path string, mode types.Mode, hash string) {
	t.Helper()
	_, err := q.Read(context.Background(), func(db *sql.DB) (any, error) {
		_, err := db.Exec(`INSERT INTO media_processing_results
			(file_path, mode, success, artifact_hash, created_at) VALUES (?, ?, 1, ?, ?)`,
			path, string(mode), hash, time.Now().Unix())
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed result: %v", err)
	}
}

func linksOf(t *testing.T, q *dbqueue.Queue, id int64, column string) []int64 {
	t.Helper()
	value, err := q.Read(context.Background(), func(db *sql.DB) (any, error) {
		var raw string
		if err := db.QueryRow(`SELECT `+column+` FROM scanned_files WHERE id = ?`, id).Scan(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		t.Fatalf("read links: %v", err)
	}
	var ids []int64
	if err := json.Unmarshal([]byte(value.(string)), &ids); err != nil {
		t.Fatalf("unmarshal links: %v", err)
	}
	return ids
}

func TestLinkerGroupsDuplicatesSymmetrically(t *testing.T) {
	cfg := newTestStore(t)
	q := newTestQueue(t)

	idA := seedScannedFile(t, q, "/a.jpg")
	idB := seedScannedFile(t, q, "/b.jpg")
	seedResult(t, q, "/a.jpg", types.ModeFast, "samehash")
	seedResult(t, q, "/b.jpg", types.ModeFast, "samehash")

	coord := shutdown.New(nil)
	l := New(q, cfg, nil, coord, time.Hour, nil)

	if err := l.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	linksA := linksOf(t, q, idA, "links_fast")
	linksB := linksOf(t, q, idB, "links_fast")

	if len(linksA) != 1 || linksA[0] != idB {
		t.Errorf("expected a.links_fast=[%d], got %v", idB, linksA)
	}
	if len(linksB) != 1 || linksB[0] != idA {
		t.Errorf("expected b.links_fast=[%d], got %v", idA, linksB)
	}
}

func TestLinkerModeIsolation(t *testing.T) {
	cfg := newTestStore(t)
	q := newTestQueue(t)

	idA := seedScannedFile(t, q, "/a.jpg")
	idB := seedScannedFile(t, q, "/b.jpg")
	seedResult(t, q, "/a.jpg", types.ModeFast, "h1")
	seedResult(t, q, "/b.jpg", types.ModeFast, "h1")

	coord := shutdown.New(nil)
	l := New(q, cfg, nil, coord, time.Hour, nil)
	if err := l.tick(); err != nil {
		t.Fatalf("tick fast: %v", err)
	}

	// Switch to BALANCED and seed a matching BALANCED pair; full rescan must
	// recompute links_balanced without touching links_fast (P9).
	if err := cfg.Update(map[string]any{"dedup_mode": "BALANCED"}, "test", "u1"); err != nil {
		t.Fatalf("update mode: %v", err)
	}
	seedResult(t, q, "/a.jpg", types.ModeBalanced, "h2")
	seedResult(t, q, "/b.jpg", types.ModeBalanced, "h2")

	l.fullRescan.Store(true)
	if err := l.tick(); err != nil {
		t.Fatalf("tick balanced: %v", err)
	}

	linksFastA := linksOf(t, q, idA, "links_fast")
	if len(linksFastA) != 1 || linksFastA[0] != idB {
		t.Fatalf("links_fast should be unchanged after mode switch, got %v", linksFastA)
	}
	linksBalancedA := linksOf(t, q, idA, "links_balanced")
	if len(linksBalancedA) != 1 || linksBalancedA[0] != idB {
		t.Fatalf("expected links_balanced populated, got %v", linksBalancedA)
	}
}

func TestLinkerIgnoresSingletonHash(t *testing.T) {
	cfg := newTestStore(t)
	q := newTestQueue(t)

	id := seedScannedFile(t, q, "/solo.jpg")
	seedResult(t, q, "/solo.jpg", types.ModeFast, "uniquehash")

	coord := shutdown.New(nil)
	l := New(q, cfg, nil, coord, time.Hour, nil)
	if err := l.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	links := linksOf(t, q, id, "links_fast")
	if len(links) != 0 {
		t.Errorf("expected no links for a singleton hash, got %v", links)
	}
}
