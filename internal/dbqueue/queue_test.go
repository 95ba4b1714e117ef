package dbqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueWritesAreOrdered(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)
	defer q.Stop()

	var order []int
	for i := 0; i < 20; i++ {
		i := i
		q.EnqueueWrite(func(*sql.DB) WriteOperationResult {
			order = append(order, i)
			return WriteOperationResult{Success: true}
		})
	}
	q.WaitForCompletion()

	if len(order) != 20 {
		t.Fatalf("expected 20 writes to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("write order broken at %d: got %d", i, v)
		}
	}
}

func TestQueueReadSeesPriorWrite(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)
	defer q.Stop()

	q.EnqueueWrite(func(db *sql.DB) WriteOperationResult {
		_, err := db.Exec(`INSERT INTO scanned_files (file_path, file_name, created_at) VALUES (?, ?, 0)`, "/a", "a")
		if err != nil {
			return Failure("%v", err)
		}
		return WriteOperationResult{Success: true}
	})

	value, err := q.Read(context.Background(), func(db *sql.DB) (any, error) {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM scanned_files`).Scan(&count); err != nil {
			return nil, err
		}
		return count, nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if value.(int) != 1 {
		t.Errorf("count = %v, want 1", value)
	}
}

func TestQueueWriteResultRecorded(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)
	defer q.Stop()

	id := q.EnqueueWrite(func(*sql.DB) WriteOperationResult {
		return Failure("boom")
	})
	q.WaitForCompletion()

	result, ok := q.GetOperationResult(id)
	if !ok {
		t.Fatal("expected result to be recorded")
	}
	if result.Success || result.Message != "boom" {
		t.Errorf("result = %+v, want failure 'boom'", result)
	}
}

func TestQueueStopDrainsBeforeExit(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)

	done := make(chan struct{})
	q.EnqueueWrite(func(*sql.DB) WriteOperationResult {
		time.Sleep(20 * time.Millisecond)
		close(done)
		return WriteOperationResult{Success: true}
	})
	q.Stop()

	select {
	case <-done:
	default:
		t.Error("Stop returned before queued write executed")
	}
}

func TestRecoverInProgressTranscodes(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO transcode_map (source_path, status, worker_id, created_at, updated_at)
		VALUES (?, 1, 'w1', 0, 0)`, "/raw/a.cr2")
	if err != nil {
		t.Fatal(err)
	}

	n, err := RecoverInProgressTranscodes(db)
	if err != nil {
		t.Fatalf("RecoverInProgressTranscodes: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d rows, want 1", n)
	}

	var status int
	var workerID sql.NullString
	if err := db.QueryRow(`SELECT status, worker_id FROM transcode_map WHERE source_path = ?`, "/raw/a.cr2").
		Scan(&status, &workerID); err != nil {
		t.Fatal(err)
	}
	if status != 0 || workerID.Valid {
		t.Errorf("status=%d workerID.Valid=%v, want 0/false", status, workerID.Valid)
	}
}
