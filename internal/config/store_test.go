package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediadedup/dedupcore/internal/types"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestOpenWritesDefaultsWhenMissing(t *testing.T) {
	chdirTemp(t)

	s, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.DedupMode() != types.ModeFast {
		t.Errorf("DedupMode = %v, want FAST", s.DedupMode())
	}
	if _, err := os.Stat(filepath.Join("config", "config.json")); err != nil {
		t.Errorf("expected config/config.json to be written: %v", err)
	}
}

func TestOpenLoadsExistingJSON(t *testing.T) {
	chdirTemp(t)
	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("config/config.json", []byte(`{
		"dedup_mode": "QUALITY",
		"processing_batch_size": 200,
		"scan_interval_seconds": 60,
		"processing_interval_seconds": 5,
		"max_processing_threads": 2,
		"max_scan_threads": 2,
		"database_threads": 1,
		"max_decoder_threads": 1,
		"database": {"retry": {"max_attempts": 5, "backoff_base_ms": 50, "max_backoff_ms": 2000}},
		"cache_cleanup": {"cleanup_threshold_percent": 80}
	}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.DedupMode() != types.ModeQuality {
		t.Errorf("DedupMode = %v, want QUALITY", s.DedupMode())
	}
	if s.ProcessingBatchSize() != 200 {
		t.Errorf("ProcessingBatchSize = %d, want 200", s.ProcessingBatchSize())
	}
}

func TestUpdatePublishesChangedKeys(t *testing.T) {
	chdirTemp(t)
	bus := NewBus(nil)
	s, err := Open(bus, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got Event
	done := make(chan struct{})
	bus.Subscribe(func(e Event) {
		got = e
		close(done)
	})

	if err := s.Update(map[string]any{"processing_batch_size": 200}, "test", "u1"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	if len(got.ChangedKeys) != 1 || got.ChangedKeys[0] != "processing_batch_size" {
		t.Errorf("ChangedKeys = %v, want [processing_batch_size]", got.ChangedKeys)
	}
	if s.ProcessingBatchSize() != 200 {
		t.Errorf("ProcessingBatchSize = %d, want 200", s.ProcessingBatchSize())
	}
}

func TestUpdateRejectsInvalidValue(t *testing.T) {
	chdirTemp(t)
	s, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := s.DedupMode()

	err = s.Update(map[string]any{"dedup_mode": "NOT_A_MODE"}, "test", "u1")
	if err == nil {
		t.Fatal("expected ConfigInvalid error")
	}
	if s.DedupMode() != before {
		t.Errorf("document changed despite invalid update: %v", s.DedupMode())
	}
}

func TestCleanupThresholdClamped(t *testing.T) {
	chdirTemp(t)
	s, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Update(map[string]any{
		"cache_cleanup": map[string]any{"cleanup_threshold_percent": 99},
	}, "test", "u1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := s.CacheCleanup().CleanupThresholdPercent; got != 95 {
		t.Errorf("CleanupThresholdPercent = %d, want clamped to 95", got)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	var calls int
	id := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(Event{ChangedKeys: []string{"a"}})
	bus.Unsubscribe(id)
	bus.Publish(Event{ChangedKeys: []string{"b"}})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus(nil)
	var secondCalled bool
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { secondCalled = true })
	bus.Publish(Event{ChangedKeys: []string{"a"}})
	if !secondCalled {
		t.Error("second handler did not run after first panicked")
	}
}
