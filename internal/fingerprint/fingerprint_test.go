package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mediadedup/dedupcore/internal/config"
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

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessFileUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", []byte("hello"))

	e := NewEngine(newTestStore(t), 1, nil)
	result := e.ProcessFile(path, types.ModeFast)

	if result.Success {
		t.Fatal("expected failure for unsupported extension")
	}
}

func TestProcessFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "photo.jpg", []byte("some image bytes"))

	e := NewEngine(newTestStore(t), 1, nil)
	r1 := e.ProcessFile(path, types.ModeFast)
	r2 := e.ProcessFile(path, types.ModeFast)

	if !r1.Success || !r2.Success {
		t.Fatalf("expected success, got %+v / %+v", r1, r2)
	}
	if r1.ArtifactHash != r2.ArtifactHash {
		t.Errorf("hashes differ across runs: %s vs %s", r1.ArtifactHash, r2.ArtifactHash)
	}
	if string(r1.ArtifactData) != string(r2.ArtifactData) {
		t.Error("artifact data differs across runs")
	}
}

func TestProcessFileSizeContract(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "photo.png", []byte("another set of bytes"))

	e := NewEngine(newTestStore(t), 1, nil)

	for _, mode := range types.AllModes {
		result := e.ProcessFile(path, mode)
		if !result.Success {
			t.Fatalf("mode %s: expected success, got error %q", mode, result.ErrorMessage)
		}
		entry, ok := types.LookupAlgorithm(types.MediaImage, mode)
		if !ok {
			t.Fatalf("mode %s: no algorithm entry", mode)
		}
		if len(result.ArtifactData) != entry.DataBytes {
			t.Errorf("mode %s: data len = %d, want %d", mode, len(result.ArtifactData), entry.DataBytes)
		}
		if result.ArtifactFormat != entry.FormatTag {
			t.Errorf("mode %s: format = %s, want %s", mode, result.ArtifactFormat, entry.FormatTag)
		}
	}
}

func TestProcessFileEmptyVideoFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "clip.mp4", nil)

	e := NewEngine(newTestStore(t), 1, nil)
	result := e.ProcessFile(path, types.ModeFast)

	if result.Success {
		t.Fatal("expected failure for empty video file")
	}
}

func TestProcessFileMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghost.jpg")

	e := NewEngine(newTestStore(t), 1, nil)
	result := e.ProcessFile(path, types.ModeFast)

	if result.Success {
		t.Fatal("expected failure for missing file")
	}
}

func TestProcessFileDistinctModesDiffer(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "photo.jpg", []byte("distinguishing content"))

	e := NewEngine(newTestStore(t), 1, nil)
	fast := e.ProcessFile(path, types.ModeFast)
	balanced := e.ProcessFile(path, types.ModeBalanced)

	if fast.ArtifactHash == balanced.ArtifactHash {
		t.Error("expected different modes to produce different artifact hashes")
	}
}
