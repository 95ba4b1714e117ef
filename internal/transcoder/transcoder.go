// Package transcoder implements C6: the raw-camera-file transcode worker.
// It materializes a decodable JPEG copy of each raw file into a local
// cache directory so C5 never has to speak a raw-camera format, a single
// sequential worker loop (spec §4.5) grounded on
// original_source/src/transcoding_manager.cpp's job-queue and cache
// bookkeeping, adapted onto C3's single-writer queue instead of the
// original's own mutex/condition-variable/std::queue pair.
package transcoder

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
)

// Worker is C6: one sequential transcode loop plus the cache-eviction
// machinery spec §4.5 describes. The system processes one raw file at a
// time by design (spec §4.5: "bound peak memory").
type Worker struct {
	queue    *dbqueue.Queue
	cfg      *config.Store
	cacheDir string
	workerID string
	log      *logrus.Entry
	sizeMu   sync.Mutex // guards cache-size accounting and eviction (spec §5)
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a C6 worker. cacheDir is created if missing (spec §6).
func New(queue *dbqueue.Queue, cfg *config.Store, cacheDir string, log *logrus.Entry) (*Worker, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		cacheDir: cacheDir,
		workerID: uuid.NewString(),
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the worker loop in its own goroutine (spec §5: "C6: one
// worker thread"). A forced eviction runs first so a cold boot with an
// already over-budget cache is brought back under budget even if no new
// transcode job arrives for a while (SPEC_FULL.md §12's startup call path).
func (w *Worker) Start() {
	w.maybeEvict(true)
	go w.run()
}

// Stop signals the loop to exit after its current iteration and blocks
// until it has (idempotent).
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.claimNext()
		if err != nil {
			w.log.WithError(err).Error("claim transcode job failed")
			w.sleepCancellable(time.Second)
			continue
		}
		if job == "" {
			w.sleepCancellable(time.Second)
			continue
		}
		w.processJob(job)
	}
}

func (w *Worker) sleepCancellable(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	}
}

// claimNext is getNextJob() (spec §4.5): pick the oldest QUEUED row, flip
// it to IN_PROGRESS tagged with this worker's ID, return its source_path.
func (w *Worker) claimNext() (string, error) {
	value, err := w.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		return claimOldestQueued(db, w.workerID)
	})
	if err != nil {
		return "", err
	}
	path, _ := value.(string)
	return path, nil
}

func claimOldestQueued(db *sql.DB, workerID string) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var path string
	err = tx.QueryRow(`SELECT source_path FROM transcode_map WHERE status = 0
		ORDER BY created_at ASC LIMIT 1`).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	if _, err := tx.Exec(`UPDATE transcode_map SET status = 1, worker_id = ?, updated_at = ?
		WHERE source_path = ?`, workerID, now, path); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Worker) processJob(sourcePath string) {
	w.maybeEvict(false)

	outputPath, err := w.transcode(sourcePath)
	now := time.Now().Unix()

	if err != nil {
		w.log.WithError(err).WithField("path", sourcePath).Warn("transcode failed")
		w.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
			if _, e := db.Exec(`UPDATE transcode_map SET status = 3, updated_at = ? WHERE source_path = ?`,
				now, sourcePath); e != nil {
				return dbqueue.Failure("mark failed %s: %v", sourcePath, e)
			}
			return dbqueue.WriteOperationResult{Success: true}
		})
		return
	}

	w.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		if _, e := db.Exec(`UPDATE transcode_map SET status = 2, output_path = ?, updated_at = ?
			WHERE source_path = ?`, outputPath, now, sourcePath); e != nil {
			return dbqueue.Failure("mark completed %s: %v", sourcePath, e)
		}
		return dbqueue.WriteOperationResult{Success: true}
	})
}

// transcode is the "open -> unpack -> process -> make-memory-image ->
// convert RGB->BGR -> write JPEG at quality 92" pipeline (spec §4.5). The
// native raw-decode library itself is out of scope (spec §1); decodeRaw
// stands in for it with a deterministic placeholder image derived from
// the source file's bytes, so the cache-filename/JPEG-write/DB-bookkeeping
// machinery around it is fully exercised.
func (w *Worker) transcode(sourcePath string) (string, error) {
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", sourcePath, err)
	}

	img := decodeRaw(raw)

	cacheName := cacheFilename(sourcePath)
	outputPath := filepath.Join(w.cacheDir, cacheName)

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("create cache file %s: %w", outputPath, err)
	}
	defer func() { _ = out.Close() }()

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 92}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return outputPath, nil
}

// decodeRaw produces a small deterministic placeholder image from raw
// bytes (stand-in for the native raw-decode + RGB->BGR conversion step).
func decodeRaw(raw []byte) image.Image {
	const side = 8
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	sum := sha256.Sum256(raw)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			i := (y*side + x) % len(sum)
			img.Set(x, y, color.RGBA{R: sum[i], G: sum[(i+1)%len(sum)], B: sum[(i+2)%len(sum)], A: 255})
		}
	}
	return img
}

// cacheFilename is spec §4.5's naming scheme:
// hash16(source_path) + "_" + lowercase(extension) + ".jpg".
func cacheFilename(sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	hash16 := hex.EncodeToString(sum[:])[:16]
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(sourcePath), "."))
	return hash16 + "_" + ext + ".jpg"
}
