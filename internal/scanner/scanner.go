// Package scanner implements C4: recursive directory traversal with
// permission-error tolerance, per-file supported-type filtering, and
// insert-or-refresh of the scanned-files table (spec §4.3).
//
// # Concurrency model
//
// Directory traversal keeps the teacher's fan-out/fan-in shape
// (internal/scanner/scanner.go in the teacher): one goroutine per
// directory, semaphore-limited, feeding a single collector over a
// buffered channel. What changed is what happens to each matched file:
// instead of being collected into a slice for a later screening pass, it
// is content-hashed immediately (spec §4.3's "before enqueueing the DB
// operation, to avoid blocking the DB worker with I/O") and handed to C3
// as a write closure that performs the insert-or-refresh logic and, on
// the file's first sighting or a content change, invokes the
// onFileNeedsProcessing callback.
package scanner

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/progress"
	"github.com/mediadedup/dedupcore/internal/types"
)

// blockSize is the streaming read/hash buffer, spec §4.3's "8 KiB blocks".
const blockSize = 8 * 1024

// Scanner discovers files under its root paths, classifies them against
// the configured categories, and synchronizes discoveries into the
// scanned-files table through C3.
//
// The scanner is designed for single-use: create with New(), call Run() once.
type Scanner struct {
	paths        []string
	cfg          *config.Store
	queue        *dbqueue.Queue
	workers      int
	showProgress bool
	errCh        chan error
	onNeeds      func(path string)
	hashCache    *HashCache // nil disables the accelerator cache
	log          *logrus.Entry

	walkerWg  sync.WaitGroup
	walkerSem types.Semaphore
	resultCh  chan *types.FileInfo
	stats     *stats
	bar       *progress.Bar
}

// New creates a Scanner. onNeeds may be nil (spec §6: "callback surface",
// not mandatory for callers that only want a one-shot scan).
func New(paths []string, cfg *config.Store, queue *dbqueue.Queue, workers int, showProgress bool,
	errCh chan error, onNeeds func(string), hashCache *HashCache, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{
		paths: paths, cfg: cfg, queue: queue, workers: workers,
		showProgress: showProgress, errCh: errCh, onNeeds: onNeeds,
		hashCache: hashCache, log: log,
	}
}

type stats struct {
	scannedFiles atomic.Int64
	matchedFiles atomic.Int64
	skippedFiles atomic.Int64
	scannedBytes atomic.Int64
	startTime    time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Scanned %d (%s), matched %d, skipped %d in %.1fs",
		s.scannedFiles.Load(), humanize.IBytes(uint64(s.scannedBytes.Load())),
		s.matchedFiles.Load(), s.skippedFiles.Load(), time.Since(s.startTime).Seconds())
}

// Run walks every root path, classifying and enqueueing each matched file
// for insert-or-refresh, then blocks until every enqueued write has
// completed (so callers get P2/P3 scan-completion semantics deterministically).
func (s *Scanner) Run() {
	s.walkerSem = types.NewSemaphore(s.workers)
	s.bar = progress.New(s.showProgress, -1)
	s.stats = &stats{startTime: time.Now()}
	s.bar.Describe(s.stats)
	s.resultCh = make(chan *types.FileInfo, 1000)

	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for f := range s.resultCh {
			s.processMatch(f)
		}
	}()

	for _, p := range s.paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			s.sendError(err)
			continue
		}
		s.walkDirectory(absPath)
	}

	s.walkerWg.Wait()
	close(s.resultCh)
	collectorWg.Wait()

	s.queue.WaitForCompletion()
	s.bar.Finish(s.stats)
}

func (s *Scanner) walkDirectory(dir string) {
	s.walkerWg.Add(1)
	go func() {
		defer s.walkerWg.Done()

		s.walkerSem.Acquire()
		defer s.walkerSem.Release()

		files, subdirs, err := s.listDirectory(dir)
		if err != nil {
			s.sendError(err)
			return
		}

		for _, f := range files {
			s.stats.scannedFiles.Add(1)
			s.stats.scannedBytes.Add(f.Size)
			if s.accepts(f.Path) {
				s.resultCh <- f
				s.stats.matchedFiles.Add(1)
			} else {
				s.stats.skippedFiles.Add(1)
			}
		}
		s.bar.Describe(s.stats)

		for _, sub := range subdirs {
			s.walkDirectory(sub)
		}
	}()
}

func (s *Scanner) listDirectory(dirPath string) (files []*types.FileInfo, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}
		for _, entry := range entries {
			f, sub := s.processEntry(dirPath, entry)
			if f != nil {
				files = append(files, f)
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
	}
	return files, subdirs, nil
}

func (s *Scanner) processEntry(dirPath string, entry os.DirEntry) (file *types.FileInfo, subdir string) {
	fullPath := filepath.Join(dirPath, entry.Name())

	if entry.IsDir() {
		return nil, fullPath
	}
	if !entry.Type().IsRegular() {
		return nil, ""
	}
	info, err := entry.Info()
	if err != nil {
		return nil, ""
	}
	return newFileInfo(fullPath, info), ""
}

// accepts reports whether path's extension belongs to any enabled
// category (spec §4.3: "non-matching paths are counted as skipped, never
// inserted").
func (s *Scanner) accepts(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return false
	}
	_, ok := s.cfg.MediaTypeOf(ext)
	return ok
}

// processMatch computes the content hash off the DB worker (spec §4.3)
// and enqueues the insert-or-refresh write.
func (s *Scanner) processMatch(f *types.FileInfo) {
	hash, err := s.contentHash(f)
	if err != nil {
		s.sendError(fmt.Errorf("hash %s: %w", f.Path, err))
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(f.Path), ".")
	needsTranscode := s.cfg.NeedsTranscoding(ext)
	fileName := filepath.Base(f.Path)
	path := f.Path

	s.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		return insertOrRefresh(db, path, fileName, hash, needsTranscode, s.onNeeds)
	})
}

// contentHash streams the file in 8 KiB blocks through SHA-256 (spec
// §4.3), consulting the accelerator cache first so an unchanged file
// (same path+size+ino+mtime) is not re-read.
func (s *Scanner) contentHash(f *types.FileInfo) (string, error) {
	if s.hashCache != nil {
		if cached, ok := s.hashCache.Lookup(f); ok {
			return cached, nil
		}
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, file, buf); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	if s.hashCache != nil {
		s.hashCache.Store(f, hash)
	}
	return hash, nil
}

func (s *Scanner) sendError(err error) {
	if s.errCh != nil {
		s.errCh <- err
	}
	s.log.WithError(err).Warn("scanner error")
}

// insertOrRefresh is C4's write closure body (spec §4.3, steps 1-5) plus
// first-sighting raw-file transcode enqueueing (spec §4.3 "Raw files").
func insertOrRefresh(db *sql.DB, path, fileName, hash string, needsTranscode bool, onNeeds func(string)) dbqueue.WriteOperationResult {
	var id int64
	var existingHash sql.NullString
	err := db.QueryRow(`SELECT id, content_hash FROM scanned_files WHERE file_path = ?`, path).
		Scan(&id, &existingHash)

	switch {
	case err == sql.ErrNoRows:
		now := time.Now().Unix()
		res, insErr := db.Exec(`INSERT INTO scanned_files (file_path, file_name, content_hash, created_at)
			VALUES (?, ?, ?, ?)`, path, fileName, hash, now)
		if insErr != nil {
			return dbqueue.Failure("insert %s: %v", path, insErr)
		}
		newID, _ := res.LastInsertId()
		if needsTranscode {
			if tErr := enqueueTranscodeIfNew(db, path); tErr != nil {
				return dbqueue.Failure("enqueue transcode %s: %v", path, tErr)
			}
		}
		if onNeeds != nil {
			onNeeds(path)
		}
		_ = newID
		return dbqueue.WriteOperationResult{Success: true}

	case err != nil:
		return dbqueue.Failure("select %s: %v", path, err)

	case !existingHash.Valid:
		// Present, hash absent: needs (re)processing, row left unchanged
		// except for the callback (spec §4.3 step 3).
		if onNeeds != nil {
			onNeeds(path)
		}
		return dbqueue.WriteOperationResult{Success: true}

	case existingHash.String == hash:
		// Unchanged (spec §4.3 step 4): no-op.
		return dbqueue.WriteOperationResult{Success: true}

	default:
		// Changed (spec §4.3 step 5): clear hash, reset created_at, callback.
		now := time.Now().Unix()
		if _, err := db.Exec(`UPDATE scanned_files SET content_hash = NULL, created_at = ? WHERE id = ?`, now, id); err != nil {
			return dbqueue.Failure("update %s: %v", path, err)
		}
		if needsTranscode {
			if tErr := enqueueTranscodeIfNew(db, path); tErr != nil {
				return dbqueue.Failure("enqueue transcode %s: %v", path, tErr)
			}
		}
		if onNeeds != nil {
			onNeeds(path)
		}
		return dbqueue.WriteOperationResult{Success: true}
	}
}

func enqueueTranscodeIfNew(db *sql.DB, path string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`INSERT OR IGNORE INTO transcode_map (source_path, status, created_at, updated_at)
		VALUES (?, 0, ?, ?)`, path, now, now)
	return err
}
