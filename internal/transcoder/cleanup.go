package transcoder

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"time"

	"github.com/mediadedup/dedupcore/internal/dbqueue"
)

// cacheEntry mirrors one row of original_source's CacheEntry struct
// (transcoding_manager.cpp): a completed transcode plus enough processing
// status to classify it for the age-based eviction phases.
type cacheEntry struct {
	sourcePath     string
	outputPath     string
	updatedAt      int64
	fullyProcessed bool
	anyProcessed   bool
}

// maybeEvict is cleanupCacheSmart(force) (spec §4.5, SPEC_FULL.md §12): a
// five-phase eviction run under the cache-size mutex, triggered when the
// cache directory exceeds decoder_cache_size_mb (spec's max_cache_size_bytes)
// or when force is true.
func (w *Worker) maybeEvict(force bool) {
	w.sizeMu.Lock()
	defer w.sizeMu.Unlock()

	maxSize := w.cfg.DecoderCacheSizeBytes()
	currentSize, err := cacheDirSize(w.cacheDir)
	if err != nil {
		w.log.WithError(err).Warn("cache size scan failed")
		return
	}
	if !force && currentSize <= maxSize {
		return
	}

	entries, err := w.loadCacheEntries()
	if err != nil {
		w.log.WithError(err).Warn("load cache entries for eviction failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	cleanup := w.cfg.CacheCleanup()
	now := time.Now().Unix()

	removed := 0
	var survivors []cacheEntry

	// Phase 1: invalid (source file gone).
	for _, e := range entries {
		if _, err := os.Stat(e.sourcePath); os.IsNotExist(err) {
			w.removeCacheEntry(e)
			removed++
			continue
		}
		survivors = append(survivors, e)
	}

	// Phase 2/3/4: age-based, by processing status.
	var stillOver []cacheEntry
	for _, e := range survivors {
		age := now - e.updatedAt
		var limit int64
		switch {
		case e.fullyProcessed:
			limit = int64(cleanup.FullyProcessedAgeDays) * 24 * 3600
		case e.anyProcessed:
			limit = int64(cleanup.PartiallyProcessedAgeDays) * 24 * 3600
		default:
			limit = int64(cleanup.UnprocessedAgeDays) * 24 * 3600
		}
		if age > limit {
			w.removeCacheEntry(e)
			removed++
			continue
		}
		stillOver = append(stillOver, e)
	}

	// Phase 5: still over budget, remove oldest-valid first.
	if size, _ := cacheDirSize(w.cacheDir); size > maxSize {
		sort.Slice(stillOver, func(i, j int) bool { return stillOver[i].updatedAt < stillOver[j].updatedAt })
		for _, e := range stillOver {
			size, err := cacheDirSize(w.cacheDir)
			if err == nil && size <= maxSize {
				break
			}
			w.removeCacheEntry(e)
			removed++
		}
	}

	w.log.WithField("removed", removed).Info("transcode cache cleanup completed")
}

func (w *Worker) loadCacheEntries() ([]cacheEntry, error) {
	value, err := w.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		return queryCacheEntries(db)
	})
	if err != nil {
		return nil, err
	}
	entries, _ := value.([]cacheEntry)
	return entries, nil
}

func queryCacheEntries(db *sql.DB) ([]cacheEntry, error) {
	rows, err := db.Query(`
		SELECT t.source_path, t.output_path, t.updated_at,
		       COALESCE(s.processing_flag_fast, 0), COALESCE(s.processing_flag_balanced, 0),
		       COALESCE(s.processing_flag_quality, 0)
		FROM transcode_map t
		LEFT JOIN scanned_files s ON s.file_path = t.source_path
		WHERE t.status = 2 AND t.output_path IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []cacheEntry
	for rows.Next() {
		var e cacheEntry
		var fast, balanced, quality int
		if err := rows.Scan(&e.sourcePath, &e.outputPath, &e.updatedAt, &fast, &balanced, &quality); err != nil {
			return nil, err
		}
		const done = 1
		e.fullyProcessed = fast == done && balanced == done && quality == done
		e.anyProcessed = fast == done || balanced == done || quality == done
		out = append(out, e)
	}
	return out, rows.Err()
}

func (w *Worker) removeCacheEntry(e cacheEntry) {
	if e.outputPath != "" {
		if err := os.Remove(e.outputPath); err != nil && !os.IsNotExist(err) {
			w.log.WithError(err).WithField("path", e.outputPath).Warn("remove cache file failed")
		}
	}
	sourcePath := e.sourcePath
	w.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		if _, err := db.Exec(`DELETE FROM transcode_map WHERE source_path = ?`, sourcePath); err != nil {
			return dbqueue.Failure("remove transcode_map row %s: %v", sourcePath, err)
		}
		return dbqueue.WriteOperationResult{Success: true}
	})
}

func cacheDirSize(dir string) (int64, error) {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
