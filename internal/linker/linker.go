// Package linker implements C8: the background worker that groups newly
// successful fingerprint results by hash within the active mode and
// writes symmetric per-mode link sets (spec §4.7), grounded on
// original_source/src/duplicate_linker.cpp's tick loop, full-rescan flag,
// and group-by-hash-then-write-back shape.
package linker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/shutdown"
	"github.com/mediadedup/dedupcore/internal/types"
)

// DefaultInterval is spec §4.7's "interval 30s default (configurable)".
const DefaultInterval = 30 * time.Second

var linkColumn = map[types.Mode]string{
	types.ModeFast:     "links_fast",
	types.ModeBalanced: "links_balanced",
	types.ModeQuality:  "links_quality",
}

// Linker is C8.
type Linker struct {
	queue    *dbqueue.Queue
	cfg      *config.Store
	shutdown *shutdown.Coordinator
	interval time.Duration
	log      *logrus.Entry

	busSub string

	lastSeenResultID atomic.Int64
	fullRescan       atomic.Bool

	doneCh chan struct{}
}

// New builds a C8 worker. interval <= 0 uses DefaultInterval. The
// full-rescan flag starts set, per spec §4.7's "startup or mode change".
func New(queue *dbqueue.Queue, cfg *config.Store, bus *config.Bus, coord *shutdown.Coordinator,
	interval time.Duration, log *logrus.Entry) *Linker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Linker{queue: queue, cfg: cfg, shutdown: coord, interval: interval, log: log, doneCh: make(chan struct{})}
	l.fullRescan.Store(true)
	if bus != nil {
		l.busSub = bus.Subscribe(l.onConfigChange)
	}
	return l
}

// onConfigChange is spec §4.7's mode-change hook: a dedup_mode change
// sets the full-rescan flag so the new mode's links are recomputed from
// scratch, without touching any other mode's link column (P9).
func (l *Linker) onConfigChange(ev config.Event) {
	for _, key := range ev.ChangedKeys {
		if key == "dedup_mode" || key == "configuration" {
			l.fullRescan.Store(true)
			return
		}
	}
}

// Start launches the worker goroutine (spec §5: "C8: one worker thread").
func (l *Linker) Start() {
	go l.run()
}

// Stop blocks until the loop exits (cancellable via the shared shutdown
// coordinator).
func (l *Linker) Stop() {
	<-l.doneCh
}

func (l *Linker) run() {
	defer close(l.doneCh)
	for {
		if l.shutdown.IsShutdownRequested() {
			return
		}
		if err := l.tick(); err != nil {
			l.log.WithError(err).Error("duplicate linker tick failed")
		}
		l.sleepCancellable(l.interval)
	}
}

func (l *Linker) sleepCancellable(d time.Duration) {
	select {
	case <-l.shutdown.Done():
	case <-time.After(d):
	}
}

// tick is one pass of spec §4.7's four numbered steps.
func (l *Linker) tick() error {
	mode := l.cfg.DedupMode()
	rescan := l.fullRescan.Load()
	since := l.lastSeenResultID.Load()
	if rescan {
		since = 0
	}

	results, err := l.fetchResults(mode, since)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	groups := groupByHash(results)

	maxID := since
	for _, r := range results {
		if r.id > maxID {
			maxID = r.id
		}
	}

	for _, paths := range groups {
		if len(paths) < 2 {
			continue
		}
		if err := l.writeCluster(mode, paths); err != nil {
			l.log.WithError(err).WithField("mode", mode).Warn("write duplicate cluster failed")
		}
	}

	l.lastSeenResultID.Store(maxID)
	if rescan {
		l.fullRescan.Store(false)
	}
	return nil
}

type resultRow struct {
	id           int64
	filePath     string
	artifactHash string
}

// fetchResults is step 1: successful results for mode newer than since,
// or every successful result for mode when since == 0 (full rescan).
func (l *Linker) fetchResults(mode types.Mode, since int64) ([]resultRow, error) {
	value, err := l.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		rows, err := db.Query(`SELECT id, file_path, artifact_hash FROM media_processing_results
			WHERE mode = ? AND success = 1 AND id > ? ORDER BY id ASC`, string(mode), since)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()
		var out []resultRow
		for rows.Next() {
			var r resultRow
			if err := rows.Scan(&r.id, &r.filePath, &r.artifactHash); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	rows, _ := value.([]resultRow)
	return rows, nil
}

// groupByHash is step 2: every artifact_hash maps to the set of
// file_paths that produced it in this pass. Per-path the latest result
// wins if the same path appears twice in one pass (a reprocessed file).
func groupByHash(results []resultRow) map[string][]string {
	latestHashForPath := make(map[string]string, len(results))
	for _, r := range results {
		latestHashForPath[r.filePath] = r.artifactHash
	}
	groups := make(map[string][]string)
	seen := make(map[string]bool, len(latestHashForPath))
	for path, hash := range latestHashForPath {
		if seen[path] {
			continue
		}
		seen[path] = true
		groups[hash] = append(groups[hash], path)
	}
	for _, paths := range groups {
		sort.Strings(paths)
	}
	return groups
}

// writeCluster is step 3: resolve each member path to its Scanned File
// id, then write links_<mode> = cluster peers excluding self, for every
// member, as one DB operation (spec's symmetric link invariant, P8).
func (l *Linker) writeCluster(mode types.Mode, paths []string) error {
	col := linkColumn[mode]
	_, err := l.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		ids := make(map[string]int64, len(paths))
		for _, p := range paths {
			var id int64
			err := db.QueryRow(`SELECT id FROM scanned_files WHERE file_path = ?`, p).Scan(&id)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, err
			}
			ids[p] = id
		}

		allIDs := make([]int64, 0, len(ids))
		for _, id := range ids {
			allIDs = append(allIDs, id)
		}

		for p, id := range ids {
			peers := make([]int64, 0, len(allIDs)-1)
			for _, other := range allIDs {
				if other != id {
					peers = append(peers, other)
				}
			}
			sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
			encoded, err := json.Marshal(peers)
			if err != nil {
				return nil, err
			}
			if _, err := db.Exec(`UPDATE scanned_files SET `+col+` = ? WHERE id = ?`, string(encoded), id); err != nil {
				return nil, fmt.Errorf("link write %s: %w", p, err)
			}
		}
		return nil, nil
	})
	return err
}
