// Package pipeline implements C7: the single long-lived worker that
// continuously claims batches of pending (file, mode) pairs, invokes C5,
// persists results through C3, and notifies C8 on success (spec §4.6),
// grounded on original_source/src/core/continuous_processing_manager.cpp's
// claim-batch/process/sleep-on-empty loop.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/fingerprint"
	"github.com/mediadedup/dedupcore/internal/shutdown"
	"github.com/mediadedup/dedupcore/internal/types"
)

// FileProcessingEvent is spec §6's processing-event surface: one entry
// per (file, mode) result the pipeline produces.
type FileProcessingEvent struct {
	FilePath           string
	Success            bool
	ErrorMessage       string
	ProcessingTimeMS   int64
	ArtifactFormat     string
	ArtifactHash       string
	ArtifactConfidence float64
}

// claimedFile is one row claimed out of scanned_files for this iteration,
// paired with the mode set this iteration will compute for it.
type claimedFile struct {
	id    int64
	path  string
	modes []types.Mode
}

// Pipeline is C7. Config values it needs on every iteration are mirrored
// into atomics by its config-bus subscription (spec §4.6 "mirrors the
// following keys into atomic variables for lock-free reads inside the
// loop") so the hot loop never blocks on C1's mutex.
type Pipeline struct {
	queue    *dbqueue.Queue
	cfg      *config.Store
	engine   *fingerprint.Engine
	shutdown *shutdown.Coordinator
	log      *logrus.Entry

	batchSize     atomic.Int64
	intervalSecs  atomic.Int64
	stackModes    atomic.Bool
	dedupMode     atomic.Value // types.Mode
	modeChangedAt atomic.Int64 // count of observed mid-flight mode changes

	busSub string

	// RequeueTranscode is called to (re-)enqueue a raw source file into
	// C6's job queue when C7 finds it unready (spec §4.6 step 4a). Wired
	// by the caller to the transcoder package's enqueue helper; nil is a
	// valid no-op for callers that never configure raw categories.
	RequeueTranscode func(sourcePath string)

	// OnEvent, OnError and OnCompletion are spec §6's three callback
	// slots. All may be nil.
	OnEvent      func(FileProcessingEvent)
	OnError      func(error)
	OnCompletion func()
	// OnSuccess notifies C8 that at least one mode succeeded for path
	// (spec §4.6 step c, "notify C8").
	OnSuccess func(path string)

	doneCh chan struct{}
}

// New builds a C7 pipeline and subscribes it to cfg's bus.
func New(queue *dbqueue.Queue, cfg *config.Store, bus *config.Bus, engine *fingerprint.Engine,
	coord *shutdown.Coordinator, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pipeline{queue: queue, cfg: cfg, engine: engine, shutdown: coord, log: log, doneCh: make(chan struct{})}
	p.refreshMirrors()
	if bus != nil {
		p.busSub = bus.Subscribe(p.onConfigChange)
	}
	return p
}

func (p *Pipeline) refreshMirrors() {
	p.batchSize.Store(int64(p.cfg.ProcessingBatchSize()))
	p.intervalSecs.Store(int64(p.cfg.ProcessingInterval() / time.Second))
	p.stackModes.Store(p.cfg.PreProcessQualityStack())
	p.dedupMode.Store(p.cfg.DedupMode())
}

// onConfigChange incrementally updates only the mirrors named in the
// event, per spec §4.6. It never calls a Store setter — doing so from an
// observer handler would re-enter the publish path (SPEC_FULL.md §9).
func (p *Pipeline) onConfigChange(ev config.Event) {
	for _, key := range ev.ChangedKeys {
		switch key {
		case "processing_batch_size":
			p.batchSize.Store(int64(p.cfg.ProcessingBatchSize()))
		case "processing_interval_seconds":
			p.intervalSecs.Store(int64(p.cfg.ProcessingInterval() / time.Second))
		case "pre_process_quality_stack":
			p.stackModes.Store(p.cfg.PreProcessQualityStack())
		case "dedup_mode":
			old := p.dedupMode.Load().(types.Mode)
			next := p.cfg.DedupMode()
			if old != next {
				p.modeChangedAt.Add(1)
				p.log.WithFields(logrus.Fields{"from": old, "to": next}).
					Info("dedup mode changed; in-flight files finish under the prior mode")
			}
			p.dedupMode.Store(next)
		case "configuration":
			// Full reload from the file watcher: refresh every mirror.
			p.refreshMirrors()
		}
	}
}

// Start launches the worker goroutine (spec §5: "C7: one worker thread").
func (p *Pipeline) Start() {
	go p.run()
}

// Stop blocks until the loop has exited after finishing its current file
// (idempotent: relies on the shared shutdown.Coordinator, which is itself
// idempotent).
func (p *Pipeline) Stop() {
	<-p.doneCh
}

func (p *Pipeline) run() {
	defer close(p.doneCh)
	for {
		if p.shutdown.IsShutdownRequested() {
			return
		}

		mode := p.dedupMode.Load().(types.Mode)
		stack := p.stackModes.Load()
		batch := int(p.batchSize.Load())

		files, err := p.claimBatch(stack, mode, batch)
		if err != nil {
			p.log.WithError(err).Error("claim batch failed")
			if p.OnError != nil {
				p.OnError(err)
			}
			p.sleepCancellable(time.Duration(p.intervalSecs.Load()) * time.Second)
			continue
		}

		if len(files) == 0 {
			p.sleepCancellable(time.Duration(p.intervalSecs.Load()) * time.Second)
			continue
		}

		for _, f := range files {
			if p.shutdown.IsShutdownRequested() {
				return
			}
			p.processFile(f)
		}

		if p.OnCompletion != nil {
			p.OnCompletion()
		}
	}
}

// sleepCancellable sleeps in 1-second increments so a shutdown request
// during an idle wait is observed within one second rather than up to the
// full interval (spec §5's cancellable-sleep requirement, P11).
func (p *Pipeline) sleepCancellable(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case <-p.shutdown.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// claimBatch dispatches to claimFilesAnyMode or claimFilesForMode per
// spec §4.6 step 2.
func (p *Pipeline) claimBatch(stack bool, mode types.Mode, batchSize int) ([]claimedFile, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	value, err := p.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		if stack {
			return claimFilesAnyMode(db, batchSize)
		}
		return claimFilesForMode(db, mode, batchSize)
	})
	if err != nil {
		return nil, err
	}
	claimed, _ := value.([]claimedFile)
	return claimed, nil
}

var modeColumn = map[types.Mode]string{
	types.ModeFast:     "processing_flag_fast",
	types.ModeBalanced: "processing_flag_balanced",
	types.ModeQuality:  "processing_flag_quality",
}

// claimFilesForMode selects up to batchSize rows UNPROCESSED for mode and
// atomically flips them to IN_PROGRESS for that mode alone.
func claimFilesForMode(db *sql.DB, mode types.Mode, batchSize int) ([]claimedFile, error) {
	col := modeColumn[mode]
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id, file_path FROM scanned_files WHERE `+col+` = 0 ORDER BY id ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, err
	}
	var claimed []claimedFile
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			_ = rows.Close()
			return nil, err
		}
		claimed = append(claimed, claimedFile{id: id, path: path, modes: []types.Mode{mode}})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, f := range claimed {
		if _, err := tx.Exec(`UPDATE scanned_files SET `+col+` = -1 WHERE id = ?`, f.id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimFilesAnyMode selects up to batchSize rows with at least one mode
// still UNPROCESSED and flips only those specific modes to IN_PROGRESS
// (spec §4.6 step 2's "pre_process_quality_stack=true" path).
func claimFilesAnyMode(db *sql.DB, batchSize int) ([]claimedFile, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id, file_path, processing_flag_fast, processing_flag_balanced, processing_flag_quality
		FROM scanned_files
		WHERE processing_flag_fast = 0 OR processing_flag_balanced = 0 OR processing_flag_quality = 0
		ORDER BY id ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, err
	}
	var claimed []claimedFile
	for rows.Next() {
		var id int64
		var path string
		var fast, balanced, quality int
		if err := rows.Scan(&id, &path, &fast, &balanced, &quality); err != nil {
			_ = rows.Close()
			return nil, err
		}
		f := claimedFile{id: id, path: path}
		if fast == 0 {
			f.modes = append(f.modes, types.ModeFast)
		}
		if balanced == 0 {
			f.modes = append(f.modes, types.ModeBalanced)
		}
		if quality == 0 {
			f.modes = append(f.modes, types.ModeQuality)
		}
		claimed = append(claimed, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, f := range claimed {
		for _, m := range f.modes {
			col := modeColumn[m]
			if _, err := tx.Exec(`UPDATE scanned_files SET `+col+` = -1 WHERE id = ?`, f.id); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// processFile is spec §4.6 step 4: resolve the effective path (routing
// raw files through C6 first), run C5 over each claimed mode in mode
// enumeration order, persist each result, and notify C8 on any success.
func (p *Pipeline) processFile(f claimedFile) {
	effectivePath, state := p.resolveEffectivePath(f.path)
	switch state {
	case transcodeFailed:
		p.persistTranscodeError(f)
		return
	case transcodePending:
		p.requeueAsTranscodePending(f)
		return
	}

	anySuccess := false
	for _, mode := range f.modes {
		start := time.Now()
		result := p.engine.ProcessFile(effectivePath, mode)
		elapsed := time.Since(start)

		p.persistResult(f.id, f.path, mode, result)

		if p.OnEvent != nil {
			p.OnEvent(FileProcessingEvent{
				FilePath:           f.path,
				Success:            result.Success,
				ErrorMessage:       result.ErrorMessage,
				ProcessingTimeMS:   elapsed.Milliseconds(),
				ArtifactFormat:     result.ArtifactFormat,
				ArtifactHash:       result.ArtifactHash,
				ArtifactConfidence: result.ArtifactConfidence,
			})
		}
		if result.Success {
			anySuccess = true
		}
	}

	if anySuccess && p.OnSuccess != nil {
		p.OnSuccess(f.path)
	}
}

// transcodeState is resolveEffectivePath's three-way outcome: a raw file
// needing transcoding is either ready (output cached), still pending (no
// transcode_map row has reached COMPLETED yet), or permanently failed
// (the transcode job itself reached FAILED, spec §7 TranscodeFailed).
type transcodeState int

const (
	transcodeReady transcodeState = iota
	transcodePending
	transcodeFailed
)

// resolveEffectivePath implements spec §4.6 step 4a: a raw extension
// needing transcoding runs against its completed cache output, not the
// original bytes; a raw file with no completed cache yet is not ready,
// and one whose transcode job already failed is never ready.
func (p *Pipeline) resolveEffectivePath(path string) (effective string, state transcodeState) {
	ext := strings.TrimPrefix(lastExt(path), ".")
	if !p.cfg.NeedsTranscoding(ext) {
		return path, transcodeReady
	}

	value, err := p.queue.Read(context.Background(), func(db *sql.DB) (any, error) {
		return lookupTranscodeOutcome(db, path)
	})
	if err != nil {
		p.log.WithError(err).WithField("path", path).Warn("transcode cache lookup failed")
		return "", transcodePending
	}
	outcome, _ := value.(transcodeOutcome)
	switch outcome.status {
	case types.TranscodeCompleted:
		if outcome.outputPath == "" {
			return "", transcodePending
		}
		return outcome.outputPath, transcodeReady
	case types.TranscodeFailed:
		return "", transcodeFailed
	default:
		return "", transcodePending
	}
}

type transcodeOutcome struct {
	status     types.TranscodeStatus
	outputPath string
}

func lookupTranscodeOutcome(db *sql.DB, sourcePath string) (transcodeOutcome, error) {
	var status int
	var output sql.NullString
	err := db.QueryRow(`SELECT status, output_path FROM transcode_map WHERE source_path = ?`, sourcePath).
		Scan(&status, &output)
	if err == sql.ErrNoRows {
		return transcodeOutcome{status: types.TranscodeQueued}, nil
	}
	if err != nil {
		return transcodeOutcome{}, err
	}
	return transcodeOutcome{status: types.TranscodeStatus(status), outputPath: output.String}, nil
}

// requeueAsTranscodePending handles spec §4.6 step 4a's "re-queue it into
// C6, set the flag back to UNPROCESSED, and skip this file": the claimed
// modes revert to UNPROCESSED (0) so the next iteration re-evaluates them
// once the cache entry lands, rather than sitting stuck IN_PROGRESS.
func (p *Pipeline) requeueAsTranscodePending(f claimedFile) {
	if p.RequeueTranscode != nil {
		p.RequeueTranscode(f.path)
	}
	id := f.id
	modes := f.modes
	p.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		for _, m := range modes {
			col := modeColumn[m]
			if _, err := db.Exec(`UPDATE scanned_files SET `+col+` = 0 WHERE id = ?`, id); err != nil {
				return dbqueue.Failure("reset flag for transcode-pending id=%d: %v", id, err)
			}
		}
		return dbqueue.WriteOperationResult{Success: true}
	})
}

// persistTranscodeError handles spec §4.6 step 4b / §7 TranscodeFailed: a
// raw file whose transcode job itself failed can never produce an
// effective path, so its claimed modes are marked TRANSCODE_ERROR (3)
// instead of being endlessly re-queued (E2E scenario 4).
func (p *Pipeline) persistTranscodeError(f claimedFile) {
	id := f.id
	modes := f.modes
	p.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		for _, m := range modes {
			col := modeColumn[m]
			if _, err := db.Exec(`UPDATE scanned_files SET `+col+` = ? WHERE id = ?`, int(types.FlagTranscodeError), id); err != nil {
				return dbqueue.Failure("set transcode error flag id=%d: %v", id, err)
			}
		}
		return dbqueue.WriteOperationResult{Success: true}
	})
	if p.OnEvent != nil {
		p.OnEvent(FileProcessingEvent{FilePath: f.path, Success: false, ErrorMessage: "transcode failed"})
	}
}

// persistResult writes the ProcessingResult row and advances the
// per-mode flag: DONE on success; UNPROCESSED on a retriable failure;
// FINGERPRINT_ERROR on a permanent one (SPEC_FULL.md §13, open question
// 4: DONE means strictly successful).
func (p *Pipeline) persistResult(id int64, path string, mode types.Mode, result fingerprint.ProcessingResult) {
	col := modeColumn[mode]
	flag := types.FlagUnprocessed
	if result.Success {
		flag = types.FlagDone
	} else if strings.HasPrefix(result.ErrorMessage, "UnsupportedFile") {
		flag = types.FlagFingerprintError
	}

	metadata, _ := json.Marshal(map[string]string{"format": result.ArtifactFormat})

	p.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
		now := time.Now().Unix()
		_, err := db.Exec(`INSERT OR REPLACE INTO media_processing_results
			(file_path, mode, success, error_message, artifact_format, artifact_hash, artifact_confidence, artifact_metadata, artifact_data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			path, string(mode), result.Success, result.ErrorMessage, result.ArtifactFormat,
			result.ArtifactHash, result.ArtifactConfidence, string(metadata), result.ArtifactData, now)
		if err != nil {
			return dbqueue.Failure("persist result %s/%s: %v", path, mode, err)
		}
		if _, err := db.Exec(`UPDATE scanned_files SET `+col+` = ? WHERE id = ?`, int(flag), id); err != nil {
			return dbqueue.Failure("set flag %s/%s: %v", path, mode, err)
		}
		return dbqueue.WriteOperationResult{Success: true}
	})
}

// ModeChangeObservations returns the count of mid-flight dedup_mode
// changes observed since startup (spec §4.6's "counter of such
// observations is logged").
func (p *Pipeline) ModeChangeObservations() int64 {
	return p.modeChangedAt.Load()
}

func lastExt(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
