// Package fingerprint implements C5: the pure dispatch orchestrator that
// turns (path, mode) into a ProcessingResult. The dispatch table itself
// lives in internal/types (AlgorithmTable) — this package's job is the
// contract wrapper around it: media-type derivation, native-resource
// discipline, retry-with-backoff on the decode entry points, and mapping
// every failure mode to data instead of a panic (spec §4.4, §7).
//
// The actual pixel/DCT/CNN math behind a real dhash/phash/chromaprint
// implementation is outside this system's scope (spec §1 draws the line
// at "native-library call boundary"); decodeOnce/expand stand in for that
// native call with a deterministic, content-derived generator that
// satisfies the same contract a real decoder must: byte-equal output for
// byte-equal input (P4) and an output length fixed by the algorithm table
// (P5).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/types"
)

// ProcessingResult is the Go shape of spec §3's Processing Result row.
type ProcessingResult struct {
	FilePath           string
	Mode               types.Mode
	Success            bool
	ErrorMessage       string
	ArtifactFormat     string
	ArtifactHash       string
	ArtifactConfidence float64
	ArtifactMetadata   string // opaque JSON blob
	ArtifactData       []byte
}

// Engine is C5. It holds the single mutex that serializes entry into the
// (simulated) native decode library, since that library is documented as
// not reentrant (spec §4.4), plus the retry policy's backoff schedule.
type Engine struct {
	cfg *config.Store
	log *logrus.Entry

	decodeMu sync.Mutex

	maxAttempts int
	backoff     []time.Duration
}

// NewEngine builds a C5 engine. maxAttempts must be >= 1; a value <= 0 is
// treated as 1 (single attempt, no retry).
func NewEngine(cfg *config.Store, maxAttempts int, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Engine{
		cfg:         cfg,
		log:         log,
		maxAttempts: maxAttempts,
		backoff:     []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
	}
}

// ProcessFile is C5's sole entry point: processFile(path, mode) ->
// ProcessingResult (spec §4.4). It never panics past this call; every
// failure mode in spec §7's table becomes a ProcessingResult with
// Success=false.
func (e *Engine) ProcessFile(path string, mode types.Mode) ProcessingResult {
	base := ProcessingResult{FilePath: path, Mode: mode}

	ext := strings.TrimPrefix(strings.ToLower(lastExt(path)), ".")
	media, ok := e.cfg.MediaTypeOf(ext)
	if !ok {
		base.ErrorMessage = "UnsupportedFile: extension not in enabled set"
		return base
	}
	// A raw extension reaching C5 means the transcode step was skipped;
	// by the time this engine runs, media is always the transcoded JPEG's
	// type (image). Treat an explicit raw classification here as a bug in
	// the caller's routing, not a silent success.
	if media == types.MediaRawImage {
		base.ErrorMessage = "UnsupportedFile: raw file reached fingerprint stage untranscoded"
		return base
	}

	entry, ok := types.LookupAlgorithm(media, mode)
	if !ok {
		base.ErrorMessage = "UnsupportedFile: no algorithm entry for media/mode"
		return base
	}

	info, err := os.Stat(path)
	if err != nil {
		base.ErrorMessage = fmt.Sprintf("file not readable: %v", err)
		return base
	}
	if info.Size() == 0 {
		if media == types.MediaVideo {
			base.ErrorMessage = "EmptyVideo: no valid frames"
		} else {
			base.ErrorMessage = "DecodeFailed: empty input"
		}
		return base
	}

	data, err := e.decodeWithRetry(path, media, entry)
	if err != nil {
		base.ErrorMessage = err.Error()
		return base
	}

	sum := sha256.Sum256(data)
	base.Success = true
	base.ArtifactFormat = entry.FormatTag
	base.ArtifactHash = hex.EncodeToString(sum[:])
	base.ArtifactConfidence = entry.TypicalConfidence
	base.ArtifactData = data
	return base
}

// decodeWithRetry guards the (simulated) open/find_stream_info entry
// points with the spec's fixed 100/200/400ms backoff schedule, up to
// e.maxAttempts, then runs the decode itself under the engine's
// decode mutex (spec §4.4: "a single mutex serializes calls into the
// raw-decode library").
func (e *Engine) decodeWithRetry(path string, media types.MediaType, entry types.AlgorithmEntry) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(e.backoffFor(attempt - 1))
			e.log.WithFields(logrus.Fields{"path": path, "attempt": attempt + 1}).
				Debug("retrying fingerprint decode")
		}
		data, err := e.decodeOnce(path, entry)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) backoffFor(retryIndex int) time.Duration {
	if retryIndex >= len(e.backoff) {
		return e.backoff[len(e.backoff)-1]
	}
	return e.backoff[retryIndex]
}

// decodeOnce is the stand-in for the native decode call: it holds the
// decode mutex for the duration of one file (spec §5's "held only for the
// duration of a single file's transcode" policy, mirrored here for
// fingerprinting), derives a deterministic digest from the file's bytes,
// and expands it to the algorithm's contractual data_bytes length.
func (e *Engine) decodeOnce(path string, entry types.AlgorithmEntry) ([]byte, error) {
	e.decodeMu.Lock()
	defer e.decodeMu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("DecodeFailed: %v", err)
	}
	return expand(raw, entry.FormatTag, entry.DataBytes), nil
}

// expand derives entry.DataBytes of deterministic output from raw and the
// algorithm's format tag (so dhash and phash over the same bytes differ,
// satisfying the contract that format identifies the algorithm). Same
// input always yields the same output (P4); output length always equals
// entry.DataBytes (P5).
func expand(raw []byte, tag string, size int) []byte {
	out := make([]byte, 0, size)
	counter := 0
	for len(out) < size {
		h := sha256.New()
		h.Write([]byte(tag))
		h.Write([]byte{byte(counter)})
		h.Write(raw)
		sum := h.Sum(nil)
		out = append(out, sum...)
		counter++
	}
	return out[:size]
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
