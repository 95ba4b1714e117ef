package config

import "github.com/mediadedup/dedupcore/internal/types"

// Document is the nested config/config.json document. Every recognized
// key from spec §4.1's table has a field here; fields are grouped the way
// the JSON file groups them.
//
// http_server_threads is deliberately absent: it belongs to the HTTP/CLI
// surface, which is out of scope (SPEC_FULL.md §13, open question 3).
type Document struct {
	DedupMode              types.Mode `json:"dedup_mode" validate:"required,oneof=FAST BALANCED QUALITY"`
	PreProcessQualityStack bool       `json:"pre_process_quality_stack"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	ServerPort int    `json:"server_port"`
	ServerHost string `json:"server_host"`
	AuthSecret string `json:"auth_secret"`

	ScanIntervalSeconds       int `json:"scan_interval_seconds" validate:"min=1"`
	ProcessingIntervalSeconds int `json:"processing_interval_seconds" validate:"min=1"`
	ProcessingBatchSize       int `json:"processing_batch_size" validate:"min=1"`

	MaxProcessingThreads int `json:"max_processing_threads" validate:"min=1"`
	MaxScanThreads       int `json:"max_scan_threads" validate:"min=1"`
	DatabaseThreads      int `json:"database_threads" validate:"min=1"`
	MaxDecoderThreads    int `json:"max_decoder_threads" validate:"min=1"`

	Database           DatabaseConfig     `json:"database"`
	DecoderCacheSizeMB int64              `json:"decoder_cache_size_mb" validate:"min=0"`
	CacheCleanup       CacheCleanupConfig `json:"cache_cleanup"`

	Categories      CategoriesConfig           `json:"categories"`
	Transcoding     map[string]bool            `json:"transcoding"`
	VideoProcessing map[types.Mode]VideoParams `json:"video_processing"`
}

// DatabaseConfig groups C3's retry and timeout knobs.
type DatabaseConfig struct {
	Retry   RetryConfig   `json:"retry"`
	Timeout TimeoutConfig `json:"timeout"`
}

// RetryConfig is C3 write closures' bounded-backoff policy (spec §4.2).
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts" validate:"min=1"`
	BackoffBaseMS  int `json:"backoff_base_ms" validate:"min=1"`
	MaxBackoffMS   int `json:"max_backoff_ms" validate:"min=1"`
}

// TimeoutConfig bounds how long a single DB operation may run.
type TimeoutConfig struct {
	BusyTimeoutMS      int `json:"busy_timeout_ms" validate:"min=0"`
	OperationTimeoutMS int `json:"operation_timeout_ms" validate:"min=0"`
}

// CacheCleanupConfig is C6's multi-phase eviction policy (spec §4.5),
// defaults recovered from original_source/ (SPEC_FULL.md §12).
type CacheCleanupConfig struct {
	FullyProcessedAgeDays     int  `json:"fully_processed_age_days" validate:"min=0"`
	PartiallyProcessedAgeDays int  `json:"partially_processed_age_days" validate:"min=0"`
	UnprocessedAgeDays        int  `json:"unprocessed_age_days" validate:"min=0"`
	RequireAllModes           bool `json:"require_all_modes"`
	CleanupThresholdPercent   int  `json:"cleanup_threshold_percent" validate:"min=50,max=95"`
}

// CategoriesConfig is the per-extension enablement table consumed by C4/C5.
// Extensions are stored lowercase, without the leading dot.
type CategoriesConfig struct {
	Images    map[string]bool `json:"images"`
	Video     map[string]bool `json:"video"`
	Audio     map[string]bool `json:"audio"`
	ImagesRaw map[string]bool `json:"images_raw"`
}

// VideoParams is one mode's row of C5's video sampling parameters.
type VideoParams struct {
	SkipDurationSeconds float64 `json:"skip_duration_seconds" validate:"min=0"`
	FramesPerSkip       int     `json:"frames_per_skip" validate:"min=1"`
	SkipCount           int     `json:"skip_count" validate:"min=1"`
}

// clampCleanupThreshold enforces the [50,95] range transcoding_manager.cpp
// applies whenever cleanup_threshold_percent is set through a setter, not
// just at load (SPEC_FULL.md §12).
func clampCleanupThreshold(v int) int {
	switch {
	case v < 50:
		return 50
	case v > 95:
		return 95
	default:
		return v
	}
}
