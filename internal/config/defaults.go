package config

import "github.com/mediadedup/dedupcore/internal/types"

// defaultDocument is materialized to the primary config path when no
// config.json or legacy config.yaml is found on startup (spec §4.1).
func defaultDocument() Document {
	return Document{
		DedupMode:              types.ModeFast,
		PreProcessQualityStack: false,

		LogLevel: "info",

		ServerPort: 8080,
		ServerHost: "0.0.0.0",
		AuthSecret: "",

		ScanIntervalSeconds:       300,
		ProcessingIntervalSeconds: 10,
		ProcessingBatchSize:       50,

		MaxProcessingThreads: 4,
		MaxScanThreads:       4,
		DatabaseThreads:      1,
		MaxDecoderThreads:    1,

		Database: DatabaseConfig{
			Retry: RetryConfig{
				MaxAttempts:   5,
				BackoffBaseMS: 50,
				MaxBackoffMS:  2000,
			},
			Timeout: TimeoutConfig{
				BusyTimeoutMS:      5000,
				OperationTimeoutMS: 30000,
			},
		},
		DecoderCacheSizeMB: 1024,
		CacheCleanup: CacheCleanupConfig{
			FullyProcessedAgeDays:     30,
			PartiallyProcessedAgeDays: 7,
			UnprocessedAgeDays:        3,
			RequireAllModes:           true,
			CleanupThresholdPercent:   80,
		},

		Categories: CategoriesConfig{
			Images: map[string]bool{
				"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true,
			},
			Video: map[string]bool{
				"mp4": true, "mov": true, "mkv": true, "avi": true, "webm": true,
			},
			Audio: map[string]bool{
				"mp3": true, "flac": true, "wav": true, "ogg": true, "m4a": true,
			},
			ImagesRaw: map[string]bool{
				"cr2": true, "nef": true, "arw": true, "dng": true, "raf": true,
			},
		},
		Transcoding: map[string]bool{
			"cr2": true, "nef": true, "arw": true, "dng": true, "raf": true,
		},
		VideoProcessing: map[types.Mode]VideoParams{
			types.ModeFast:     {SkipDurationSeconds: 10, FramesPerSkip: 1, SkipCount: 5},
			types.ModeBalanced: {SkipDurationSeconds: 5, FramesPerSkip: 2, SkipCount: 8},
			types.ModeQuality:  {SkipDurationSeconds: 2, FramesPerSkip: 3, SkipCount: 12},
		},
	}
}
