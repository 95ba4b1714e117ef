package config

import (
	"strings"
	"time"

	"github.com/mediadedup/dedupcore/internal/types"
)

// Every getter copies a primitive/string value out while holding the read
// lock briefly, per spec §4.1 ("getters copy out primitive/string
// values").

func (s *Store) DedupMode() types.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DedupMode
}

func (s *Store) PreProcessQualityStack() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.PreProcessQualityStack
}

func (s *Store) LogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LogLevel
}

func (s *Store) ServerPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ServerPort
}

func (s *Store) ServerHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ServerHost
}

func (s *Store) AuthSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AuthSecret
}

func (s *Store) ScanInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.doc.ScanIntervalSeconds) * time.Second
}

func (s *Store) ProcessingInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.doc.ProcessingIntervalSeconds) * time.Second
}

func (s *Store) ProcessingBatchSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ProcessingBatchSize
}

func (s *Store) MaxProcessingThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.MaxProcessingThreads
}

func (s *Store) MaxScanThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.MaxScanThreads
}

func (s *Store) DatabaseThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DatabaseThreads
}

func (s *Store) MaxDecoderThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.MaxDecoderThreads
}

func (s *Store) DatabaseRetry() RetryConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Database.Retry
}

func (s *Store) DatabaseTimeout() TimeoutConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Database.Timeout
}

func (s *Store) DecoderCacheSizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DecoderCacheSizeMB * 1024 * 1024
}

func (s *Store) CacheCleanup() CacheCleanupConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.CacheCleanup
}

// SupportedFileTypes returns the per-extension enablement map for one
// media category (poco_config_adapter.cpp's getSupportedFileTypes shape,
// kept per-category here since callers always know which category they
// want).
func (s *Store) SupportedFileTypes(media types.MediaType) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch media {
	case types.MediaImage:
		return cloneBoolMap(s.doc.Categories.Images)
	case types.MediaVideo:
		return cloneBoolMap(s.doc.Categories.Video)
	case types.MediaAudio:
		return cloneBoolMap(s.doc.Categories.Audio)
	case types.MediaRawImage:
		return cloneBoolMap(s.doc.Categories.ImagesRaw)
	default:
		return nil
	}
}

// EnabledFileTypes returns the flat union of every enabled extension
// across all categories (poco_config_adapter.cpp's getEnabledFileTypes).
func (s *Store) EnabledFileTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range []map[string]bool{
		s.doc.Categories.Images, s.doc.Categories.Video,
		s.doc.Categories.Audio, s.doc.Categories.ImagesRaw,
	} {
		for ext, on := range m {
			if on {
				out = append(out, ext)
			}
		}
	}
	return out
}

// MediaTypeOf classifies an extension (no leading dot, case-insensitive)
// by category membership. Raw-camera extensions classify as
// types.MediaRawImage so C4/C7 can route them through C6 first.
func (s *Store) MediaTypeOf(ext string) (types.MediaType, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.doc.Categories.ImagesRaw[ext]:
		return types.MediaRawImage, true
	case s.doc.Categories.Images[ext]:
		return types.MediaImage, true
	case s.doc.Categories.Video[ext]:
		return types.MediaVideo, true
	case s.doc.Categories.Audio[ext]:
		return types.MediaAudio, true
	default:
		return "", false
	}
}

// NeedsTranscoding reports whether ext requires the raw->JPEG step before
// fingerprinting (poco_config_adapter.cpp's needsTranscoding).
func (s *Store) NeedsTranscoding(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Transcoding[ext]
}

func (s *Store) VideoParams(mode types.Mode) VideoParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.VideoProcessing[mode]
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
