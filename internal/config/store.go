// Package config implements the reactive configuration layer (C1/C2):
// a typed, mutex-guarded JSON document with atomic persistence, a
// file-change watcher, and a pub/sub fan-out of change events.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultCandidates is the fixed ordered list of primary-path candidates
// searched on startup (spec §4.1, §6). The first entry is also where
// built-in defaults and migrated YAML are written.
var DefaultCandidates = []string{
	"config/config.json",
	"../config/config.json",
	"config.json",
}

// legacyYAMLCandidates mirrors DefaultCandidates but for the one-shot
// migration input (SPEC_FULL.md §12).
func legacyYAMLCandidates() []string {
	out := make([]string, len(DefaultCandidates))
	for i, c := range DefaultCandidates {
		out[i] = c[:len(c)-len(filepath.Ext(c))] + ".yaml"
	}
	return out
}

// Store is C1: the nested JSON document, guarded by a single mutex, plus
// the path it is persisted to and the bus it publishes changes on.
type Store struct {
	log      *logrus.Entry
	bus      *Bus
	validate *validator.Validate

	mu   sync.RWMutex
	doc  Document
	path string // primary path; saveLocked (and so every Update) writes here
}

// Open searches DefaultCandidates for an existing config.json, falls back
// to a legacy config.yaml (migrated once to JSON), and otherwise
// materializes built-in defaults — the load order in spec §4.1.
func Open(bus *Bus, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{log: log, bus: bus, validate: validator.New()}

	for _, candidate := range DefaultCandidates {
		if _, err := os.Stat(candidate); err == nil {
			doc, err := s.loadJSON(candidate)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", candidate, err)
			}
			s.doc = doc
			s.path = candidate
			s.log.WithField("path", candidate).Info("loaded config")
			return s, nil
		}
	}

	for _, candidate := range legacyYAMLCandidates() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		doc, err := s.loadYAML(candidate)
		if err != nil {
			return nil, fmt.Errorf("load legacy %s: %w", candidate, err)
		}
		s.doc = doc
		s.path = DefaultCandidates[0]
		if err := s.saveLocked(); err != nil {
			return nil, fmt.Errorf("migrate %s to json: %w", candidate, err)
		}
		s.log.WithFields(logrus.Fields{"from": candidate, "to": s.path}).
			Info("migrated legacy yaml config to json")
		return s, nil
	}

	s.doc = defaultDocument()
	s.path = DefaultCandidates[0]
	if err := s.saveLocked(); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	s.log.WithField("path", s.path).Info("wrote built-in default config")
	return s, nil
}

func (s *Store) loadJSON(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("ConfigInvalid: %w", err)
	}
	if err := s.validate.Struct(&doc); err != nil {
		return Document{}, fmt.Errorf("ConfigInvalid: %w", err)
	}
	return doc, nil
}

func (s *Store) loadYAML(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Document{}, fmt.Errorf("ConfigInvalid: %w", err)
	}
	doc := defaultDocument()
	if err := mergeInto(&doc, generic); err != nil {
		return Document{}, fmt.Errorf("ConfigInvalid: %w", err)
	}
	if err := s.validate.Struct(&doc); err != nil {
		return Document{}, fmt.Errorf("ConfigInvalid: %w", err)
	}
	return doc, nil
}

// saveLocked serializes the current document atomically: write to a temp
// file in the same directory, then rename over the primary path. Caller
// must hold s.mu (or be in single-threaded construction).
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Reload re-reads the document from its current path, replacing the
// in-memory copy wholesale. Used by the file watcher (spec §4.1): on a
// load failure the previous document is kept (ConfigInvalid policy, spec
// §7) and the error is returned for the caller to log.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadJSON(s.path)
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// Update performs a deep merge of patch onto the document, validates the
// result, and on success saves it and publishes a change event carrying
// the patch's top-level keys. On validation failure the previous document
// is retained and the error is returned (ConfigInvalid).
func (s *Store) Update(patch map[string]any, source string, updateID string) error {
	s.mu.Lock()
	next := s.doc
	if err := mergeInto(&next, patch); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ConfigInvalid: %w", err)
	}
	next.CacheCleanup.CleanupThresholdPercent = clampCleanupThreshold(next.CacheCleanup.CleanupThresholdPercent)
	if err := s.validate.Struct(&next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ConfigInvalid: %w", err)
	}
	s.doc = next
	if err := s.saveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if s.bus != nil {
		keys := make([]string, 0, len(patch))
		for k := range patch {
			keys = append(keys, k)
		}
		s.bus.Publish(Event{ChangedKeys: keys, Source: source, UpdateID: updateID})
	}
	return nil
}

// mergeInto deep-merges patch (arbitrary JSON/YAML-shaped data) onto doc
// by round-tripping through encoding/json: marshal doc, merge patch keys
// recursively into the resulting map, then unmarshal back. This gives
// "typed struct with a generic deep-merge patch surface" without hand
// writing a merge case per field.
func mergeInto(doc *Document, patch map[string]any) error {
	current, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return err
	}
	merged := deepMerge(base, patch)
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	var next Document
	if err := json.Unmarshal(out, &next); err != nil {
		return err
	}
	*doc = next
	return nil
}

func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bv, ok := out[k]; ok {
			bm, bok := bv.(map[string]any)
			pm, pok := pv.(map[string]any)
			if bok && pok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

// Path returns the path the document is currently persisted at.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Snapshot returns a copy of the current document. Copying out the whole
// struct (rather than exposing pointers into it) is what keeps getters
// safe to call without holding the lock afterward.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}
