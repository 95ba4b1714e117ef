package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher polls the config file's modification timestamp every interval
// (default 2s, spec §4.1) and additionally watches its directory with
// fsnotify for a faster reload on the common case of an editor or process
// replacing the file via rename. Either trigger reloads through the same
// path, so a reload can never be skipped just because one mechanism
// missed an event — this mirrors config_reloader.go's pairing of
// fsnotify events with a periodic fallback check.
type Watcher struct {
	store    *Store
	bus      *Bus
	interval time.Duration
	log      *logrus.Entry

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	lastMod time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for store's current path. interval <= 0
// uses the spec default of 2 seconds.
func NewWatcher(store *Store, bus *Bus, interval time.Duration, log *logrus.Entry) (*Watcher, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(store.Path())
	if dir == "" {
		dir = "."
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		store:     store,
		bus:       bus,
		interval:  interval,
		log:       log,
		fsWatcher: fsw,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins the watch loop in its own goroutine (C1's "one thread").
func (w *Watcher) Start() {
	go w.run()
}

// Stop is idempotent and blocks until the watch loop has exited.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		// already stopped
	default:
		close(w.stopCh)
	}
	<-w.doneCh
	_ = w.fsWatcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.checkAndReload("startup")

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.checkAndReload("fs_event")
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher fsnotify error")
		case <-ticker.C:
			w.checkAndReload("poll")
		}
	}
}

// checkAndReload compares the file's mtime against the last known value
// and reloads only on an actual change, so the ticker firing every
// interval does not itself force a spurious reload+publish.
func (w *Watcher) checkAndReload(trigger string) {
	info, err := os.Stat(w.store.Path())
	if err != nil {
		return // transient: file replaced mid-write, picked up next tick
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	if !changed {
		return
	}

	if err := w.store.Reload(); err != nil {
		w.log.WithError(err).WithField("trigger", trigger).Error("config reload failed, keeping previous document")
		return
	}

	w.log.WithField("trigger", trigger).Info("config reloaded from disk")
	if w.bus != nil {
		w.bus.Publish(Event{ChangedKeys: []string{"configuration"}, Source: "file_observer"})
	}
}
