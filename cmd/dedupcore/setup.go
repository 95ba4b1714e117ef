package main

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mediadedup/dedupcore/internal/config"
	"github.com/mediadedup/dedupcore/internal/dbqueue"
)

// core bundles the long-lived handles every subcommand needs: the config
// store/bus/watcher (C1/C2) and the DB access queue (C3), opened and
// recovered in the order spec §4.5's crash-recovery note requires
// (demote stale IN_PROGRESS transcodes before anything else claims work).
type core struct {
	log     *logrus.Entry
	cfg     *config.Store
	bus     *config.Bus
	watcher *config.Watcher
	db      *sql.DB
	queue   *dbqueue.Queue
}

func openCore(dbPath string) (*core, error) {
	log := logrus.NewEntry(logrus.StandardLogger())

	bus := config.NewBus(log)
	cfg, err := config.Open(bus, log)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel()); err == nil {
		logrus.SetLevel(lvl)
	}

	watcher, err := config.NewWatcher(cfg, bus, 0, log)
	if err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}
	watcher.Start()

	db, err := dbqueue.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if n, err := dbqueue.RecoverInProgressTranscodes(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover in-progress transcodes: %w", err)
	} else if n > 0 {
		log.WithField("count", n).Info("demoted stale in-progress transcodes to queued")
	}

	queue := dbqueue.New(db, log)

	return &core{log: log, cfg: cfg, bus: bus, watcher: watcher, db: db, queue: queue}, nil
}

// Close drains and stops the queue, then stops the watcher, then closes
// the connection.
func (c *core) Close() {
	c.queue.Stop()
	c.watcher.Stop()
	_ = c.db.Close()
}
