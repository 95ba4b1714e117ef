package dbqueue

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the embedded SQL store at path (spec §6), enables WAL
// journaling and the other pragmas spec §4.2 names, and creates the
// schema. It returns the raw *sql.DB — wrap it in a Queue immediately
// after; nothing outside the Queue's worker goroutine should touch it
// again (this mirrors sqlite_graph.go's sql.Open + PRAGMA + SetMaxOpenConns
// sequence from the retrieval pack's other_examples reference).
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("DbFatal: open %s: %w", path, err)
	}

	// C3 is a single-writer serializer by design: one physical connection
	// is not just sufficient but required to preserve the FIFO ordering
	// guarantee (spec §4.2, P1).
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("DbFatal: %s: %w", p, err)
		}
	}

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DbFatal: schema: %w", err)
	}

	return db, nil
}
