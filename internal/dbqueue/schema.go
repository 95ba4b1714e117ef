package dbqueue

import "database/sql"

// schemaStatements creates the three durable relations from spec §3 plus
// the transcode-map index spec §4.2 calls for. Run once, directly against
// db, before any Queue wraps it — construction is single-threaded so no
// serialization is needed yet.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS scanned_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL,
		content_hash TEXT,
		processing_flag_fast INTEGER NOT NULL DEFAULT 0,
		processing_flag_balanced INTEGER NOT NULL DEFAULT 0,
		processing_flag_quality INTEGER NOT NULL DEFAULT 0,
		links_fast TEXT NOT NULL DEFAULT '[]',
		links_balanced TEXT NOT NULL DEFAULT '[]',
		links_quality TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media_processing_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL,
		mode TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_message TEXT,
		artifact_format TEXT,
		artifact_hash TEXT,
		artifact_confidence REAL,
		artifact_metadata TEXT,
		artifact_data BLOB,
		created_at INTEGER NOT NULL,
		UNIQUE(file_path, mode)
	)`,
	`CREATE TABLE IF NOT EXISTS transcode_map (
		source_path TEXT PRIMARY KEY,
		output_path TEXT,
		status INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcode_map_status_created
		ON transcode_map(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_media_processing_results_mode_id
		ON media_processing_results(mode, id)`,
}

func applySchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecoverInProgressTranscodes demotes any row left IN_PROGRESS by a
// killed previous process back to QUEUED (spec §4.5 crash recovery, P6).
// Run once at startup, before C6's worker loop begins claiming jobs.
func RecoverInProgressTranscodes(db *sql.DB) (int64, error) {
	res, err := db.Exec(`UPDATE transcode_map SET status = 0, worker_id = NULL WHERE status = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
