package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the schema if needed.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS book_requests (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		isbn10 TEXT,
		isbn13 TEXT,
		publish_year INTEGER,
		language TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		request_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		external_id TEXT,
		search_method TEXT,
		file_type TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		file_path TEXT,
		file_size INTEGER DEFAULT 0,
		error_message TEXT,
		candidate_json TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_request ON downloads(request_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_source_status ON downloads(source, status);

	CREATE TABLE IF NOT EXISTS download_stats (
		date TEXT PRIMARY KEY,
		completed INTEGER NOT NULL DEFAULT 0
	);
	`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
