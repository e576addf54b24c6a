package relay

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// InitDatabase opens the database and creates the schema.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent readers alongside the writer
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shops (
		shop_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		manager_company_id TEXT DEFAULT '',
		agent_base_url TEXT DEFAULT '',
		backup_agent_base_urls TEXT DEFAULT '',
		allow_self_signed INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS printers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shop_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 9100,
		name TEXT DEFAULT '',
		type TEXT DEFAULT 'kitchen',
		UNIQUE(shop_id, ip),
		FOREIGN KEY (shop_id) REFERENCES shops(shop_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_printers_shop ON printers(shop_id);

	CREATE TABLE IF NOT EXISTS task_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		shop_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_task_log_shop ON task_log(shop_id);
	CREATE INDEX IF NOT EXISTS idx_task_log_created ON task_log(created_at);
	`

	_, err := db.Exec(schema)
	return err
}
