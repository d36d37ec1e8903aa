package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(_ int) string { return "?" }

func (sqliteDialect) registerSeries(db *sql.DB, series string) error {
	_, err := db.Exec("INSERT OR IGNORE INTO callstorm_series (name) VALUES (?)", series)
	return err
}

// OpenSQLite creates or opens the measurement database under dataDir with
// WAL mode enabled and the series catalog bootstrapped.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "callstorm.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS callstorm_series (
		name       TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating series catalog: %w", err)
	}

	slog.Info("sqlite store opened", "path", dbPath)
	return newSQLStore(db, sqliteDialect{}), nil
}
