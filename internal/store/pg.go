package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type pgDialect struct{}

func (pgDialect) placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (pgDialect) registerSeries(db *sql.DB, series string) error {
	_, err := db.Exec("INSERT INTO callstorm_series (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", series)
	return err
}

// pgBootstrap is the versioned base schema; series tables themselves are
// created on demand per schema.
var pgBootstrap = map[string]string{
	"001_series_catalog": `CREATE TABLE IF NOT EXISTS callstorm_series (
		name       TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// OpenPG opens a pooled PostgreSQL connection and bootstraps the schema.
func OpenPG(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := pgMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return newSQLStore(db, pgDialect{}), nil
}

// pgMigrate applies pending bootstrap versions in order.
func pgMigrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	versions := make([]string, 0, len(pgBootstrap))
	for v := range pgBootstrap {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	for _, version := range versions {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(pgBootstrap[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		slog.Info("applied migration", "version", version)
	}
	return nil
}
