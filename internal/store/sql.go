package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// dialect covers the differences between the SQL backends.
type dialect interface {
	placeholder(i int) string
	registerSeries(db *sql.DB, series string) error
}

// SQLStore keeps one table per series in a relational database. Appends
// run in one transaction per batch.
type SQLStore struct {
	db *sql.DB
	d  dialect

	mu      sync.Mutex
	schemas map[string]Schema
	tables  map[string]bool
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		d:       d,
		schemas: make(map[string]Schema),
		tables:  make(map[string]bool),
	}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// tableName flattens a series name into a SQL identifier.
func tableName(series string) string {
	return strings.ReplaceAll(series, "/", "_")
}

// columnType maps a field kind to its SQL column type. String columns get
// the declared minimum capacity.
func columnType(k Kind) string {
	switch k {
	case Float:
		return "DOUBLE PRECISION"
	case Int:
		return "BIGINT"
	default:
		return fmt.Sprintf("VARCHAR(%d)", MinStrWidth)
	}
}

// createTableDDL renders the series table definition.
func createTableDDL(schema Schema) string {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = fmt.Sprintf("%q %s", f.Name, columnType(f.Kind))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)",
		tableName(schema.Name), strings.Join(cols, ", "))
}

// insertSQL renders the batch insert statement for one row.
func (s *SQLStore) insertSQL(schema Schema) string {
	cols := make([]string, len(schema.Fields))
	marks := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = fmt.Sprintf("%q", f.Name)
		marks[i] = s.d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		tableName(schema.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

func (s *SQLStore) ensureTable(schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[schema.Name] {
		return nil
	}
	if _, err := s.db.Exec(createTableDDL(schema)); err != nil {
		return fmt.Errorf("creating table for %s: %w", schema.Name, err)
	}
	if err := s.d.registerSeries(s.db, schema.Name); err != nil {
		return fmt.Errorf("registering series %s: %w", schema.Name, err)
	}
	s.tables[schema.Name] = true
	s.schemas[schema.Name] = schema
	return nil
}

// Append inserts the batch transactionally, creating the series table on
// first use.
func (s *SQLStore) Append(schema Schema, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureTable(schema); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append to %s: %w", schema.Name, err)
	}
	stmt, err := tx.Prepare(s.insertSQL(schema))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing append to %s: %w", schema.Name, err)
	}
	for _, row := range rows {
		if _, err := stmt.Exec([]any(row)...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("appending to %s: %w", schema.Name, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append to %s: %w", schema.Name, err)
	}
	return nil
}

// Read loads every row of a series in insertion order. An unknown series
// reads as empty.
func (s *SQLStore) Read(series string) ([]Row, error) {
	s.mu.Lock()
	schema, known := s.schemas[series]
	s.mu.Unlock()
	if !known {
		return nil, nil
	}

	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = fmt.Sprintf("%q", f.Name)
	}
	q := fmt.Sprintf("SELECT %s FROM %q", strings.Join(cols, ", "), tableName(series))
	result, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("reading series %s: %w", series, err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		cells := make([]any, len(schema.Fields))
		ptrs := make([]any, len(schema.Fields))
		for i, f := range schema.Fields {
			switch f.Kind {
			case Float:
				cells[i] = new(float64)
			case Int:
				cells[i] = new(int64)
			default:
				cells[i] = new(string)
			}
			ptrs[i] = cells[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", series, err)
		}
		row := make(Row, len(cells))
		for i, c := range cells {
			switch v := c.(type) {
			case *float64:
				row[i] = *v
			case *int64:
				row[i] = int(*v)
			case *string:
				row[i] = *v
			}
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("reading series %s: %w", series, err)
	}
	return rows, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }
