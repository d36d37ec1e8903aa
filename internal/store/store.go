// Package store persists measurement rows collected during load runs. A
// DataStorer buffers rows through a fixed ring and flushes full buffers to
// a pluggable backing Store; CSV, SQLite, and PostgreSQL backends are
// provided.
package store

import (
	"fmt"
	"strconv"
)

// MinStrWidth is the declared minimum capacity of string columns in the
// SQL backends.
const MinStrWidth = 30

// Kind is a column's value type.
type Kind int

const (
	String Kind = iota
	Float
	Int
)

// Field is one named, typed column.
type Field struct {
	Name string
	Kind Kind
}

// Schema names a data series and declares its columns. Rows appended under
// a schema carry values in field order.
type Schema struct {
	Name   string
	Fields []Field
}

// Columns returns the field names in order.
func (s Schema) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Row is one record's values in schema field order.
type Row []any

// Store is an append-only row sink holding one table per data series.
type Store interface {
	// Append persists rows under the schema's series, creating it on
	// first use.
	Append(schema Schema, rows []Row) error
	// Read returns all rows persisted under a series, in append order.
	Read(series string) ([]Row, error)
	Close() error
}

// Frame is a series snapshot: its schema plus all rows.
type Frame struct {
	Schema Schema
	Rows   []Row
}

// formatValue renders one cell for text storage.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// parseValue reads one cell back under the field's declared kind.
func parseValue(kind Kind, s string) (any, error) {
	switch kind {
	case Float:
		if s == "" {
			return float64(0), nil
		}
		return strconv.ParseFloat(s, 64)
	case Int:
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	default:
		return s, nil
	}
}
