package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CSVStore keeps one csv file per series under a directory. The header is
// written once when a series file is created; appends are synced to disk.
type CSVStore struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	schemas map[string]Schema
}

// NewCSVStore creates the directory if needed and returns an empty store.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &CSVStore{
		dir:     dir,
		files:   make(map[string]*os.File),
		schemas: make(map[string]Schema),
	}, nil
}

// Dir returns the store directory.
func (s *CSVStore) Dir() string { return s.dir }

// seriesFilename flattens a series name into a filename; derived operator
// series carry their parent name with a "-" separator.
func seriesFilename(series string) string {
	return strings.ReplaceAll(series, "/", "-") + ".csv"
}

// Append writes rows to the series file, creating it with a header row on
// first use.
func (s *CSVStore) Append(schema Schema, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[schema.Name]
	if !ok {
		path := filepath.Join(s.dir, seriesFilename(schema.Name))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("opening series %s: %w", schema.Name, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stating series %s: %w", schema.Name, err)
		}
		if info.Size() == 0 {
			w := csv.NewWriter(f)
			if err := w.Write(schema.Columns()); err == nil {
				w.Flush()
			}
			if err := w.Error(); err != nil {
				f.Close()
				return fmt.Errorf("writing header for %s: %w", schema.Name, err)
			}
		}
		s.files[schema.Name] = f
		s.schemas[schema.Name] = schema
	}

	w := csv.NewWriter(f)
	for _, row := range rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("appending to %s: %w", schema.Name, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("appending to %s: %w", schema.Name, err)
	}
	return f.Sync()
}

// Read loads every row of a series. Values parse under the schema seen at
// append time; series only present on disk read back as strings.
func (s *CSVStore) Read(series string) ([]Row, error) {
	s.mu.Lock()
	schema, known := s.schemas[series]
	s.mu.Unlock()

	path := filepath.Join(s.dir, seriesFilename(series))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening series %s: %w", series, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading series %s: %w", series, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] { // skip header
		row := make(Row, len(record))
		for i, cell := range record {
			if known && i < len(schema.Fields) {
				v, err := parseValue(schema.Fields[i].Kind, cell)
				if err != nil {
					return nil, fmt.Errorf("parsing %s row: %w", series, err)
				}
				row[i] = v
			} else {
				row[i] = cell
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close syncs and closes every open series file.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing series %s: %w", name, err)
		}
		delete(s.files, name)
	}
	return firstErr
}

// MultiwriteCSV dumps a set of frames into a directory, one file per
// series.
func MultiwriteCSV(dir string, frames []Frame) error {
	s, err := NewCSVStore(dir)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		if err := s.Append(fr.Schema, fr.Rows); err != nil {
			s.Close()
			return err
		}
	}
	return s.Close()
}

// MultireadCSV loads every csv file in a directory. Base series come
// first and derived operator files (carrying a "-" in the name) last, each
// group in name order. Cell values are strings; the writing schema is not
// recorded on disk.
func MultireadCSV(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".csv"))
	}
	sort.Slice(names, func(i, j int) bool {
		di := strings.Contains(names[i], "-")
		dj := strings.Contains(names[j], "-")
		if di != dj {
			return !di
		}
		return names[i] < names[j]
	})

	s := &CSVStore{dir: dir, files: map[string]*os.File{}, schemas: map[string]Schema{}}
	frames := make([]Frame, 0, len(names))
	for _, name := range names {
		rows, err := s.Read(name)
		if err != nil {
			return nil, err
		}
		fields := []Field{}
		if f, err := os.Open(filepath.Join(dir, name+".csv")); err == nil {
			if header, err := csv.NewReader(f).Read(); err == nil {
				for _, col := range header {
					fields = append(fields, Field{Name: col, Kind: String})
				}
			}
			f.Close()
		}
		frames = append(frames, Frame{
			Schema: Schema{Name: name, Fields: fields},
			Rows:   rows,
		})
	}
	return frames, nil
}
