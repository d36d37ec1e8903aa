package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufSize is the ring capacity when none is configured.
const DefaultBufSize = 1 << 10

// enqueueWarnAfter is how long a producer may block on the row queue
// before a warning is logged.
const enqueueWarnAfter = 5 * time.Millisecond

// ErrStopped is returned by Append after Stop.
var ErrStopped = errors.New("store: data storer is stopped")

// StorerOptions tune a DataStorer at construction.
type StorerOptions struct {
	// BufSize is the ring capacity; the ring is flushed to the backing
	// store each time it fills. Default DefaultBufSize.
	BufSize int
	// QueueLen bounds the producer queue. Default BufSize.
	QueueLen int
	Logger   *slog.Logger
}

// DataStorer funnels rows from producers through a bounded queue into a
// single writer goroutine. The writer keeps the latest rows in a fixed
// ring and flushes the full ring to the backing store each time it wraps,
// so the store only ever sees whole-buffer batches and producers never
// wait on backend i/o.
type DataStorer struct {
	schema  Schema
	store   Store
	logger  *slog.Logger
	bufSize int

	queue chan Row
	done  chan struct{}

	closeMu sync.RWMutex
	stopped bool

	mu      sync.Mutex
	ring    []Row
	ri      int
	flushed int
}

// NewDataStorer starts the writer goroutine over the given backing store.
func NewDataStorer(schema Schema, st Store, opts StorerOptions) *DataStorer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := opts.BufSize
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	queueLen := opts.QueueLen
	if queueLen <= 0 {
		queueLen = bufSize
	}
	ds := &DataStorer{
		schema:  schema,
		store:   st,
		logger:  logger.With("component", "storer", "series", schema.Name),
		bufSize: bufSize,
		queue:   make(chan Row, queueLen),
		done:    make(chan struct{}),
		ring:    make([]Row, bufSize),
	}
	go ds.write()
	return ds
}

// Schema returns the series schema.
func (ds *DataStorer) Schema() Schema { return ds.schema }

// Store returns the backing store.
func (ds *DataStorer) Store() Store { return ds.store }

// Append queues one row for the writer. It blocks while the queue is full
// and warns when the wait exceeds the latency guard.
func (ds *DataStorer) Append(row Row) error {
	if len(row) != len(ds.schema.Fields) {
		return fmt.Errorf("store: row has %d values, schema %s has %d fields",
			len(row), ds.schema.Name, len(ds.schema.Fields))
	}
	ds.closeMu.RLock()
	defer ds.closeMu.RUnlock()
	if ds.stopped {
		return ErrStopped
	}
	start := time.Now()
	ds.queue <- row
	if wait := time.Since(start); wait > enqueueWarnAfter {
		ds.logger.Warn("queue append took too long", "wait", wait)
	}
	return nil
}

// Stop closes the queue, waits for the writer to flush the partial ring,
// and closes the backing store. Safe to call more than once.
func (ds *DataStorer) Stop() error {
	ds.closeMu.Lock()
	if ds.stopped {
		ds.closeMu.Unlock()
		return nil
	}
	ds.stopped = true
	close(ds.queue)
	ds.closeMu.Unlock()

	<-ds.done
	return ds.store.Close()
}

// write drains the queue into the ring, flushing the whole buffer each
// time it wraps. Closing the queue flushes whatever is left and exits.
func (ds *DataStorer) write() {
	defer close(ds.done)
	for row := range ds.queue {
		ds.mu.Lock()
		if ds.ri >= ds.bufSize && ds.ri%ds.bufSize == 0 {
			ds.flushLocked()
		}
		ds.ring[ds.ri%ds.bufSize] = row
		ds.ri++
		ds.mu.Unlock()
	}
	ds.mu.Lock()
	ds.flushLocked()
	ds.mu.Unlock()
}

// flushLocked appends every unflushed ring row to the backing store.
// Callers hold ds.mu. Rows that fail to flush are dropped; carrying them
// across a wrap would alias freshly written slots.
func (ds *DataStorer) flushLocked() {
	pending := ds.ri - ds.flushed
	if pending == 0 {
		return
	}
	if err := ds.store.Append(ds.schema, ds.ring[:pending]); err != nil {
		ds.logger.Error("flushing buffer failed, rows dropped", "rows", pending, "error", err)
	} else {
		ds.logger.Debug("flushed buffer", "rows", pending)
	}
	ds.flushed = ds.ri
}

// Buffer snapshots the rows held in the ring that have not been flushed.
func (ds *DataStorer) Buffer() []Row {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	pending := ds.ri - ds.flushed
	out := make([]Row, pending)
	copy(out, ds.ring[:pending])
	return out
}

// Data returns everything recorded for the series: store contents first,
// then the unflushed buffer.
func (ds *DataStorer) Data() ([]Row, error) {
	stored, err := ds.store.Read(ds.schema.Name)
	if err != nil {
		return nil, err
	}
	return append(stored, ds.Buffer()...), nil
}

// RowsBuffered returns the count of rows not yet flushed.
func (ds *DataStorer) RowsBuffered() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.ri - ds.flushed
}

// RowsFlushed returns the count of rows persisted to the backing store.
func (ds *DataStorer) RowsFlushed() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.flushed
}
