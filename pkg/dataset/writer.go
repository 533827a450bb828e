// Package dataset appends (features, stage, outcome) records for offline
// training. Writes happen on a background goroutine fed by a bounded
// channel; a full channel drops the record rather than stall the caller.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const dumpFileMode = 0600

// Input is the model-facing half of a record.
type Input struct {
	Feature  map[string]int64 `json:"feature"`
	Pass     string           `json:"pass"`
	Position int              `json:"position"`
}

// Record is one line of the dump.
type Record struct {
	IRName   string `json:"IR_name"`
	Input    Input  `json:"input"`
	Modified bool   `json:"modified"`
}

// Writer is an append-only, process-tagged JSONL sink.
type Writer struct {
	path    string
	file    *os.File
	records chan Record
	done    chan struct{}
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	written atomic.Int64
	dropped atomic.Int64
}

// Open creates dir if needed and starts a writer on
// pass_data_<pid>_<tag>.jsonl. buffer bounds the pending records.
func Open(dir string, buffer int, logger *slog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("dump directory is required")
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}

	tag := uuid.NewString()[:8]
	path := filepath.Join(dir, fmt.Sprintf("pass_data_%d_%s.jsonl", os.Getpid(), tag))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, dumpFileMode)
	if err != nil {
		return nil, fmt.Errorf("open dump file: %w", err)
	}

	w := &Writer{
		path:    path,
		file:    file,
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.loop()
	logger.Info("dataset dump enabled", "path", path)
	return w, nil
}

// Path is the dump file path.
func (w *Writer) Path() string {
	return w.path
}

// Submit queues r without blocking. It reports false if r was dropped.
func (w *Writer) Submit(r Record) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.records <- r:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Written is the number of records flushed to disk.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Dropped is the number of records discarded.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) loop() {
	defer close(w.done)
	buf := bufio.NewWriter(w.file)
	enc := json.NewEncoder(buf)
	for r := range w.records {
		if err := enc.Encode(r); err != nil {
			w.logger.Warn("dataset record dropped", "error", err)
			w.dropped.Add(1)
			continue
		}
		w.written.Add(1)
		if len(w.records) == 0 {
			if err := buf.Flush(); err != nil {
				w.logger.Warn("dataset flush failed", "error", err)
			}
		}
	}
	if err := buf.Flush(); err != nil {
		w.logger.Warn("dataset flush failed", "error", err)
	}
}

// Close drains pending records and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.records)
	w.mu.Unlock()

	<-w.done
	return w.file.Close()
}
