package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var csvHeader = []string{"timestamp", "event_type", "tx_hash"}

// CSVSink appends records to a CSV file with the header
// timestamp,event_type,tx_hash.
type CSVSink struct {
	mu   sync.Mutex
	path string
}

// NewCSVSink prepares the file at path, writing the header when the file is
// missing or empty. An existing file that does not end in a newline gets one,
// so the first appended row starts on its own line.
func NewCSVSink(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat audit file %s: %w", path, err)
	}
	if info.Size() == 0 {
		w := csv.NewWriter(file)
		if err := w.Write(csvHeader); err != nil {
			return nil, fmt.Errorf("write audit header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("write audit header: %w", err)
		}
		return &CSVSink{path: path}, nil
	}

	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return nil, fmt.Errorf("read audit file %s: %w", path, err)
	}
	if last[0] != '\n' {
		if _, err := file.Write([]byte{'\n'}); err != nil {
			return nil, fmt.Errorf("terminate audit file %s: %w", path, err)
		}
	}
	return &CSVSink{path: path}, nil
}

// Path returns the file the sink writes to.
func (s *CSVSink) Path() string { return s.path }

// Append implements Sink.
func (s *CSVSink) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file %s: %w", s.path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{record.Timestamp.UTC().Format(time.RFC3339), string(record.Kind), record.Hash}); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	w.Flush()
	return w.Error()
}
