package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/orientlog/internal/models"
)

// Storage is where the ingestion service persists decoded readings.
type Storage interface {
	Persist(r models.Reading) error
}

// CSVLog is an append-only CSV file of readings with a fixed header.
// The file is opened for each append and each read; no handle is held
// between calls.
type CSVLog struct {
	mu   sync.RWMutex
	path string
}

func NewCSVLog(path string) *CSVLog {
	return &CSVLog{path: path}
}

func (l *CSVLog) Path() string { return l.path }

// Init creates the log with its header row. An existing file is left as is,
// so restarts keep appending to the same log.
func (l *CSVLog) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	if err := writeRow(f, models.Header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	return f.Close()
}

// Persist appends one row for r.
func (l *CSVLog) Persist(r models.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if err := writeRow(f, r.Row()); err != nil {
		f.Close()
		return fmt.Errorf("append row: %w", err)
	}
	return f.Close()
}

func writeRow(w io.Writer, row []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Rows returns every data row of the log, header excluded.
func (l *CSVLog) Rows() ([][]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = len(models.Header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	// a log recreated by Persist after deletion has no header
	if len(rows) > 0 && isHeader(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows, nil
}

func isHeader(row []string) bool {
	for i, col := range models.Header {
		if row[i] != col {
			return false
		}
	}
	return true
}

// Tail returns up to the last n readings in log order.
func (l *CSVLog) Tail(n int) ([]models.Reading, error) {
	rows, err := l.Rows()
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := make([]models.Reading, 0, len(rows))
	for _, row := range rows {
		r, err := models.FromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteTo streams the raw log file to w.
func (l *CSVLog) WriteTo(w io.Writer) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	return io.Copy(w, f)
}
