package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755
)

// Record is one confirmed decision.
type Record struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user_id"`
	System     string    `json:"system"`
	ApprovalID string    `json:"approval_id"`
	Status     string    `json:"status"`
	Comment    string    `json:"comments,omitempty"`
}

// Recorder persists audit records. Callers treat failures as best-effort.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Writer appends audit records to <stateDir>/audit.jsonl.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer rooted at the state dir.
func NewWriter(stateDir string) *Writer {
	return NewFileWriter(filepath.Join(stateDir, "audit.jsonl"))
}

// NewFileWriter creates an append-only audit writer at an explicit path.
func NewFileWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the JSONL file location.
func (w *Writer) Path() string { return w.path }

// Record writes one record as one JSONL line.
func (w *Writer) Record(_ context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}
