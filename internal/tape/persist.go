package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer appends transcript entries to ${dir}/${sessionID}.jsonl.
// The file is only held open during each write so it can be tailed
// while the session runs.
type Writer struct {
	path string
}

// NewWriter creates a Writer, creating dir if needed.
func NewWriter(dir, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcript dir %q: %w", dir, err)
	}
	return &Writer{path: filepath.Join(dir, sessionID+".jsonl")}, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string { return w.path }

// WriteEntry appends entry as one JSON line (open, write, sync, close).
func (w *Writer) WriteEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling transcript entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript %q: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing transcript entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	return nil
}
