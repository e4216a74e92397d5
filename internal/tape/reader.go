package tape

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Transcript is the read-side counterpart to Writer: the header, the
// turns, and the notices of a finished or running session.
type Transcript struct {
	SessionID string
	ModelID   string
	CreatedAt int64
	Turns     []Turn
	Notices   []TranscriptNotice
}

// TranscriptNotice is a notice entry read back from a transcript.
type TranscriptNotice struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ReadTranscriptFile reads and parses a complete JSONL transcript from disk.
func ReadTranscriptFile(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %q: %w", path, err)
	}
	defer f.Close()

	return ReadTranscript(f)
}

// ReadTranscript parses a JSONL transcript stream. Unknown entry types
// are skipped so older readers tolerate newer writers.
func ReadTranscript(r io.Reader) (*Transcript, error) {
	scanner := bufio.NewScanner(r)
	// Tool results can be big.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	tr := &Transcript{}

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("line %d: unmarshal entry: %w", lineNum, err)
		}

		switch entry.Type {
		case "meta":
			if tr.SessionID != "" {
				continue
			}
			var meta struct {
				SessionID string `json:"session_id"`
				ModelID   string `json:"model_id"`
				CreatedAt int64  `json:"created_at"`
			}
			if err := json.Unmarshal(entry.Data, &meta); err != nil {
				return nil, fmt.Errorf("line %d: unmarshal meta: %w", lineNum, err)
			}
			tr.SessionID = meta.SessionID
			tr.ModelID = meta.ModelID
			tr.CreatedAt = meta.CreatedAt

		case "turn":
			var turn Turn
			if err := json.Unmarshal(entry.Data, &turn); err != nil {
				return nil, fmt.Errorf("line %d: unmarshal turn: %w", lineNum, err)
			}
			tr.Turns = append(tr.Turns, turn)

		case "notice":
			var n TranscriptNotice
			if err := json.Unmarshal(entry.Data, &n); err != nil {
				return nil, fmt.Errorf("line %d: unmarshal notice: %w", lineNum, err)
			}
			tr.Notices = append(tr.Notices, n)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}
	if lineNum == 0 {
		return nil, fmt.Errorf("empty transcript")
	}
	return tr, nil
}
