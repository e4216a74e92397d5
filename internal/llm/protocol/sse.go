package protocol

import (
	"bufio"
	"io"
	"strings"
)

// sseMessage is one dispatched server-sent event.
type sseMessage struct {
	Event string
	Data  string
}

// sseReader splits a text/event-stream body into messages. Multiple data
// lines are joined with "\n"; comment lines are skipped.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	// Large tool inputs can arrive as a single data line.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &sseReader{scanner: scanner}
}

// next returns the next message, or io.EOF when the body is exhausted.
func (r *sseReader) next() (sseMessage, error) {
	var msg sseMessage
	var data []string
	pending := false

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			if pending {
				msg.Data = strings.Join(data, "\n")
				return msg, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseMessage{}, err
	}
	if pending {
		msg.Data = strings.Join(data, "\n")
		return msg, nil
	}
	return sseMessage{}, io.EOF
}
