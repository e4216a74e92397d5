// Package stream turns a model's incremental event stream into complete
// content blocks. The assembler is a synchronous fold over canonical
// events; wire decoding lives in llm/protocol.
package stream

import (
	"context"
	"errors"
	"io"
)

// EventType names a canonical stream event. The values follow the
// Anthropic Messages streaming vocabulary; other providers are translated
// into it.
type EventType string

const (
	EventBlockStart   EventType = "content_block_start"
	EventBlockDelta   EventType = "content_block_delta"
	EventBlockStop    EventType = "content_block_stop"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"
)

// BlockKind is the kind of content block an event refers to.
type BlockKind string

const (
	KindText    BlockKind = "text"
	KindToolUse BlockKind = "tool_use"
)

// Usage reports token consumption for one streamed response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one canonical provider event. Only the fields relevant to Type
// are set.
type Event struct {
	Type  EventType
	Index int

	// block start
	Kind BlockKind
	ID   string
	Name string

	// block delta: Text for text blocks, PartialJSON for tool_use blocks
	Text        string
	PartialJSON string

	// message delta: the provider's raw stop reason
	StopReason string

	// message start / message delta
	Usage Usage
}

// StopReason classifies why a response ended.
type StopReason string

const (
	StopToolUse   StopReason = "tool_use-pending"
	StopMaxTokens StopReason = "max_tokens_truncated"
	StopEnd       StopReason = "end"
)

// ParseStopReason maps provider stop reasons from both the Anthropic and
// OpenAI vocabularies.
func ParseStopReason(raw string) StopReason {
	switch raw {
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "max_tokens", "length":
		return StopMaxTokens
	default:
		return StopEnd
	}
}

// Source yields events one at a time. Next returns io.EOF after the last
// event.
type Source interface {
	Next() (Event, error)
	Close() error
}

// SliceSource replays canned events. Useful for tests and for replaying
// recorded responses.
type SliceSource struct {
	Events []Event
	Err    error // returned instead of io.EOF once Events are drained
	pos    int
}

func (s *SliceSource) Next() (Event, error) {
	if s.pos >= len(s.Events) {
		if s.Err != nil {
			return Event{}, s.Err
		}
		return Event{}, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	return ev, nil
}

func (s *SliceSource) Close() error { return nil }

// Collect drains src through a fresh Assembler. A message_stop or io.EOF
// ends the stream; any other error aborts it and is returned along with
// whatever was assembled so far.
func Collect(ctx context.Context, src Source, obs Observer) (Result, error) {
	defer src.Close()

	a := NewAssembler(obs)
	for {
		if err := ctx.Err(); err != nil {
			return a.Finish(), err
		}
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return a.Finish(), nil
		}
		if err != nil {
			return a.Finish(), err
		}
		a.Feed(ev)
		if ev.Type == EventMessageStop {
			return a.Finish(), nil
		}
	}
}
