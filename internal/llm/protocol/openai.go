package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

// OpenAIProtocol implements Protocol for OpenAI's Chat Completions API.
// This is also compatible with OpenRouter, Novita, and other
// OpenAI-compatible APIs.
type OpenAIProtocol struct{}

// ---------------------------------------------------------------------------
// API request types
// ---------------------------------------------------------------------------

type openaiRequest struct {
	Model         string              `json:"model"`
	Messages      []openaiMessage     `json:"messages"`
	Tools         []openaiTool        `json:"tools,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions openaiStreamOptions `json:"stream_options"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Protocol implementation
// ---------------------------------------------------------------------------

func (p *OpenAIProtocol) ContentType() string {
	return "application/json"
}

func (p *OpenAIProtocol) EndpointPath() string {
	return "/v1/chat/completions"
}

func (p *OpenAIProtocol) EncodeRequest(req Request) ([]byte, error) {
	msgs, err := convertOpenAITurns(req.System, req.Turns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(openaiRequest{
		Model:         req.Model,
		Messages:      msgs,
		Tools:         convertOpenAITools(req.Tools),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: openaiStreamOptions{IncludeUsage: true},
	})
}

func (p *OpenAIProtocol) NewDecoder(r io.Reader) stream.Source {
	return &openaiDecoder{sse: newSSEReader(r), openTool: -1}
}

func (p *OpenAIProtocol) ClassifyError(statusCode int, body []byte) error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrAuth
	default:
		var oe openaiError
		if json.Unmarshal(body, &oe) == nil {
			msg := strings.ToLower(oe.Error.Message)
			code, _ := oe.Error.Code.(string)
			if code == "context_length_exceeded" || strings.Contains(msg, "maximum context length") ||
				(strings.Contains(msg, "token") && strings.Contains(msg, "exceed")) {
				return fmt.Errorf("%w: %s", ErrContextOverflow, oe.Error.Message)
			}
		}
		return fmt.Errorf("openai API error (HTTP %d): %s", statusCode, string(body))
	}
}

// ---------------------------------------------------------------------------
// Turn conversion: tape → OpenAI
// ---------------------------------------------------------------------------

func convertOpenAITurns(system string, turns []tape.Turn) ([]openaiMessage, error) {
	var out []openaiMessage
	if system != "" {
		out = append(out, openaiMessage{Role: "system", Content: system})
	}

	for i, turn := range turns {
		switch turn.Role {
		case tape.RoleAssistant:
			msg := openaiMessage{Role: "assistant", Content: turn.Text()}
			for _, b := range turn.ToolUses() {
				args, err := json.Marshal(b.Input)
				if err != nil {
					return nil, fmt.Errorf("turn %d: encoding tool input for %s: %w", i, b.Name, err)
				}
				if b.Input == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: openaiFunctionCall{Name: b.Name, Arguments: string(args)},
				})
			}
			out = append(out, msg)

		default:
			// Tool results must directly follow the assistant message that
			// requested them, so they go before any user text.
			for _, b := range turn.Blocks {
				if b.Type == tape.BlockToolResult {
					out = append(out, openaiMessage{Role: "tool", Content: b.Content, ToolCallID: b.ToolUseID})
				}
			}
			if text := turn.Text(); text != "" {
				out = append(out, openaiMessage{Role: "user", Content: text})
			}
		}
	}
	return out, nil
}

func convertOpenAITools(tools []ToolSchema) []openaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openaiTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Stream decoding: chat.completion.chunk → canonical events
// ---------------------------------------------------------------------------

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// openaiDecoder translates chunk deltas into block start/delta/stop events.
// Chunks carry no explicit block boundaries: a block closes when content
// of another kind (or another tool call index) begins, or at finish.
type openaiDecoder struct {
	sse      *sseReader
	pending  []stream.Event
	done     bool
	finished bool // a finish_reason was seen

	open     stream.BlockKind // "" when no block is open
	openTool int              // tool_calls index of the open tool block
	blocks   int              // canonical block index counter
}

func (d *openaiDecoder) Close() error { return nil }

func (d *openaiDecoder) Next() (stream.Event, error) {
	for len(d.pending) == 0 {
		if d.done {
			return stream.Event{}, io.EOF
		}
		if err := d.fill(); err != nil {
			return stream.Event{}, err
		}
	}
	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

func (d *openaiDecoder) fill() error {
	msg, err := d.sse.next()
	if errors.Is(err, io.EOF) {
		if !d.finished {
			return fmt.Errorf("%w: stream ended before finish_reason: %w", ErrStream, io.ErrUnexpectedEOF)
		}
		// Finished but no [DONE]: flush what we have.
		d.closeOpen()
		d.done = true
		return nil
	}
	if err != nil {
		return err
	}

	data := strings.TrimSpace(msg.Data)
	if data == "" {
		return nil
	}
	if data == "[DONE]" {
		d.closeOpen()
		d.emit(stream.Event{Type: stream.EventMessageStop})
		d.done = true
		return nil
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return fmt.Errorf("%w: decoding chunk: %v", ErrStream, err)
	}
	if chunk.Error != nil {
		return fmt.Errorf("%w: %s", ErrStream, chunk.Error.Message)
	}

	for _, choice := range chunk.Choices {
		if c := choice.Delta.Content; c != nil && *c != "" {
			if d.open != stream.KindText {
				d.closeOpen()
				d.open = stream.KindText
				d.emit(stream.Event{Type: stream.EventBlockStart, Index: d.blocks, Kind: stream.KindText})
			}
			d.emit(stream.Event{Type: stream.EventBlockDelta, Index: d.blocks, Text: *c})
		}

		for _, tc := range choice.Delta.ToolCalls {
			if d.open != stream.KindToolUse || tc.Index != d.openTool {
				d.closeOpen()
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				d.open = stream.KindToolUse
				d.openTool = tc.Index
				d.emit(stream.Event{
					Type:  stream.EventBlockStart,
					Index: d.blocks,
					Kind:  stream.KindToolUse,
					ID:    id,
					Name:  tc.Function.Name,
				})
			}
			if tc.Function.Arguments != "" {
				d.emit(stream.Event{Type: stream.EventBlockDelta, Index: d.blocks, PartialJSON: tc.Function.Arguments})
			}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finished = true
			d.closeOpen()
			d.emit(stream.Event{Type: stream.EventMessageDelta, StopReason: *choice.FinishReason})
		}
	}

	if chunk.Usage != nil {
		d.emit(stream.Event{
			Type: stream.EventMessageDelta,
			Usage: stream.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			},
		})
	}
	return nil
}

func (d *openaiDecoder) emit(ev stream.Event) {
	d.pending = append(d.pending, ev)
}

func (d *openaiDecoder) closeOpen() {
	if d.open == "" {
		return
	}
	d.emit(stream.Event{Type: stream.EventBlockStop, Index: d.blocks})
	d.blocks++
	d.open = ""
	d.openTool = -1
}
