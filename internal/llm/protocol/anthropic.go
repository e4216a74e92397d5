package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

// AnthropicProtocol implements Protocol for Anthropic's Messages API.
type AnthropicProtocol struct{}

// ---------------------------------------------------------------------------
// API request types
// ---------------------------------------------------------------------------

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func strPtr(s string) *string { return &s }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Protocol implementation
// ---------------------------------------------------------------------------

func (p *AnthropicProtocol) ContentType() string {
	return "application/json"
}

func (p *AnthropicProtocol) EndpointPath() string {
	return "/v1/messages"
}

func (p *AnthropicProtocol) EncodeRequest(req Request) ([]byte, error) {
	msgs, err := convertAnthropicTurns(req.Turns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  msgs,
		Tools:     convertAnthropicTools(req.Tools),
		Stream:    true,
	})
}

func (p *AnthropicProtocol) NewDecoder(r io.Reader) stream.Source {
	return &anthropicDecoder{sse: newSSEReader(r), skip: map[int]bool{}}
}

func (p *AnthropicProtocol) ClassifyError(statusCode int, body []byte) error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrAuth
	default:
		var ae anthropicError
		if json.Unmarshal(body, &ae) == nil {
			msg := strings.ToLower(ae.Error.Message)
			if strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "context window") ||
				strings.Contains(msg, "token") && strings.Contains(msg, "exceed") {
				return fmt.Errorf("%w: %s", ErrContextOverflow, ae.Error.Message)
			}
		}
		return fmt.Errorf("anthropic API error (HTTP %d): %s", statusCode, string(body))
	}
}

// ---------------------------------------------------------------------------
// Turn conversion: tape → Anthropic
// ---------------------------------------------------------------------------

func convertAnthropicTurns(turns []tape.Turn) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(turns))
	for i, turn := range turns {
		var blocks []contentBlock
		for _, b := range turn.Blocks {
			switch b.Type {
			case tape.BlockText:
				text := b.Text
				if turn.Role == tape.RoleAssistant {
					text = strings.TrimRight(text, " \t\n\r")
				}
				if text == "" {
					continue
				}
				blocks = append(blocks, contentBlock{Type: "text", Text: strPtr(text)})
			case tape.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				raw, err := json.Marshal(input)
				if err != nil {
					return nil, fmt.Errorf("turn %d: encoding tool input for %s: %w", i, b.Name, err)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: raw})
			case tape.BlockToolResult:
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				})
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, contentBlock{Type: "text", Text: strPtr("(empty)")})
		}
		// A turn that ended early leaves two user turns in a row.
		if n := len(out); n > 0 && out[n-1].Role == string(turn.Role) {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropicMessage{Role: string(turn.Role), Content: blocks})
	}
	return out, nil
}

func convertAnthropicTools(tools []ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Stream decoding: Anthropic SSE → canonical events
// ---------------------------------------------------------------------------

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) canonical() stream.Usage {
	return stream.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

type anthropicDecoder struct {
	sse     *sseReader
	skip    map[int]bool // indices of block types we do not assemble (thinking, ...)
	stopped bool         // message_stop seen
}

func (d *anthropicDecoder) Close() error { return nil }

func (d *anthropicDecoder) Next() (stream.Event, error) {
	for {
		msg, err := d.sse.next()
		if errors.Is(err, io.EOF) && !d.stopped {
			return stream.Event{}, fmt.Errorf("%w: stream ended before message_stop: %w", ErrStream, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return stream.Event{}, err
		}
		if msg.Data == "" {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(msg.Data), &ev); err != nil {
			return stream.Event{}, fmt.Errorf("%w: decoding %q event: %v", ErrStream, msg.Event, err)
		}

		switch ev.Type {
		case "message_start":
			return stream.Event{Type: stream.EventMessageDelta, Usage: ev.Message.Usage.canonical()}, nil

		case "content_block_start":
			var kind stream.BlockKind
			switch ev.ContentBlock.Type {
			case "text":
				kind = stream.KindText
			case "tool_use":
				kind = stream.KindToolUse
			default:
				d.skip[ev.Index] = true
				continue
			}
			return stream.Event{
				Type:  stream.EventBlockStart,
				Index: ev.Index,
				Kind:  kind,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
				Text:  ev.ContentBlock.Text,
			}, nil

		case "content_block_delta":
			if d.skip[ev.Index] {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				return stream.Event{Type: stream.EventBlockDelta, Index: ev.Index, Text: ev.Delta.Text}, nil
			case "input_json_delta":
				return stream.Event{Type: stream.EventBlockDelta, Index: ev.Index, PartialJSON: ev.Delta.PartialJSON}, nil
			default:
				continue
			}

		case "content_block_stop":
			if d.skip[ev.Index] {
				delete(d.skip, ev.Index)
				continue
			}
			return stream.Event{Type: stream.EventBlockStop, Index: ev.Index}, nil

		case "message_delta":
			return stream.Event{
				Type:       stream.EventMessageDelta,
				StopReason: ev.Delta.StopReason,
				Usage:      ev.Usage.canonical(),
			}, nil

		case "message_stop":
			d.stopped = true
			return stream.Event{Type: stream.EventMessageStop}, nil

		case "error":
			return stream.Event{}, fmt.Errorf("%w: %s: %s", ErrStream, ev.Error.Type, ev.Error.Message)

		default:
			// ping and future event types
			continue
		}
	}
}
