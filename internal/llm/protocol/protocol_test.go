package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

func drain(t *testing.T, src stream.Source) []stream.Event {
	t.Helper()
	var out []stream.Event
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func sampleTurns() []tape.Turn {
	return []tape.Turn{
		{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("make a page")}},
		{Role: tape.RoleAssistant, Blocks: []tape.Block{
			tape.TextBlock("Sure.  \n"),
			tape.ToolUseBlock("tu_1", "write_file", map[string]any{"path": "index.html", "content": "<h1>x</h1>"}),
			tape.ToolUseBlock("tu_2", "get_preview_url", nil),
		}},
		{Role: tape.RoleUser, Blocks: []tape.Block{
			tape.ToolResultBlock("tu_1", "File written", false),
			tape.ToolResultBlock("tu_2", "Error: boom", true),
		}},
	}
}

func TestFor(t *testing.T) {
	p, err := For("anthropic")
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProtocol{}, p)

	p, err = For("openai")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProtocol{}, p)

	_, err = For("gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

// ---------------------------------------------------------------------------
// SSE
// ---------------------------------------------------------------------------

func TestSSEReader(t *testing.T) {
	body := ": keepalive\n\nevent: a\ndata: one\n\ndata: two\ndata: lines\r\n\r\ndata: tail"
	r := newSSEReader(strings.NewReader(body))

	msg, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, sseMessage{Event: "a", Data: "one"}, msg)

	msg, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, "two\nlines", msg.Data)

	msg, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, "tail", msg.Data)

	_, err = r.next()
	assert.ErrorIs(t, err, io.EOF)
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

func TestAnthropicEncodeRequest(t *testing.T) {
	p := &AnthropicProtocol{}
	body, err := p.EncodeRequest(Request{
		Model:     "claude-sonnet-4-5",
		System:    "be brief",
		Turns:     sampleTurns(),
		Tools:     []ToolSchema{{Name: "get_preview_url", Description: "d"}},
		MaxTokens: 1024,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))

	assert.Equal(t, true, got["stream"])
	assert.Equal(t, "be brief", got["system"])
	assert.EqualValues(t, 1024, got["max_tokens"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 3)

	assistant := msgs[1].(map[string]any)
	blocks := assistant["content"].([]any)
	require.Len(t, blocks, 3)
	assert.Equal(t, "Sure.", blocks[0].(map[string]any)["text"], "trailing whitespace trimmed")
	// A tool call without arguments still carries an empty input object.
	assert.Equal(t, map[string]any{}, blocks[2].(map[string]any)["input"])

	results := msgs[2].(map[string]any)["content"].([]any)
	assert.Equal(t, "tu_2", results[1].(map[string]any)["tool_use_id"])
	assert.Equal(t, true, results[1].(map[string]any)["is_error"])

	tools := got["tools"].([]any)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
}

func TestAnthropicEncodeEmptyAssistantTurn(t *testing.T) {
	p := &AnthropicProtocol{}
	body, err := p.EncodeRequest(Request{Turns: []tape.Turn{
		{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("hi")}},
		{Role: tape.RoleAssistant, Blocks: []tape.Block{tape.TextBlock("")}},
	}})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"text":"(empty)"`)
}

func TestAnthropicEncodeMergesConsecutiveUserTurns(t *testing.T) {
	p := &AnthropicProtocol{}
	body, err := p.EncodeRequest(Request{Turns: []tape.Turn{
		{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("hi")}},
		{Role: tape.RoleAssistant, Blocks: []tape.Block{tape.ToolUseBlock("tu_1", "write_file", nil)}},
		{Role: tape.RoleUser, Blocks: []tape.Block{tape.ToolResultBlock("tu_1", "not executed", true)}},
		{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("next")}},
	}})
	require.NoError(t, err)

	var got struct {
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Messages, 3)

	last := got.Messages[2]
	assert.Equal(t, "user", last.Role)
	require.Len(t, last.Content, 2)
	assert.Equal(t, "tool_result", last.Content[0]["type"])
	assert.Equal(t, "next", last.Content[1]["text"])
}

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":512,"output_tokens":1}}}

event: ping
data: {"type":"ping"}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Writing "}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"it."}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"write_file","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\": \"a.html\","}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":" \"content\": \"<p>\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":77}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicDecodeStream(t *testing.T) {
	p := &AnthropicProtocol{}
	events := drain(t, p.NewDecoder(strings.NewReader(anthropicStream)))

	res := stream.Assemble(events, nil)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, "Writing it.", res.Blocks[0].Text)
	assert.Equal(t, "toolu_9", res.Blocks[1].ID)
	assert.Equal(t, map[string]any{"path": "a.html", "content": "<p>"}, res.Blocks[1].Input)
	assert.Equal(t, stream.StopToolUse, res.StopReason)
	assert.Equal(t, stream.Usage{InputTokens: 512, OutputTokens: 77}, res.Usage)

	assert.Equal(t, stream.EventMessageStop, events[len(events)-1].Type)
}

func TestAnthropicDecodeCutOff(t *testing.T) {
	body := `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"write_file","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\": \"a.html\", \"cont"}}

`
	_, err := stream.Collect(context.Background(), (&AnthropicProtocol{}).NewDecoder(strings.NewReader(body)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStream)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "message_stop")
}

func TestAnthropicDecodeErrorEvent(t *testing.T) {
	p := &AnthropicProtocol{}
	src := p.NewDecoder(strings.NewReader("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))

	_, err := src.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStream)
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestAnthropicDecodeGarbage(t *testing.T) {
	p := &AnthropicProtocol{}
	_, err := p.NewDecoder(strings.NewReader("data: {not json\n\n")).Next()
	assert.ErrorIs(t, err, ErrStream)
}

func TestAnthropicClassifyError(t *testing.T) {
	p := &AnthropicProtocol{}
	assert.ErrorIs(t, p.ClassifyError(401, nil), ErrAuth)
	assert.ErrorIs(t, p.ClassifyError(403, nil), ErrAuth)

	overflow := `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens > 200000 maximum"}}`
	assert.ErrorIs(t, p.ClassifyError(400, []byte(overflow)), ErrContextOverflow)

	other := p.ClassifyError(400, []byte(`{"error":{"type":"invalid_request_error","message":"bad tool"}}`))
	assert.NotErrorIs(t, other, ErrContextOverflow)
	assert.Contains(t, other.Error(), "HTTP 400")
}

// ---------------------------------------------------------------------------
// OpenAI
// ---------------------------------------------------------------------------

func TestOpenAIEncodeRequest(t *testing.T) {
	p := &OpenAIProtocol{}
	body, err := p.EncodeRequest(Request{
		Model:     "gpt-4o",
		System:    "sys",
		Turns:     sampleTurns(),
		MaxTokens: 256,
	})
	require.NoError(t, err)

	var got struct {
		Stream        bool `json:"stream"`
		StreamOptions struct {
			IncludeUsage bool `json:"include_usage"`
		} `json:"stream_options"`
		Messages []openaiMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &got))

	assert.True(t, got.Stream)
	assert.True(t, got.StreamOptions.IncludeUsage)
	require.Len(t, got.Messages, 5)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)

	assistant := got.Messages[2]
	require.Len(t, assistant.ToolCalls, 2)
	assert.JSONEq(t, `{"path":"index.html","content":"<h1>x</h1>"}`, assistant.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{}", assistant.ToolCalls[1].Function.Arguments)

	assert.Equal(t, "tool", got.Messages[3].Role)
	assert.Equal(t, "tu_1", got.Messages[3].ToolCallID)
	assert.Equal(t, "tu_2", got.Messages[4].ToolCallID)
}

func TestOpenAIEncodeToolResultsBeforeUserText(t *testing.T) {
	p := &OpenAIProtocol{}
	body, err := p.EncodeRequest(Request{Turns: []tape.Turn{{
		Role: tape.RoleUser,
		Blocks: []tape.Block{
			tape.TextBlock("continue"),
			tape.ToolResultBlock("c1", "not executed", true),
		},
	}}})
	require.NoError(t, err)

	var got struct {
		Messages []openaiMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "tool", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

const openaiStream = `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"On "},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"it."},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"write_file","arguments":""}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"a.css\","}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"content\":\"p{}\"}"}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"get_preview_url","arguments":"{}"}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":900,"completion_tokens":40}}

data: [DONE]

`

func TestOpenAIDecodeStream(t *testing.T) {
	p := &OpenAIProtocol{}
	events := drain(t, p.NewDecoder(strings.NewReader(openaiStream)))

	res := stream.Assemble(events, nil)
	require.Len(t, res.Blocks, 3)
	assert.Equal(t, "On it.", res.Blocks[0].Text)
	assert.Equal(t, "call_a", res.Blocks[1].ID)
	assert.Equal(t, "write_file", res.Blocks[1].Name)
	assert.Equal(t, map[string]any{"path": "a.css", "content": "p{}"}, res.Blocks[1].Input)
	assert.Equal(t, "call_b", res.Blocks[2].ID)
	assert.Equal(t, map[string]any{}, res.Blocks[2].Input)
	assert.Equal(t, stream.StopToolUse, res.StopReason)
	assert.Equal(t, stream.Usage{InputTokens: 900, OutputTokens: 40}, res.Usage)
	assert.Empty(t, res.Warnings)

	// Block boundaries are synthesized in order.
	var kinds []stream.EventType
	for _, ev := range events {
		if ev.Type == stream.EventBlockStart || ev.Type == stream.EventBlockStop {
			kinds = append(kinds, ev.Type)
		}
	}
	assert.Equal(t, []stream.EventType{
		stream.EventBlockStart, stream.EventBlockStop,
		stream.EventBlockStart, stream.EventBlockStop,
		stream.EventBlockStart, stream.EventBlockStop,
	}, kinds)
}

func TestOpenAIDecodeMissingToolID(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"list_files","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	events := drain(t, (&OpenAIProtocol{}).NewDecoder(strings.NewReader(body)))
	res := stream.Assemble(events, nil)
	require.Len(t, res.Blocks, 1)
	assert.True(t, strings.HasPrefix(res.Blocks[0].ID, "call_"))
}

func TestOpenAIDecodeWithoutDone(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"partial"},"finish_reason":null}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

`
	events := drain(t, (&OpenAIProtocol{}).NewDecoder(strings.NewReader(body)))
	res := stream.Assemble(events, nil)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, "partial", res.Blocks[0].Text)
	assert.Equal(t, stream.StopEnd, res.StopReason)
}

func TestOpenAIDecodeCutOff(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"write_file","arguments":"{\"path\": \"a.html\", \"cont"}}]},"finish_reason":null}]}

`
	_, err := stream.Collect(context.Background(), (&OpenAIProtocol{}).NewDecoder(strings.NewReader(body)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStream)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpenAIDecodeLength(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"cut"},"finish_reason":"length"}]}

data: [DONE]

`
	res := stream.Assemble(drain(t, (&OpenAIProtocol{}).NewDecoder(strings.NewReader(body))), nil)
	assert.Equal(t, stream.StopMaxTokens, res.StopReason)
}

func TestOpenAIDecodeErrorChunk(t *testing.T) {
	body := "data: {\"error\":{\"message\":\"upstream failed\"}}\n\n"
	_, err := (&OpenAIProtocol{}).NewDecoder(strings.NewReader(body)).Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStream)
}

func TestOpenAIClassifyError(t *testing.T) {
	p := &OpenAIProtocol{}
	assert.ErrorIs(t, p.ClassifyError(401, nil), ErrAuth)

	overflow := `{"error":{"message":"This model's maximum context length is 128000 tokens","code":"context_length_exceeded"}}`
	assert.ErrorIs(t, p.ClassifyError(400, []byte(overflow)), ErrContextOverflow)

	numericCode := `{"error":{"message":"bad","code":400}}`
	err := p.ClassifyError(400, []byte(numericCode))
	assert.NotErrorIs(t, err, ErrContextOverflow)
}
