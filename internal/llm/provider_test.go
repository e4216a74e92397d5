package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

func init() {
	backoffBase = time.Millisecond
}

func newTestProvider(t *testing.T, apiType, base string) Provider {
	t.Helper()
	p, err := NewProvider(&config.Config{
		Provider:   apiType,
		APIKey:     "test-key",
		APIBase:    base,
		ModelID:    "test-model",
		MaxRetries: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		io.WriteString(w, l+"\n\n")
	}
}

// ---------------------------------------------------------------------------
// 1. NewProvider factory tests
// ---------------------------------------------------------------------------

func TestNewProvider(t *testing.T) {
	for _, apiType := range []string{"anthropic", "openai"} {
		p, err := NewProvider(&config.Config{Provider: apiType, APIKey: "k", ModelID: "m"}, zap.NewNop())
		require.NoError(t, err, apiType)
		assert.Equal(t, "m", p.Model())
	}
}

func TestNewProvider_Unsupported(t *testing.T) {
	_, err := NewProvider(&config.Config{Provider: "fakeprovider", APIKey: "k", ModelID: "m"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestBuildEndpoint(t *testing.T) {
	tests := []struct {
		base, apiType, want string
	}{
		{"", "anthropic", "https://api.anthropic.com/v1/messages"},
		{"", "openai", "https://api.openai.com/v1/chat/completions"},
		{"https://openrouter.ai/api/v1", "openai", "https://openrouter.ai/api/v1/chat/completions"},
		{"http://localhost:8080/", "anthropic", "http://localhost:8080/v1/messages"},
	}
	for _, tt := range tests {
		p := newTestProvider(t, tt.apiType, tt.base).(*provider)
		assert.Equal(t, tt.want, p.endpoint)
	}
}

// ---------------------------------------------------------------------------
// 2. Stream integration tests with mock servers
// ---------------------------------------------------------------------------

func TestStream_Anthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "sandcastle/dev", r.Header.Get("User-Agent"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "/v1/messages", r.URL.Path)

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Be brief.", req["system"])
		assert.Equal(t, true, req["stream"])
		assert.Equal(t, "test-model", req["model"])

		sse(w,
			`event: message_start`+"\n"+`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":0}}}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Writing "}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"it."}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"write_file"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"index"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":".html\"}"}}`,
			`data: {"type":"content_block_stop","index":1}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`,
			`data: {"type":"message_stop"}`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, "anthropic", srv.URL)
	src, err := p.Stream(context.Background(), Request{
		System: "Be brief.",
		Turns:  []tape.Turn{{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("make a page")}}},
	})
	require.NoError(t, err)

	res, err := stream.Collect(context.Background(), src, nil)
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, "Writing it.", res.Blocks[0].Text)
	assert.Equal(t, "tu_1", res.Blocks[1].ID)
	assert.Equal(t, map[string]any{"path": "index.html"}, res.Blocks[1].Input)
	assert.Equal(t, stream.StopToolUse, res.StopReason)
	assert.Equal(t, 12, res.Usage.InputTokens)
	assert.Equal(t, 30, res.Usage.OutputTokens)
}

func TestStream_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		sse(w,
			`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"read_file","arguments":"{\"path\":"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.txt\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7}}`,
			`data: [DONE]`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, "openai", srv.URL)
	src, err := p.Stream(context.Background(), Request{
		Turns: []tape.Turn{{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock("read it")}}},
	})
	require.NoError(t, err)

	res, err := stream.Collect(context.Background(), src, nil)
	require.NoError(t, err)
	require.Len(t, res.ToolUses(), 1)
	assert.Equal(t, "read_file", res.ToolUses()[0].Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, res.ToolUses()[0].Input)
	assert.Equal(t, stream.StopToolUse, res.StopReason)
	assert.Equal(t, 7, res.Usage.OutputTokens)
}

func TestStream_AuthError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, "anthropic", srv.URL)
	_, err := p.Stream(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStream_ContextOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, "anthropic", srv.URL)
	_, err := p.Stream(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrContextOverflow)
}

func TestStream_RetriesServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(500)
			return
		}
		sse(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`, `data: {"type":"message_stop"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, "anthropic", srv.URL)
	src, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)
	res, err := stream.Collect(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, stream.StopEnd, res.StopReason)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStream_ErrorEventMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
			`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, "anthropic", srv.URL)
	src, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)
	res, err := stream.Collect(context.Background(), src, nil)
	assert.ErrorIs(t, err, ErrStream)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, "partial", res.Blocks[0].Text)
}

// ---------------------------------------------------------------------------
// 3. Retry logic tests
// ---------------------------------------------------------------------------

func TestRetryWithBackoff_SuccessOnFirst(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	resp, err := retryWithBackoff(context.Background(), zap.NewNop(), 3, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_429Retries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 5 {
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	resp, err := retryWithBackoff(context.Background(), zap.NewNop(), 5, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_5xxCappedAtThree(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	resp, err := retryWithBackoff(context.Background(), zap.NewNop(), 10, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_NoRetryOn403(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(403)
	}))
	defer srv.Close()

	resp, err := retryWithBackoff(context.Background(), zap.NewNop(), 5, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_UnexpectedStatusRetriedOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(418)
	}))
	defer srv.Close()

	resp, err := retryWithBackoff(context.Background(), zap.NewNop(), 5, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 418, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_NetworkError(t *testing.T) {
	var calls int32
	netErr := errors.New("connection refused")
	_, err := retryWithBackoff(context.Background(), zap.NewNop(), 5, func() (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, netErr
	})
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	_, err := retryWithBackoff(ctx, zap.NewNop(), 5, func() (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
		return nil, errors.New("dial failed")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDrainAndCloseNil(t *testing.T) {
	drainAndClose(nil)
	drainAndClose(&http.Response{Body: io.NopCloser(strings.NewReader("x"))})
}
