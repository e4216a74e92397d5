package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/llm/protocol"
	"github.com/kehao95/sandcastle/internal/llm/transport"
	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

// Re-export types from protocol package for API compatibility
type ToolSchema = protocol.ToolSchema

// Re-export errors from protocol package
var (
	ErrAuth            = protocol.ErrAuth
	ErrContextOverflow = protocol.ErrContextOverflow
	ErrStream          = protocol.ErrStream
)

// Request is one streamed completion request. The model id and token
// budget come from the provider unless overridden here.
type Request struct {
	Model  string // optional override
	System string
	Turns  []tape.Turn
	Tools  []ToolSchema
}

// Provider is the interface that all LLM backends must implement.
type Provider interface {
	// Stream opens a streamed response. The caller must Close the source.
	Stream(ctx context.Context, req Request) (stream.Source, error)
	Model() string
}

// provider implements Provider using composable protocol and transport.
type provider struct {
	proto      protocol.Protocol
	trans      transport.Transport
	endpoint   string
	model      string
	maxTokens  int
	maxRetries int
	client     *http.Client
	log        *zap.Logger
}

// NewProvider constructs a Provider for the given config.
func NewProvider(cfg *config.Config, log *zap.Logger) (Provider, error) {
	proto, err := protocol.For(cfg.Provider)
	if err != nil {
		return nil, err
	}

	trans, err := transport.For(cfg.Provider, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens(cfg.Provider)
	}

	return &provider{
		proto:      proto,
		trans:      trans,
		endpoint:   buildEndpoint(cfg.APIBase, cfg.Provider, proto),
		model:      cfg.ModelID,
		maxTokens:  maxTokens,
		maxRetries: cfg.MaxRetries,
		// No overall timeout: a streamed response may legitimately run for
		// minutes. Callers bound it with ctx.
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 2 * time.Minute,
		}},
		log: log.Named("llm"),
	}, nil
}

// buildEndpoint constructs the full API endpoint URL from base + protocol path.
func buildEndpoint(base, apiType string, proto protocol.Protocol) string {
	if base == "" {
		base = defaultAPIBase(apiType)
	}
	base = strings.TrimRight(base, "/")

	path := proto.EndpointPath()

	// For OpenAI-compatible APIs with custom base URLs,
	// the base may already include /v1; avoid doubling it.
	if strings.HasPrefix(path, "/v1/") && strings.HasSuffix(base, "/v1") {
		path = path[len("/v1"):]
	}

	return base + path
}

func defaultAPIBase(apiType string) string {
	switch apiType {
	case "anthropic":
		return "https://api.anthropic.com"
	case "openai":
		return "https://api.openai.com"
	default:
		return ""
	}
}

func defaultMaxTokens(apiType string) int {
	switch apiType {
	case "anthropic":
		return 16384
	default:
		return 4096
	}
}

func (p *provider) Model() string { return p.model }

// Stream sends the conversation and available tools to the model and
// returns the decoded event stream.
func (p *provider) Stream(ctx context.Context, req Request) (stream.Source, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := p.proto.EncodeRequest(protocol.Request{
		Model:     model,
		System:    req.System,
		Turns:     req.Turns,
		Tools:     req.Tools,
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	resp, err := retryWithBackoff(ctx, p.log, p.maxRetries, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", p.proto.ContentType())
		httpReq.Header.Set("Accept", "text/event-stream")

		if err := p.trans.Sign(httpReq, body); err != nil {
			return nil, fmt.Errorf("signing request: %w", err)
		}

		return p.client.Do(httpReq)
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, p.proto.ClassifyError(resp.StatusCode, respBody)
	}

	p.log.Debug("stream opened", zap.String("model", model), zap.Int("turns", len(req.Turns)))
	return &bodySource{Source: p.proto.NewDecoder(resp.Body), body: resp.Body}, nil
}

// bodySource closes the HTTP body along with the decoder.
type bodySource struct {
	stream.Source
	body io.Closer
}

func (s *bodySource) Close() error {
	s.Source.Close()
	return s.body.Close()
}
