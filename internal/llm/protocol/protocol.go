// Package protocol defines wire format conversion between the conversation
// tape and provider-specific streaming APIs.
package protocol

import (
	"fmt"
	"io"

	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tape"
)

// ToolSchema describes a tool that can be offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Request is everything a provider needs for one streamed completion.
type Request struct {
	Model     string
	System    string
	Turns     []tape.Turn
	Tools     []ToolSchema
	MaxTokens int
}

// Protocol defines how to encode requests and decode streamed responses
// for a specific API format.
type Protocol interface {
	// EncodeRequest converts the request to a provider-specific streaming
	// request body.
	EncodeRequest(req Request) ([]byte, error)

	// NewDecoder translates a streamed response body into canonical events.
	// Closing the returned source does not close r.
	NewDecoder(r io.Reader) stream.Source

	// ClassifyError interprets an error response body.
	ClassifyError(statusCode int, body []byte) error

	// ContentType returns the request Content-Type header value.
	ContentType() string

	// EndpointPath returns the API endpoint path (e.g., "/v1/messages").
	EndpointPath() string
}

// For returns the Protocol implementation for a given API type.
// Only "openai" and "anthropic" are supported.
func For(apiType string) (Protocol, error) {
	switch apiType {
	case "anthropic":
		return &AnthropicProtocol{}, nil
	case "openai":
		return &OpenAIProtocol{}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", apiType)
	}
}
