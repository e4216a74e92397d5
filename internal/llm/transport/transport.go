// Package transport signs model API requests for each provider.
package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// AnthropicVersion is the Messages API version sandcastle speaks.
const AnthropicVersion = "2023-06-01"

// UserAgent is sent with every model request. main sets the build version.
var UserAgent = "sandcastle/dev"

// ErrNoAPIKey is returned by Sign when no key was configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Transport handles authentication for API requests.
type Transport interface {
	// Sign adds authentication and identification headers to the request.
	Sign(req *http.Request, body []byte) error
}

// For returns the Transport for a provider. Only "openai" and
// "anthropic" are supported.
func For(apiType, apiKey string) (Transport, error) {
	switch apiType {
	case "anthropic":
		return &APIKeyHeader{HeaderName: "x-api-key", APIKey: apiKey, Version: AnthropicVersion}, nil
	case "openai":
		return &BearerToken{APIKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", apiType)
	}
}

func identify(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
}
