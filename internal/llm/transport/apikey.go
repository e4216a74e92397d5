package transport

import "net/http"

// APIKeyHeader sends the key in a provider-specific header and pins the
// API version. Used for Anthropic.
type APIKeyHeader struct {
	HeaderName string
	APIKey     string
	Version    string // anthropic-version; omitted when empty
}

func (t *APIKeyHeader) Sign(req *http.Request, body []byte) error {
	if t.APIKey == "" {
		return ErrNoAPIKey
	}
	req.Header.Set(t.HeaderName, t.APIKey)
	if t.Version != "" {
		req.Header.Set("anthropic-version", t.Version)
	}
	identify(req)
	return nil
}
