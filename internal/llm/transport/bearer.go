package transport

import "net/http"

// BearerToken authenticates with an Authorization header. Used for
// OpenAI and compatible gateways such as OpenRouter.
type BearerToken struct {
	APIKey string
}

func (t *BearerToken) Sign(req *http.Request, body []byte) error {
	if t.APIKey == "" {
		return ErrNoAPIKey
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	identify(req)
	return nil
}
