package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/straja-ai/phiwatch/internal/config"
)

// Client is the runtime identity behind an API key.
type Client struct {
	ID string
}

// Auth holds mappings from API keys to clients. With no clients configured the API is open.
type Auth struct {
	apiKeyToClient map[string]Client
}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	m := make(map[string]Client)

	for _, c := range cfg.Clients {
		if c.ID == "" {
			return nil, fmt.Errorf("client with empty id in config")
		}
		for _, key := range c.APIKeys {
			if key == "" {
				continue
			}
			if existing, exists := m[key]; exists && existing.ID != c.ID {
				return nil, fmt.Errorf("api key is assigned to multiple clients (%q, %q)", existing.ID, c.ID)
			}
			m[key] = Client{ID: c.ID}
		}
	}

	return &Auth{
		apiKeyToClient: m,
	}, nil
}

// Open reports whether requests are accepted without a key.
func (a *Auth) Open() bool {
	return a == nil || len(a.apiKeyToClient) == 0
}

// Lookup returns the client for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil || apiKey == "" {
		return Client{}, false
	}
	for key, c := range a.apiKeyToClient {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return c, true
		}
	}
	return Client{}, false
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>" header value.
func ParseBearer(header string) (string, bool) {
	const prefix = "bearer "
	h := strings.TrimSpace(header)
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
