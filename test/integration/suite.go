// Package integration runs flow engine sessions against a mock OpenID
// Connect provider over real HTTP, covering discovery, the token and
// device authorization endpoints, and the polling loop.
package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
)

// MockProvider is an in-process authorization server. Token endpoint
// behavior is scripted per grant type.
type MockProvider struct {
	Server *httptest.Server

	mu sync.Mutex
	// PendingPolls is the number of authorization_pending responses the
	// device grant returns before succeeding.
	PendingPolls int
	// LastTokenForm is the most recent token request body.
	LastTokenForm url.Values
	tokenCalls    int
}

// NewMockProvider starts the mock server. The caller owns shutdown via
// t.Cleanup.
func NewMockProvider(t *testing.T) *MockProvider {
	t.Helper()
	m := &MockProvider{}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", m.handleDiscovery)
	r.Post("/oauth/token", m.handleToken)
	r.Post("/oauth/device", m.handleDeviceAuthorize)
	r.Post("/oauth/introspect", m.handleIntrospect)
	r.Get("/oauth/userinfo", m.handleUserInfo)

	m.Server = httptest.NewServer(r)
	t.Cleanup(m.Server.Close)
	return m
}

// Issuer returns the mock's issuer URL for discovery.
func (m *MockProvider) Issuer() string { return m.Server.URL }

// TokenCalls reports how many token requests arrived.
func (m *MockProvider) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

func (m *MockProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := m.Server.URL
	writeJSON(w, map[string]any{
		"issuer":                        base,
		"authorization_endpoint":        base + "/oauth/authorize",
		"token_endpoint":                base + "/oauth/token",
		"device_authorization_endpoint": base + "/oauth/device",
		"introspection_endpoint":        base + "/oauth/introspect",
		"userinfo_endpoint":             base + "/oauth/userinfo",
		"jwks_uri":                      base + "/oauth/jwks",
		"response_types_supported":      []string{"code", "token id_token", "code id_token"},
		"subject_types_supported":       []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (m *MockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "malformed form body")
		return
	}

	m.mu.Lock()
	m.tokenCalls++
	m.LastTokenForm = r.PostForm
	pending := m.PendingPolls > 0
	if pending {
		m.PendingPolls--
	}
	m.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			oauthError(w, "invalid_grant", "missing authorization code")
			return
		}
		m.writeTokens(w)

	case "urn:ietf:params:oauth:grant-type:device_code":
		if r.PostForm.Get("device_code") == "" {
			oauthError(w, "invalid_request", "missing device code")
			return
		}
		if pending {
			oauthError(w, "authorization_pending", "user has not yet approved")
			return
		}
		m.writeTokens(w)

	case "client_credentials", "password", "refresh_token":
		m.writeTokens(w)

	default:
		oauthError(w, "unsupported_grant_type", r.PostForm.Get("grant_type"))
	}
}

func (m *MockProvider) writeTokens(w http.ResponseWriter) {
	writeJSON(w, map[string]any{
		"access_token":  "mock-access-token",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "mock-refresh-token",
		"scope":         "openid profile",
	})
}

func (m *MockProvider) handleDeviceAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "malformed form body")
		return
	}
	if r.PostForm.Get("client_id") == "" {
		oauthError(w, "invalid_client", "missing client_id")
		return
	}
	writeJSON(w, map[string]any{
		"device_code":               "mock-device-code",
		"user_code":                 "BCDF-GHJK",
		"verification_uri":          m.Server.URL + "/device",
		"verification_uri_complete": m.Server.URL + "/device?user_code=BCDF-GHJK",
		"expires_in":                900,
		"interval":                  0,
	})
}

func (m *MockProvider) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "malformed form body")
		return
	}
	active := r.PostForm.Get("token") == "mock-access-token"
	writeJSON(w, map[string]any{
		"active":    active,
		"client_id": "integration-client",
		"scope":     "openid profile",
	})
}

func (m *MockProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer mock-access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"sub": "integration-user", "name": "Integration User"})
}

// TestCredentials returns a client configuration pointing at the mock.
func (m *MockProvider) TestCredentials(usePKCE bool) credentials.Credentials {
	return credentials.Credentials{
		EnvironmentID:    "integration",
		Issuer:           m.Server.URL,
		ClientID:         "integration-client",
		ClientSecret:     "integration-secret",
		RedirectURI:      "https://app.example.com/callback",
		Scopes:           []string{"openid", "profile"},
		UsePKCE:          usePKCE,
		ClientAuthMethod: credentials.AuthMethodSecretPost,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
	}
}

func oauthError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]string{"error": code, "error_description": description})
}
