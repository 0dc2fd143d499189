// Package credentials defines the client configuration record supplied by
// the external credential provider. The engine only reads it.
package credentials

import "strings"

// ClientAuthMethod selects how the client authenticates at the token endpoint.
type ClientAuthMethod string

const (
	AuthMethodSecretPost  ClientAuthMethod = "client_secret_post"
	AuthMethodSecretBasic ClientAuthMethod = "client_secret_basic"
	AuthMethodNone        ClientAuthMethod = "none"
)

// Credentials holds the client configuration for a flow run.
type Credentials struct {
	// EnvironmentID identifies the authorization server environment. The
	// issuer URL is derived from it unless Issuer is set explicitly.
	EnvironmentID string `json:"environment_id"`

	// Issuer is the authorization server's issuer URL used for discovery.
	Issuer string `json:"issuer"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`

	Scopes []string `json:"scopes"`

	UsePKCE          bool             `json:"use_pkce"`
	ClientAuthMethod ClientAuthMethod `json:"client_auth_method"`
}

// Scope returns the space-joined scope string for wire requests.
func (c Credentials) Scope() string {
	return strings.Join(c.Scopes, " ")
}

// HasOpenIDScope reports whether the openid scope is requested, which makes
// the server return an ID token.
func (c Credentials) HasOpenIDScope() bool {
	for _, s := range c.Scopes {
		if s == "openid" {
			return true
		}
	}
	return false
}

// NeedsClientSecret reports whether the configured auth method requires a
// client secret.
func (c Credentials) NeedsClientSecret() bool {
	switch c.ClientAuthMethod {
	case AuthMethodSecretPost, AuthMethodSecretBasic:
		return true
	}
	return false
}
