// Package provider implements the HTTP client for the authorization
// server: endpoint discovery plus the token, device-authorization,
// introspection and userinfo exchanges.
package provider

import "time"

// Endpoints holds the discovered authorization server endpoint URLs.
type Endpoints struct {
	Authorization       string `json:"authorization_endpoint"`
	Token               string `json:"token_endpoint"`
	DeviceAuthorization string `json:"device_authorization_endpoint,omitempty"`
	Introspection       string `json:"introspection_endpoint,omitempty"`
	UserInfo            string `json:"userinfo_endpoint,omitempty"`
	Revocation          string `json:"revocation_endpoint,omitempty"`
	EndSession          string `json:"end_session_endpoint,omitempty"`
}

// TokenResponse is the standard OAuth2/OIDC token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DeviceAuthorization is the device authorization endpoint response per
// RFC 8628 section 3.2.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`

	// ExpiresAt is stamped by the engine when the response arrives.
	ExpiresAt time.Time `json:"-"`
}

// Introspection is the token introspection response per RFC 7662.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Iss       string `json:"iss,omitempty"`
}
