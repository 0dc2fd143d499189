// Package engine ties the flow components together: the mutable FlowState
// record, the step state machine with derived completion, and the
// per-flow-run session that orchestrates PKCE, authorization requests,
// callbacks, device polling and token exchange.
package engine

import (
	"time"

	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// PollingStatus mirrors the device poller's progress inside FlowState.
type PollingStatus struct {
	IsPolling    bool       `json:"is_polling"`
	PollCount    int        `json:"poll_count"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// TokenSet is the terminal success artifact of a grant.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// FlowState is the mutable record evolved by the engine over a flow run.
// It is mutated only by discrete engine actions and by the device poller's
// event stream, never by display timers.
type FlowState struct {
	AuthorizationURL string `json:"authorization_url,omitempty"`
	State            string `json:"state,omitempty"`
	Nonce            string `json:"nonce,omitempty"`

	// CodeVerifier and CodeChallenge are always set and cleared together.
	CodeVerifier  string `json:"code_verifier,omitempty"`
	CodeChallenge string `json:"code_challenge,omitempty"`

	AuthorizationCode string `json:"authorization_code,omitempty"`

	DeviceCode              string     `json:"device_code,omitempty"`
	UserCode                string     `json:"user_code,omitempty"`
	VerificationURI         string     `json:"verification_uri,omitempty"`
	VerificationURIComplete string     `json:"verification_uri_complete,omitempty"`
	DeviceCodeExpiresAt     *time.Time `json:"device_code_expires_at,omitempty"`

	Polling PollingStatus `json:"polling"`

	// ROPC credentials are held in memory only for the exchange.
	Username string `json:"-"`
	Password string `json:"-"`

	Tokens   *TokenSet      `json:"tokens,omitempty"`
	UserInfo map[string]any `json:"user_info,omitempty"`

	Introspection *provider.Introspection `json:"introspection,omitempty"`
}

// NewFlowState creates an empty flow state.
func NewFlowState() *FlowState {
	return &FlowState{}
}

// HasTokens reports whether the run reached its terminal success state.
func (s *FlowState) HasTokens() bool {
	return s.Tokens != nil && s.Tokens.AccessToken != ""
}

// HasPKCEPair reports whether both halves of the PKCE pair are present.
func (s *FlowState) HasPKCEPair() bool {
	return s.CodeVerifier != "" && s.CodeChallenge != ""
}

// SetPKCEPair sets verifier and challenge together.
func (s *FlowState) SetPKCEPair(verifier, challenge string) {
	s.CodeVerifier = verifier
	s.CodeChallenge = challenge
}

// ClearPKCEPair clears verifier and challenge together.
func (s *FlowState) ClearPKCEPair() {
	s.CodeVerifier = ""
	s.CodeChallenge = ""
}

// DeviceCodeExpired reports whether the device code's hard expiry elapsed.
func (s *FlowState) DeviceCodeExpired(now time.Time) bool {
	return s.DeviceCodeExpiresAt != nil && now.After(*s.DeviceCodeExpiresAt)
}
