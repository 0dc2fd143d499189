// Package authorize constructs authorization request URLs and their
// correlation values (state, nonce) for redirect-based flows.
package authorize

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
)

// tokenBytes is the entropy of state and nonce values: 32 bytes is 256
// bits, comfortably above the 128-bit floor for unguessable tokens.
const tokenBytes = 32

// Request is the result of building an authorization request. Persisting
// State and Nonce into the flow state is the caller's responsibility.
type Request struct {
	URL   string `json:"url"`
	State string `json:"state"`
	Nonce string `json:"nonce,omitempty"` // empty for flows that do not return an ID token
}

// Builder constructs authorization redirect targets against a discovered
// authorization endpoint.
type Builder struct {
	authorizationEndpoint string
}

// NewBuilder creates a builder for the given authorization endpoint.
func NewBuilder(authorizationEndpoint string) *Builder {
	return &Builder{authorizationEndpoint: authorizationEndpoint}
}

// Build constructs the authorization URL for a redirect flow. The PKCE
// challenge and method are embedded only when a pair is supplied; a nil
// pair with UsePKCE set is a configuration error caught before any
// network activity.
func (b *Builder) Build(flowType flowdef.FlowType, creds credentials.Credentials, pair *pkce.Pair) (Request, error) {
	if !flowType.UsesRedirect() {
		return Request{}, flowerr.NewValidation("flow_type",
			fmt.Sprintf("%s flow does not use an authorization request", flowType))
	}
	if creds.UsePKCE && pair == nil {
		return Request{}, flowerr.NewValidation("pkce",
			"PKCE is enabled but no verifier/challenge pair has been generated")
	}

	state, err := randomToken()
	if err != nil {
		return Request{}, fmt.Errorf("generating state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", responseType(flowType))
	q.Set("client_id", creds.ClientID)
	q.Set("scope", creds.Scope())
	q.Set("state", state)
	if creds.RedirectURI != "" {
		q.Set("redirect_uri", creds.RedirectURI)
	}

	var nonce string
	if needsNonce(flowType, creds) {
		nonce, err = randomToken()
		if err != nil {
			return Request{}, fmt.Errorf("generating nonce: %w", err)
		}
		q.Set("nonce", nonce)
	}

	if pair != nil {
		q.Set("code_challenge", pair.Challenge)
		q.Set("code_challenge_method", pkce.Method)
	}

	u, err := url.Parse(b.authorizationEndpoint)
	if err != nil {
		return Request{}, fmt.Errorf("parsing authorization endpoint: %w", err)
	}
	u.RawQuery = q.Encode()

	return Request{URL: u.String(), State: state, Nonce: nonce}, nil
}

// responseType returns the OAuth response_type for a redirect flow.
func responseType(flowType flowdef.FlowType) string {
	switch flowType {
	case flowdef.FlowImplicit:
		return "token id_token"
	case flowdef.FlowHybrid:
		return "code id_token"
	default:
		return "code"
	}
}

// needsNonce reports whether the request must carry a nonce. Implicit and
// hybrid flows always return an ID token on the front channel; the
// authorization code flow returns one only when openid is requested.
func needsNonce(flowType flowdef.FlowType, creds credentials.Credentials) bool {
	switch flowType {
	case flowdef.FlowImplicit, flowdef.FlowHybrid:
		return true
	case flowdef.FlowAuthorizationCode:
		return creds.HasOpenIDScope()
	}
	return false
}

// randomToken returns a base64url-encoded token with tokenBytes of entropy.
func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
