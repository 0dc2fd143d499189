// Package exchange coordinates token endpoint exchanges: trading an
// authorization code for tokens exactly once, and direct grants for the
// client_credentials and resource-owner password flows. All preconditions
// are checked before any network call.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// ErrAlreadyExchanged indicates the flow state already holds tokens.
// Authorization codes are single-use per RFC 6749; a second submission
// would be rejected by the server, so the coordinator fails fast locally.
var ErrAlreadyExchanged = errors.New("authorization code already exchanged for this flow run")

// TokenClient is the slice of the provider client the coordinator needs.
type TokenClient interface {
	Token(ctx context.Context, creds credentials.Credentials, form url.Values) (*provider.TokenResponse, error)
}

// Coordinator performs token exchanges with readiness gating.
type Coordinator struct {
	client TokenClient
	pkce   *pkce.Manager
}

// NewCoordinator creates a coordinator. The PKCE manager may be nil when
// no PKCE flows are served.
func NewCoordinator(client TokenClient, pkceManager *pkce.Manager) *Coordinator {
	return &Coordinator{client: client, pkce: pkceManager}
}

// CodeExchange describes an authorization-code exchange request.
type CodeExchange struct {
	FlowType flowdef.FlowType
	FlowID   string

	Code     string
	Verifier string // loaded via the PKCE manager when empty and PKCE is enabled

	// Exchanged is true when the flow state already holds an access
	// token; the exchange is then rejected without a network call.
	Exchanged bool
}

// Exchange trades an authorization code for tokens. Each failed
// precondition yields a distinct ValidationError; all are collected before
// returning so the caller can surface the full list.
func (c *Coordinator) Exchange(ctx context.Context, creds credentials.Credentials, req CodeExchange) (*provider.TokenResponse, error) {
	if req.Exchanged {
		return nil, ErrAlreadyExchanged
	}

	verifier := req.Verifier
	if creds.UsePKCE && verifier == "" && c.pkce != nil && req.FlowID != "" {
		// Redirects may land in a context that no longer holds the
		// verifier; recover it from the persisted pair.
		if pair, err := c.pkce.Load(ctx, req.FlowID); err == nil {
			verifier = pair.Verifier
		}
	}

	var errs flowerr.ValidationErrors
	if req.Code == "" {
		errs = append(errs, flowerr.NewValidation("authorization_code", "no authorization code to exchange"))
	}
	if creds.UsePKCE && verifier == "" {
		errs = append(errs, flowerr.NewValidation("code_verifier", "PKCE is enabled but no code verifier is available"))
	}
	if creds.ClientID == "" {
		errs = append(errs, flowerr.NewValidation("client_id", "client ID is required"))
	}
	if creds.Issuer == "" && creds.EnvironmentID == "" {
		errs = append(errs, flowerr.NewValidation("environment_id", "issuer or environment ID is required"))
	}
	// PKCE-protected public clients need not repeat the redirect URI at
	// the token endpoint.
	if !creds.UsePKCE && creds.RedirectURI == "" {
		errs = append(errs, flowerr.NewValidation("redirect_uri", "redirect URI is required when PKCE is disabled"))
	}
	if len(errs) > 0 {
		return nil, errs
	}

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {req.Code},
	}
	if creds.RedirectURI != "" {
		form.Set("redirect_uri", creds.RedirectURI)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	token, err := c.client.Token(ctx, creds, form)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return token, nil
}

// RequestDirect performs a grant that needs no authorization code:
// client_credentials or resource-owner password.
func (c *Coordinator) RequestDirect(ctx context.Context, flowType flowdef.FlowType, creds credentials.Credentials, username, password string) (*provider.TokenResponse, error) {
	var errs flowerr.ValidationErrors
	if creds.ClientID == "" {
		errs = append(errs, flowerr.NewValidation("client_id", "client ID is required"))
	}
	if creds.Issuer == "" && creds.EnvironmentID == "" {
		errs = append(errs, flowerr.NewValidation("environment_id", "issuer or environment ID is required"))
	}

	form := url.Values{"scope": {creds.Scope()}}
	switch flowType {
	case flowdef.FlowClientCredentials:
		if creds.ClientSecret == "" {
			errs = append(errs, flowerr.NewValidation("client_secret", "client credentials grant requires a client secret"))
		}
		form.Set("grant_type", "client_credentials")

	case flowdef.FlowROPC:
		if username == "" {
			errs = append(errs, flowerr.NewValidation("username", "username is required"))
		}
		if password == "" {
			errs = append(errs, flowerr.NewValidation("password", "password is required"))
		}
		form.Set("grant_type", "password")
		form.Set("username", username)
		form.Set("password", password)

	default:
		errs = append(errs, flowerr.NewValidation("flow_type",
			fmt.Sprintf("%s flow does not support a direct token request", flowType)))
	}
	if len(errs) > 0 {
		return nil, errs
	}

	token, err := c.client.Token(ctx, creds, form)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	return token, nil
}
