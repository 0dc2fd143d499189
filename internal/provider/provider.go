package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
)

const defaultTimeout = 10 * time.Second

// Provider is an HTTP client bound to one authorization server.
type Provider struct {
	client    *http.Client
	issuer    string
	endpoints Endpoints
}

// Discover resolves an authorization server's endpoints from its OIDC
// discovery document. Endpoints beyond the core oauth2.Endpoint pair come
// from the raw discovery claims.
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering provider %s: %w", issuer, err)
	}

	var claims struct {
		DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
		IntrospectionEndpoint       string `json:"introspection_endpoint"`
		UserinfoEndpoint            string `json:"userinfo_endpoint"`
		RevocationEndpoint          string `json:"revocation_endpoint"`
		EndSessionEndpoint          string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&claims); err != nil {
		return nil, fmt.Errorf("reading discovery claims: %w", err)
	}

	endpoint := op.Endpoint()
	return &Provider{
		client: httpClient,
		issuer: issuer,
		endpoints: Endpoints{
			Authorization:       endpoint.AuthURL,
			Token:               endpoint.TokenURL,
			DeviceAuthorization: claims.DeviceAuthorizationEndpoint,
			Introspection:       claims.IntrospectionEndpoint,
			UserInfo:            claims.UserinfoEndpoint,
			Revocation:          claims.RevocationEndpoint,
			EndSession:          claims.EndSessionEndpoint,
		},
	}, nil
}

// New creates a provider with explicit endpoints, bypassing discovery.
func New(issuer string, endpoints Endpoints, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Provider{client: httpClient, issuer: issuer, endpoints: endpoints}
}

// Issuer returns the provider's issuer URL.
func (p *Provider) Issuer() string { return p.issuer }

// Endpoints returns the resolved endpoint set.
func (p *Provider) Endpoints() Endpoints { return p.endpoints }

// Token performs a token endpoint request with the given form values,
// applying the client authentication method from the credentials. OAuth
// error bodies are returned as *flowerr.ProtocolError.
func (p *Provider) Token(ctx context.Context, creds credentials.Credentials, form url.Values) (*TokenResponse, error) {
	body, err := p.postForm(ctx, p.endpoints.Token, creds, form)
	if err != nil {
		return nil, err
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	return &token, nil
}

// DeviceAuthorize requests a device and user code pair from the device
// authorization endpoint per RFC 8628 section 3.1.
func (p *Provider) DeviceAuthorize(ctx context.Context, creds credentials.Credentials) (*DeviceAuthorization, error) {
	if p.endpoints.DeviceAuthorization == "" {
		return nil, flowerr.NewValidation("device_authorization_endpoint",
			"authorization server does not advertise a device authorization endpoint")
	}

	form := url.Values{"scope": {creds.Scope()}}
	body, err := p.postForm(ctx, p.endpoints.DeviceAuthorization, creds, form)
	if err != nil {
		return nil, err
	}

	var da DeviceAuthorization
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("parsing device authorization response: %w", err)
	}
	da.ExpiresAt = time.Now().Add(time.Duration(da.ExpiresIn) * time.Second)
	return &da, nil
}

// Introspect queries the introspection endpoint for a token per RFC 7662.
func (p *Provider) Introspect(ctx context.Context, creds credentials.Credentials, token string) (*Introspection, error) {
	if p.endpoints.Introspection == "" {
		return nil, flowerr.NewValidation("introspection_endpoint",
			"authorization server does not advertise an introspection endpoint")
	}

	form := url.Values{"token": {token}}
	body, err := p.postForm(ctx, p.endpoints.Introspection, creds, form)
	if err != nil {
		return nil, err
	}

	var info Introspection
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing introspection response: %w", err)
	}
	return &info, nil
}

// UserInfo fetches profile claims with a bearer access token.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if p.endpoints.UserInfo == "" {
		return nil, flowerr.NewValidation("userinfo_endpoint",
			"authorization server does not advertise a userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, oauthError(resp.StatusCode, body)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("parsing userinfo response: %w", err)
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a fresh token set.
func (p *Provider) Refresh(ctx context.Context, creds credentials.Credentials, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return p.Token(ctx, creds, form)
}

// Revoke revokes an access or refresh token per RFC 7009.
func (p *Provider) Revoke(ctx context.Context, creds credentials.Credentials, token string) error {
	if p.endpoints.Revocation == "" {
		return flowerr.NewValidation("revocation_endpoint",
			"authorization server does not advertise a revocation endpoint")
	}
	_, err := p.postForm(ctx, p.endpoints.Revocation, creds, url.Values{"token": {token}})
	return err
}

// CheckHealth verifies the authorization server is reachable.
func (p *Provider) CheckHealth(ctx context.Context) error {
	wellKnown := strings.TrimSuffix(p.issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authorization server unavailable: %s", resp.Status)
	}
	return nil
}

// postForm sends an application/x-www-form-urlencoded POST with client
// authentication applied and returns the raw body of a 200 response.
func (p *Provider) postForm(ctx context.Context, endpoint string, creds credentials.Credentials, form url.Values) ([]byte, error) {
	form = applyClientAuth(creds, form)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if creds.ClientAuthMethod == credentials.AuthMethodSecretBasic {
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, oauthError(resp.StatusCode, body)
	}
	return body, nil
}

// applyClientAuth adds form-level client credentials. The basic auth
// header is applied separately by postForm.
func applyClientAuth(creds credentials.Credentials, form url.Values) url.Values {
	switch creds.ClientAuthMethod {
	case credentials.AuthMethodSecretBasic:
		// Credentials travel in the Authorization header only.
	case credentials.AuthMethodSecretPost:
		form.Set("client_id", creds.ClientID)
		form.Set("client_secret", creds.ClientSecret)
	default:
		form.Set("client_id", creds.ClientID)
	}
	return form
}

// oauthError decodes an error body into a ProtocolError, falling back to a
// generic error when the body is not a standard OAuth error shape.
func oauthError(status int, body []byte) error {
	var errResp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &flowerr.ProtocolError{Code: errResp.Error, Description: errResp.ErrorDescription}
	}
	return fmt.Errorf("authorization server returned %d: %s", status, strings.TrimSpace(string(body)))
}
