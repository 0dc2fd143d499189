package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/engine"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// stubClient is an in-memory ProviderClient for handler tests.
type stubClient struct {
	mu         sync.Mutex
	tokenErr   error
	token      *provider.TokenResponse
	tokenCalls int
}

func (c *stubClient) Endpoints() provider.Endpoints {
	return provider.Endpoints{
		Authorization:       "https://auth.example.com/authorize",
		Token:               "https://auth.example.com/token",
		DeviceAuthorization: "https://auth.example.com/device",
		Introspection:       "https://auth.example.com/introspect",
		UserInfo:            "https://auth.example.com/userinfo",
	}
}

func (c *stubClient) Token(_ context.Context, _ credentials.Credentials, _ url.Values) (*provider.TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCalls++
	if c.tokenErr != nil {
		return nil, c.tokenErr
	}
	return c.token, nil
}

func (c *stubClient) DeviceAuthorize(_ context.Context, _ credentials.Credentials) (*provider.DeviceAuthorization, error) {
	return &provider.DeviceAuthorization{
		DeviceCode:      "dev-1",
		UserCode:        "BCDF-GHJK",
		VerificationURI: "https://auth.example.com/device/verify",
		ExpiresIn:       900,
		ExpiresAt:       time.Now().Add(15 * time.Minute),
	}, nil
}

func (c *stubClient) Introspect(_ context.Context, _ credentials.Credentials, _ string) (*provider.Introspection, error) {
	return &provider.Introspection{Active: true}, nil
}

func (c *stubClient) UserInfo(_ context.Context, _ string) (map[string]any, error) {
	return map[string]any{"sub": "user-1"}, nil
}

func (c *stubClient) Refresh(_ context.Context, _ credentials.Credentials, _ string) (*provider.TokenResponse, error) {
	return &provider.TokenResponse{AccessToken: "at-refreshed", TokenType: "Bearer"}, nil
}

func (c *stubClient) Revoke(_ context.Context, _ credentials.Credentials, _ string) error {
	return nil
}

func newTestServer(t *testing.T, client engine.ProviderClient) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	manager := pkce.NewManager(pkce.NewMemoryStore())
	srv := newServer(Config{ProviderTimeout: 5 * time.Second}, manager, redisClient, logrus.WithField("test", t.Name()))
	srv.newClient = func(context.Context, credentials.Credentials, *provider.Endpoints) (engine.ProviderClient, error) {
		return client, nil
	}
	t.Cleanup(srv.stopAll)
	return srv
}

func doJSON(t *testing.T, srv *server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func createFlow(t *testing.T, srv *server, flowType string, usePKCE bool) engine.Snapshot {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/flows", map[string]any{
		"flow_type": flowType,
		"credentials": map[string]any{
			"environment_id": "env-1",
			"issuer":         "https://auth.example.com/env-1",
			"client_id":      "client-1",
			"client_secret":  "secret-1",
			"redirect_uri":   "https://app.example.com/callback",
			"scopes":         []string{"openid", "profile"},
			"use_pkce":       usePKCE,
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create flow status = %d, body %s", w.Code, w.Body.String())
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snap
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleCreateFlowRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	w := doJSON(t, srv, http.MethodPost, "/flows", map[string]any{
		"flow_type":   "bogus",
		"credentials": map[string]any{"issuer": "https://auth.example.com"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	client := &stubClient{token: &provider.TokenResponse{AccessToken: "at-1", TokenType: "Bearer"}}
	srv := newTestServer(t, client)

	snap := createFlow(t, srv, "authorization_code", true)
	base := "/flows/" + snap.ID

	w := doJSON(t, srv, http.MethodPost, base+"/authorization-url", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authorization-url status = %d, body %s", w.Code, w.Body.String())
	}
	var authReq struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &authReq); err != nil {
		t.Fatalf("decoding authorization request: %v", err)
	}
	if authReq.State == "" {
		t.Fatal("authorization request has no state")
	}

	query := url.Values{"code": {"auth-code-1"}, "state": {authReq.State}}.Encode()
	w = doJSON(t, srv, http.MethodPost, base+"/callback", map[string]string{"query": query})
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPost, base+"/exchange", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, body %s", w.Code, w.Body.String())
	}
	var token provider.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &token); err != nil {
		t.Fatalf("decoding token: %v", err)
	}
	if token.AccessToken != "at-1" {
		t.Errorf("access token = %q", token.AccessToken)
	}

	// The exchange happens exactly once; a repeat is a conflict.
	w = doJSON(t, srv, http.MethodPost, base+"/exchange", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second exchange status = %d, want 409", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, base+"/introspect", nil)
	if w.Code != http.StatusOK {
		t.Errorf("introspect status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, base+"/userinfo", nil)
	if w.Code != http.StatusOK {
		t.Errorf("userinfo status = %d", w.Code)
	}
}

func TestCallbackCorrelationFailureReturns400(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	snap := createFlow(t, srv, "authorization_code", false)
	base := "/flows/" + snap.ID

	if w := doJSON(t, srv, http.MethodPost, base+"/authorization-url", nil); w.Code != http.StatusOK {
		t.Fatalf("authorization-url status = %d", w.Code)
	}

	query := url.Values{"code": {"auth-code-1"}, "state": {"forged"}}.Encode()
	w := doJSON(t, srv, http.MethodPost, base+"/callback", map[string]string{"query": query})
	if w.Code != http.StatusBadRequest {
		t.Errorf("forged-state callback status = %d, want 400", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Error != "correlation_failed" {
		t.Errorf("error code = %q, want correlation_failed", resp.Error)
	}
}

func TestStartPollingConflictWhileActive(t *testing.T) {
	// Pending responses and the default 5s interval keep the loop alive
	// for the duration of the test.
	client := &stubClient{tokenErr: &flowerr.ProtocolError{Code: flowerr.CodeAuthorizationPending}}
	srv := newTestServer(t, client)

	snap := createFlow(t, srv, "device_code", false)
	base := "/flows/" + snap.ID

	if w := doJSON(t, srv, http.MethodPost, base+"/device/authorize", nil); w.Code != http.StatusOK {
		t.Fatalf("device authorize status = %d, body %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, srv, http.MethodPost, base+"/device/poll/start", nil); w.Code != http.StatusAccepted {
		t.Fatalf("poll start status = %d, want 202", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, base+"/device/poll/start", nil); w.Code != http.StatusConflict {
		t.Errorf("second poll start status = %d, want 409", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, base+"/device/poll/stop", nil); w.Code != http.StatusOK {
		t.Errorf("poll stop status = %d", w.Code)
	}
	// After a stop, starting again is allowed.
	if w := doJSON(t, srv, http.MethodPost, base+"/device/poll/start", nil); w.Code != http.StatusAccepted {
		t.Errorf("restart status = %d, want 202", w.Code)
	}
}

func TestDeleteFlowRemovesIt(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	snap := createFlow(t, srv, "client_credentials", false)

	w := doJSON(t, srv, http.MethodDelete, "/flows/"+snap.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/flows/"+snap.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestStepNavigationOverHTTP(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	snap := createFlow(t, srv, "client_credentials", false)
	base := "/flows/" + snap.ID

	w := doJSON(t, srv, http.MethodPost, base+"/steps/next", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("next status = %d", w.Code)
	}
	var next engine.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if next.CurrentStep != 1 {
		t.Errorf("current step = %d, want 1", next.CurrentStep)
	}

	w = doJSON(t, srv, http.MethodPut, base+"/steps/current", map[string]int{"step": 99})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range goto status = %d, want 400", w.Code)
	}
}

func TestRequestTokenValidationDetails(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	// Missing client secret fails precondition checks before any network
	// call, with the field named in the error details.
	w := doJSON(t, srv, http.MethodPost, "/flows", map[string]any{
		"flow_type": "client_credentials",
		"credentials": map[string]any{
			"issuer":    "https://auth.example.com/env-1",
			"client_id": "client-1",
			"scopes":    []string{"api"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create flow status = %d", w.Code)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/flows/%s/token", snap.ID), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("token status = %d, want 400, body %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Error != "validation_failed" || len(resp.Details) == 0 {
		t.Errorf("error body = %+v, want validation_failed with details", resp)
	}
}
