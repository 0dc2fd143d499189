package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
)

func testCreds() credentials.Credentials {
	return credentials.Credentials{
		Issuer:           "https://auth.example.com",
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		Scopes:           []string{"openid"},
		ClientAuthMethod: credentials.AuthMethodSecretPost,
	}
}

func TestTokenSuccess(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "at-1",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
			Scope:       "openid",
		})
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{Token: srv.URL + "/token"}, srv.Client())
	token, err := p.Token(context.Background(), testCreds(), map[string][]string{
		"grant_type": {"client_credentials"},
	})
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	want := &TokenResponse{AccessToken: "at-1", TokenType: "Bearer", ExpiresIn: 3600, Scope: "openid"}
	if diff := cmp.Diff(want, token); diff != "" {
		t.Errorf("Token() mismatch (-want +got):\n%s", diff)
	}

	if gotForm["client_id"] != "client-1" || gotForm["client_secret"] != "secret-1" {
		t.Errorf("client_secret_post credentials not applied: %v", gotForm)
	}
}

func TestTokenBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-1" || pass != "secret-1" {
			t.Errorf("basic auth = %q/%q (ok=%v)", user, pass, ok)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("client_secret") != "" {
			t.Error("client_secret must not travel in the form with basic auth")
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at-1"})
	}))
	defer srv.Close()

	creds := testCreds()
	creds.ClientAuthMethod = credentials.AuthMethodSecretBasic

	p := New(srv.URL, Endpoints{Token: srv.URL + "/token"}, srv.Client())
	if _, err := p.Token(context.Background(), creds, map[string][]string{}); err != nil {
		t.Fatalf("Token() error: %v", err)
	}
}

func TestTokenOAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{Token: srv.URL + "/token"}, srv.Client())
	_, err := p.Token(context.Background(), testCreds(), map[string][]string{})

	var pe *flowerr.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Token() error = %v, want ProtocolError", err)
	}
	if pe.Code != "invalid_grant" || pe.Description != "code expired" {
		t.Errorf("ProtocolError = %+v, want server values verbatim", pe)
	}
}

func TestDeviceAuthorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DeviceAuthorization{
			DeviceCode:              "dev-code-1",
			UserCode:                "BCDF-GHJK",
			VerificationURI:         "https://auth.example.com/device",
			VerificationURIComplete: "https://auth.example.com/device?user_code=BCDF-GHJK",
			ExpiresIn:               600,
			Interval:                5,
		})
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{DeviceAuthorization: srv.URL + "/device"}, srv.Client())
	da, err := p.DeviceAuthorize(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("DeviceAuthorize() error: %v", err)
	}

	want := &DeviceAuthorization{
		DeviceCode:              "dev-code-1",
		UserCode:                "BCDF-GHJK",
		VerificationURI:         "https://auth.example.com/device",
		VerificationURIComplete: "https://auth.example.com/device?user_code=BCDF-GHJK",
		ExpiresIn:               600,
		Interval:                5,
	}
	if diff := cmp.Diff(want, da, cmpopts.IgnoreFields(DeviceAuthorization{}, "ExpiresAt")); diff != "" {
		t.Errorf("DeviceAuthorize() mismatch (-want +got):\n%s", diff)
	}
	if da.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not stamped from expires_in")
	}
}

func TestDeviceAuthorizeNoEndpoint(t *testing.T) {
	p := New("https://auth.example.com", Endpoints{}, nil)
	_, err := p.DeviceAuthorize(context.Background(), testCreds())
	var ve *flowerr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestIntrospect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("token") != "at-1" {
			t.Errorf("token = %q, want at-1", r.PostForm.Get("token"))
		}
		_ = json.NewEncoder(w).Encode(Introspection{Active: true, ClientID: "client-1", Sub: "user-1"})
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{Introspection: srv.URL + "/introspect"}, srv.Client())
	info, err := p.Introspect(context.Background(), testCreds(), "at-1")
	if err != nil {
		t.Fatalf("Introspect() error: %v", err)
	}
	if !info.Active || info.Sub != "user-1" {
		t.Errorf("Introspect() = %+v", info)
	}
}

func TestUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization = %q, want Bearer at-1", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": "user-1", "email": "user@example.com"})
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{UserInfo: srv.URL + "/userinfo"}, srv.Client())
	claims, err := p.UserInfo(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("UserInfo() error: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("claims = %v", claims)
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := New(srv.URL, Endpoints{}, srv.Client())
	if err := p.CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth() error: %v", err)
	}
}
