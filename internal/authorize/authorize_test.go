package authorize

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
)

const authzEndpoint = "https://auth.example.com/as/authorize"

func baseCreds() credentials.Credentials {
	return credentials.Credentials{
		EnvironmentID: "env-1",
		Issuer:        "https://auth.example.com/env-1",
		ClientID:      "client-1",
		RedirectURI:   "https://app.example.com/callback",
		Scopes:        []string{"openid", "profile"},
	}
}

func TestBuildAuthorizationCode(t *testing.T) {
	b := NewBuilder(authzEndpoint)
	creds := baseCreds()

	req, err := b.Build(flowdef.FlowAuthorizationCode, creds, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("parsing built URL: %v", err)
	}
	q := u.Query()

	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q, want %q", got, "code")
	}
	if got := q.Get("client_id"); got != "client-1" {
		t.Errorf("client_id = %q, want %q", got, "client-1")
	}
	if got := q.Get("scope"); got != "openid profile" {
		t.Errorf("scope = %q, want %q", got, "openid profile")
	}
	if got := q.Get("redirect_uri"); got != creds.RedirectURI {
		t.Errorf("redirect_uri = %q, want %q", got, creds.RedirectURI)
	}
	if q.Get("state") != req.State {
		t.Error("state in URL does not match returned state")
	}
	if req.Nonce == "" || q.Get("nonce") != req.Nonce {
		t.Error("openid scope should produce a nonce embedded in the URL")
	}
	if q.Get("code_challenge") != "" {
		t.Error("code_challenge present without a PKCE pair")
	}
}

func TestBuildEmbedsPKCEPair(t *testing.T) {
	b := NewBuilder(authzEndpoint)
	creds := baseCreds()
	creds.UsePKCE = true

	pair, err := pkce.Generate()
	if err != nil {
		t.Fatalf("pkce.Generate() error: %v", err)
	}

	req, err := b.Build(flowdef.FlowAuthorizationCode, creds, &pair)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	u, _ := url.Parse(req.URL)
	q := u.Query()
	if got := q.Get("code_challenge"); got != pair.Challenge {
		t.Errorf("code_challenge = %q, want %q", got, pair.Challenge)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
}

func TestBuildPKCERequiredButMissing(t *testing.T) {
	b := NewBuilder(authzEndpoint)
	creds := baseCreds()
	creds.UsePKCE = true

	_, err := b.Build(flowdef.FlowAuthorizationCode, creds, nil)
	var verr *flowerr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Build() error = %v, want ValidationError", err)
	}
	if verr.Field != "pkce" {
		t.Errorf("ValidationError field = %q, want %q", verr.Field, "pkce")
	}
}

func TestBuildResponseTypes(t *testing.T) {
	tests := []struct {
		flowType flowdef.FlowType
		want     string
		hasNonce bool
	}{
		{flowdef.FlowAuthorizationCode, "code", true}, // openid scope set
		{flowdef.FlowImplicit, "token id_token", true},
		{flowdef.FlowHybrid, "code id_token", true},
	}

	b := NewBuilder(authzEndpoint)
	for _, tt := range tests {
		t.Run(string(tt.flowType), func(t *testing.T) {
			req, err := b.Build(tt.flowType, baseCreds(), nil)
			if err != nil {
				t.Fatalf("Build() error: %v", err)
			}
			u, _ := url.Parse(req.URL)
			if got := u.Query().Get("response_type"); got != tt.want {
				t.Errorf("response_type = %q, want %q", got, tt.want)
			}
			if (req.Nonce != "") != tt.hasNonce {
				t.Errorf("nonce present = %v, want %v", req.Nonce != "", tt.hasNonce)
			}
		})
	}
}

func TestBuildRejectsNonRedirectFlows(t *testing.T) {
	b := NewBuilder(authzEndpoint)
	for _, ft := range []flowdef.FlowType{
		flowdef.FlowClientCredentials, flowdef.FlowDeviceCode, flowdef.FlowROPC,
	} {
		if _, err := b.Build(ft, baseCreds(), nil); err == nil {
			t.Errorf("Build(%s) should fail: flow has no authorization request", ft)
		}
	}
}

func TestStateAndNonceAreIndependent(t *testing.T) {
	b := NewBuilder(authzEndpoint)

	req, err := b.Build(flowdef.FlowImplicit, baseCreds(), nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if req.State == req.Nonce {
		t.Error("state and nonce must be independently generated")
	}
	// 32 bytes encode to 43 base64url characters.
	if len(req.State) != 43 || len(req.Nonce) != 43 {
		t.Errorf("token lengths = %d/%d, want 43/43", len(req.State), len(req.Nonce))
	}
	if strings.ContainsAny(req.State, "+/=") {
		t.Errorf("state %q is not URL-safe", req.State)
	}
}
