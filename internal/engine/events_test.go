package engine

import (
	"testing"
	"time"

	"github.com/wrale/oauth2-flow-engine/internal/devicepoll"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

func TestApplyPKCEPairTogether(t *testing.T) {
	state := NewFlowState()

	state.Apply(PKCEGenerated{Pair: pkce.Pair{Verifier: "v", Challenge: "c"}})
	if !state.HasPKCEPair() {
		t.Fatal("pair not set")
	}

	state.Apply(PKCECleared{})
	if state.CodeVerifier != "" || state.CodeChallenge != "" {
		t.Error("clearing must remove both halves")
	}
}

func TestApplyAuthorizationRequestInvalidatesOldCode(t *testing.T) {
	state := NewFlowState()
	state.AuthorizationCode = "stale-code"

	state.Apply(AuthorizationRequestBuilt{URL: "https://auth/a", State: "s1", Nonce: "n1"})
	if state.AuthorizationCode != "" {
		t.Error("building a new request must clear a stale authorization code")
	}
	if state.AuthorizationURL == "" || state.State != "s1" || state.Nonce != "n1" {
		t.Errorf("state after build = %+v", state)
	}
}

func TestApplyDeviceAuthorizedResetsRun(t *testing.T) {
	state := NewFlowState()
	state.Tokens = &TokenSet{AccessToken: "old"}
	state.Polling = PollingStatus{PollCount: 42}

	expires := time.Now().Add(10 * time.Minute)
	state.Apply(DeviceAuthorized{Auth: &provider.DeviceAuthorization{
		DeviceCode:      "dev-1",
		UserCode:        "BCDF-GHJK",
		VerificationURI: "https://auth/device",
		ExpiresAt:       expires,
	}})

	if state.DeviceCode != "dev-1" || state.UserCode != "BCDF-GHJK" {
		t.Errorf("device fields = %+v", state)
	}
	if state.DeviceCodeExpiresAt == nil || !state.DeviceCodeExpiresAt.Equal(expires) {
		t.Error("expiry not stamped")
	}
	if state.Tokens != nil || state.Polling.PollCount != 0 {
		t.Error("new device code must reset tokens and polling status")
	}
}

func TestApplyPollEvents(t *testing.T) {
	state := NewFlowState()
	state.Apply(PollingStarted{})
	if !state.Polling.IsPolling {
		t.Fatal("IsPolling not set")
	}

	state.Apply(PollObserved{Ev: devicepoll.Event{Kind: devicepoll.EventPending, Attempt: 3}})
	if state.Polling.PollCount != 3 || state.Polling.LastPolledAt == nil {
		t.Errorf("polling status = %+v", state.Polling)
	}
	if !state.Polling.IsPolling {
		t.Error("pending event must not stop polling")
	}

	state.Apply(PollObserved{Ev: devicepoll.Event{
		Kind:    devicepoll.EventSucceeded,
		Attempt: 4,
		Token:   &provider.TokenResponse{AccessToken: "at-1", TokenType: "Bearer"},
	}})
	if state.Polling.IsPolling {
		t.Error("success must stop polling")
	}
	if !state.HasTokens() || state.Tokens.AccessToken != "at-1" {
		t.Errorf("tokens = %+v", state.Tokens)
	}
	if state.Polling.PollCount != 4 {
		t.Errorf("poll count = %d, want 4", state.Polling.PollCount)
	}
}

func TestApplyTokensClearsROPCPassword(t *testing.T) {
	state := NewFlowState()
	state.Apply(ROPCCredentialsEntered{Username: "alice", Password: "hunter2"})

	state.Apply(TokensReceived{Token: &provider.TokenResponse{AccessToken: "at-1"}})
	if state.Username != "" || state.Password != "" {
		t.Error("resource owner credentials must be dropped after the exchange")
	}
}
