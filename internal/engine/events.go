package engine

import (
	"time"

	"github.com/wrale/oauth2-flow-engine/internal/callback"
	"github.com/wrale/oauth2-flow-engine/internal/devicepoll"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// Event is a discrete occurrence applied to a FlowState. Apply is the
// single deterministic transition function; components never mutate flow
// state directly.
type Event interface {
	isEvent()
}

// PKCEGenerated carries a fresh verifier/challenge pair.
type PKCEGenerated struct{ Pair pkce.Pair }

// PKCECleared removes the pair; both halves go together.
type PKCECleared struct{}

// AuthorizationRequestBuilt carries the redirect target and its
// correlation values.
type AuthorizationRequestBuilt struct {
	URL   string
	State string
	Nonce string
}

// CallbackReceived carries a validated redirect extraction.
type CallbackReceived struct{ Result callback.Result }

// DeviceAuthorized carries a device authorization response.
type DeviceAuthorized struct{ Auth *provider.DeviceAuthorization }

// PollObserved carries one device poller event.
type PollObserved struct{ Ev devicepoll.Event }

// PollingStarted marks the loop active.
type PollingStarted struct{}

// PollingStopped marks the loop inactive.
type PollingStopped struct{}

// TokensReceived carries a token endpoint response.
type TokensReceived struct{ Token *provider.TokenResponse }

// TokensRevoked discards the token set after revocation.
type TokensRevoked struct{}

// UserInfoFetched carries profile claims fetched after token receipt.
type UserInfoFetched struct{ Claims map[string]any }

// IntrospectionFetched carries an introspection response.
type IntrospectionFetched struct{ Info *provider.Introspection }

// ROPCCredentialsEntered holds the resource owner's credentials in memory
// for the exchange.
type ROPCCredentialsEntered struct{ Username, Password string }

func (PKCEGenerated) isEvent()             {}
func (PKCECleared) isEvent()               {}
func (AuthorizationRequestBuilt) isEvent() {}
func (CallbackReceived) isEvent()          {}
func (DeviceAuthorized) isEvent()          {}
func (PollObserved) isEvent()              {}
func (PollingStarted) isEvent()            {}
func (PollingStopped) isEvent()            {}
func (TokensReceived) isEvent()            {}
func (TokensRevoked) isEvent()             {}
func (UserInfoFetched) isEvent()           {}
func (IntrospectionFetched) isEvent()      {}
func (ROPCCredentialsEntered) isEvent()    {}

// Apply transitions the flow state for one event. It is deterministic and
// has no side effects beyond the state record itself.
func (s *FlowState) Apply(ev Event) {
	switch e := ev.(type) {
	case PKCEGenerated:
		s.SetPKCEPair(e.Pair.Verifier, e.Pair.Challenge)

	case PKCECleared:
		s.ClearPKCEPair()

	case AuthorizationRequestBuilt:
		s.AuthorizationURL = e.URL
		s.State = e.State
		s.Nonce = e.Nonce
		// A new request invalidates any code from an earlier redirect.
		s.AuthorizationCode = ""

	case CallbackReceived:
		if e.Result.Code != "" {
			s.AuthorizationCode = e.Result.Code
		}
		if e.Result.AccessToken != "" || e.Result.IDToken != "" {
			s.Tokens = &TokenSet{
				AccessToken: e.Result.AccessToken,
				IDToken:     e.Result.IDToken,
				TokenType:   e.Result.TokenType,
				ExpiresIn:   e.Result.ExpiresIn,
			}
		}

	case DeviceAuthorized:
		s.DeviceCode = e.Auth.DeviceCode
		s.UserCode = e.Auth.UserCode
		s.VerificationURI = e.Auth.VerificationURI
		s.VerificationURIComplete = e.Auth.VerificationURIComplete
		expires := e.Auth.ExpiresAt
		s.DeviceCodeExpiresAt = &expires
		s.Polling = PollingStatus{}
		s.Tokens = nil

	case PollingStarted:
		s.Polling.IsPolling = true
		s.Polling.Error = ""

	case PollingStopped:
		s.Polling.IsPolling = false

	case PollObserved:
		now := time.Now()
		s.Polling.PollCount = e.Ev.Attempt
		s.Polling.LastPolledAt = &now
		switch e.Ev.Kind {
		case devicepoll.EventSucceeded:
			s.Polling.IsPolling = false
			s.applyToken(e.Ev.Token)
		case devicepoll.EventExpired, devicepoll.EventFailed:
			s.Polling.IsPolling = false
			if e.Ev.Err != nil {
				s.Polling.Error = e.Ev.Err.Error()
			}
		}

	case TokensReceived:
		s.applyToken(e.Token)

	case TokensRevoked:
		s.Tokens = nil
		s.Introspection = nil

	case UserInfoFetched:
		s.UserInfo = e.Claims

	case IntrospectionFetched:
		s.Introspection = e.Info

	case ROPCCredentialsEntered:
		s.Username = e.Username
		s.Password = e.Password
	}
}

func (s *FlowState) applyToken(t *provider.TokenResponse) {
	if t == nil {
		return
	}
	s.Tokens = &TokenSet{
		AccessToken:  t.AccessToken,
		IDToken:      t.IDToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		Scope:        t.Scope,
	}
	// The resource owner's password is held only until the exchange
	// completes.
	s.Username = ""
	s.Password = ""
}
