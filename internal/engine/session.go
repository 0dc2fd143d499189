package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wrale/oauth2-flow-engine/internal/authorize"
	"github.com/wrale/oauth2-flow-engine/internal/callback"
	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/devicepoll"
	"github.com/wrale/oauth2-flow-engine/internal/exchange"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// ProviderClient is the slice of the authorization-server client a
// session needs.
type ProviderClient interface {
	Endpoints() provider.Endpoints
	Token(ctx context.Context, creds credentials.Credentials, form url.Values) (*provider.TokenResponse, error)
	DeviceAuthorize(ctx context.Context, creds credentials.Credentials) (*provider.DeviceAuthorization, error)
	Introspect(ctx context.Context, creds credentials.Credentials, token string) (*provider.Introspection, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
	Refresh(ctx context.Context, creds credentials.Credentials, refreshToken string) (*provider.TokenResponse, error)
	Revoke(ctx context.Context, creds credentials.Credentials, token string) error
}

// Session is one flow run: credentials, step machine, flow state and the
// components that act on them. All operations are causally ordered by the
// caller; the only background work is the device poller's loop.
type Session struct {
	ID       string
	FlowType flowdef.FlowType

	mu       sync.Mutex
	creds    credentials.Credentials
	machine  *Machine
	state    *FlowState
	pollDone chan struct{}

	client      ProviderClient
	pkce        *pkce.Manager
	coordinator *exchange.Coordinator
	poller      *devicepoll.Poller
	log         logrus.FieldLogger
}

// NewSession starts a flow run. The credentials record is read-only from
// the engine's perspective.
func NewSession(flowType flowdef.FlowType, creds credentials.Credentials, client ProviderClient, pkceManager *pkce.Manager, pollOpts ...devicepoll.Option) (*Session, error) {
	machine, err := NewMachine(flowType, creds.UsePKCE)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{"flow_id": id, "flow_type": flowType})

	return &Session{
		ID:          id,
		FlowType:    flowType,
		creds:       creds,
		machine:     machine,
		state:       NewFlowState(),
		client:      client,
		pkce:        pkceManager,
		coordinator: exchange.NewCoordinator(client, pkceManager),
		poller:      devicepoll.New(client, append([]devicepoll.Option{devicepoll.WithLogger(log)}, pollOpts...)...),
		log:         log,
	}, nil
}

// Snapshot is a read-only view of a session for consumers.
type Snapshot struct {
	ID               string            `json:"id"`
	FlowType         flowdef.FlowType  `json:"flow_type"`
	CurrentStep      int               `json:"current_step"`
	TotalSteps       int               `json:"total_steps"`
	Steps            []flowdef.StepKind `json:"steps"`
	CompletedSteps   []int             `json:"completed_steps"`
	ValidationErrors []string          `json:"validation_errors"`
	State            FlowState         `json:"state"`
}

// Snapshot returns the session's current view, with completion recomputed
// from validity.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := *s.state
	// Never expose the resource owner's password.
	state.Password = ""
	return Snapshot{
		ID:               s.ID,
		FlowType:         s.FlowType,
		CurrentStep:      s.machine.CurrentStep(),
		TotalSteps:       s.machine.TotalSteps(),
		Steps:            s.machine.Steps(),
		CompletedSteps:   s.machine.CompletedSteps(s.state, s.creds),
		ValidationErrors: s.machine.ValidateStep(s.machine.CurrentStep(), s.state, s.creds),
		State:            state,
	}
}

// GoTo moves to step n.
func (s *Session) GoTo(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.GoTo(n)
}

// GoNext advances one step.
func (s *Session) GoNext() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.GoNext()
}

// GoPrevious moves back one step.
func (s *Session) GoPrevious() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.GoPrevious()
}

// Reset discards the flow state, stops any polling and clears the
// persisted PKCE pair.
func (s *Session) Reset(ctx context.Context) error {
	s.StopPolling()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NewFlowState()
	s.machine.Reset()
	if s.pkce != nil {
		if err := s.pkce.Clear(ctx, s.ID); err != nil {
			return fmt.Errorf("clearing pkce pair: %w", err)
		}
	}
	return nil
}

// GeneratePKCE creates and persists a verifier/challenge pair for the run.
func (s *Session) GeneratePKCE(ctx context.Context) (pkce.Pair, error) {
	if s.pkce == nil {
		return pkce.Pair{}, errors.New("pkce manager not configured")
	}
	pair, err := s.pkce.Generate()
	if err != nil {
		return pkce.Pair{}, err
	}
	if err := s.pkce.Persist(ctx, s.ID, pair); err != nil {
		return pkce.Pair{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(PKCEGenerated{Pair: pair})
	return pair, nil
}

// BuildAuthorizationURL constructs the redirect target, generating and
// persisting a PKCE pair first when the flow needs one and none exists.
func (s *Session) BuildAuthorizationURL(ctx context.Context) (authorize.Request, error) {
	var pair *pkce.Pair
	if s.creds.UsePKCE && s.FlowType != flowdef.FlowImplicit {
		s.mu.Lock()
		has := s.state.HasPKCEPair()
		existing := pkce.Pair{Verifier: s.state.CodeVerifier, Challenge: s.state.CodeChallenge}
		s.mu.Unlock()

		if has {
			pair = &existing
		} else {
			generated, err := s.GeneratePKCE(ctx)
			if err != nil {
				return authorize.Request{}, fmt.Errorf("generating pkce pair: %w", err)
			}
			pair = &generated
		}
	}

	builder := authorize.NewBuilder(s.client.Endpoints().Authorization)
	req, err := builder.Build(s.FlowType, s.creds, pair)
	if err != nil {
		return authorize.Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(AuthorizationRequestBuilt{URL: req.URL, State: req.State, Nonce: req.Nonce})
	s.log.WithField("step", s.machine.CurrentKind()).Info("authorization request built")
	return req, nil
}

// SubmitCallback extracts a redirect result using the flow type's channel
// authority. A correlation failure discards the extracted data.
func (s *Session) SubmitCallback(rawQuery, rawFragment string) (callback.Result, error) {
	s.mu.Lock()
	expectedState := s.state.State
	nonce := s.state.Nonce
	s.mu.Unlock()

	if expectedState == "" {
		return callback.Result{}, flowerr.NewValidation("state",
			"no authorization request has been built for this flow run")
	}

	res, err := callback.Extract(s.FlowType, rawQuery, rawFragment, expectedState, nonce)
	if err != nil {
		return callback.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(CallbackReceived{Result: res})
	return res, nil
}

// RequestDeviceAuthorization obtains a device/user code pair and records
// it in the flow state.
func (s *Session) RequestDeviceAuthorization(ctx context.Context) (*provider.DeviceAuthorization, error) {
	if s.FlowType != flowdef.FlowDeviceCode {
		return nil, flowerr.NewValidation("flow_type", "device authorization applies only to the device code flow")
	}

	auth, err := s.poller.RequestAuthorization(ctx, s.creds)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(DeviceAuthorized{Auth: auth})
	s.log.WithField("user_code", auth.UserCode).Info("device authorization issued")
	return auth, nil
}

// StartPolling begins the device polling loop. A second start while one
// is active is a no-op. Poll events are applied to the flow state as they
// arrive; no other component mutates polling status or tokens.
func (s *Session) StartPolling(ctx context.Context) error {
	if s.FlowType != flowdef.FlowDeviceCode {
		return flowerr.NewValidation("flow_type", "polling applies only to the device code flow")
	}

	s.mu.Lock()
	if s.state.DeviceCode == "" {
		s.mu.Unlock()
		return flowerr.NewValidation("device_code", "request device authorization before polling")
	}
	auth := &provider.DeviceAuthorization{DeviceCode: s.state.DeviceCode}
	if s.state.DeviceCodeExpiresAt != nil {
		auth.ExpiresAt = *s.state.DeviceCodeExpiresAt
	}
	s.mu.Unlock()

	events, err := s.poller.Start(ctx, s.creds, auth)
	if errors.Is(err, devicepoll.ErrPollingActive) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state.Apply(PollingStarted{})
	done := make(chan struct{})
	s.pollDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			s.mu.Lock()
			s.state.Apply(PollObserved{Ev: ev})
			s.mu.Unlock()
			if ev.Terminal() {
				s.log.WithFields(logrus.Fields{
					"poll_count": ev.Attempt,
					"outcome":    ev.Kind,
				}).Info("device polling finished")
			}
		}
		s.mu.Lock()
		s.state.Apply(PollingStopped{})
		s.mu.Unlock()
	}()
	return nil
}

// StopPolling cancels an active polling loop. It is idempotent and
// guarantees that no further flow-state mutation occurs after it returns.
func (s *Session) StopPolling() {
	s.poller.Stop()

	s.mu.Lock()
	done := s.pollDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// PollerRunning reports whether the device polling loop is active.
func (s *Session) PollerRunning() bool {
	return s.poller.IsRunning()
}

// EnterROPCCredentials stores the resource owner's credentials in memory
// for the direct exchange.
func (s *Session) EnterROPCCredentials(username, password string) error {
	if s.FlowType != flowdef.FlowROPC {
		return flowerr.NewValidation("flow_type", "resource owner credentials apply only to the password flow")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(ROPCCredentialsEntered{Username: username, Password: password})
	return nil
}

// ExchangeCode trades the authorization code for tokens exactly once.
func (s *Session) ExchangeCode(ctx context.Context) (*provider.TokenResponse, error) {
	s.mu.Lock()
	req := exchange.CodeExchange{
		FlowType:  s.FlowType,
		FlowID:    s.ID,
		Code:      s.state.AuthorizationCode,
		Verifier:  s.state.CodeVerifier,
		Exchanged: s.state.HasTokens(),
	}
	s.mu.Unlock()

	token, err := s.coordinator.Exchange(ctx, s.creds, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(TokensReceived{Token: token})
	s.log.Info("authorization code exchanged")
	return token, nil
}

// RequestToken performs the direct grant for client_credentials and ROPC
// flows.
func (s *Session) RequestToken(ctx context.Context) (*provider.TokenResponse, error) {
	s.mu.Lock()
	username, password := s.state.Username, s.state.Password
	alreadyExchanged := s.state.HasTokens()
	s.mu.Unlock()

	if alreadyExchanged {
		return nil, exchange.ErrAlreadyExchanged
	}

	token, err := s.coordinator.RequestDirect(ctx, s.FlowType, s.creds, username, password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(TokensReceived{Token: token})
	return token, nil
}

// RefreshTokens trades the run's refresh token for a fresh token set.
func (s *Session) RefreshTokens(ctx context.Context) (*provider.TokenResponse, error) {
	s.mu.Lock()
	var refreshToken string
	if s.state.Tokens != nil {
		refreshToken = s.state.Tokens.RefreshToken
	}
	s.mu.Unlock()

	if refreshToken == "" {
		return nil, flowerr.NewValidation("refresh_token", "no refresh token for this flow run")
	}

	token, err := s.client.Refresh(ctx, s.creds, refreshToken)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(TokensReceived{Token: token})
	s.log.Info("tokens refreshed")
	return token, nil
}

// RevokeTokens revokes the run's access token and discards the token set.
func (s *Session) RevokeTokens(ctx context.Context) error {
	s.mu.Lock()
	hasTokens := s.state.HasTokens()
	var accessToken string
	if hasTokens {
		accessToken = s.state.Tokens.AccessToken
	}
	s.mu.Unlock()

	if !hasTokens {
		return flowerr.NewValidation("tokens", "no access token to revoke")
	}

	if err := s.client.Revoke(ctx, s.creds, accessToken); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(TokensRevoked{})
	return nil
}

// Introspect queries the introspection endpoint for the run's access token.
func (s *Session) Introspect(ctx context.Context) (*provider.Introspection, error) {
	s.mu.Lock()
	hasTokens := s.state.HasTokens()
	var accessToken string
	if hasTokens {
		accessToken = s.state.Tokens.AccessToken
	}
	s.mu.Unlock()

	if !hasTokens {
		return nil, flowerr.NewValidation("tokens", "no access token to introspect")
	}

	info, err := s.client.Introspect(ctx, s.creds, accessToken)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(IntrospectionFetched{Info: info})
	return info, nil
}

// FetchUserInfo retrieves profile claims with the run's access token.
func (s *Session) FetchUserInfo(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	hasTokens := s.state.HasTokens()
	var accessToken string
	if hasTokens {
		accessToken = s.state.Tokens.AccessToken
	}
	s.mu.Unlock()

	if !hasTokens {
		return nil, flowerr.NewValidation("tokens", "no access token for userinfo")
	}

	claims, err := s.client.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(UserInfoFetched{Claims: claims})
	return claims, nil
}
