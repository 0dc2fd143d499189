// Package main implements the OAuth 2.0 flow engine server: a JSON API
// over per-run flow sessions covering the authorization code, implicit,
// hybrid, client credentials, resource owner password and device code
// grants.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/engine"
	"github.com/wrale/oauth2-flow-engine/internal/exchange"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// Health check handler
func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Version: Version,
		}

		if err := s.checkHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		writeJSON(w, resp)
	}
}

// Flow creation handler. Credentials arrive with the request; endpoints
// come from OIDC discovery unless supplied explicitly.
func (s *server) handleCreateFlow() http.HandlerFunc {
	type createRequest struct {
		FlowType    flowdef.FlowType        `json:"flow_type"`
		Credentials credentials.Credentials `json:"credentials"`
		Endpoints   *provider.Endpoints     `json:"endpoints,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		if !req.FlowType.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown flow type")
			return
		}
		if req.Credentials.Issuer == "" && req.Endpoints == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "issuer or explicit endpoints required")
			return
		}

		client, err := s.newClient(r.Context(), req.Credentials, req.Endpoints)
		if err != nil {
			writeError(w, http.StatusBadGateway, "discovery_failed", err.Error())
			return
		}

		sess, err := engine.NewSession(req.FlowType, req.Credentials, client, s.pkce)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.registry.Add(sess)
		s.log.WithField("flow_id", sess.ID).Info("flow run created")

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleGetFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleDeleteFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "flowID")
		if _, ok := s.registry.Get(id); !ok {
			writeError(w, http.StatusNotFound, "flow_not_found", "no flow run with that ID")
			return
		}
		s.registry.Delete(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleResetFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		if err := sess.Reset(r.Context()); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

// Step navigation handlers

func (s *server) handleStepNext() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		if err := sess.GoNext(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_step", err.Error())
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleStepPrevious() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		if err := sess.GoPrevious(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_step", err.Error())
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleStepGoTo() http.HandlerFunc {
	type goToRequest struct {
		Step int `json:"step"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		var req goToRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		if err := sess.GoTo(req.Step); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_step", err.Error())
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

// PKCE and authorization request handlers

func (s *server) handleGeneratePKCE() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		pair, err := sess.GeneratePKCE(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, pair)
	}
}

func (s *server) handleBuildAuthorizationURL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		req, err := sess.BuildAuthorizationURL(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, req)
	}
}

func (s *server) handleSubmitCallback() http.HandlerFunc {
	type callbackRequest struct {
		Query    string `json:"query,omitempty"`
		Fragment string `json:"fragment,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		res, err := sess.SubmitCallback(req.Query, req.Fragment)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, res)
	}
}

// Device flow handlers

func (s *server) handleDeviceAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		auth, err := sess.RequestDeviceAuthorization(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, auth)
	}
}

func (s *server) handleStartPolling() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		if sess.PollerRunning() {
			writeError(w, http.StatusConflict, "polling_active", "a polling loop is already running for this flow run")
			return
		}
		// Polling outlives the request; it is bounded by the attempt
		// budget and the device code expiry, not the request context.
		if err := sess.StartPolling(context.Background()); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleStopPolling() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		sess.StopPolling()
		writeJSON(w, sess.Snapshot())
	}
}

// Token handlers

func (s *server) handleEnterCredentials() http.HandlerFunc {
	type credentialsRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		if err := sess.EnterROPCCredentials(req.Username, req.Password); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleExchangeCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		token, err := sess.ExchangeCode(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, token)
	}
}

func (s *server) handleRequestToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		token, err := sess.RequestToken(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, token)
	}
}

func (s *server) handleRefreshTokens() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		token, err := sess.RefreshTokens(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, token)
	}
}

func (s *server) handleRevokeTokens() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		if err := sess.RevokeTokens(r.Context()); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, sess.Snapshot())
	}
}

func (s *server) handleIntrospect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		info, err := sess.Introspect(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, info)
	}
}

func (s *server) handleUserInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		claims, err := sess.FetchUserInfo(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, claims)
	}
}

// Response helpers

type errorResponse struct {
	Error       string   `json:"error"`
	Description string   `json:"error_description,omitempty"`
	Details     []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, errorResponse{Error: code, Description: description})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Protocol errors from the authorization server pass through verbatim.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		vErr    *flowerr.ValidationError
		vErrs   flowerr.ValidationErrors
		corrErr *flowerr.CorrelationError
		protErr *flowerr.ProtocolError
		tmoErr  *flowerr.TimeoutError
	)

	switch {
	case errors.Is(err, exchange.ErrAlreadyExchanged):
		writeError(w, http.StatusConflict, "already_exchanged", err.Error())

	case errors.As(err, &vErrs):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, errorResponse{
			Error:       "validation_failed",
			Description: "one or more preconditions failed",
			Details:     vErrs.Messages(),
		})

	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "validation_failed", vErr.Error())

	case errors.As(err, &corrErr):
		writeError(w, http.StatusBadRequest, "correlation_failed", corrErr.Error())

	case errors.As(err, &protErr):
		writeError(w, http.StatusBadGateway, protErr.Code, protErr.Description)

	case errors.As(err, &tmoErr):
		writeError(w, http.StatusGatewayTimeout, "polling_timeout", tmoErr.Error())

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
