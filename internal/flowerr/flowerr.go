// Package flowerr defines the error taxonomy shared by the flow engine components.
//
// Errors fall into five classes with distinct remediation paths:
// validation failures caught before any network call, correlation
// (state/nonce) mismatches, OAuth protocol errors returned by the
// authorization server, polling timeouts, and transient network failures.
package flowerr

import (
	"errors"
	"fmt"
	"strings"
)

// Standard OAuth 2.0 error codes the engine understands (RFC 6749, RFC 8628).
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeInvalidGrant         = "invalid_grant"
	CodeAccessDenied         = "access_denied"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
)

// ValidationError reports a precondition that failed before any network
// call was made. It is always recoverable by correcting the named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidation creates a ValidationError for a field.
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ValidationErrors joins multiple validation failures into one error so a
// caller can surface the full list at once.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Messages returns the human-readable message list.
func (e ValidationErrors) Messages() []string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return msgs
}

// CorrelationError reports a state or nonce mismatch between the value the
// engine generated and the value returned by the authorization server.
// Always fatal to the current attempt; the extracted data must be discarded.
type CorrelationError struct {
	Parameter string // "state" or "nonce"
	Expected  string
	Got       string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%s mismatch: response does not correlate with this flow run", e.Parameter)
}

// ProtocolError carries an OAuth error response from the authorization
// server verbatim. Fatal to the current grant attempt.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// IsOAuthError reports whether err is a ProtocolError with the given code.
func IsOAuthError(err error, code string) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == code
}

// TimeoutError reports that device polling exhausted its budget, either by
// attempt count or by the device code's own expiry.
type TimeoutError struct {
	Attempts int
	Reason   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("polling timed out after %d attempts: %s", e.Attempts, e.Reason)
}

// TransientError wraps a network-level failure during a poll attempt. The
// poll loop continues past it, but it counts against the attempt budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
