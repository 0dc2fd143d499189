// Package callback parses authorization server redirect results into
// normalized values. Which redirect channel is authoritative (query string
// or URL fragment) is decided by flow type, never by which channel happens
// to carry data. The package performs no network I/O.
package callback

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
)

// Result is a normalized redirect extraction. Fields are populated only
// from the channels the flow type trusts.
type Result struct {
	Code        string
	AccessToken string
	IDToken     string
	TokenType   string
	ExpiresIn   int
	State       string
}

// ExtractFromQuery parses the query-string channel of a redirect. Used by
// flows that return an authorization code on the back channel. A state
// mismatch is a hard correlation failure and the extracted data is
// discarded.
func ExtractFromQuery(rawQuery, expectedState string) (Result, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return Result{}, fmt.Errorf("parsing callback query: %w", err)
	}
	return extractCode(values, expectedState)
}

// ExtractFromFragment parses the fragment channel of a redirect. Used by
// flows that return tokens on the front channel. When nonce is non-empty
// the ID token's nonce claim must match it.
func ExtractFromFragment(flowType flowdef.FlowType, rawFragment, expectedState, nonce string) (Result, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(rawFragment, "#"))
	if err != nil {
		return Result{}, fmt.Errorf("parsing callback fragment: %w", err)
	}
	return extractTokens(flowType, values, expectedState, nonce)
}

// Extract applies the flow type's channel authority to a full redirect:
// authorization_code trusts only the query, implicit only the fragment,
// hybrid extracts both independently and merges.
func Extract(flowType flowdef.FlowType, rawQuery, rawFragment, expectedState, nonce string) (Result, error) {
	switch flowType {
	case flowdef.FlowAuthorizationCode:
		return ExtractFromQuery(rawQuery, expectedState)
	case flowdef.FlowImplicit:
		return ExtractFromFragment(flowType, rawFragment, expectedState, nonce)
	case flowdef.FlowHybrid:
		queryRes, err := ExtractFromQuery(rawQuery, expectedState)
		if err != nil {
			return Result{}, err
		}
		fragRes, err := ExtractFromFragment(flowType, rawFragment, expectedState, nonce)
		if err != nil {
			return Result{}, err
		}
		fragRes.Code = queryRes.Code
		return fragRes, nil
	}
	return Result{}, flowerr.NewValidation("flow_type",
		fmt.Sprintf("%s flow does not complete via redirect", flowType))
}

func extractCode(values url.Values, expectedState string) (Result, error) {
	if errCode := values.Get("error"); errCode != "" {
		return Result{}, &flowerr.ProtocolError{
			Code:        errCode,
			Description: values.Get("error_description"),
		}
	}

	state := values.Get("state")
	if !statesMatch(state, expectedState) {
		return Result{}, &flowerr.CorrelationError{
			Parameter: "state",
			Expected:  expectedState,
			Got:       state,
		}
	}

	code := values.Get("code")
	if code == "" {
		return Result{}, flowerr.NewValidation("code", "redirect carried no authorization code")
	}

	return Result{Code: code, State: state}, nil
}

func extractTokens(flowType flowdef.FlowType, values url.Values, expectedState, nonce string) (Result, error) {
	if errCode := values.Get("error"); errCode != "" {
		return Result{}, &flowerr.ProtocolError{
			Code:        errCode,
			Description: values.Get("error_description"),
		}
	}

	state := values.Get("state")
	if !statesMatch(state, expectedState) {
		return Result{}, &flowerr.CorrelationError{
			Parameter: "state",
			Expected:  expectedState,
			Got:       state,
		}
	}

	res := Result{
		AccessToken: values.Get("access_token"),
		IDToken:     values.Get("id_token"),
		TokenType:   values.Get("token_type"),
		State:       state,
	}
	if v := values.Get("expires_in"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			res.ExpiresIn = n
		}
	}

	if res.AccessToken == "" && res.IDToken == "" {
		return Result{}, flowerr.NewValidation("fragment", "redirect fragment carried no tokens")
	}

	if res.IDToken != "" && nonce != "" {
		if err := verifyNonce(res.IDToken, nonce); err != nil {
			return Result{}, err
		}
	}

	return res, nil
}

// verifyNonce checks the ID token's nonce claim against the value the
// engine generated. Signature verification belongs to the consumer of the
// ID token; the engine only enforces replay correlation here.
func verifyNonce(idToken, expected string) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return fmt.Errorf("parsing id_token: %w", err)
	}

	got, _ := claims["nonce"].(string)
	if !statesMatch(got, expected) {
		return &flowerr.CorrelationError{Parameter: "nonce", Expected: expected, Got: got}
	}
	return nil
}

// statesMatch compares correlation values in constant time.
func statesMatch(got, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
