package engine

import (
	"time"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
)

// Validate checks one step kind against the current flow state and
// credentials. It is a pure function: a step is complete iff it returns no
// messages, and completion is recomputed from this function whenever the
// state changes rather than toggled.
func Validate(flowType flowdef.FlowType, kind flowdef.StepKind, state *FlowState, creds credentials.Credentials) []string {
	switch kind {
	case flowdef.StepConfigure:
		return validateConfigure(flowType, creds)

	case flowdef.StepPKCE:
		var errs []string
		if state.CodeVerifier == "" {
			errs = append(errs, "PKCE code verifier has not been generated")
		}
		if state.CodeChallenge == "" {
			errs = append(errs, "PKCE code challenge has not been generated")
		}
		return errs

	case flowdef.StepAuthorizationURL:
		var errs []string
		if state.AuthorizationURL == "" {
			errs = append(errs, "authorization URL has not been built")
		}
		if state.State == "" {
			errs = append(errs, "state parameter has not been generated")
		}
		return errs

	case flowdef.StepCallback:
		if flowType == flowdef.FlowImplicit {
			if !state.HasTokens() {
				return []string{"redirect has not delivered tokens yet"}
			}
			return nil
		}
		if state.AuthorizationCode == "" {
			return []string{"redirect has not delivered an authorization code yet"}
		}
		return nil

	case flowdef.StepExchange:
		return validateExchangeReadiness(state, creds)

	case flowdef.StepCredentials:
		var errs []string
		if state.Username == "" {
			errs = append(errs, "username is required")
		}
		if state.Password == "" {
			errs = append(errs, "password is required")
		}
		return errs

	case flowdef.StepRequestToken:
		// Readiness mirrors the configure step; the request itself
		// re-checks via the exchange coordinator.
		return validateConfigure(flowType, creds)

	case flowdef.StepDeviceAuthorize:
		var errs []string
		if state.DeviceCode == "" || state.UserCode == "" {
			errs = append(errs, "device authorization has not been requested")
		}
		if state.DeviceCodeExpired(time.Now()) {
			errs = append(errs, "device code has expired; request a new one")
		}
		return errs

	case flowdef.StepDevicePoll, flowdef.StepTokens, flowdef.StepIntrospect:
		if !state.HasTokens() {
			return []string{"no tokens have been received yet"}
		}
		return nil
	}

	return []string{"unknown step"}
}

func validateConfigure(flowType flowdef.FlowType, creds credentials.Credentials) []string {
	var errs []string
	if creds.EnvironmentID == "" && creds.Issuer == "" {
		errs = append(errs, "environment ID or issuer is required")
	}
	if creds.ClientID == "" {
		errs = append(errs, "client ID is required")
	}
	if len(creds.Scopes) == 0 {
		errs = append(errs, "at least one scope is required")
	}
	if needsRedirectURI(flowType, creds) && creds.RedirectURI == "" {
		errs = append(errs, "redirect URI is required for this flow")
	}
	if needsClientSecret(flowType, creds) && creds.ClientSecret == "" {
		errs = append(errs, "client secret is required for this configuration")
	}
	return errs
}

// validateExchangeReadiness gates the token exchange step. Each missing
// precondition is reported even when others are present, so a code being
// available never masks a missing PKCE verifier.
func validateExchangeReadiness(state *FlowState, creds credentials.Credentials) []string {
	var errs []string
	if state.AuthorizationCode == "" {
		errs = append(errs, "authorization code is required")
	}
	if creds.UsePKCE && state.CodeVerifier == "" {
		errs = append(errs, "PKCE code verifier is required to exchange the code")
	}
	if creds.ClientID == "" {
		errs = append(errs, "client ID is required")
	}
	if creds.EnvironmentID == "" && creds.Issuer == "" {
		errs = append(errs, "environment ID or issuer is required")
	}
	if !creds.UsePKCE && creds.RedirectURI == "" {
		errs = append(errs, "redirect URI is required when PKCE is disabled")
	}
	return errs
}

// needsRedirectURI encodes the redirect-URI asymmetry: code and hybrid
// flows without PKCE must present one, the implicit flow never requires it
// because the token endpoint is not involved.
func needsRedirectURI(flowType flowdef.FlowType, creds credentials.Credentials) bool {
	switch flowType {
	case flowdef.FlowAuthorizationCode, flowdef.FlowHybrid:
		return !creds.UsePKCE
	}
	return false
}

func needsClientSecret(flowType flowdef.FlowType, creds credentials.Credentials) bool {
	if flowType == flowdef.FlowClientCredentials {
		return true
	}
	return creds.NeedsClientSecret()
}
