// Package flowdef encodes the step topology of each supported OAuth 2.0 /
// OIDC grant flow. It is the single source of truth for step sequences and
// step indices; no other package computes step numbers.
package flowdef

// FlowType identifies an OAuth 2.0 / OIDC grant flow. Immutable for the
// lifetime of a flow run.
type FlowType string

const (
	FlowAuthorizationCode FlowType = "authorization_code"
	FlowImplicit          FlowType = "implicit"
	FlowClientCredentials FlowType = "client_credentials"
	FlowDeviceCode        FlowType = "device_code"
	FlowROPC              FlowType = "ropc"
	FlowHybrid            FlowType = "hybrid"
)

// Valid reports whether t is a known flow type.
func (t FlowType) Valid() bool {
	switch t {
	case FlowAuthorizationCode, FlowImplicit, FlowClientCredentials,
		FlowDeviceCode, FlowROPC, FlowHybrid:
		return true
	}
	return false
}

// ReturnsIDToken reports whether the flow can carry an ID token and
// therefore needs a nonce for replay protection.
func (t FlowType) ReturnsIDToken() bool {
	switch t {
	case FlowImplicit, FlowHybrid, FlowAuthorizationCode:
		return true
	}
	return false
}

// UsesRedirect reports whether the flow completes via a browser redirect.
func (t FlowType) UsesRedirect() bool {
	switch t {
	case FlowAuthorizationCode, FlowImplicit, FlowHybrid:
		return true
	}
	return false
}

// StepKind identifies one step in a flow run.
type StepKind string

const (
	StepConfigure        StepKind = "configure"
	StepPKCE             StepKind = "pkce"
	StepAuthorizationURL StepKind = "authorization_url"
	StepCallback         StepKind = "callback"
	StepExchange         StepKind = "exchange"
	StepCredentials      StepKind = "credentials"
	StepRequestToken     StepKind = "request_token"
	StepDeviceAuthorize  StepKind = "device_authorize"
	StepDevicePoll       StepKind = "device_poll"
	StepTokens           StepKind = "tokens"
	StepIntrospect       StepKind = "introspect"
)

// Steps returns the ordered step sequence for a flow type. The PKCE step is
// present only for redirect flows that carry an authorization code and only
// when usePKCE is set; the implicit flow never uses PKCE because no code is
// exchanged.
func Steps(flowType FlowType, usePKCE bool) []StepKind {
	switch flowType {
	case FlowAuthorizationCode, FlowHybrid:
		steps := []StepKind{StepConfigure}
		if usePKCE {
			steps = append(steps, StepPKCE)
		}
		return append(steps,
			StepAuthorizationURL, StepCallback, StepExchange, StepTokens, StepIntrospect)
	case FlowImplicit:
		return []StepKind{StepConfigure, StepAuthorizationURL, StepCallback, StepTokens, StepIntrospect}
	case FlowClientCredentials:
		return []StepKind{StepConfigure, StepRequestToken, StepTokens, StepIntrospect}
	case FlowROPC:
		return []StepKind{StepConfigure, StepCredentials, StepRequestToken, StepTokens, StepIntrospect}
	case FlowDeviceCode:
		return []StepKind{StepConfigure, StepDeviceAuthorize, StepDevicePoll, StepTokens, StepIntrospect}
	}
	return nil
}

// TotalSteps returns the number of steps for a flow type.
func TotalSteps(flowType FlowType, usePKCE bool) int {
	return len(Steps(flowType, usePKCE))
}

// StepIndex returns the index of a step kind within a flow's sequence.
// The second return is false when the flow does not contain the step.
func StepIndex(flowType FlowType, usePKCE bool, kind StepKind) (int, bool) {
	for i, s := range Steps(flowType, usePKCE) {
		if s == kind {
			return i, true
		}
	}
	return 0, false
}

// StepAt returns the step kind at index n, or false when out of range.
func StepAt(flowType FlowType, usePKCE bool, n int) (StepKind, bool) {
	steps := Steps(flowType, usePKCE)
	if n < 0 || n >= len(steps) {
		return "", false
	}
	return steps[n], true
}
