package core

import (
	"time"
)

type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictAbstain Verdict = "abstain"
)

const (
	CodePolicyDenied     = "policy-denied"
	CodeNoMatchingPolicy = "no-matching-policy"
	CodeScriptTimeout    = "script-timeout"
	CodeScriptError      = "script-error"
	CodeScriptResource   = "script-resource-exceeded"
	CodePolicyConfig     = "policy-config"
	CodeStoreUnavailable = "store-unavailable"
	CodePoolExhausted    = "pool-exhausted"
)

// AccessDecision is the result of one policy evaluation.
// Abstain is internal to the evaluation loop and never returned to callers.
type AccessDecision struct {
	Verdict  Verdict        `json:"verdict"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
	PolicyID string         `json:"policyID,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func AllowedBy(policyID string) AccessDecision {
	return AccessDecision{Verdict: VerdictAllow, PolicyID: policyID}
}

func Denied(code string, message string) AccessDecision {
	return AccessDecision{Verdict: VerdictDeny, Code: code, Message: message}
}

func DeniedBy(policyID string, code string, message string) AccessDecision {
	return AccessDecision{Verdict: VerdictDeny, Code: code, Message: message, PolicyID: policyID}
}

func Abstained() AccessDecision {
	return AccessDecision{Verdict: VerdictAbstain}
}

func (d AccessDecision) IsAllow() bool {
	return d.Verdict == VerdictAllow
}

func (d AccessDecision) IsDeny() bool {
	return d.Verdict == VerdictDeny
}

// RequestContext carries everything a policy can see about one request.
// It is assembled by the transport layer and treated as read-only afterwards.
type RequestContext struct {
	RequestID    string         `json:"requestID"`
	Subject      string         `json:"subject"`
	ClientID     string         `json:"clientID"`
	Roles        []string       `json:"roles,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Scopes       *Scopes        `json:"-"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceID,omitempty"`
	RequestPath  string         `json:"requestPath,omitempty"`
	RequestBody  map[string]any `json:"requestBody,omitempty"`
	Resource     map[string]any `json:"resource,omitempty"`
	Patient      string         `json:"patient,omitempty"`
	Encounter    string         `json:"encounter,omitempty"`
	FHIRUser     string         `json:"fhirUser,omitempty"`
	SourceIP     string         `json:"sourceIP,omitempty"`
	RequestedAt  time.Time      `json:"requestedAt"`
}

type EngineType string

const (
	EngineAllow  EngineType = "allow"
	EngineDeny   EngineType = "deny"
	EngineScript EngineType = "script"
)

type ScriptLanguage string

const (
	LangExpr ScriptLanguage = "expr"
	LangJS   ScriptLanguage = "js"
)

type EngineSpec struct {
	Type     EngineType     `json:"type"`
	Language ScriptLanguage `json:"language,omitempty"`
	Script   string         `json:"script,omitempty"`
}

const (
	SourceLaunchContext = "launch-context"
	SourceFixed         = "fixed"
	SourceRequestParam  = "request-param"
	SourceUserResource  = "user-resource"
)

// i.e.
// {"kind": "launch-context", "value": "patient"}
// {"kind": "fixed", "value": "Patient/123"}
// {"kind": "request-param", "value": "patient"}
// {"kind": "user-resource"}
type CompartmentSource struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

type CompartmentSpec struct {
	Type    string              `json:"type"`
	Sources []CompartmentSource `json:"sources"`
}

// Matcher narrows which requests a policy applies to.
// All present fields must match; a nil Matcher matches everything.
type Matcher struct {
	ClientPattern    string           `json:"clientPattern,omitempty"`
	RequiredRoles    []string         `json:"requiredRoles,omitempty"`
	UserResourceType string           `json:"userResourceType,omitempty"`
	ResourceTypes    []string         `json:"resourceTypes,omitempty"`
	Operations       []string         `json:"operations,omitempty"`
	Compartment      *CompartmentSpec `json:"compartment,omitempty"`
	PathPattern      string           `json:"pathPattern,omitempty"`
	SourceCIDR       string           `json:"sourceCIDR,omitempty"`
}

const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
	TokenKindID      = "id"
)

type ValidatedClaims struct {
	Issuer    string    `json:"iss"`
	Subject   string    `json:"sub"`
	ClientID  string    `json:"clientID"`
	Scope     string    `json:"scope"`
	JTI       string    `json:"jti"`
	Kind      string    `json:"kind"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	Patient   string    `json:"patient,omitempty"`
	Encounter string    `json:"encounter,omitempty"`
	FHIRUser  string    `json:"fhirUser,omitempty"`

	// Raw carries the full verified claim set, including any
	// issuer-specific claims the typed fields do not cover.
	Raw map[string]any `json:"-"`
}

// IntrospectionResult follows RFC 7662 section 2.2.
// When Active is false every other field must stay empty.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Jti       string `json:"jti,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// DecisionEvent is the audit record of one evaluation.
type DecisionEvent struct {
	RequestID    string    `json:"requestID"`
	Subject      string    `json:"subject"`
	ClientID     string    `json:"clientID"`
	Operation    string    `json:"operation"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceID,omitempty"`
	Verdict      Verdict   `json:"verdict"`
	Code         string    `json:"code,omitempty"`
	PolicyID     string    `json:"policyID,omitempty"`
	Scanned      []string  `json:"scanned,omitempty"`
	DurationUS   int64     `json:"durationUS"`
	DecidedAt    time.Time `json:"decidedAt"`
}
