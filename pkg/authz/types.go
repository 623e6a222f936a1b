// Package authz implements the AuthzEvaluator (C9): a unified decision
// engine combining role-based, attribute-based, HCL path-capability, and
// context policies into a single Permit/Deny verdict with reasons.
package authz

// PolicyType identifies which matcher interprets a policy's body.
type PolicyType string

const (
	PolicyRBAC    PolicyType = "RBAC"
	PolicyABAC    PolicyType = "ABAC"
	PolicyHCL     PolicyType = "HCL"
	PolicyContext PolicyType = "Context"
)

// Effect is the verdict a single rule within a policy produces.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// RequiredAction annotates a Permit decision that still needs a
// step-up before the caller's operation proceeds.
type RequiredAction string

const (
	RequiredMFA      RequiredAction = "mfa"
	RequiredApproval RequiredAction = "approval"
)

// Decision is the outcome of an evaluation: Permit or Deny.
type Decision string

const (
	Permit Decision = "Permit"
	Deny   Decision = "Deny"
)

// Request is the decision request AuthzEvaluator.Evaluate consumes.
type Request struct {
	SubjectID            string
	SubjectAttributes    map[string]any
	Action               string
	ResourceType         string
	ResourceID           string
	ResourceAttributes   map[string]any
	EnvironmentAttributes map[string]any
	Roles                []string
}

// Result is the decision AuthzEvaluator.Evaluate returns.
type Result struct {
	Decision       Decision
	Reasons        []string
	RequiredAction RequiredAction
	Obligations    map[string]any
}

func (r *Result) addReason(reason string) {
	r.Reasons = append(r.Reasons, reason)
}
