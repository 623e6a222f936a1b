package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

// policyStore is the seam the evaluator needs from the Store.
type policyStore interface {
	Queries() *store.Queries
}

// auditSink is the narrow audit seam the evaluator needs for recording
// policy-change events.
type auditSink interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Evaluator implements AuthzEvaluator (C9): it gathers active policies by
// type and combines them into a single Permit/Deny decision per the
// normative combination algorithm.
type Evaluator struct {
	store             policyStore
	audit             auditSink
	riskMFAThreshold  int
	riskDenyThreshold int
}

// NewEvaluator constructs an Evaluator. riskMFAThreshold/riskDenyThreshold
// are the platform-wide defaults applied when environment_attributes
// carries a risk_score and no Context policy's own thresholds fired first.
func NewEvaluator(s policyStore, auditSink auditSink, riskMFAThreshold, riskDenyThreshold int) *Evaluator {
	return &Evaluator{store: s, audit: auditSink, riskMFAThreshold: riskMFAThreshold, riskDenyThreshold: riskDenyThreshold}
}

// recordAudit appends a policy-change audit entry for a completed
// mutation. A failure to record it surfaces as an Internal error.
func (e *Evaluator) recordAudit(ctx context.Context, action, resource string, details json.RawMessage) error {
	if e.audit == nil {
		return nil
	}
	entry := audit.EntryFromContext(ctx, "policy-change", action, resource, true, details)
	if err := e.audit.Append(ctx, entry); err != nil {
		return usperr.Wrap(usperr.Internal, "recording audit entry", err)
	}
	return nil
}

// match is one rule-level outcome, tagged with enough provenance to
// tie-break deterministically.
type match struct {
	effect   Effect
	priority int
	policyID string
	source   string
}

// Evaluate runs the full combination algorithm and returns a decision.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	q := e.store.Queries()

	env := req.EnvironmentAttributes
	if env == nil {
		env = map[string]any{}
	}

	// 1. Context policies first; any deny short-circuits.
	ctxPolicies, err := q.ListActivePolicies(ctx, string(PolicyContext))
	if err != nil {
		return Result{}, fmt.Errorf("listing context policies: %w", err)
	}
	var requiredAction RequiredAction
	for _, p := range ctxPolicies {
		body, err := parseContextBody(p.Body)
		if err != nil {
			return Result{}, fmt.Errorf("parsing context policy %s: %w", p.Name, err)
		}
		outcome := evaluateContextPolicy(body, env)
		if outcome.Denied {
			return Result{Decision: Deny, Reasons: []string{fmt.Sprintf("context policy %q: %s", p.Name, outcome.DenyReason)}}, nil
		}
		if outcome.RequiredAction != "" {
			requiredAction = outcome.RequiredAction
		}
	}

	// Platform-wide risk thresholds apply regardless of any Context
	// policy being configured.
	if score, ok := intAttr(env["risk_score"]); ok {
		if e.riskDenyThreshold > 0 && score >= e.riskDenyThreshold {
			return Result{Decision: Deny, Reasons: []string{fmt.Sprintf("risk score %d at or above deny threshold %d", score, e.riskDenyThreshold)}}, nil
		}
		if requiredAction == "" && e.riskMFAThreshold > 0 && score >= e.riskMFAThreshold {
			requiredAction = RequiredMFA
		}
	}

	// 2. Gather RBAC/ABAC/HCL matches.
	var matches []match

	rbacPolicies, err := q.ListActivePolicies(ctx, string(PolicyRBAC))
	if err != nil {
		return Result{}, fmt.Errorf("listing RBAC policies: %w", err)
	}
	for _, p := range rbacPolicies {
		body, err := parseRBACBody(p.Body)
		if err != nil {
			return Result{}, fmt.Errorf("parsing RBAC policy %s: %w", p.Name, err)
		}
		for _, perm := range matchRBAC(body, req.Roles, req.ResourceType, req.Action) {
			effect := perm.Effect
			if effect == "" {
				effect = EffectAllow
			}
			matches = append(matches, match{effect: effect, priority: p.Priority, policyID: p.ID.String(), source: "RBAC:" + p.Name})
		}
	}

	abacPolicies, err := q.ListActivePolicies(ctx, string(PolicyABAC))
	if err != nil {
		return Result{}, fmt.Errorf("listing ABAC policies: %w", err)
	}
	attrs := mergedAttributes(req, env)
	for _, p := range abacPolicies {
		body, err := parseABACBody(p.Body)
		if err != nil {
			return Result{}, fmt.Errorf("parsing ABAC policy %s: %w", p.Name, err)
		}
		for _, rule := range matchABAC(body, req.Action, req.ResourceType, attrs) {
			effect := rule.Effect
			if effect == "" {
				effect = EffectAllow
			}
			matches = append(matches, match{effect: effect, priority: p.Priority, policyID: p.ID.String(), source: "ABAC:" + p.Name})
		}
	}

	hclPolicies, err := q.ListActivePolicies(ctx, string(PolicyHCL))
	if err != nil {
		return Result{}, fmt.Errorf("listing HCL policies: %w", err)
	}
	resourcePath := req.ResourceType
	if req.ResourceID != "" {
		resourcePath = req.ResourceType + "/" + req.ResourceID
	}
	for _, p := range hclPolicies {
		body, err := parseHCLBody(p.Body, p.Name)
		if err != nil {
			return Result{}, fmt.Errorf("parsing HCL policy %s: %w", p.Name, err)
		}
		for _, block := range matchHCL(body, resourcePath, req.SubjectAttributes) {
			grants, denies := hasCapability(block, req.Action)
			if denies {
				matches = append(matches, match{effect: EffectDeny, priority: p.Priority, policyID: p.ID.String(), source: "HCL:" + p.Name})
			}
			if grants {
				matches = append(matches, match{effect: EffectAllow, priority: p.Priority, policyID: p.ID.String(), source: "HCL:" + p.Name})
			}
		}
	}

	// 3. Deny-effect rules win outright.
	denyMatch, ok := pickTieBreak(matches, EffectDeny)
	if ok {
		return Result{Decision: Deny, Reasons: []string{fmt.Sprintf("denied by %s", denyMatch.source)}}, nil
	}

	// 4. Permit-effect rules produce a provisional Permit.
	allowMatch, ok := pickTieBreak(matches, EffectAllow)
	if !ok {
		return Result{Decision: Deny, Reasons: []string{"no matching policy"}}, nil
	}

	res := Result{Decision: Permit, Reasons: []string{fmt.Sprintf("permitted by %s", allowMatch.source)}}
	if requiredAction != "" {
		res.RequiredAction = requiredAction
	}
	return res, nil
}

// pickTieBreak returns the highest-priority match of the given effect,
// breaking ties lexicographically by policy id. Deny always wins over
// allow at the same (action, resource) pair, but that precedence is
// handled by the caller evaluating deny before allow; this only
// tie-breaks within one effect class.
func pickTieBreak(matches []match, effect Effect) (match, bool) {
	var candidates []match
	for _, m := range matches {
		if m.effect == effect {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return match{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].policyID < candidates[j].policyID
	})
	return candidates[0], true
}

func mergedAttributes(req Request, env map[string]any) map[string]any {
	merged := make(map[string]any, len(req.SubjectAttributes)+len(req.ResourceAttributes)+len(env))
	for k, v := range req.SubjectAttributes {
		merged[k] = v
	}
	for k, v := range req.ResourceAttributes {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}

// CreatePolicy validates typ/body against the matching parser before
// persisting, so malformed policies are rejected at write time.
func (e *Evaluator) CreatePolicy(ctx context.Context, name string, typ PolicyType, body []byte, priority int, effectDefault Effect) (store.PolicyRow, error) {
	if err := validatePolicyBody(typ, body); err != nil {
		return store.PolicyRow{}, usperr.New(usperr.ValidationFailed, err.Error())
	}
	row, err := e.store.Queries().CreatePolicy(ctx, name, string(typ), body, priority, string(effectDefault))
	if err != nil {
		return row, err
	}
	details, _ := json.Marshal(map[string]any{"name": name, "type": typ, "priority": priority})
	if err := e.recordAudit(ctx, "policy.create", row.ID.String(), details); err != nil {
		return row, err
	}
	return row, nil
}

// UpdatePolicy validates and replaces a policy's mutable fields.
func (e *Evaluator) UpdatePolicy(ctx context.Context, id uuid.UUID, typ PolicyType, body []byte, priority int, effectDefault Effect, active bool) error {
	if err := validatePolicyBody(typ, body); err != nil {
		return usperr.New(usperr.ValidationFailed, err.Error())
	}
	if err := e.store.Queries().UpdatePolicy(ctx, id, body, priority, string(effectDefault), active); err != nil {
		return err
	}
	details, _ := json.Marshal(map[string]any{"type": typ, "priority": priority, "active": active})
	return e.recordAudit(ctx, "policy.update", id.String(), details)
}

// DeletePolicy removes a policy.
func (e *Evaluator) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	if err := e.store.Queries().DeletePolicy(ctx, id); err != nil {
		return err
	}
	return e.recordAudit(ctx, "policy.delete", id.String(), nil)
}

// GetPolicy returns a policy by id.
func (e *Evaluator) GetPolicy(ctx context.Context, id uuid.UUID) (store.PolicyRow, error) {
	row, err := e.store.Queries().GetPolicy(ctx, id)
	if err != nil {
		return store.PolicyRow{}, mapNotFound(err)
	}
	return row, nil
}

func validatePolicyBody(typ PolicyType, body []byte) error {
	switch typ {
	case PolicyRBAC:
		_, err := parseRBACBody(body)
		return err
	case PolicyABAC:
		_, err := parseABACBody(body)
		return err
	case PolicyHCL:
		_, err := parseHCLBody(body, "policy")
		return err
	case PolicyContext:
		_, err := parseContextBody(body)
		return err
	default:
		return fmt.Errorf("unknown policy type %q", typ)
	}
}

func mapNotFound(err error) error {
	if err == store.ErrNotFound {
		return usperr.New(usperr.NotFound, "policy not found")
	}
	return err
}
