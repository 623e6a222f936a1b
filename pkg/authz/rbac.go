package authz

import (
	"encoding/json"
	"strings"
)

// RBACBody is the JSON body of an RBAC policy: a set of named roles each
// granting a list of "resource:action" permissions. Both segments
// support a trailing "*" wildcard.
type RBACBody struct {
	Roles map[string][]RBACPermission `json:"roles"`
}

// RBACPermission is a single "resource:action" grant with an explicit
// effect, so one policy can carry both allow and deny permissions.
type RBACPermission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Effect   Effect `json:"effect"`
}

func parseRBACBody(raw []byte) (RBACBody, error) {
	var body RBACBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return RBACBody{}, err
	}
	return body, nil
}

// matchRBAC returns every permission across the subject's roles whose
// resource:action pattern matches the request, in policy order.
func matchRBAC(body RBACBody, roles []string, resourceType, action string) []RBACPermission {
	var matches []RBACPermission
	for _, role := range roles {
		for _, perm := range body.Roles[role] {
			if wildcardMatch(perm.Resource, resourceType) && wildcardMatch(perm.Action, action) {
				matches = append(matches, perm)
			}
		}
	}
	return matches
}

// wildcardMatch treats a trailing "*" as a prefix match; anything else
// requires an exact, literal match.
func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}
