package authz

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// ABACBody is the JSON body of an ABAC policy: an ordered list of rules,
// each gated by a set of attribute conditions.
type ABACBody struct {
	Rules []ABACRule `json:"rules"`
}

// ABACCondition compares one attribute against a value using one of the
// operators: eq, ne, in, gt, ge, lt, le, contains, cidr-in.
type ABACCondition struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// ABACRule grants or denies action on resource when every condition
// holds. A missing attribute makes its condition false, never an error.
type ABACRule struct {
	Effect     Effect                   `json:"effect"`
	Action     string                   `json:"action"`
	Resource   string                   `json:"resource"`
	Conditions map[string]ABACCondition `json:"conditions"`
}

func parseABACBody(raw []byte) (ABACBody, error) {
	var body ABACBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ABACBody{}, err
	}
	return body, nil
}

// matchABAC returns every rule that applies to the request: action and
// resource match, and every condition evaluates true against the merged
// subject/resource/environment attributes.
func matchABAC(body ABACBody, action, resourceType string, attrs map[string]any) []ABACRule {
	var matches []ABACRule
	for _, rule := range body.Rules {
		if !wildcardMatch(rule.Resource, resourceType) || !wildcardMatch(rule.Action, action) {
			continue
		}
		if allConditionsHold(rule.Conditions, attrs) {
			matches = append(matches, rule)
		}
	}
	return matches
}

func allConditionsHold(conditions map[string]ABACCondition, attrs map[string]any) bool {
	for attr, cond := range conditions {
		actual, ok := attrs[attr]
		if !ok {
			return false
		}
		if !evalCondition(actual, cond.Op, cond.Value) {
			return false
		}
	}
	return true
}

func evalCondition(actual any, op string, expected any) bool {
	switch op {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "ne":
		return fmt.Sprint(actual) != fmt.Sprint(expected)
	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if fmt.Sprint(v) == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	case "contains":
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
	case "gt", "ge", "lt", "le":
		return compareNumeric(actual, expected, op)
	case "cidr-in":
		return cidrContains(fmt.Sprint(expected), fmt.Sprint(actual))
	default:
		return false
	}
}

func compareNumeric(actual, expected any, op string) bool {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	if !aok || !bok {
		return false
	}
	switch op {
	case "gt":
		return a > b
	case "ge":
		return a >= b
	case "lt":
		return a < b
	case "le":
		return a <= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cidrContains(cidr, ip string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return network.Contains(addr)
}
