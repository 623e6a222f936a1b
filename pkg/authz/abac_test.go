package authz

import "testing"

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		name     string
		actual   any
		op       string
		expected any
		want     bool
	}{
		{"eq match", "prod", "eq", "prod", true},
		{"eq mismatch", "dev", "eq", "prod", false},
		{"ne", "dev", "ne", "prod", true},
		{"in hit", "b", "in", []any{"a", "b", "c"}, true},
		{"in miss", "z", "in", []any{"a", "b", "c"}, false},
		{"contains", "arn:aws:prod:123", "contains", "prod", true},
		{"gt", float64(10), "gt", float64(5), true},
		{"le equal", float64(5), "le", float64(5), true},
		{"cidr-in hit", "10.0.1.5", "cidr-in", "10.0.0.0/16", true},
		{"cidr-in miss", "192.168.1.5", "cidr-in", "10.0.0.0/16", false},
		{"unknown op", "x", "bogus", "y", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := evalCondition(c.actual, c.op, c.expected); got != c.want {
				t.Errorf("evalCondition(%v, %q, %v) = %v, want %v", c.actual, c.op, c.expected, got, c.want)
			}
		})
	}
}

func TestAllConditionsHold_MissingAttributeIsFalse(t *testing.T) {
	conds := map[string]ABACCondition{"department": {Op: "eq", Value: "eng"}}
	if allConditionsHold(conds, map[string]any{}) {
		t.Error("a missing attribute must make the condition false, not error or skip")
	}
}

func TestMatchABAC(t *testing.T) {
	body := ABACBody{Rules: []ABACRule{
		{
			Effect:   EffectAllow,
			Action:   "read",
			Resource: "kv/*",
			Conditions: map[string]ABACCondition{
				"department": {Op: "eq", Value: "eng"},
			},
		},
	}}

	matches := matchABAC(body, "read", "kv/dev/app1", map[string]any{"department": "eng"})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}

	matches = matchABAC(body, "read", "kv/dev/app1", map[string]any{"department": "sales"})
	if len(matches) != 0 {
		t.Errorf("condition mismatch should produce no matches, got %v", matches)
	}
}
