package authz

import "testing"

func TestPathPatternMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"secret/data/*", "secret/data/prod", true},
		{"secret/data/*", "secret/data/prod/extra", false},
		{"secret/data/+", "secret/data/prod/extra", true},
		{"secret/data/+", "secret/data", false},
		{"secret/data/prod", "secret/data/prod", true},
		{"secret/data/prod", "secret/data/dev", false},
	}
	for _, c := range cases {
		if got := pathPatternMatch(c.pattern, c.path); got != c.want {
			t.Errorf("pathPatternMatch(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestSubstituteSubjectTemplate(t *testing.T) {
	got := substituteSubjectTemplate("kv/data/${subject.team}/*", map[string]any{"team": "payments"})
	want := "kv/data/payments/*"
	if got != want {
		t.Errorf("substituteSubjectTemplate = %q, want %q", got, want)
	}
}

func TestParseHCLBody(t *testing.T) {
	raw := []byte(`
path "secret/data/prod/*" {
  capabilities = ["read", "list"]
  required_parameters = ["reason"]
}

path "secret/data/prod/root" {
  capabilities = ["deny"]
}
`)
	f, err := parseHCLBody(raw, "test-policy")
	if err != nil {
		t.Fatalf("parseHCLBody: %v", err)
	}
	if len(f.Paths) != 2 {
		t.Fatalf("Paths = %d, want 2", len(f.Paths))
	}
	if f.Paths[0].Pattern != "secret/data/prod/*" {
		t.Errorf("Pattern = %q", f.Paths[0].Pattern)
	}
	if len(f.Paths[0].RequiredParameters) != 1 || f.Paths[0].RequiredParameters[0] != "reason" {
		t.Errorf("RequiredParameters = %v", f.Paths[0].RequiredParameters)
	}
}

func TestHasCapability(t *testing.T) {
	block := hclPathBlock{Capabilities: []string{"read", "list"}}
	if grants, denies := hasCapability(block, "read"); !grants || denies {
		t.Errorf("expected grant for read, got grants=%v denies=%v", grants, denies)
	}
	if grants, _ := hasCapability(block, "delete"); grants {
		t.Error("expected no grant for delete")
	}

	denyBlock := hclPathBlock{Capabilities: []string{"deny"}}
	if _, denies := hasCapability(denyBlock, "read"); !denies {
		t.Error("expected deny capability block to deny read")
	}
}
