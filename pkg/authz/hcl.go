package authz

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Capability is a verb an HCL path block grants.
type Capability string

const (
	CapabilityCreate Capability = "create"
	CapabilityRead   Capability = "read"
	CapabilityUpdate Capability = "update"
	CapabilityDelete Capability = "delete"
	CapabilityList   Capability = "list"
	CapabilitySudo   Capability = "sudo"
	CapabilityDeny   Capability = "deny"
)

// actionCapability maps a request action onto the capability that grants it.
var actionCapability = map[string]Capability{
	"create": CapabilityCreate,
	"read":   CapabilityRead,
	"update": CapabilityUpdate,
	"delete": CapabilityDelete,
	"list":   CapabilityList,
	"sudo":   CapabilitySudo,
}

// hclFile is the decoded shape of a path-capability policy document:
//
//	path "secret/data/prod/*" {
//	  capabilities = ["read", "list"]
//	  required_parameters = ["reason"]
//	}
type hclFile struct {
	Paths []hclPathBlock `hcl:"path,block"`
}

type hclPathBlock struct {
	Pattern            string   `hcl:"pattern,label"`
	Capabilities       []string `hcl:"capabilities"`
	RequiredParameters []string `hcl:"required_parameters,optional"`
}

func parseHCLBody(raw []byte, name string) (hclFile, error) {
	var f hclFile
	if err := hclsimple.Decode(name+".hcl", raw, nil, &f); err != nil {
		return hclFile{}, fmt.Errorf("parsing HCL policy: %w", err)
	}
	return f, nil
}

// matchHCL returns the capability blocks whose pattern matches resourcePath
// after ${subject.*} templates are substituted from subjectAttrs.
func matchHCL(f hclFile, resourcePath string, subjectAttrs map[string]any) []hclPathBlock {
	var matches []hclPathBlock
	for _, p := range f.Paths {
		pattern := substituteSubjectTemplate(p.Pattern, subjectAttrs)
		if pathPatternMatch(pattern, resourcePath) {
			matches = append(matches, p)
		}
	}
	return matches
}

func hasCapability(block hclPathBlock, action string) (bool, bool) {
	want, ok := actionCapability[action]
	if !ok {
		return false, false
	}
	var grants, denies bool
	for _, c := range block.Capabilities {
		switch Capability(c) {
		case want:
			grants = true
		case CapabilityDeny:
			denies = true
		}
	}
	return grants, denies
}

func substituteSubjectTemplate(pattern string, attrs map[string]any) string {
	if !strings.Contains(pattern, "${subject.") {
		return pattern
	}
	out := pattern
	for k, v := range attrs {
		out = strings.ReplaceAll(out, "${subject."+k+"}", fmt.Sprint(v))
	}
	return out
}

// pathPatternMatch matches a path pattern against a concrete path.
// "*" matches exactly one segment, "+" matches one or more segments.
func pathPatternMatch(pattern, path string) bool {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")

	pi, si := 0, 0
	for pi < len(patSegs) {
		seg := patSegs[pi]
		switch seg {
		case "+":
			if si >= len(pathSegs) {
				return false
			}
			rest := strings.Join(patSegs[pi+1:], "/")
			for k := si + 1; k <= len(pathSegs); k++ {
				if pathPatternMatch(rest, strings.Join(pathSegs[k:], "/")) {
					return true
				}
			}
			return false
		case "*":
			if si >= len(pathSegs) {
				return false
			}
			si++
		default:
			if si >= len(pathSegs) || pathSegs[si] != seg {
				return false
			}
			si++
		}
		pi++
	}
	return si == len(pathSegs)
}
