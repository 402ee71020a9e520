package access

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Role names a permission set.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
	RoleReadOnly Role = "readonly"
)

// ParseRole maps a configured role name, including common aliases, onto a Role.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "full", "full-access", "full_access":
		return RoleAdmin, true
	case "standard", "user", "default":
		return RoleStandard, true
	case "readonly", "read-only", "read_only", "ro", "viewer":
		return RoleReadOnly, true
	}
	return "", false
}

// Gate names one authorization check.
type Gate string

const (
	GateNavigate Gate = "navigate"
	GateCreate   Gate = "create_session"
	GateManage   Gate = "manage"
	GateTool     Gate = "tool"
	GateDebug    Gate = "debug"
)

// Policy is the immutable permission set of a role.
type Policy struct {
	Role           Role
	Navigate       bool
	CreateSessions bool
	Manage         bool
	Debug          bool

	allowed []glob.Glob
	denied  []glob.Glob
}

// NewPolicy compiles the tool patterns of a role. An empty allow list
// permits every tool that no deny pattern matches.
func NewPolicy(role Role, navigate, create, manage, debug bool, allow, deny []string) (*Policy, error) {
	p := &Policy{Role: role, Navigate: navigate, CreateSessions: create, Manage: manage, Debug: debug}
	for _, pattern := range allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed tool pattern %q: %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}
	for _, pattern := range deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denied tool pattern %q: %w", pattern, err)
		}
		p.denied = append(p.denied, g)
	}
	return p, nil
}

// ToolAllowed checks a tool name. Deny patterns win over allow patterns.
func (p *Policy) ToolAllowed(name string) bool {
	for _, g := range p.denied {
		if g.Match(name) {
			return false
		}
	}
	if len(p.allowed) == 0 {
		return true
	}
	for _, g := range p.allowed {
		if g.Match(name) {
			return true
		}
	}
	return false
}

var readOnlyTools = []string{
	"browser_screenshot", "browser_snapshot", "browser_get_*", "browser_wait*",
	"get_*", "list_*", "search_*", "read_*", "find_*", "view_*",
}

var mutatingTools = []string{
	"*delete*", "*remove*", "*submit*", "*purchase*", "*checkout*", "*payment*", "pay_*",
	"*create*", "*update*", "*write*", "*send*", "browser_evaluate",
}

// DefaultPolicies returns the built-in role table.
func DefaultPolicies() map[Role]*Policy {
	must := func(p *Policy, err error) *Policy {
		if err != nil {
			panic(err)
		}
		return p
	}
	return map[Role]*Policy{
		RoleAdmin:    must(NewPolicy(RoleAdmin, true, true, true, true, nil, nil)),
		RoleStandard: must(NewPolicy(RoleStandard, true, true, true, false, nil, []string{"browser_evaluate"})),
		RoleReadOnly: must(NewPolicy(RoleReadOnly, false, false, false, false, readOnlyTools, mutatingTools)),
	}
}
