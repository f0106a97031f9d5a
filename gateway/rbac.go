package gateway

import (
	"context"
	"strings"

	"github.com/briannadoubt/trebuchet/wire"
)

// AnonymousRole is granted to invocations that passed authentication
// without a principal. Rules must name it explicitly to admit such
// traffic.
const AnonymousRole = "anonymous"

// Rule permits one role to invoke methods matching Method on actors
// matching Actor. Patterns are exact, "*", "prefix*" or "*suffix"; an
// omitted pattern is unconstrained.
type Rule struct {
	Role   string `yaml:"role"`
	Actor  string `yaml:"actor"`
	Method string `yaml:"method"`
}

// AuthorizationStage grants or denies by RBAC rule set. Any single
// matching rule admits the invocation; an empty rule set denies
// everything.
type AuthorizationStage struct {
	rules []Rule
}

// NewAuthorizationStage builds the stage over the given rules.
func NewAuthorizationStage(rules []Rule) *AuthorizationStage {
	return &AuthorizationStage{rules: rules}
}

func (s *AuthorizationStage) Name() string { return "authorization" }

func (s *AuthorizationStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	roles := bag.Roles
	if bag.Principal == "" && len(roles) == 0 {
		roles = []string{AnonymousRole}
	}

	inv := env.Invocation
	for _, rule := range s.rules {
		if !hasRole(roles, rule.Role) {
			continue
		}
		if matchPattern(rule.Actor, inv.ActorID.ID) && matchPattern(rule.Method, inv.TargetIdentifier) {
			return next(ctx)
		}
	}
	return nil, wire.Errorf(wire.KindAuthorizationError,
		"not authorized to invoke %s on %s", inv.TargetIdentifier, inv.ActorID.ID)
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// matchPattern implements the rule wildcard forms: "*" or an empty pattern
// matches anything, "prefix*" matches by prefix, "*suffix" by suffix,
// anything else exactly.
func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	default:
		return pattern == value
	}
}
