// Package policy implements the policy layer (component C7): pure,
// side-effect-free functions that evaluate a command against
// declarative rules and return either nil (pass) or a structured
// Rejection. Policies never mutate state and never read the clock or
// randomness; composition is short-circuit-on-first-rejection,
// mirroring the teacher's deterministic, canonical-state policy
// evaluation style.
package policy

import (
	"fmt"

	"github.com/majorsoln/bos/pkg/kernel"
)

// Input is the read-only evaluation context passed to a Policy.
type Input struct {
	Command kernel.Command
	Context kernel.BusinessContext
	Profile Profile
}

// Policy evaluates Input and returns a Rejection, or nil to pass.
type Policy func(Input) *kernel.Rejection

// Named pairs a Policy with its authoritative policy_name, so the
// rejection it produces always carries that identifier even if the
// function itself forgets to set it.
func Named(name string, p Policy) Policy {
	return func(in Input) *kernel.Rejection {
		rej := p(in)
		if rej != nil && rej.PolicyName == "" {
			rej.PolicyName = name
		}
		return rej
	}
}

// Chain composes policies in order, short-circuiting on the first rejection.
func Chain(policies ...Policy) Policy {
	return func(in Input) *kernel.Rejection {
		for _, p := range policies {
			if rej := p(in); rej != nil {
				return rej
			}
		}
		return nil
	}
}

// Rule is one declarative compliance rule: require_*, max_*, min_*,
// enforce_* as named in the kernel specification's compliance guard.
type Rule struct {
	Name      string
	Kind      RuleKind
	Field     string
	Threshold float64
}

// RuleKind enumerates the declarative rule families the compliance
// guard understands.
type RuleKind string

const (
	RuleRequire RuleKind = "require"
	RuleMax     RuleKind = "max"
	RuleMin     RuleKind = "min"
	RuleEnforce RuleKind = "enforce"
)

// Profile is the active compliance profile for a business: a
// declarative, data-only rule set with no imperative logic, evaluated
// by Evaluate.
type Profile struct {
	BusinessID              string
	Name                    string
	Active                  bool
	Rules                   []Rule
	AuditRejectionsDisabled bool
}

// Evaluate runs every rule in the profile against the command
// payload, returning the first violation as a Rejection.
func Evaluate(profile Profile, cmd kernel.Command) *kernel.Rejection {
	if !profile.Active {
		return nil
	}
	for _, rule := range profile.Rules {
		if rej := evaluateRule(profile, rule, cmd); rej != nil {
			return rej
		}
	}
	return nil
}

func evaluateRule(profile Profile, rule Rule, cmd kernel.Command) *kernel.Rejection {
	switch rule.Kind {
	case RuleRequire, RuleEnforce:
		if _, present := cmd.Payload[rule.Field]; !present {
			return violation(profile, rule, fmt.Sprintf("field %q is required by rule %q", rule.Field, rule.Name))
		}
	case RuleMax:
		if v, ok := numericField(cmd.Payload, rule.Field); ok && v > rule.Threshold {
			return violation(profile, rule, fmt.Sprintf("field %q exceeds max %.4f (rule %q)", rule.Field, rule.Threshold, rule.Name))
		}
	case RuleMin:
		if v, ok := numericField(cmd.Payload, rule.Field); ok && v < rule.Threshold {
			return violation(profile, rule, fmt.Sprintf("field %q below min %.4f (rule %q)", rule.Field, rule.Threshold, rule.Name))
		}
	}
	return nil
}

func violation(profile Profile, rule Rule, msg string) *kernel.Rejection {
	return &kernel.Rejection{
		Code:       "COMPLIANCE_VIOLATION",
		Message:    msg,
		PolicyName: "compliance_profile:" + profile.Name,
		Details:    map[string]any{"rule": rule.Name, "kind": string(rule.Kind)},
	}
}

func numericField(payload map[string]any, field string) (float64, bool) {
	v, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
