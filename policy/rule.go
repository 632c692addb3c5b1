package policy

import (
	"fmt"
	"strings"
	"time"

	"execguard/config"
)

// RuleType identifies which attribute of a binary a rule matches. The
// numeric order is the match precedence: lower values win.
type RuleType int

const (
	RuleTypeUnknown RuleType = iota
	RuleTypeCDHash
	RuleTypeBinary
	RuleTypeSigningID
	RuleTypeCertificate
	RuleTypeTeamID
)

// RuleTypesByPrecedence lists the matchable types, highest precedence first.
var RuleTypesByPrecedence = []RuleType{
	RuleTypeCDHash,
	RuleTypeBinary,
	RuleTypeSigningID,
	RuleTypeCertificate,
	RuleTypeTeamID,
}

func (t RuleType) String() string {
	switch t {
	case RuleTypeCDHash:
		return "cdhash"
	case RuleTypeBinary:
		return "binary"
	case RuleTypeSigningID:
		return "signingid"
	case RuleTypeCertificate:
		return "certificate"
	case RuleTypeTeamID:
		return "teamid"
	default:
		return "unknown"
	}
}

func ParseRuleType(s string) (RuleType, error) {
	for _, t := range RuleTypesByPrecedence {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return RuleTypeUnknown, fmt.Errorf("unknown rule type %q", s)
}

type RuleState int

const (
	RuleStateUnknown RuleState = iota
	RuleStateAllow
	RuleStateAllowLocal
	RuleStateAllowCompiler
	RuleStateAllowTransitive
	RuleStateBlock
	RuleStateSilentBlock
	RuleStateCel
	RuleStateCelV2
)

var ruleStateNames = map[RuleState]string{
	RuleStateAllow:           "allow",
	RuleStateAllowLocal:      "allow_local",
	RuleStateAllowCompiler:   "allow_compiler",
	RuleStateAllowTransitive: "allow_transitive",
	RuleStateBlock:           "block",
	RuleStateSilentBlock:     "silent_block",
	RuleStateCel:             "cel",
	RuleStateCelV2:           "cel_v2",
}

func (s RuleState) String() string {
	if name, ok := ruleStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseRuleState(s string) (RuleState, error) {
	for state, name := range ruleStateNames {
		if strings.EqualFold(s, name) {
			return state, nil
		}
	}
	return RuleStateUnknown, fmt.Errorf("unknown rule state %q", s)
}

// IsExpression reports whether the rule carries a custom expression that
// must be evaluated instead of looked up in the verdict table.
func (s RuleState) IsExpression() bool {
	return s == RuleStateCel || s == RuleStateCelV2
}

type Rule struct {
	Identifier string
	Type       RuleType
	State      RuleState
	CustomMsg  string
	CustomURL  string
	Expression string
	Comment    string

	// Timestamp is the last time the rule was added or used. Only
	// transitive rules are aged out by it.
	Timestamp time.Time
}

func NewRule(identifier string, t RuleType, s RuleState) *Rule {
	return &Rule{Identifier: NormalizeIdentifier(t, identifier), Type: t, State: s, Timestamp: time.Now()}
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Type, r.State, r.Identifier)
}

// Validate checks the identifier format for the rule type and that
// expression rules actually carry an expression.
func (r *Rule) Validate() error {
	var ok bool
	switch r.Type {
	case RuleTypeCDHash:
		ok = IsValidCDHash(r.Identifier)
	case RuleTypeBinary, RuleTypeCertificate:
		ok = IsValidSHA256(r.Identifier)
	case RuleTypeSigningID:
		ok = IsValidSigningID(r.Identifier)
	case RuleTypeTeamID:
		ok = IsValidTeamID(r.Identifier)
	default:
		return fmt.Errorf("rule %q: unknown type", r.Identifier)
	}
	if !ok {
		return fmt.Errorf("rule %q: malformed %s identifier", r.Identifier, r.Type)
	}
	if r.State == RuleStateUnknown {
		return fmt.Errorf("rule %q: unknown state", r.Identifier)
	}
	if r.State.IsExpression() && strings.TrimSpace(r.Expression) == "" {
		return fmt.Errorf("rule %q: %s rule without expression", r.Identifier, r.State)
	}
	return nil
}

// RulesFromConfig converts and validates the static rules of a config.
func RulesFromConfig(in []config.RuleConfig) ([]*Rule, error) {
	out := make([]*Rule, 0, len(in))
	for i, rc := range in {
		t, err := ParseRuleType(rc.Type)
		if err != nil {
			return nil, fmt.Errorf("static rule %d: %w", i, err)
		}
		s, err := ParseRuleState(rc.State)
		if err != nil {
			return nil, fmt.Errorf("static rule %d: %w", i, err)
		}
		r := NewRule(rc.Identifier, t, s)
		r.CustomMsg = rc.CustomMsg
		r.CustomURL = rc.CustomURL
		r.Expression = rc.Expression
		r.Comment = rc.Comment
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("static rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
