package policy

import (
	"context"
	"errors"
	"fmt"
)

var ErrExpression = errors.New("expression evaluation failed")

// ExprAction is the enumerated result of a custom expression. The numeric
// values are part of the expression language: expressions may return them
// directly as integers.
type ExprAction int

const (
	ExprActionUnspecified ExprAction = iota
	ExprAllowlist
	ExprAllowlistCompiler
	ExprBlocklist
	ExprSilentBlocklist
	ExprRequireApproval
	ExprRequireApprovalSilent
)

var exprActionNames = map[ExprAction]string{
	ExprAllowlist:             "ALLOWLIST",
	ExprAllowlistCompiler:     "ALLOWLIST_COMPILER",
	ExprBlocklist:             "BLOCKLIST",
	ExprSilentBlocklist:       "SILENT_BLOCKLIST",
	ExprRequireApproval:       "REQUIRE_APPROVAL",
	ExprRequireApprovalSilent: "REQUIRE_APPROVAL_SILENT",
}

func (a ExprAction) String() string {
	if name, ok := exprActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ExprAction(%d)", int(a))
}

func (a ExprAction) Valid() bool {
	_, ok := exprActionNames[a]
	return ok
}

// ExprActions lists every valid action, for evaluators that expose them as
// named constants.
func ExprActions() map[string]ExprAction {
	out := make(map[string]ExprAction, len(exprActionNames))
	for a, name := range exprActionNames {
		out[name] = a
	}
	return out
}

type ExprResult struct {
	Action ExprAction
	// Cacheable is false when the result depended on per-execution
	// context such as arguments or environment.
	Cacheable bool
}

// Ancestor is one entry of a process's parent chain, nearest first.
type Ancestor struct {
	PID        int32
	Generation uint64
	Path       string
}

// EvalContext is the input to an expression. The static part is the same
// for every execution of a binary; the dynamic part is not.
type EvalContext struct {
	// static
	Path          string
	SHA256        string
	TeamID        string
	SigningID     string
	CDHash        string
	CertSHA256    string
	SigningStatus SigningStatus
	Platform      bool

	// dynamic
	Args      []string
	Env       map[string]string
	EUID      uint32
	Cwd       string
	Ancestors []Ancestor
}

// ContextProvider supplies the dynamic half of an EvalContext. It is only
// consulted when an expression rule matched, so the per-process reads it
// performs stay off the common path.
type ContextProvider interface {
	DynamicContext(ctx context.Context, withAncestors bool) (*EvalContext, error)
}

type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expr string, ec *EvalContext) (ExprResult, error)
}
