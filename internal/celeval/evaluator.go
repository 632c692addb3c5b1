// Package celeval evaluates custom rule expressions written in CEL.
//
// An expression sees the static attributes of the binary under "target"
// and the per-execution context under args, envs, euid, cwd and
// ancestors. It returns either a bool (true allows, false blocks) or one of
// the named action constants such as ALLOWLIST or REQUIRE_APPROVAL.
package celeval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"execguard/policy"
)

const (
	varTarget    = "target"
	varArgs      = "args"
	varEnvs      = "envs"
	varEUID      = "euid"
	varCwd       = "cwd"
	varAncestors = "ancestors"

	defaultCostLimit = 10000
	defaultCacheSize = 1024
)

// dynamicVars are the variables whose values differ between executions of
// the same binary.
var dynamicVars = map[string]struct{}{
	varArgs:      {},
	varEnvs:      {},
	varEUID:      {},
	varCwd:       {},
	varAncestors: {},
}

type Options struct {
	// CostLimit bounds the runtime cost of a single evaluation.
	CostLimit uint64
	// CacheSize is the number of compiled programs kept. The cache is
	// cleared when it fills up.
	CacheSize int
	Logger    *slog.Logger
}

// Evaluator compiles expressions once and caches the programs. It is safe
// for concurrent use.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64
	cacheSize int
	logger    *slog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

var _ policy.ExpressionEvaluator = (*Evaluator)(nil)

func New(opts Options) (*Evaluator, error) {
	envOpts := []cel.EnvOption{
		cel.Variable(varTarget, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(varArgs, cel.ListType(cel.StringType)),
		cel.Variable(varEnvs, cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable(varEUID, cel.IntType),
		cel.Variable(varCwd, cel.StringType),
		cel.Variable(varAncestors, cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	}
	for name, action := range policy.ExprActions() {
		envOpts = append(envOpts, cel.Constant(name, cel.IntType, types.Int(action)))
	}
	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	if opts.CostLimit == 0 {
		opts.CostLimit = defaultCostLimit
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "celeval")
	}
	return &Evaluator{
		env:       env,
		costLimit: opts.CostLimit,
		cacheSize: opts.CacheSize,
		logger:    opts.Logger,
		programs:  make(map[string]cel.Program),
	}, nil
}

// Compile checks that expr is well formed and returns a bool or an int.
// Rules are validated with it when loaded.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %w", policy.ErrExpression, issues.Err())
	}
	out := ast.OutputType()
	if !out.IsAssignableType(cel.BoolType) && !out.IsAssignableType(cel.IntType) {
		return nil, fmt.Errorf("%w: expression returns %s, want bool or int", policy.ErrExpression, out)
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(e.costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program: %w", policy.ErrExpression, err)
	}

	if len(e.programs) >= e.cacheSize {
		e.logger.Debug("expression cache full, clearing", "size", len(e.programs))
		clear(e.programs)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Evaluate runs expr against ec. The result is cacheable unless the
// evaluation actually read a per-execution variable.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, ec *policy.EvalContext) (policy.ExprResult, error) {
	prg, err := e.program(expr)
	if err != nil {
		return policy.ExprResult{}, err
	}

	act := &trackingActivation{vars: bindings(ec), dynamic: dynamicVars}
	val, _, err := prg.ContextEval(ctx, act)
	if err != nil {
		return policy.ExprResult{}, fmt.Errorf("%w: eval: %w", policy.ErrExpression, err)
	}

	var action policy.ExprAction
	switch v := val.Value().(type) {
	case bool:
		action = policy.ExprBlocklist
		if v {
			action = policy.ExprAllowlist
		}
	case int64:
		action = policy.ExprAction(v)
	default:
		return policy.ExprResult{}, fmt.Errorf("%w: unexpected result type %s", policy.ErrExpression, val.Type())
	}
	if !action.Valid() {
		return policy.ExprResult{}, fmt.Errorf("%w: invalid action %d", policy.ErrExpression, int(action))
	}
	return policy.ExprResult{Action: action, Cacheable: !act.touched}, nil
}

func bindings(ec *policy.EvalContext) map[string]any {
	if ec == nil {
		ec = &policy.EvalContext{}
	}
	args := ec.Args
	if args == nil {
		args = []string{}
	}
	envs := ec.Env
	if envs == nil {
		envs = map[string]string{}
	}
	ancestors := make([]any, 0, len(ec.Ancestors))
	for _, a := range ec.Ancestors {
		ancestors = append(ancestors, map[string]any{
			"pid":  int64(a.PID),
			"path": a.Path,
		})
	}
	return map[string]any{
		varTarget: map[string]any{
			"path":            ec.Path,
			"sha256":          ec.SHA256,
			"team_id":         ec.TeamID,
			"signing_id":      ec.SigningID,
			"cdhash":          ec.CDHash,
			"cert_sha256":     ec.CertSHA256,
			"signing_status":  ec.SigningStatus.String(),
			"platform_binary": ec.Platform,
		},
		varArgs:      args,
		varEnvs:      envs,
		varEUID:      int64(ec.EUID),
		varCwd:       ec.Cwd,
		varAncestors: ancestors,
	}
}
