package celeval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/policy"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := New(Options{})
	require.NoError(t, err)
	return e
}

func sampleContext() *policy.EvalContext {
	return &policy.EvalContext{
		Path:          "/usr/bin/curl",
		SHA256:        "abc",
		TeamID:        "EQHXZ8M8AV",
		SigningID:     "com.example.curl",
		SigningStatus: policy.SigningStatusProduction,
		Args:          []string{"curl", "--insecure", "https://example.com"},
		Env:           map[string]string{"HOME": "/root"},
		EUID:          0,
		Cwd:           "/tmp",
		Ancestors: []policy.Ancestor{
			{PID: 100, Path: "/bin/bash"},
			{PID: 1, Path: "/sbin/init"},
		},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		expr      string
		action    policy.ExprAction
		cacheable bool
	}{
		{"static bool true", `target.team_id == "EQHXZ8M8AV"`, policy.ExprAllowlist, true},
		{"static bool false", `target.signing_status == "adhoc"`, policy.ExprBlocklist, true},
		{"named constant", `SILENT_BLOCKLIST`, policy.ExprSilentBlocklist, true},
		{"args read", `"--insecure" in args ? BLOCKLIST : ALLOWLIST`, policy.ExprBlocklist, false},
		{"env read", `envs["HOME"] == "/root"`, policy.ExprAllowlist, false},
		{"euid read", `euid == 0 ? REQUIRE_APPROVAL : ALLOWLIST`, policy.ExprRequireApproval, false},
		{"short circuit skips dynamic", `target.platform_binary == false || args.size() > 5`, policy.ExprAllowlist, true},
		{"ancestors", `ancestors.exists(a, a.path == "/bin/bash") ? REQUIRE_APPROVAL_SILENT : ALLOWLIST`, policy.ExprRequireApprovalSilent, false},
		{"integer literal", `2`, policy.ExprAllowlistCompiler, true},
	}
	e := newEvaluator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Evaluate(context.Background(), tt.expr, sampleContext())
			require.NoError(t, err)
			assert.Equal(t, tt.action, res.Action)
			assert.Equal(t, tt.cacheable, res.Cacheable)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := newEvaluator(t)
	tests := []struct {
		name string
		expr string
	}{
		{"syntax", `target.team_id ==`},
		{"wrong result type", `target.path`},
		{"out of range action", `42`},
		{"unspecified action", `0`},
		{"missing key", `envs["NOPE"] == "x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), tt.expr, sampleContext())
			require.Error(t, err)
			assert.True(t, errors.Is(err, policy.ErrExpression))
		})
	}
}

func TestCompile(t *testing.T) {
	e := newEvaluator(t)
	assert.NoError(t, e.Compile(`cwd.startsWith("/tmp") ? BLOCKLIST : ALLOWLIST`))
	assert.Error(t, e.Compile(`unknown_var == 1`))
}

func TestEvaluate_NilContext(t *testing.T) {
	e := newEvaluator(t)
	res, err := e.Evaluate(context.Background(), `args.size() == 0 && target.path == ""`, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.ExprAllowlist, res.Action)
	assert.False(t, res.Cacheable)
}

func TestProgramCacheBounded(t *testing.T) {
	e, err := New(Options{CacheSize: 2})
	require.NoError(t, err)
	for _, expr := range []string{`true`, `false`, `1 == 1`} {
		require.NoError(t, e.Compile(expr))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.LessOrEqual(t, len(e.programs), 2)
	assert.Contains(t, e.programs, `1 == 1`)
}

func TestEvaluate_Concurrent(t *testing.T) {
	e := newEvaluator(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Evaluate(context.Background(), `cwd == "/tmp"`, sampleContext())
			assert.NoError(t, err)
			assert.Equal(t, policy.ExprAllowlist, res.Action)
			assert.False(t, res.Cacheable)
		}()
	}
	wg.Wait()
}

func TestEvaluate_Cancelled(t *testing.T) {
	e := newEvaluator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, `[1,2,3,4,5,6,7,8,9,10].all(x, [1,2,3,4,5,6,7,8,9,10].all(y, [1,2,3,4,5,6,7,8,9,10].all(z, x+y+z > 0)))`, sampleContext())
	assert.Error(t, err)
}
