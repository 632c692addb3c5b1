package policy

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/config"
)

var (
	testSHA       = strings.Repeat("a", SHA256Length)
	testCDHash    = strings.Repeat("b", CDHashLength)
	testCert      = strings.Repeat("c", SHA256Length)
	testTeamID    = "EQHXZ8M8AV"
	testSigningID = "com.example.app"
	testQualified = testTeamID + ":" + testSigningID
)

func testIdentity() *ExecutionIdentity {
	id := NewExecutionIdentity("/opt/example/app", func() (string, error) { return testSHA, nil })
	id.TeamID = testTeamID
	id.SigningID = testSigningID
	id.CDHash = testCDHash
	id.CertSHA256 = testCert
	id.Flags = SigningSigned | SigningValid | SigningHardened
	id.Format = FormatELF
	id.VnodeID = VnodeID{Device: 1, Inode: 42, Mtime: 1700000000}
	return id
}

func testState(mode config.ClientMode) *config.State {
	return &config.State{ClientMode: mode, EnableTransitiveRules: true}
}

type fakeEvaluator struct {
	res     ExprResult
	err     error
	gotExpr string
	got     *EvalContext
}

func (f *fakeEvaluator) Evaluate(_ context.Context, expr string, ec *EvalContext) (ExprResult, error) {
	f.gotExpr = expr
	f.got = ec
	return f.res, f.err
}

type fakeContext struct {
	ec            *EvalContext
	err           error
	withAncestors bool
}

func (f *fakeContext) DynamicContext(_ context.Context, withAncestors bool) (*EvalContext, error) {
	f.withAncestors = withAncestors
	return f.ec, f.err
}

func newTable(t *testing.T, rules ...*Rule) *RuleTable {
	t.Helper()
	rt := NewRuleTable()
	for _, r := range rules {
		require.NoError(t, rt.Add(r))
	}
	return rt
}

func decide(t *testing.T, rt RuleFinder, eval ExpressionEvaluator, st *config.State, id *ExecutionIdentity) *CachedDecision {
	t.Helper()
	p := NewProcessor(rt, eval, nil, nil)
	return p.Decide(context.Background(), id, st, nil)
}

func TestDecide_SigningIDPrecedesTeamID(t *testing.T) {
	rt := newTable(t,
		NewRule(testTeamID, RuleTypeTeamID, RuleStateBlock),
		NewRule(testQualified, RuleTypeSigningID, RuleStateAllow),
	)
	cd := decide(t, rt, nil, testState(config.ModeLockdown), testIdentity())
	assert.Equal(t, StateAllowSigningID, cd.Decision)
	assert.True(t, cd.Cacheable)
	require.NotNil(t, cd.MatchedRule)
	assert.Equal(t, RuleTypeSigningID, cd.MatchedRule.Type)
}

func TestDecide_EachRuleType(t *testing.T) {
	tests := []struct {
		rule *Rule
		want EventState
	}{
		{NewRule(testCDHash, RuleTypeCDHash, RuleStateBlock), StateBlockCDHash},
		{NewRule(testSHA, RuleTypeBinary, RuleStateAllow), StateAllowBinary},
		{NewRule(testSHA, RuleTypeBinary, RuleStateAllowLocal), StateAllowLocalBinary},
		{NewRule(testQualified, RuleTypeSigningID, RuleStateAllowLocal), StateAllowLocalSigningID},
		{NewRule(testCert, RuleTypeCertificate, RuleStateAllow), StateAllowCertificate},
		{NewRule(testTeamID, RuleTypeTeamID, RuleStateBlock), StateBlockTeamID},
	}
	for _, tt := range tests {
		t.Run(tt.rule.String(), func(t *testing.T) {
			cd := decide(t, newTable(t, tt.rule), nil, testState(config.ModeMonitor), testIdentity())
			assert.Equal(t, tt.want, cd.Decision)
		})
	}
}

func TestDecide_CDHashRequiresHardenedRuntime(t *testing.T) {
	rt := newTable(t,
		NewRule(testCDHash, RuleTypeCDHash, RuleStateBlock),
		NewRule(testSHA, RuleTypeBinary, RuleStateAllow),
	)
	id := testIdentity()
	id.Flags = SigningSigned | SigningValid
	cd := decide(t, rt, nil, testState(config.ModeLockdown), id)
	assert.Equal(t, StateAllowBinary, cd.Decision)
}

func TestDecide_SigningIDNeedsTeamOrPlatform(t *testing.T) {
	rt := newTable(t,
		NewRule(testQualified, RuleTypeSigningID, RuleStateAllow),
		NewRule("platform:"+testSigningID, RuleTypeSigningID, RuleStateBlock),
	)

	unanchored := testIdentity()
	unanchored.TeamID = ""
	cd := decide(t, rt, nil, testState(config.ModeMonitor), unanchored)
	assert.Equal(t, StateAllowUnknown, cd.Decision, "signing id without team id must not match")

	platform := testIdentity()
	platform.TeamID = ""
	platform.Flags |= SigningPlatform
	cd = decide(t, rt, nil, testState(config.ModeMonitor), platform)
	assert.Equal(t, StateBlockSigningID, cd.Decision)
}

func TestDecide_TransitiveDisabled(t *testing.T) {
	st := testState(config.ModeLockdown)
	st.EnableTransitiveRules = false

	compiler := newTable(t, NewRule(testSHA, RuleTypeBinary, RuleStateAllowCompiler))
	assert.Equal(t, StateAllowBinary, decide(t, compiler, nil, st, testIdentity()).Decision)

	signingCompiler := newTable(t, NewRule(testQualified, RuleTypeSigningID, RuleStateAllowCompiler))
	assert.Equal(t, StateAllowSigningID, decide(t, signingCompiler, nil, st, testIdentity()).Decision)

	transitive := newTable(t, NewRule(testSHA, RuleTypeBinary, RuleStateAllowTransitive))
	cd := decide(t, transitive, nil, st, testIdentity())
	assert.Equal(t, StateBlockUnknown, cd.Decision)
	assert.Nil(t, cd.MatchedRule)

	// Scope rules still get their chance after the fallthrough.
	st.AllowedPathRegex = regexp.MustCompile(`^/opt/`)
	assert.Equal(t, StateAllowScope, decide(t, transitive, nil, st, testIdentity()).Decision)
}

func TestDecide_TransitiveEnabled(t *testing.T) {
	st := testState(config.ModeLockdown)
	compiler := newTable(t, NewRule(testSHA, RuleTypeBinary, RuleStateAllowCompiler))
	assert.Equal(t, StateAllowCompilerBinary, decide(t, compiler, nil, st, testIdentity()).Decision)

	transitive := newTable(t, NewRule(testSHA, RuleTypeBinary, RuleStateAllowTransitive))
	assert.Equal(t, StateAllowTransitive, decide(t, transitive, nil, st, testIdentity()).Decision)
}

func TestDecide_UnmappedStateIsNoMatch(t *testing.T) {
	rt := newTable(t, NewRule(testCert, RuleTypeCertificate, RuleStateAllowCompiler))
	cd := decide(t, rt, nil, testState(config.ModeMonitor), testIdentity())
	assert.Equal(t, StateAllowUnknown, cd.Decision)
}

func TestDecide_SilentBlock(t *testing.T) {
	rt := newTable(t, NewRule(testTeamID, RuleTypeTeamID, RuleStateSilentBlock))
	cd := decide(t, rt, nil, testState(config.ModeMonitor), testIdentity())
	assert.Equal(t, StateBlockTeamID, cd.Decision)
	assert.True(t, cd.Silent)
}

func TestDecide_CustomMessageFromRule(t *testing.T) {
	r := NewRule(testSHA, RuleTypeBinary, RuleStateBlock)
	r.CustomMsg = "not on this host"
	r.CustomURL = "https://example.com/why"
	cd := decide(t, newTable(t, r), nil, testState(config.ModeMonitor), testIdentity())
	assert.Equal(t, "not on this host", cd.CustomMsg)
	assert.Equal(t, "https://example.com/why", cd.CustomURL)
}

func celRule(state RuleState) *Rule {
	r := NewRule(testSHA, RuleTypeBinary, state)
	r.Expression = "target.team_id == 'EQHXZ8M8AV'"
	return r
}

func TestDecide_ExpressionUncacheableWins(t *testing.T) {
	eval := &fakeEvaluator{res: ExprResult{Action: ExprAllowlist, Cacheable: false}}
	cd := decide(t, newTable(t, celRule(RuleStateCel)), eval, testState(config.ModeLockdown), testIdentity())
	assert.Equal(t, StateAllowBinary, cd.Decision)
	assert.False(t, cd.Cacheable)
	assert.Equal(t, "target.team_id == 'EQHXZ8M8AV'", eval.gotExpr)
	assert.Equal(t, testTeamID, eval.got.TeamID)
	assert.Equal(t, testSHA, eval.got.SHA256)
}

func TestDecide_ExpressionActions(t *testing.T) {
	tests := []struct {
		action    ExprAction
		want      EventState
		hold      bool
		silent    bool
		silentTTY bool
	}{
		{ExprAllowlist, StateAllowBinary, false, false, false},
		{ExprAllowlistCompiler, StateAllowCompilerBinary, false, false, false},
		{ExprBlocklist, StateBlockBinary, false, false, false},
		{ExprSilentBlocklist, StateBlockBinary, false, true, false},
		{ExprRequireApproval, StateBlockBinary, true, false, false},
		{ExprRequireApprovalSilent, StateBlockBinary, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			eval := &fakeEvaluator{res: ExprResult{Action: tt.action, Cacheable: true}}
			cd := decide(t, newTable(t, celRule(RuleStateCel)), eval, testState(config.ModeMonitor), testIdentity())
			assert.Equal(t, tt.want, cd.Decision)
			assert.Equal(t, tt.hold, cd.Hold)
			assert.Equal(t, tt.silent, cd.Silent)
			assert.Equal(t, tt.silentTTY, cd.SilentTTY)
			if tt.hold {
				assert.False(t, cd.Cacheable, "approval results are never cached")
			}
		})
	}
}

func TestDecide_ExpressionFailure(t *testing.T) {
	eval := &fakeEvaluator{err: errors.New("no such key: envs")}

	open := testState(config.ModeMonitor)
	cd := decide(t, newTable(t, celRule(RuleStateCel)), eval, open, testIdentity())
	assert.Equal(t, StateAllowUnknown, cd.Decision, "fail-open treats failure as no match")
	assert.False(t, cd.Cacheable)

	closed := testState(config.ModeMonitor)
	closed.FailClosed = true
	cd = decide(t, newTable(t, celRule(RuleStateCel)), eval, closed, testIdentity())
	assert.Equal(t, StateBlockBinary, cd.Decision)
}

func TestDecide_ExpressionWithoutEvaluator(t *testing.T) {
	st := testState(config.ModeMonitor)
	st.FailClosed = true
	cd := decide(t, newTable(t, celRule(RuleStateCelV2)), nil, st, testIdentity())
	assert.Equal(t, StateBlockBinary, cd.Decision)
}

func TestDecide_ExpressionAncestorsOnlyForV2(t *testing.T) {
	dyn := &EvalContext{
		Args:      []string{"app", "--flag"},
		EUID:      501,
		Ancestors: []Ancestor{{PID: 1, Path: "/sbin/init"}},
	}
	for _, tt := range []struct {
		state         RuleState
		wantAncestors int
	}{
		{RuleStateCel, 0},
		{RuleStateCelV2, 1},
	} {
		t.Run(tt.state.String(), func(t *testing.T) {
			eval := &fakeEvaluator{res: ExprResult{Action: ExprAllowlist, Cacheable: true}}
			cp := &fakeContext{ec: dyn}
			p := NewProcessor(newTable(t, celRule(tt.state)), eval, nil, nil)
			p.Decide(context.Background(), testIdentity(), testState(config.ModeMonitor), cp)
			assert.Equal(t, tt.state == RuleStateCelV2, cp.withAncestors)
			assert.Len(t, eval.got.Ancestors, tt.wantAncestors)
			assert.Equal(t, uint32(501), eval.got.EUID)
			assert.Equal(t, []string{"app", "--flag"}, eval.got.Args)
		})
	}
}

func TestDecide_ScopeOrder(t *testing.T) {
	empty := NewRuleTable()

	st := testState(config.ModeLockdown)
	st.BlockedPathRegex = regexp.MustCompile(`^/opt/`)
	st.AllowedPathRegex = regexp.MustCompile(`^/opt/`)
	assert.Equal(t, StateBlockScope, decide(t, empty, nil, st, testIdentity()).Decision, "block regex beats allow regex")

	st = testState(config.ModeLockdown)
	st.AllowedPathRegex = regexp.MustCompile(`^/opt/`)
	missing := testIdentity()
	missing.MissingRequiredSection = true
	assert.Equal(t, StateBlockScope, decide(t, empty, nil, st, missing).Decision)
	assert.Equal(t, StateAllowScope, decide(t, empty, nil, st, testIdentity()).Decision)

	script := testIdentity()
	script.Format = FormatScript
	assert.Equal(t, StateAllowScope, decide(t, empty, nil, testState(config.ModeLockdown), script).Decision)
}

func TestDecide_BadSignatureProtection(t *testing.T) {
	id := testIdentity()
	id.Flags = SigningSigned
	st := testState(config.ModeMonitor)
	assert.Equal(t, StateAllowUnknown, decide(t, NewRuleTable(), nil, st, id).Decision)

	st.EnableBadSignatureProtection = true
	assert.Equal(t, StateBlockCertificate, decide(t, NewRuleTable(), nil, st, id).Decision)
}

func TestDecide_ClientModeFallback(t *testing.T) {
	tests := []struct {
		mode      config.ClientMode
		want      EventState
		hold      bool
		cacheable bool
	}{
		{config.ModeMonitor, StateAllowUnknown, false, true},
		{config.ModeLockdown, StateBlockUnknown, false, true},
		{config.ModeStandalone, StateBlockUnknown, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			cd := decide(t, NewRuleTable(), nil, testState(tt.mode), testIdentity())
			assert.Equal(t, tt.want, cd.Decision)
			assert.Equal(t, tt.hold, cd.Hold)
			assert.Equal(t, tt.cacheable, cd.Cacheable)
			assert.Equal(t, tt.mode, cd.ClientMode)
		})
	}
}

func TestDecide_EntitlementsFiltered(t *testing.T) {
	id := testIdentity()
	id.Entitlements = map[string]any{
		"com.apple.security.get-task-allow": true,
		"com.example.custom":                "x",
	}
	filter := NewEntitlementsFilter(nil, []string{"com.apple."})
	p := NewProcessor(NewRuleTable(), nil, filter, nil)
	cd := p.Decide(context.Background(), id, testState(config.ModeMonitor), nil)
	assert.True(t, cd.EntitlementsFiltered)
	assert.Equal(t, map[string]any{"com.example.custom": "x"}, cd.Entitlements)

	filter.Update([]string{testTeamID}, nil)
	cd = p.Decide(context.Background(), id, testState(config.ModeMonitor), nil)
	assert.True(t, cd.EntitlementsFiltered)
	assert.Nil(t, cd.Entitlements)
}

func TestDecide_HashFailureIsNoFileInfo(t *testing.T) {
	tests := []struct {
		name       string
		failClosed bool
		want       EventState
	}{
		{"fail open", false, StateAllowNoFileInfo},
		{"fail closed", true, StateDenyNoFileInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := testIdentity()
			id.hashFn = func() (string, error) { return "", errors.New("input/output error") }
			rt := newTable(t, NewRule(testTeamID, RuleTypeTeamID, RuleStateAllow))

			st := testState(config.ModeMonitor)
			st.FailClosed = tt.failClosed
			cd := decide(t, rt, nil, st, id)
			assert.Equal(t, tt.want, cd.Decision)
			assert.False(t, cd.Cacheable)
			assert.Nil(t, cd.MatchedRule)
		})
	}
}
