package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"execguard/config"
)

// Processor turns an execution identity and a configuration snapshot into
// a CachedDecision. It has no side effects; caching and logging belong to
// the caller.
type Processor struct {
	rules        RuleFinder
	evaluator    ExpressionEvaluator
	entitlements *EntitlementsFilter
	logger       *slog.Logger
}

// NewProcessor builds a processor. evaluator may be nil, in which case
// expression rules always fail evaluation.
func NewProcessor(rules RuleFinder, evaluator ExpressionEvaluator, filter *EntitlementsFilter, logger *slog.Logger) *Processor {
	if filter == nil {
		filter = NewEntitlementsFilter(nil, nil)
	}
	if logger == nil {
		logger = slog.Default().With("component", "policy")
	}
	return &Processor{
		rules:        rules,
		evaluator:    evaluator,
		entitlements: filter,
		logger:       logger,
	}
}

func (p *Processor) EntitlementsFilter() *EntitlementsFilter {
	return p.entitlements
}

// Decide applies, in order: the highest-precedence matching rule, bad
// signature protection, scope checks and finally the client mode default.
// An identity whose content can't be hashed gets the no-file-info verdict.
// cp may be nil when no per-process context is available.
func (p *Processor) Decide(ctx context.Context, id *ExecutionIdentity, st *config.State, cp ContextProvider) *CachedDecision {
	cd := NewCachedDecision(id)
	cd.ClientMode = st.ClientMode
	cd.Entitlements, cd.EntitlementsFiltered = p.entitlements.Filter(id.TeamID, id.Entitlements)

	// Without a hash no binary rule can match, so nothing below is trusted.
	if _, err := id.SHA256(); err != nil {
		p.logger.WarnContext(ctx, "unable to hash executable", "path", id.Path, "error", err)
		cd.Cacheable = false
		cd.Decision = StateAllowNoFileInfo
		if st.FailClosed {
			cd.Decision = StateDenyNoFileInfo
		}
		return cd
	}

	if rule := p.rules.FindRule(id.Identifiers()); rule != nil {
		if p.applyRule(ctx, cd, rule, st, cp) {
			return cd
		}
	}

	if st.EnableBadSignatureProtection && cd.SigningStatus == SigningStatusInvalid {
		cd.Decision = StateBlockCertificate
		cd.CustomMsg = msgBadSignature
		return cd
	}

	if applyScope(cd, id, st) {
		return cd
	}
	applyClientMode(cd, st)
	return cd
}

// applyRule reports whether the rule produced a decision. A false return
// means evaluation continues as though no rule matched.
func (p *Processor) applyRule(ctx context.Context, cd *CachedDecision, rule *Rule, st *config.State, cp ContextProvider) bool {
	state := rule.State
	var hold, silentTTY bool

	if state.IsExpression() {
		res, err := p.evaluate(ctx, rule, cd, cp)
		if err != nil {
			// Whatever the failure depended on may differ next time.
			cd.Cacheable = false
			p.logger.WarnContext(ctx, "custom rule evaluation failed",
				"rule", rule.Identifier,
				"type", rule.Type.String(),
				"fail_closed", st.FailClosed,
				"error", err,
			)
			if !st.FailClosed {
				return false
			}
			state = RuleStateBlock
		} else {
			if !res.Cacheable {
				cd.Cacheable = false
			}
			switch res.Action {
			case ExprAllowlist:
				state = RuleStateAllow
			case ExprAllowlistCompiler:
				state = RuleStateAllowCompiler
			case ExprBlocklist:
				state = RuleStateBlock
			case ExprSilentBlocklist:
				state = RuleStateSilentBlock
			case ExprRequireApproval:
				state, hold = RuleStateBlock, true
			case ExprRequireApprovalSilent:
				state, hold, silentTTY = RuleStateBlock, true, true
			}
		}
	}

	v, ok := lookupVerdict(rule.Type, state, st.EnableTransitiveRules)
	if !ok {
		p.logger.DebugContext(ctx, "rule has no verdict mapping",
			"rule", rule.Identifier,
			"type", rule.Type.String(),
			"state", state.String(),
		)
		return false
	}
	cd.Decision = v.state
	cd.Silent = v.silent
	cd.MatchedRule = rule
	cd.CustomMsg = rule.CustomMsg
	cd.CustomURL = rule.CustomURL
	if hold {
		cd.Hold = true
		cd.Cacheable = false
		cd.SilentTTY = silentTTY
	}
	return true
}

func (p *Processor) evaluate(ctx context.Context, rule *Rule, cd *CachedDecision, cp ContextProvider) (ExprResult, error) {
	if p.evaluator == nil {
		return ExprResult{}, fmt.Errorf("%w: no evaluator configured", ErrExpression)
	}
	ec := &EvalContext{}
	if cp != nil {
		dyn, err := cp.DynamicContext(ctx, rule.State == RuleStateCelV2)
		if err != nil {
			return ExprResult{}, fmt.Errorf("%w: build context: %w", ErrExpression, err)
		}
		if dyn != nil {
			ec.Args = dyn.Args
			ec.Env = dyn.Env
			ec.EUID = dyn.EUID
			ec.Cwd = dyn.Cwd
			if rule.State == RuleStateCelV2 {
				ec.Ancestors = dyn.Ancestors
			}
		}
	}
	ec.Path = cd.Path
	ec.SHA256 = cd.SHA256
	ec.TeamID = cd.TeamID
	ec.SigningID = cd.SigningID
	ec.CDHash = cd.CDHash
	ec.CertSHA256 = cd.CertSHA256
	ec.SigningStatus = cd.SigningStatus
	ec.Platform = cd.Platform

	res, err := p.evaluator.Evaluate(ctx, rule.Expression, ec)
	if err != nil {
		if !errors.Is(err, ErrExpression) {
			err = fmt.Errorf("%w: %w", ErrExpression, err)
		}
		return ExprResult{}, err
	}
	if !res.Action.Valid() {
		return ExprResult{}, fmt.Errorf("%w: invalid action %s", ErrExpression, res.Action)
	}
	return res, nil
}
