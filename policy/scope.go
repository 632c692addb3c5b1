package policy

import "execguard/config"

const (
	msgBlockedPath    = "Blocked by path: matches the blocked path pattern"
	msgMissingSection = "Blocked: binary is missing a section required for code-signing enforcement"
	msgBadSignature   = "Blocked: binary has an invalid code signature"
)

// applyScope runs the rule-less checks in order: blocked path, missing
// required section, allowed path, unrecognized format. It reports whether
// any of them decided.
func applyScope(cd *CachedDecision, id *ExecutionIdentity, st *config.State) bool {
	switch {
	case st.BlockedPathRegex != nil && st.BlockedPathRegex.MatchString(id.Path):
		cd.Decision = StateBlockScope
		cd.CustomMsg = msgBlockedPath
	case id.Format.Recognized() && id.MissingRequiredSection:
		cd.Decision = StateBlockScope
		cd.CustomMsg = msgMissingSection
	case st.AllowedPathRegex != nil && st.AllowedPathRegex.MatchString(id.Path):
		cd.Decision = StateAllowScope
	case !id.Format.Recognized():
		cd.Decision = StateAllowScope
	default:
		return false
	}
	return true
}

// applyClientMode is the last resort when nothing matched.
func applyClientMode(cd *CachedDecision, st *config.State) {
	switch st.ClientMode {
	case config.ModeMonitor:
		cd.Decision = StateAllowUnknown
	case config.ModeStandalone:
		cd.Decision = StateBlockUnknown
		cd.Hold = true
		cd.Cacheable = false
	default:
		cd.Decision = StateBlockUnknown
	}
}
