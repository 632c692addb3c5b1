package policy

type verdictKey struct {
	t RuleType
	s RuleState
}

type verdict struct {
	state  EventState
	silent bool
}

// verdicts is the fixed (type, state) lookup. Pairs missing here are stale
// or corrupt rule data and are treated as no match.
var verdicts = map[verdictKey]verdict{
	{RuleTypeCDHash, RuleStateAllow}:         {state: StateAllowCDHash},
	{RuleTypeCDHash, RuleStateAllowCompiler}: {state: StateAllowCompilerCDHash},
	{RuleTypeCDHash, RuleStateBlock}:         {state: StateBlockCDHash},
	{RuleTypeCDHash, RuleStateSilentBlock}:   {state: StateBlockCDHash, silent: true},

	{RuleTypeBinary, RuleStateAllow}:           {state: StateAllowBinary},
	{RuleTypeBinary, RuleStateAllowLocal}:      {state: StateAllowLocalBinary},
	{RuleTypeBinary, RuleStateAllowCompiler}:   {state: StateAllowCompilerBinary},
	{RuleTypeBinary, RuleStateAllowTransitive}: {state: StateAllowTransitive},
	{RuleTypeBinary, RuleStateBlock}:           {state: StateBlockBinary},
	{RuleTypeBinary, RuleStateSilentBlock}:     {state: StateBlockBinary, silent: true},

	{RuleTypeSigningID, RuleStateAllow}:         {state: StateAllowSigningID},
	{RuleTypeSigningID, RuleStateAllowLocal}:    {state: StateAllowLocalSigningID},
	{RuleTypeSigningID, RuleStateAllowCompiler}: {state: StateAllowCompilerSigningID},
	{RuleTypeSigningID, RuleStateBlock}:         {state: StateBlockSigningID},
	{RuleTypeSigningID, RuleStateSilentBlock}:   {state: StateBlockSigningID, silent: true},

	{RuleTypeCertificate, RuleStateAllow}:       {state: StateAllowCertificate},
	{RuleTypeCertificate, RuleStateBlock}:       {state: StateBlockCertificate},
	{RuleTypeCertificate, RuleStateSilentBlock}: {state: StateBlockCertificate, silent: true},

	{RuleTypeTeamID, RuleStateAllow}:       {state: StateAllowTeamID},
	{RuleTypeTeamID, RuleStateBlock}:       {state: StateBlockTeamID},
	{RuleTypeTeamID, RuleStateSilentBlock}: {state: StateBlockTeamID, silent: true},
}

// lookupVerdict applies the transitive-trust setting before consulting the
// table: with transitive rules off, compiler rules act as plain allows and
// transitive rules don't match at all.
func lookupVerdict(t RuleType, s RuleState, transitive bool) (verdict, bool) {
	if !transitive {
		switch s {
		case RuleStateAllowCompiler:
			s = RuleStateAllow
		case RuleStateAllowTransitive:
			return verdict{}, false
		}
	}
	v, ok := verdicts[verdictKey{t, s}]
	return v, ok
}
