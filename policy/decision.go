package policy

import (
	"fmt"
	"maps"

	"execguard/config"
)

// EventState is the outcome recorded for an execution, including which rule
// type or scope produced it.
type EventState int

const (
	StateUnknown EventState = iota
	StateAllowBinary
	StateAllowLocalBinary
	StateAllowCertificate
	StateAllowTeamID
	StateAllowSigningID
	StateAllowLocalSigningID
	StateAllowCDHash
	StateAllowScope
	StateAllowUnknown
	StateAllowCompilerBinary
	StateAllowCompilerCDHash
	StateAllowCompilerSigningID
	StateAllowTransitive
	StateAllowNoFileInfo
	StateBlockBinary
	StateBlockCertificate
	StateBlockTeamID
	StateBlockSigningID
	StateBlockCDHash
	StateBlockScope
	StateBlockUnknown
	StateBlockLongPath
	StateDenyNoFileInfo
)

var eventStateNames = map[EventState]string{
	StateUnknown:                "Unknown",
	StateAllowBinary:            "AllowBinary",
	StateAllowLocalBinary:       "AllowLocalBinary",
	StateAllowCertificate:       "AllowCertificate",
	StateAllowTeamID:            "AllowTeamID",
	StateAllowSigningID:         "AllowSigningID",
	StateAllowLocalSigningID:    "AllowLocalSigningID",
	StateAllowCDHash:            "AllowCDHash",
	StateAllowScope:             "AllowScope",
	StateAllowUnknown:           "AllowUnknown",
	StateAllowCompilerBinary:    "AllowCompilerBinary",
	StateAllowCompilerCDHash:    "AllowCompilerCDHash",
	StateAllowCompilerSigningID: "AllowCompilerSigningID",
	StateAllowTransitive:        "AllowTransitive",
	StateAllowNoFileInfo:        "AllowNoFileInfo",
	StateBlockBinary:            "BlockBinary",
	StateBlockCertificate:       "BlockCertificate",
	StateBlockTeamID:            "BlockTeamID",
	StateBlockSigningID:         "BlockSigningID",
	StateBlockCDHash:            "BlockCDHash",
	StateBlockScope:             "BlockScope",
	StateBlockUnknown:           "BlockUnknown",
	StateBlockLongPath:          "BlockLongPath",
	StateDenyNoFileInfo:         "DenyNoFileInfo",
}

func (s EventState) String() string {
	if name, ok := eventStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func ParseEventState(name string) (EventState, error) {
	for s, n := range eventStateNames {
		if n == name {
			return s, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown event state %q", name)
}

func (s EventState) IsAllow() bool {
	return s >= StateAllowBinary && s <= StateAllowNoFileInfo
}

func (s EventState) IsBlock() bool {
	return s >= StateBlockBinary && s <= StateDenyNoFileInfo
}

func (s EventState) IsCompiler() bool {
	switch s {
	case StateAllowCompilerBinary, StateAllowCompilerCDHash, StateAllowCompilerSigningID:
		return true
	}
	return false
}

// allowCounterparts maps a block to the allow of the same origin. Used when
// a held execution is approved.
var allowCounterparts = map[EventState]EventState{
	StateBlockBinary:      StateAllowBinary,
	StateBlockCertificate: StateAllowCertificate,
	StateBlockTeamID:      StateAllowTeamID,
	StateBlockSigningID:   StateAllowSigningID,
	StateBlockCDHash:      StateAllowCDHash,
	StateBlockScope:       StateAllowScope,
	StateBlockUnknown:     StateAllowUnknown,
}

// AllowCounterpart returns the allow state with the same rule type or
// scope. States without one are returned unchanged.
func (s EventState) AllowCounterpart() EventState {
	if allow, ok := allowCounterparts[s]; ok {
		return allow
	}
	return s
}

// CachedDecision is the verdict for one execution plus the identity
// attributes it was made on. The controller owns it while the event is in
// flight; the cache and log sinks receive clones.
type CachedDecision struct {
	Decision EventState

	// Hold means the process is to be suspended until a user approves.
	Hold      bool
	Cacheable bool
	Silent    bool
	SilentTTY bool

	CustomMsg  string
	CustomURL  string
	ClientMode config.ClientMode

	Path          string
	VnodeID       VnodeID
	SHA256        string
	CDHash        string
	TeamID        string
	SigningID     string
	CertSHA256    string
	CertCommon    string
	SigningStatus SigningStatus
	Platform      bool
	BundlePath    string

	Entitlements         map[string]any
	EntitlementsFiltered bool

	MatchedRule *Rule

	// Backfilled entries describe already-running processes. They are
	// never served as a verdict.
	Backfilled bool
}

// NewCachedDecision copies the identity attributes; the decision itself
// starts as StateUnknown and cacheable.
func NewCachedDecision(id *ExecutionIdentity) *CachedDecision {
	cd := &CachedDecision{
		Cacheable:     true,
		Path:          id.Path,
		VnodeID:       id.VnodeID,
		CDHash:        id.CDHash,
		TeamID:        id.TeamID,
		SigningID:     id.SigningID,
		CertSHA256:    id.CertSHA256,
		CertCommon:    id.CertCommon,
		SigningStatus: id.SigningStatus(),
		Platform:      id.IsPlatformBinary(),
		BundlePath:    id.BundlePath,
	}
	cd.SHA256, _ = id.SHA256()
	return cd
}

func (cd *CachedDecision) Clone() *CachedDecision {
	if cd == nil {
		return nil
	}
	c := *cd
	c.Entitlements = maps.Clone(cd.Entitlements)
	return &c
}

// Servable reports whether a cached copy may answer a later execution
// without re-evaluating policy.
func (cd *CachedDecision) Servable() bool {
	return cd.Cacheable && !cd.Hold && !cd.Backfilled && cd.Decision.IsAllow()
}

// ProductionSigningID returns the team-qualified signing id for production
// signed binaries, or "" when no signing-id rule should be keyed on it.
func (cd *CachedDecision) ProductionSigningID() string {
	if cd.SigningStatus != SigningStatusProduction || cd.SigningID == "" {
		return ""
	}
	switch {
	case cd.TeamID != "":
		return cd.TeamID + ":" + cd.SigningID
	case cd.Platform:
		return PlatformTeamID + ":" + cd.SigningID
	}
	return ""
}
