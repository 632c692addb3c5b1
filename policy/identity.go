package policy

import (
	"fmt"
	"sync"
)

// VnodeID identifies file content by where it lives and when it last
// changed. A rename keeps the id; truncate-and-replace does not.
type VnodeID struct {
	Device uint64
	Inode  uint64
	Mtime  int64 // nanoseconds since epoch
}

func (v VnodeID) String() string {
	return fmt.Sprintf("%d:%d@%d", v.Device, v.Inode, v.Mtime)
}

type ExecutableFormat int

const (
	FormatUnknown ExecutableFormat = iota
	FormatELF
	FormatMachO
	FormatScript
)

func (f ExecutableFormat) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatScript:
		return "script"
	default:
		return "unknown"
	}
}

// Recognized reports whether the format is a native executable image.
// Scripts are not: their interpreter is authorized on its own exec.
func (f ExecutableFormat) Recognized() bool {
	return f == FormatELF || f == FormatMachO
}

// HashFunc computes the SHA-256 of the binary when first asked.
type HashFunc func() (string, error)

// ExecutionIdentity is everything known about the image being executed.
// It is built once per event and never mutated afterwards.
type ExecutionIdentity struct {
	Path         string
	VnodeID      VnodeID
	TeamID       string
	SigningID    string
	CDHash       string
	CertSHA256   string
	CertCommon   string
	Flags        SigningFlags
	Format       ExecutableFormat
	BundlePath   string
	Entitlements map[string]any

	// MissingRequiredSection is set by inspection when a native image
	// lacks a section the loader relies on for code-signing enforcement.
	MissingRequiredSection bool

	hashOnce sync.Once
	hashFn   HashFunc
	sha256   string
	hashErr  error
}

// NewExecutionIdentity wires the lazy hash. A nil hash function yields an
// empty hash.
func NewExecutionIdentity(path string, hash HashFunc) *ExecutionIdentity {
	return &ExecutionIdentity{Path: path, hashFn: hash}
}

// SHA256 returns the memoized content hash.
func (id *ExecutionIdentity) SHA256() (string, error) {
	id.hashOnce.Do(func() {
		if id.hashFn != nil {
			id.sha256, id.hashErr = id.hashFn()
		}
	})
	return id.sha256, id.hashErr
}

func (id *ExecutionIdentity) SigningStatus() SigningStatus {
	return id.Flags.Status()
}

func (id *ExecutionIdentity) IsPlatformBinary() bool {
	return id.Flags.Has(SigningPlatform)
}

// Identifiers is the set of lookup keys for a rule query. Empty fields are
// not matched.
type Identifiers struct {
	CDHash      string
	SHA256      string
	SigningID   string
	Certificate string
	TeamID      string
}

func (ids Identifiers) For(t RuleType) string {
	switch t {
	case RuleTypeCDHash:
		return ids.CDHash
	case RuleTypeBinary:
		return ids.SHA256
	case RuleTypeSigningID:
		return ids.SigningID
	case RuleTypeCertificate:
		return ids.Certificate
	case RuleTypeTeamID:
		return ids.TeamID
	}
	return ""
}

// Identifiers derives the rule lookup keys. A hash error leaves SHA256
// empty; callers check SHA256 first. The CDHash is only offered when
// the kernel enforces it page by page (hardened); otherwise its pages are
// verified lazily and it can't be trusted up front. The signing id is only
// usable when anchored to a team id or the platform.
func (id *ExecutionIdentity) Identifiers() Identifiers {
	ids := Identifiers{
		Certificate: id.CertSHA256,
		TeamID:      id.TeamID,
	}
	ids.SHA256, _ = id.SHA256()
	if id.Flags.Has(SigningHardened) {
		ids.CDHash = id.CDHash
	}
	if id.SigningID != "" {
		switch {
		case id.TeamID != "":
			ids.SigningID = id.TeamID + ":" + id.SigningID
		case id.IsPlatformBinary():
			ids.SigningID = PlatformTeamID + ":" + id.SigningID
		}
	}
	return ids
}
