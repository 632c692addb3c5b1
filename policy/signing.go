package policy

import (
	"fmt"
	"strings"
)

// SigningFlags mirrors the code-signing attributes the kernel monitor
// reports for the executing image.
type SigningFlags uint8

const (
	SigningNone   SigningFlags = 0
	SigningSigned SigningFlags = 1 << iota
	SigningValid
	SigningAdhoc
	SigningDevelopment
	SigningHardened
	SigningPlatform
)

var signingFlagNames = []struct {
	flag SigningFlags
	name string
}{
	{SigningSigned, "signed"},
	{SigningValid, "valid"},
	{SigningAdhoc, "adhoc"},
	{SigningDevelopment, "dev"},
	{SigningHardened, "hardened"},
	{SigningPlatform, "platform"},
}

func (f SigningFlags) String() string {
	if f == SigningNone {
		return "none"
	}
	var parts []string
	for _, n := range signingFlagNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (f SigningFlags) Has(flag SigningFlags) bool {
	return f&flag == flag
}

func ParseSigningFlags(names []string) (SigningFlags, error) {
	var f SigningFlags
next:
	for _, name := range names {
		for _, n := range signingFlagNames {
			if strings.EqualFold(strings.TrimSpace(name), n.name) {
				f |= n.flag
				continue next
			}
		}
		return SigningNone, fmt.Errorf("unknown signing flag %q", name)
	}
	return f, nil
}

type SigningStatus int

const (
	SigningStatusUnsigned SigningStatus = iota
	SigningStatusInvalid
	SigningStatusAdhoc
	SigningStatusDevelopment
	SigningStatusProduction
)

func (s SigningStatus) String() string {
	switch s {
	case SigningStatusInvalid:
		return "invalid"
	case SigningStatusAdhoc:
		return "adhoc"
	case SigningStatusDevelopment:
		return "development"
	case SigningStatusProduction:
		return "production"
	default:
		return "unsigned"
	}
}

// Status derives the signing status from the raw flags.
func (f SigningFlags) Status() SigningStatus {
	switch {
	case !f.Has(SigningSigned):
		return SigningStatusUnsigned
	case !f.Has(SigningValid):
		return SigningStatusInvalid
	case f.Has(SigningAdhoc):
		return SigningStatusAdhoc
	case f.Has(SigningDevelopment):
		return SigningStatusDevelopment
	default:
		return SigningStatusProduction
	}
}
