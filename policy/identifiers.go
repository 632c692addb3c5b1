package policy

import "strings"

const (
	TeamIDLength   = 10
	CDHashLength   = 40
	SHA256Length   = 64
	PlatformTeamID = "platform"
)

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// IsValidTeamID reports whether tid is exactly ten alphanumeric characters.
func IsValidTeamID(tid string) bool {
	return len(tid) == TeamIDLength && isAlnum(tid)
}

// IsValidSigningID accepts "TEAMID:signing.id" or "platform:signing.id".
func IsValidSigningID(sid string) bool {
	tid, id := SplitSigningID(sid)
	return tid != "" && id != ""
}

// SplitSigningID separates the team prefix from the signing identifier.
// Both parts are empty if sid is malformed.
func SplitSigningID(sid string) (teamID, signingID string) {
	tid, id, found := strings.Cut(sid, ":")
	if !found || id == "" {
		return "", ""
	}
	if tid != PlatformTeamID && !IsValidTeamID(tid) {
		return "", ""
	}
	return tid, id
}

// NormalizeIdentifier returns id in the form rules are stored and looked
// up in: hashes lowercase, team ids uppercase.
func NormalizeIdentifier(t RuleType, id string) string {
	id = strings.TrimSpace(id)
	switch t {
	case RuleTypeCDHash, RuleTypeBinary, RuleTypeCertificate:
		return strings.ToLower(id)
	case RuleTypeTeamID:
		return strings.ToUpper(id)
	case RuleTypeSigningID:
		tid, sid, found := strings.Cut(id, ":")
		if !found {
			return id
		}
		if strings.EqualFold(tid, PlatformTeamID) {
			return PlatformTeamID + ":" + sid
		}
		return strings.ToUpper(tid) + ":" + sid
	}
	return id
}

func IsValidCDHash(h string) bool {
	return len(h) == CDHashLength && isHex(h)
}

func IsValidSHA256(h string) bool {
	return len(h) == SHA256Length && isHex(h)
}
