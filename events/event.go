package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"execguard/config"
	"execguard/policy"
)

// ExecutionEvent is the durable record of one authorization decision.
type ExecutionEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Decision   string `json:"decision"`
	ClientMode string `json:"client_mode"`
	Reason     string `json:"reason,omitempty"`
	CustomMsg  string `json:"custom_msg,omitempty"`

	Path          string `json:"path"`
	SHA256        string `json:"sha256,omitempty"`
	CDHash        string `json:"cdhash,omitempty"`
	TeamID        string `json:"team_id,omitempty"`
	SigningID     string `json:"signing_id,omitempty"`
	CertSHA256    string `json:"cert_sha256,omitempty"`
	CertCommon    string `json:"cert_cn,omitempty"`
	SigningStatus string `json:"signing_status"`

	Entitlements         map[string]any `json:"entitlements,omitempty"`
	EntitlementsFiltered bool           `json:"entitlements_filtered,omitempty"`

	BundlePath        string `json:"bundle_path,omitempty"`
	BundleHash        string `json:"bundle_hash,omitempty"`
	BundleBinaryCount int    `json:"bundle_binary_count,omitempty"`

	PID        int32    `json:"pid"`
	PPID       int32    `json:"ppid"`
	ParentName string   `json:"parent_name,omitempty"`
	UID        uint32   `json:"uid"`
	Username   string   `json:"username,omitempty"`
	Args       []string `json:"args,omitempty"`

	Duration time.Duration `json:"duration_ns"`
}

// NewExecutionEvent snapshots the identity and verdict of cd. Process
// fields are left for the caller.
func NewExecutionEvent(cd *policy.CachedDecision) *ExecutionEvent {
	e := &ExecutionEvent{
		ID:                   uuid.NewString(),
		Timestamp:            time.Now().UTC(),
		Decision:             cd.Decision.String(),
		ClientMode:           cd.ClientMode.String(),
		CustomMsg:            cd.CustomMsg,
		Path:                 cd.Path,
		SHA256:               cd.SHA256,
		CDHash:               cd.CDHash,
		TeamID:               cd.TeamID,
		SigningID:            cd.SigningID,
		CertSHA256:           cd.CertSHA256,
		CertCommon:           cd.CertCommon,
		SigningStatus:        cd.SigningStatus.String(),
		Entitlements:         cd.Entitlements,
		EntitlementsFiltered: cd.EntitlementsFiltered,
		BundlePath:           cd.BundlePath,
	}
	if cd.MatchedRule != nil {
		e.Reason = cd.MatchedRule.Type.String()
	}
	return e
}

// Allowed reports whether the recorded decision let the process run.
func (e *ExecutionEvent) Allowed() bool {
	s, err := policy.ParseEventState(e.Decision)
	return err == nil && s.IsAllow()
}

// ModeLetter is the one-letter client mode used in the text log.
func (e *ExecutionEvent) ModeLetter() string {
	m, err := config.ParseClientMode(e.ClientMode)
	if err != nil {
		return "U"
	}
	switch m {
	case config.ModeMonitor:
		return "M"
	case config.ModeLockdown:
		return "L"
	case config.ModeStandalone:
		return "S"
	}
	return "U"
}

func (e *ExecutionEvent) String() string {
	return fmt.Sprintf("%s %s pid=%d uid=%d path=%s", e.ID, e.Decision, e.PID, e.UID, e.Path)
}
