package config

import (
	"fmt"
	"strings"
	"time"
)

// ClientMode is the agent-wide enforcement mode applied when no rule or
// scope matches an execution.
type ClientMode int

const (
	ModeUnknown ClientMode = iota
	ModeMonitor
	ModeLockdown
	ModeStandalone
)

func (m ClientMode) String() string {
	switch m {
	case ModeMonitor:
		return "monitor"
	case ModeLockdown:
		return "lockdown"
	case ModeStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

// ParseClientMode accepts the names produced by String, case-insensitively.
func ParseClientMode(s string) (ClientMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monitor":
		return ModeMonitor, nil
	case "lockdown":
		return ModeLockdown, nil
	case "standalone":
		return ModeStandalone, nil
	}
	return ModeUnknown, fmt.Errorf("unknown client mode %q", s)
}

func (m ClientMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ClientMode) UnmarshalText(b []byte) error {
	mode, err := ParseClientMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

type AgentConfig struct {
	ClientMode ClientMode `yaml:"client_mode" json:"client_mode"`

	// FailClosed selects deny over allow when a binary cannot be inspected
	// or a custom expression fails.
	FailClosed bool `yaml:"fail_closed" json:"fail_closed"`

	EnableTransitiveRules        bool `yaml:"enable_transitive_rules" json:"enable_transitive_rules"`
	EnableAllEventUpload         bool `yaml:"enable_all_event_upload" json:"enable_all_event_upload"`
	EnableBundles                bool `yaml:"enable_bundles" json:"enable_bundles"`
	EnableBadSignatureProtection bool `yaml:"enable_bad_signature_protection" json:"enable_bad_signature_protection"`
	SilentTTYMode                bool `yaml:"silent_tty_mode" json:"silent_tty_mode"`

	BlockedPathRegex string `yaml:"blocked_path_regex" json:"blocked_path_regex"`
	AllowedPathRegex string `yaml:"allowed_path_regex" json:"allowed_path_regex"`

	EntitlementsTeamIDFilter []string `yaml:"entitlements_teamid_filter" json:"entitlements_teamid_filter"`
	EntitlementsPrefixFilter []string `yaml:"entitlements_prefix_filter" json:"entitlements_prefix_filter"`

	DefaultBlockMessage string `yaml:"default_block_message" json:"default_block_message"`
	EventDetailURL      string `yaml:"event_detail_url" json:"event_detail_url"`
	MachineID           string `yaml:"machine_id" json:"machine_id"`

	LogFile   string `yaml:"log_file" json:"log_file"`
	LogFormat string `yaml:"log_format" json:"log_format"`
	EventDB   string `yaml:"event_db" json:"event_db"`
	SpoolDir  string `yaml:"spool_dir" json:"spool_dir"`

	WatchMounts []string `yaml:"watch_mounts" json:"watch_mounts"`
	Workers     int      `yaml:"workers" json:"workers"`

	StaticRules []RuleConfig      `yaml:"static_rules" json:"static_rules"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
}

// RuleConfig is the on-disk form of a rule. Conversion and identifier
// validation live in the policy package.
type RuleConfig struct {
	Identifier string `yaml:"identifier" json:"identifier"`
	Type       string `yaml:"type" json:"type"`
	State      string `yaml:"state" json:"state"`
	CustomMsg  string `yaml:"custom_msg" json:"custom_msg"`
	CustomURL  string `yaml:"custom_url" json:"custom_url"`
	Expression string `yaml:"expression" json:"expression"`
	Comment    string `yaml:"comment" json:"comment"`
}

type PerformanceConfig struct {
	DecisionDeadline          time.Duration `yaml:"decision_deadline" json:"decision_deadline"`
	MaxEventQueueSize         int           `yaml:"max_event_queue_size" json:"max_event_queue_size"`
	DecisionCacheSize         int           `yaml:"decision_cache_size" json:"decision_cache_size"`
	NotificationQueueSize     int           `yaml:"notification_queue_size" json:"notification_queue_size"`
	BackfillInterval          time.Duration `yaml:"backfill_interval" json:"backfill_interval"`
	BackfillRate              float64       `yaml:"backfill_rate" json:"backfill_rate"`
	TransitiveRefreshCooldown time.Duration `yaml:"transitive_refresh_cooldown" json:"transitive_refresh_cooldown"`
	TransitiveRuleMaxAge      time.Duration `yaml:"transitive_rule_max_age" json:"transitive_rule_max_age"`
	UserCacheTTL              time.Duration `yaml:"user_cache_ttl" json:"user_cache_ttl"`
	TTYMessagesPerSecond      float64       `yaml:"tty_messages_per_second" json:"tty_messages_per_second"`
}
