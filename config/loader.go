package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkers                   = 8
	DefaultDecisionDeadline          = 5 * time.Second
	DefaultMaxEventQueueSize         = 4096
	DefaultDecisionCacheSize         = 10000
	DefaultNotificationQueueSize     = 64
	DefaultBackfillInterval          = 10 * time.Minute
	DefaultBackfillRate              = 50
	DefaultTransitiveRefreshCooldown = time.Hour
	DefaultTransitiveRuleMaxAge      = 180 * 24 * time.Hour
	DefaultUserCacheTTL              = 5 * time.Minute
	DefaultTTYMessagesPerSecond      = 2
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the configuration at path, choosing the decoder from the file
// extension (.json, otherwise YAML).
func Load(path string) (*AgentConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path)
	default:
		return LoadYAML(path)
	}
}

func LoadYAML(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &AgentConfig{EnableTransitiveRules: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadJSON reads a JSON config. Durations are integer nanoseconds, as
// encoding/json produces for time.Duration.
func LoadJSON(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &AgentConfig{EnableTransitiveRules: true}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *AgentConfig) (*AgentConfig, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AgentConfig) Validate() error {
	var errs []error
	if cfg.ClientMode == ModeUnknown {
		errs = append(errs, errors.New("client_mode must be one of monitor, lockdown, standalone"))
	}
	for name, expr := range map[string]string{
		"blocked_path_regex": cfg.BlockedPathRegex,
		"allowed_path_regex": cfg.AllowedPathRegex,
	} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch cfg.LogFormat {
	case "", "text", "json", "cef":
	default:
		errs = append(errs, fmt.Errorf("log_format %q not supported", cfg.LogFormat))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", cfg.Workers))
	}
	for i, r := range cfg.StaticRules {
		if r.Identifier == "" || r.Type == "" || r.State == "" {
			errs = append(errs, fmt.Errorf("static_rules[%d]: identifier, type and state are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (cfg *AgentConfig) ApplyDefaults() {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if len(cfg.WatchMounts) == 0 {
		cfg.WatchMounts = []string{"/"}
	}
	p := &cfg.Performance
	if p.DecisionDeadline <= 0 {
		p.DecisionDeadline = DefaultDecisionDeadline
	}
	if p.MaxEventQueueSize <= 0 {
		p.MaxEventQueueSize = DefaultMaxEventQueueSize
	}
	if p.DecisionCacheSize <= 0 {
		p.DecisionCacheSize = DefaultDecisionCacheSize
	}
	if p.NotificationQueueSize <= 0 {
		p.NotificationQueueSize = DefaultNotificationQueueSize
	}
	if p.BackfillInterval <= 0 {
		p.BackfillInterval = DefaultBackfillInterval
	}
	if p.BackfillRate <= 0 {
		p.BackfillRate = DefaultBackfillRate
	}
	if p.TransitiveRefreshCooldown <= 0 {
		p.TransitiveRefreshCooldown = DefaultTransitiveRefreshCooldown
	}
	if p.TransitiveRuleMaxAge <= 0 {
		p.TransitiveRuleMaxAge = DefaultTransitiveRuleMaxAge
	}
	if p.UserCacheTTL <= 0 {
		p.UserCacheTTL = DefaultUserCacheTTL
	}
	if p.TTYMessagesPerSecond <= 0 {
		p.TTYMessagesPerSecond = DefaultTTYMessagesPerSecond
	}
}
