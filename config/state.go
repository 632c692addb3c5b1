package config

import (
	"regexp"
	"sync/atomic"
)

// State is an immutable view of the settings that influence a single
// decision. A new State is built on every reload and swapped in whole, so a
// decision never observes a half-applied configuration.
type State struct {
	ClientMode                   ClientMode
	FailClosed                   bool
	EnableTransitiveRules        bool
	EnableAllEventUpload         bool
	EnableBundles                bool
	EnableBadSignatureProtection bool
	SilentTTYMode                bool

	BlockedPathRegex *regexp.Regexp
	AllowedPathRegex *regexp.Regexp

	DefaultBlockMessage string
	EventDetailURL      string
	MachineID           string
}

// State compiles the regexes of a validated config into a snapshot.
func (cfg *AgentConfig) State() *State {
	st := &State{
		ClientMode:                   cfg.ClientMode,
		FailClosed:                   cfg.FailClosed,
		EnableTransitiveRules:        cfg.EnableTransitiveRules,
		EnableAllEventUpload:         cfg.EnableAllEventUpload,
		EnableBundles:                cfg.EnableBundles,
		EnableBadSignatureProtection: cfg.EnableBadSignatureProtection,
		SilentTTYMode:                cfg.SilentTTYMode,
		DefaultBlockMessage:          cfg.DefaultBlockMessage,
		EventDetailURL:               cfg.EventDetailURL,
		MachineID:                    cfg.MachineID,
	}
	if cfg.BlockedPathRegex != "" {
		st.BlockedPathRegex = regexp.MustCompile(cfg.BlockedPathRegex)
	}
	if cfg.AllowedPathRegex != "" {
		st.AllowedPathRegex = regexp.MustCompile(cfg.AllowedPathRegex)
	}
	return st
}

// Store publishes the current State to concurrent readers.
type Store struct {
	current atomic.Pointer[State]
}

func NewStore(st *State) *Store {
	s := &Store{}
	s.current.Store(st)
	return s
}

func (s *Store) Load() *State {
	return s.current.Load()
}

// Swap installs st and returns the previous snapshot.
func (s *Store) Swap(st *State) *State {
	return s.current.Swap(st)
}
