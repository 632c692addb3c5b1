package policy

import (
	"strings"
	"sync/atomic"
)

type entitlementsSnapshot struct {
	teamIDs  map[string]struct{}
	prefixes []string
}

// EntitlementsFilter trims entitlement dictionaries before they are
// recorded. Updates publish a new immutable snapshot so Filter never waits
// on reconfiguration.
type EntitlementsFilter struct {
	snap atomic.Pointer[entitlementsSnapshot]
}

func NewEntitlementsFilter(teamIDs, prefixes []string) *EntitlementsFilter {
	f := &EntitlementsFilter{}
	f.Update(teamIDs, prefixes)
	return f
}

// Update replaces both filters at once.
func (f *EntitlementsFilter) Update(teamIDs, prefixes []string) {
	s := &entitlementsSnapshot{teamIDs: make(map[string]struct{}, len(teamIDs))}
	for _, t := range teamIDs {
		s.teamIDs[t] = struct{}{}
	}
	for _, p := range prefixes {
		if p != "" {
			s.prefixes = append(s.prefixes, p)
		}
	}
	f.snap.Store(s)
}

// Filter drops everything for filtered team ids and any key under a
// filtered prefix. filtered reports whether anything was removed.
func (f *EntitlementsFilter) Filter(teamID string, ents map[string]any) (out map[string]any, filtered bool) {
	if len(ents) == 0 {
		return nil, false
	}
	s := f.snap.Load()
	if _, ok := s.teamIDs[teamID]; ok && teamID != "" {
		return nil, true
	}
	if len(s.prefixes) == 0 {
		return ents, false
	}
	out = make(map[string]any, len(ents))
	for k, v := range ents {
		if hasAnyPrefix(k, s.prefixes) {
			filtered = true
			continue
		}
		out[k] = v
	}
	return out, filtered
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
