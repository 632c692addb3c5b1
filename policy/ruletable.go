package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RuleFinder returns the single highest-precedence rule matching ids.
type RuleFinder interface {
	FindRule(ids Identifiers) *Rule
}

type RuleWriter interface {
	AddRule(ctx context.Context, r *Rule) error
}

type TimestampResetter interface {
	ResetTimestamp(ctx context.Context, r *Rule) error
}

type RuleCounts struct {
	Total       int
	Binary      int
	Certificate int
	TeamID      int
	SigningID   int
	CDHash      int
	Compiler    int
	Transitive  int
}

// RuleTable is an in-memory rule store indexed by type then identifier.
// Lookups take the read lock so reloads never stall decisions for longer
// than the swap itself.
type RuleTable struct {
	mu    sync.RWMutex
	rules map[RuleType]map[string]*Rule
	now   func() time.Time
}

func NewRuleTable() *RuleTable {
	return &RuleTable{rules: newRuleIndex(), now: time.Now}
}

func newRuleIndex() map[RuleType]map[string]*Rule {
	idx := make(map[RuleType]map[string]*Rule, len(RuleTypesByPrecedence))
	for _, t := range RuleTypesByPrecedence {
		idx[t] = make(map[string]*Rule)
	}
	return idx
}

func (rt *RuleTable) Add(r *Rule) error {
	r.Identifier = NormalizeIdentifier(r.Type, r.Identifier)
	if err := r.Validate(); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rules[r.Type][r.Identifier] = r
	return nil
}

// AddRule satisfies RuleWriter for rules created at runtime, such as local
// approvals in standalone mode.
func (rt *RuleTable) AddRule(_ context.Context, r *Rule) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = rt.now()
	}
	return rt.Add(r)
}

func (rt *RuleTable) Remove(t RuleType, identifier string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if byID, ok := rt.rules[t]; ok {
		delete(byID, NormalizeIdentifier(t, identifier))
	}
}

func (rt *RuleTable) Get(t RuleType, identifier string) *Rule {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.rules[t][NormalizeIdentifier(t, identifier)]
}

func (rt *RuleTable) Contains(t RuleType, identifier string) bool {
	return rt.Get(t, identifier) != nil
}

// List returns every rule in precedence order.
func (rt *RuleTable) List() []*Rule {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []*Rule
	for _, t := range RuleTypesByPrecedence {
		for _, r := range rt.rules[t] {
			out = append(out, r)
		}
	}
	return out
}

// Reload replaces the whole rule set. Invalid rules abort the reload and
// leave the current set in place.
func (rt *RuleTable) Reload(rules []*Rule) error {
	idx := newRuleIndex()
	for _, r := range rules {
		r.Identifier = NormalizeIdentifier(r.Type, r.Identifier)
		if err := r.Validate(); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		idx[r.Type][r.Identifier] = r
	}
	rt.mu.Lock()
	rt.rules = idx
	rt.mu.Unlock()
	return nil
}

// FindRule walks the types in precedence order, so the result doesn't
// depend on the order rules were added.
func (rt *RuleTable) FindRule(ids Identifiers) *Rule {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, t := range RuleTypesByPrecedence {
		key := ids.For(t)
		if key == "" {
			continue
		}
		if r, ok := rt.rules[t][key]; ok {
			return r
		}
	}
	return nil
}

func (rt *RuleTable) ResetTimestamp(_ context.Context, r *Rule) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	stored, ok := rt.rules[r.Type][r.Identifier]
	if !ok {
		return fmt.Errorf("reset timestamp: no rule %s", r)
	}
	updated := *stored
	updated.Timestamp = rt.now()
	rt.rules[r.Type][r.Identifier] = &updated
	return nil
}

// RemoveOutdatedTransitiveRules drops transitive rules unused for maxAge
// and returns how many were removed.
func (rt *RuleTable) RemoveOutdatedTransitiveRules(maxAge time.Duration) int {
	cutoff := rt.now().Add(-maxAge)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := 0
	for id, r := range rt.rules[RuleTypeBinary] {
		if r.State == RuleStateAllowTransitive && r.Timestamp.Before(cutoff) {
			delete(rt.rules[RuleTypeBinary], id)
			removed++
		}
	}
	return removed
}

func (rt *RuleTable) Counts() RuleCounts {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c := RuleCounts{
		Binary:      len(rt.rules[RuleTypeBinary]),
		Certificate: len(rt.rules[RuleTypeCertificate]),
		TeamID:      len(rt.rules[RuleTypeTeamID]),
		SigningID:   len(rt.rules[RuleTypeSigningID]),
		CDHash:      len(rt.rules[RuleTypeCDHash]),
	}
	c.Total = c.Binary + c.Certificate + c.TeamID + c.SigningID + c.CDHash
	for _, byID := range rt.rules {
		for _, r := range byID {
			switch r.State {
			case RuleStateAllowCompiler:
				c.Compiler++
			case RuleStateAllowTransitive:
				c.Transitive++
			}
		}
	}
	return c
}
