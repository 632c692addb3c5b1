package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"execguard/policy"
)

const (
	DefaultCapacity        = 10000
	DefaultRefreshCooldown = time.Hour
	refreshThrottleSize    = 4096
)

type FlushMode int

const (
	FlushAll FlushMode = iota
	// FlushNonRoot only drops entries for files off the root device, used
	// when removable or network mounts change.
	FlushNonRoot
)

func (m FlushMode) String() string {
	if m == FlushNonRoot {
		return "non_root"
	}
	return "all"
}

type Counts struct {
	RootEntries    int
	NonRootEntries int
	Hits           uint64
	Misses         uint64
}

type Options struct {
	Capacity        int
	RootDevice      uint64
	RefreshCooldown time.Duration
	// Resetter receives transitive rule timestamp refreshes. Nil disables
	// them.
	Resetter policy.TimestampResetter
	Logger   *slog.Logger
}

// DecisionCache maps file content identity to the last decision made for
// it. Stored decisions are private copies: callers get clones out and the
// cache clones on the way in.
type DecisionCache struct {
	mu         sync.Mutex
	entries    map[policy.VnodeID]*policy.CachedDecision
	capacity   int
	rootDevice uint64
	hits       uint64
	misses     uint64

	resetter policy.TimestampResetter
	refresh  *TimedCache[string, struct{}]
	logger   *slog.Logger
}

func NewDecisionCache(opts Options) *DecisionCache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.RefreshCooldown <= 0 {
		opts.RefreshCooldown = DefaultRefreshCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "decision_cache")
	}
	return &DecisionCache{
		entries:    make(map[policy.VnodeID]*policy.CachedDecision),
		capacity:   opts.Capacity,
		rootDevice: opts.RootDevice,
		resetter:   opts.Resetter,
		refresh:    NewTimedCache[string, struct{}](opts.RefreshCooldown, refreshThrottleSize),
		logger:     opts.Logger,
	}
}

// Get returns a copy of the entry for v.
func (c *DecisionCache) Get(v policy.VnodeID) (*policy.CachedDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cd, ok := c.entries[v]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return cd.Clone(), true
}

// Contains reports whether v is cached without counting a lookup.
func (c *DecisionCache) Contains(v policy.VnodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[v]
	return ok
}

// Set stores cd unconditionally and reports whether it replaced an
// existing entry.
func (c *DecisionCache) Set(cd *policy.CachedDecision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, replaced := c.entries[cd.VnodeID]
	c.storeLocked(cd.Clone())
	return replaced
}

// SetIfAbsent stores cd only if nothing is cached for its vnode. It returns
// a copy of whatever is cached afterwards and whether cd was the one
// stored, so concurrent callers all agree on the winner.
func (c *DecisionCache) SetIfAbsent(cd *policy.CachedDecision) (*policy.CachedDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[cd.VnodeID]; ok {
		return existing.Clone(), false
	}
	stored := cd.Clone()
	c.storeLocked(stored)
	return stored.Clone(), true
}

func (c *DecisionCache) storeLocked(cd *policy.CachedDecision) {
	if _, exists := c.entries[cd.VnodeID]; !exists && len(c.entries) >= c.capacity {
		c.logger.Info("decision cache full, clearing", "entries", len(c.entries))
		clear(c.entries)
	}
	c.entries[cd.VnodeID] = cd
}

func (c *DecisionCache) Remove(v policy.VnodeID) {
	c.mu.Lock()
	delete(c.entries, v)
	c.mu.Unlock()
}

// FlushAll empties the cache and returns how many entries were dropped.
func (c *DecisionCache) FlushAll(reason string) int {
	return c.Flush(FlushAll, reason)
}

func (c *DecisionCache) Flush(mode FlushMode, reason string) int {
	c.mu.Lock()
	n := 0
	switch mode {
	case FlushNonRoot:
		for v := range c.entries {
			if v.Device != c.rootDevice {
				delete(c.entries, v)
				n++
			}
		}
	default:
		n = len(c.entries)
		clear(c.entries)
	}
	c.mu.Unlock()

	c.logger.Info("flushed decision cache", "mode", mode.String(), "reason", reason, "entries", n)
	return n
}

func (c *DecisionCache) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := Counts{Hits: c.hits, Misses: c.misses}
	for v := range c.entries {
		if v.Device == c.rootDevice {
			counts.RootEntries++
		} else {
			counts.NonRootEntries++
		}
	}
	return counts
}

// ResetTimestampIfNeeded keeps a transitive rule from ageing out while it
// is still being used. The rule store is written at most once per binary
// per cool-down. It reports whether a reset was issued.
func (c *DecisionCache) ResetTimestampIfNeeded(ctx context.Context, cd *policy.CachedDecision) bool {
	if c.resetter == nil || cd.Decision != policy.StateAllowTransitive || cd.SHA256 == "" {
		return false
	}
	if !c.refresh.SetIfAbsent(cd.SHA256, struct{}{}) {
		return false
	}
	rule := cd.MatchedRule
	if rule == nil {
		rule = &policy.Rule{Identifier: cd.SHA256, Type: policy.RuleTypeBinary, State: policy.RuleStateAllowTransitive}
	}
	if err := c.resetter.ResetTimestamp(ctx, rule); err != nil {
		c.refresh.Remove(cd.SHA256)
		c.logger.WarnContext(ctx, "transitive rule timestamp reset failed", "sha256", cd.SHA256, "error", err)
		return false
	}
	return true
}
