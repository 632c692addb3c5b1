package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execguard/policy"
)

const rootDev = 2049

func decisionFor(dev, inode uint64, state policy.EventState) *policy.CachedDecision {
	return &policy.CachedDecision{
		VnodeID:   policy.VnodeID{Device: dev, Inode: inode, Mtime: 1},
		Decision:  state,
		Cacheable: true,
		SHA256:    "deadbeef",
	}
}

func TestDecisionCache_GetReturnsCopies(t *testing.T) {
	c := NewDecisionCache(Options{RootDevice: rootDev})
	in := decisionFor(rootDev, 1, policy.StateAllowBinary)
	in.Entitlements = map[string]any{"k": "v"}
	c.Set(in)

	in.Decision = policy.StateBlockBinary
	in.Entitlements["k"] = "mutated"

	got, ok := c.Get(in.VnodeID)
	require.True(t, ok)
	assert.Equal(t, policy.StateAllowBinary, got.Decision)
	assert.Equal(t, "v", got.Entitlements["k"])

	got.Decision = policy.StateBlockCDHash
	again, _ := c.Get(in.VnodeID)
	assert.Equal(t, policy.StateAllowBinary, again.Decision)
}

func TestDecisionCache_SetIfAbsentConcurrent(t *testing.T) {
	c := NewDecisionCache(Options{RootDevice: rootDev})
	const callers = 32

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		seen    = make([]policy.EventState, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := policy.StateAllowBinary
			if i%2 == 1 {
				state = policy.StateAllowTeamID
			}
			stored, inserted := c.SetIfAbsent(decisionFor(rootDev, 7, state))
			if inserted {
				winners.Add(1)
			}
			seen[i] = stored.Decision
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	for _, s := range seen {
		assert.Equal(t, seen[0], s, "every caller observes the winning value")
	}
	assert.Equal(t, 1, c.Counts().RootEntries)
}

func TestDecisionCache_FlushModes(t *testing.T) {
	c := NewDecisionCache(Options{RootDevice: rootDev})
	c.Set(decisionFor(rootDev, 1, policy.StateAllowBinary))
	c.Set(decisionFor(rootDev, 2, policy.StateAllowBinary))
	c.Set(decisionFor(77, 3, policy.StateAllowBinary))

	counts := c.Counts()
	assert.Equal(t, 2, counts.RootEntries)
	assert.Equal(t, 1, counts.NonRootEntries)

	assert.Equal(t, 1, c.Flush(FlushNonRoot, "unmount"))
	counts = c.Counts()
	assert.Equal(t, 2, counts.RootEntries)
	assert.Zero(t, counts.NonRootEntries)

	assert.Equal(t, 2, c.FlushAll("rules changed"))
	assert.Zero(t, c.Counts().RootEntries)
}

func TestDecisionCache_HitMissCounts(t *testing.T) {
	c := NewDecisionCache(Options{RootDevice: rootDev})
	cd := decisionFor(rootDev, 1, policy.StateAllowBinary)
	_, ok := c.Get(cd.VnodeID)
	assert.False(t, ok)
	c.Set(cd)
	_, ok = c.Get(cd.VnodeID)
	assert.True(t, ok)
	c.Remove(cd.VnodeID)
	_, ok = c.Get(cd.VnodeID)
	assert.False(t, ok)

	counts := c.Counts()
	assert.Equal(t, uint64(1), counts.Hits)
	assert.Equal(t, uint64(2), counts.Misses)
}

func TestDecisionCache_ClearsWhenFull(t *testing.T) {
	c := NewDecisionCache(Options{Capacity: 2, RootDevice: rootDev})
	c.Set(decisionFor(rootDev, 1, policy.StateAllowBinary))
	c.Set(decisionFor(rootDev, 2, policy.StateAllowBinary))
	assert.True(t, c.Set(decisionFor(rootDev, 2, policy.StateAllowTeamID)))
	assert.Equal(t, 2, c.Counts().RootEntries, "overwrite does not trigger a clear")

	c.Set(decisionFor(rootDev, 3, policy.StateAllowBinary))
	assert.Equal(t, 1, c.Counts().RootEntries)
	_, ok := c.Get(policy.VnodeID{Device: rootDev, Inode: 3, Mtime: 1})
	assert.True(t, ok)
}

type recordingResetter struct {
	mu    sync.Mutex
	calls []*policy.Rule
	err   error
}

func (r *recordingResetter) ResetTimestamp(_ context.Context, rule *policy.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rule)
	return r.err
}

func (r *recordingResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestDecisionCache_TransitiveRefreshThrottled(t *testing.T) {
	res := &recordingResetter{}
	c := NewDecisionCache(Options{RootDevice: rootDev, Resetter: res, RefreshCooldown: time.Hour})
	now := time.Unix(1_700_000_000, 0)
	c.refresh.SetClock(func() time.Time { return now })

	cd := decisionFor(rootDev, 1, policy.StateAllowTransitive)
	ctx := context.Background()

	assert.True(t, c.ResetTimestampIfNeeded(ctx, cd))
	assert.False(t, c.ResetTimestampIfNeeded(ctx, cd))
	assert.Equal(t, 1, res.count())
	assert.Equal(t, policy.RuleTypeBinary, res.calls[0].Type)
	assert.Equal(t, "deadbeef", res.calls[0].Identifier)

	now = now.Add(time.Hour)
	assert.True(t, c.ResetTimestampIfNeeded(ctx, cd))
	assert.Equal(t, 2, res.count())

	assert.False(t, c.ResetTimestampIfNeeded(ctx, decisionFor(rootDev, 2, policy.StateAllowBinary)))
	assert.Equal(t, 2, res.count())
}

func TestDecisionCache_TransitiveRefreshRetriesAfterFailure(t *testing.T) {
	res := &recordingResetter{err: errors.New("store unavailable")}
	c := NewDecisionCache(Options{RootDevice: rootDev, Resetter: res})
	cd := decisionFor(rootDev, 1, policy.StateAllowTransitive)

	assert.False(t, c.ResetTimestampIfNeeded(context.Background(), cd))
	assert.False(t, c.ResetTimestampIfNeeded(context.Background(), cd))
	assert.Equal(t, 2, res.count())
}
