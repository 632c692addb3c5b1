package core

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"execguard/internal/cache"
	"execguard/policy"
	"execguard/utils"
)

const (
	defaultBackfillRate     = 50
	defaultBackfillParallel = 4
)

// Backfiller records the executables of processes that were already
// running when the agent started, so later checks know about them.
type Backfiller struct {
	fs        utils.ProcFS
	cache     *cache.DecisionCache
	inspector Inspector
	limiter   *rate.Limiter
	parallel  int
	metrics   *Metrics
	logger    *slog.Logger
}

// NewBackfiller inspects at most perSecond executables per second, with
// parallel inspections in flight.
func NewBackfiller(fs utils.ProcFS, dc *cache.DecisionCache, in Inspector, perSecond float64, parallel int, m *Metrics, logger *slog.Logger) *Backfiller {
	if perSecond <= 0 {
		perSecond = defaultBackfillRate
	}
	if parallel <= 0 {
		parallel = defaultBackfillParallel
	}
	if logger == nil {
		logger = slog.Default().With("component", "backfill")
	}
	return &Backfiller{
		fs:        fs,
		cache:     dc,
		inspector: in,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		parallel:  parallel,
		metrics:   m,
		logger:    logger,
	}
}

// Run makes one pass over /proc and returns how many entries it added.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	pids, err := b.fs.ListPIDs()
	if err != nil {
		return 0, err
	}

	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	for _, pid := range pids {
		vnode, ok := b.stat(pid)
		if !ok || b.cache.Contains(vnode) {
			continue
		}
		if err := b.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if b.fill(gctx, pid) {
				added.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(added.Load())
	b.metrics.RecordBackfill(ctx, n)
	b.logger.DebugContext(ctx, "backfill pass complete", "processes", len(pids), "added", n)
	return n, ctx.Err()
}

func (b *Backfiller) stat(pid int32) (policy.VnodeID, bool) {
	var st unix.Stat_t
	if err := unix.Stat(b.fs.ExePath(pid), &st); err != nil {
		// Kernel threads have no exe; exited processes have nothing.
		return policy.VnodeID{}, false
	}
	return policy.VnodeID{Device: uint64(st.Dev), Inode: st.Ino, Mtime: st.Mtim.Nano()}, true
}

func (b *Backfiller) fill(ctx context.Context, pid int32) bool {
	path, err := b.fs.ReadExe(pid)
	if err != nil {
		return false
	}
	insp, err := b.inspector.Inspect(ctx, &KernelEvent{Type: EventExec, Path: b.fs.ExePath(pid), PID: pid, Fd: -1})
	if err != nil {
		b.logger.DebugContext(ctx, "backfill inspection failed", "pid", pid, "error", err)
		return false
	}
	defer insp.Release()

	id := insp.Identity
	cd := policy.NewCachedDecision(id)
	cd.Decision = policy.StateUnknown
	cd.Cacheable = false
	cd.Backfilled = true
	// id.Path is the /proc link; the entry records where the binary lives.
	cd.Path = path
	cd.BundlePath = findBundle(path)
	_, inserted := b.cache.SetIfAbsent(cd)
	return inserted
}
