package core

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"execguard/internal/cache"
	"execguard/policy"
	"execguard/utils"
)

const (
	defaultUserCacheTTL = 5 * time.Minute
	userCacheCapacity   = 1024
	maxAncestorDepth    = 64
)

type ProcessInfo struct {
	PID        int32
	PPID       int32
	UID        uint32
	GID        uint32
	EUID       uint32
	Username   string
	Comm       string
	Cmdline    []string
	ParentName string
}

// UserResolver maps uids to login names, caching lookups for a while.
type UserResolver struct {
	lookup func(uid string) (*user.User, error)
	cache  *cache.TimedCache[uint32, string]
}

func NewUserResolver(ttl time.Duration) *UserResolver {
	if ttl <= 0 {
		ttl = defaultUserCacheTTL
	}
	return &UserResolver{
		lookup: user.LookupId,
		cache:  cache.NewTimedCache[uint32, string](ttl, userCacheCapacity),
	}
}

// Username returns the login name for uid, or the numeric uid when the
// account is unknown.
func (r *UserResolver) Username(uid uint32) string {
	if name, ok := r.cache.Get(uid); ok {
		return name
	}
	id := strconv.FormatUint(uint64(uid), 10)
	name := id
	if u, err := r.lookup(id); err == nil {
		name = u.Username
	}
	r.cache.Set(uid, name)
	return name
}

// ProcessReader collects per-process details from procfs.
type ProcessReader struct {
	fs    utils.ProcFS
	users *UserResolver
}

func NewProcessReader(fs utils.ProcFS, users *UserResolver) *ProcessReader {
	if users == nil {
		users = NewUserResolver(0)
	}
	return &ProcessReader{fs: fs, users: users}
}

func (r *ProcessReader) Info(pid int32) (*ProcessInfo, error) {
	st, err := r.fs.ReadStat(pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	creds, err := r.fs.ReadCreds(pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	info := &ProcessInfo{
		PID:      pid,
		PPID:     st.PPID,
		UID:      creds.UID,
		GID:      creds.GID,
		EUID:     creds.EUID,
		Username: r.users.Username(creds.UID),
		Comm:     st.Comm,
	}
	info.Cmdline, _ = r.fs.ReadCmdline(pid)
	if st.PPID > 0 {
		if parent, err := r.fs.ReadStat(st.PPID); err == nil {
			info.ParentName = parent.Comm
		}
	}
	return info, nil
}

func (r *ProcessReader) Username(uid uint32) string {
	return r.users.Username(uid)
}

// ContextFor returns the expression context source for pid.
func (r *ProcessReader) ContextFor(pid int32) policy.ContextProvider {
	return &procContext{fs: r.fs, pid: pid}
}

type procContext struct {
	fs  utils.ProcFS
	pid int32
}

func (c *procContext) DynamicContext(ctx context.Context, withAncestors bool) (*policy.EvalContext, error) {
	args, err := c.fs.ReadCmdline(c.pid)
	if err != nil {
		return nil, err
	}
	env, err := c.fs.ReadEnviron(c.pid)
	if err != nil {
		return nil, err
	}
	creds, err := c.fs.ReadCreds(c.pid)
	if err != nil {
		return nil, err
	}
	cwd, err := c.fs.ReadCwd(c.pid)
	if err != nil {
		return nil, err
	}
	ec := &policy.EvalContext{Args: args, Env: env, EUID: creds.EUID, Cwd: cwd}
	if withAncestors {
		if ec.Ancestors, err = c.ancestors(ctx); err != nil {
			return nil, err
		}
	}
	return ec, nil
}

// ancestors walks the parent chain, nearest first, stopping at init.
func (c *procContext) ancestors(ctx context.Context) ([]policy.Ancestor, error) {
	st, err := c.fs.ReadStat(c.pid)
	if err != nil {
		return nil, err
	}
	var out []policy.Ancestor
	for pid := st.PPID; pid > 0 && len(out) < maxAncestorDepth; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pst, err := c.fs.ReadStat(pid)
		if err != nil {
			// The parent exited; the chain ends here.
			break
		}
		path, err := c.fs.ReadExe(pid)
		if err != nil {
			path = pst.Comm
		}
		out = append(out, policy.Ancestor{PID: pid, Generation: pst.StartTime, Path: path})
		if pid == 1 {
			break
		}
		pid = pst.PPID
	}
	return out, nil
}
