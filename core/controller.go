package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"execguard/config"
	"execguard/events"
	"execguard/internal/cache"
	"execguard/internal/procguard"
	"execguard/policy"
)

type EventType int

const (
	EventUnknown EventType = iota
	EventExec
	EventOpen
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventExec:
		return "exec"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Action is the response sent to the kernel for an execution.
type Action int

const (
	ActionUnset Action = iota
	ActionRespondAllow
	ActionRespondAllowNoCache
	ActionRespondAllowCompiler
	ActionRespondDeny
	// ActionRespondHold lets the exec proceed into a suspended process
	// that waits for a user's approval.
	ActionRespondHold
)

func (a Action) String() string {
	switch a {
	case ActionRespondAllow:
		return "allow"
	case ActionRespondAllowNoCache:
		return "allow_no_cache"
	case ActionRespondAllowCompiler:
		return "allow_compiler"
	case ActionRespondDeny:
		return "deny"
	case ActionRespondHold:
		return "hold"
	}
	return "unset"
}

// Permits reports whether the kernel should let the exec continue.
func (a Action) Permits() bool {
	return a != ActionRespondDeny && a != ActionUnset
}

// KernelEvent is an exec authorization request as delivered by the event
// source. Signing fields are filled by sources that can verify them.
type KernelEvent struct {
	Type          EventType
	Path          string
	PathTruncated bool
	PID           int32
	Generation    uint64
	PPID          int32
	UID           uint32
	TTY           string
	Received      time.Time
	Deadline      time.Time
	// Fd is an open descriptor for the file, or -1.
	Fd int32

	TeamID       string
	SigningID    string
	CDHash       string
	CertSHA256   string
	CertCommon   string
	SigningFlags policy.SigningFlags
	Entitlements map[string]any
}

func (ev *KernelEvent) Key() procguard.Key {
	return procguard.Key{PID: ev.PID, Generation: ev.Generation}
}

type DecisionLog interface {
	Log(e *events.ExecutionEvent) error
}

type EventSink interface {
	Save(ctx context.Context, e *events.ExecutionEvent) error
}

type BundleHasher interface {
	HashBundle(ctx context.Context, root string) (events.BundleHash, error)
}

// ProcessSource describes the process behind an event.
type ProcessSource interface {
	Info(pid int32) (*ProcessInfo, error)
	ContextFor(pid int32) policy.ContextProvider
}

type ControllerConfig struct {
	Processor *policy.Processor
	Cache     *cache.DecisionCache
	State     *config.Store
	Inspector Inspector
	Processes ProcessSource
	Control   *ProcessControl
	// Rules receives local allow rules created by standalone approvals.
	Rules       policy.RuleWriter
	Notifier    *NotificationQueue
	TTY         *TTYWriter
	DecisionLog DecisionLog
	Sink        EventSink
	Bundles     BundleHasher
	Metrics     *Metrics
	Hostname    string
	Logger      *slog.Logger
}

// Controller authorizes executions. It answers the kernel first and runs
// logging, persistence and notification afterwards in the background.
type Controller struct {
	processor *policy.Processor
	cache     *cache.DecisionCache
	state     *config.Store
	inspector Inspector
	procs     ProcessSource
	control   *ProcessControl
	rules     policy.RuleWriter
	notifier  *NotificationQueue
	tty       *TTYWriter
	log       DecisionLog
	sink      EventSink
	bundles   BundleHasher
	metrics   *Metrics
	hostname  string
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Processor == nil:
		return nil, errors.New("controller: processor is required")
	case cfg.Cache == nil:
		return nil, errors.New("controller: decision cache is required")
	case cfg.State == nil:
		return nil, errors.New("controller: config state is required")
	case cfg.Inspector == nil:
		return nil, errors.New("controller: inspector is required")
	case cfg.Control == nil:
		return nil, errors.New("controller: process control is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "controller")
	}
	return &Controller{
		processor: cfg.Processor,
		cache:     cfg.Cache,
		state:     cfg.State,
		inspector: cfg.Inspector,
		procs:     cfg.Processes,
		control:   cfg.Control,
		rules:     cfg.Rules,
		notifier:  cfg.Notifier,
		tty:       cfg.TTY,
		log:       cfg.DecisionLog,
		sink:      cfg.Sink,
		bundles:   cfg.Bundles,
		metrics:   cfg.Metrics,
		hostname:  cfg.Hostname,
		logger:    cfg.Logger,
	}, nil
}

// ComputeAndRespond runs ValidateExec and returns the action it sent.
func (c *Controller) ComputeAndRespond(ctx context.Context, ev *KernelEvent) Action {
	var action Action
	c.ValidateExec(ctx, ev, func(a Action) bool {
		action = a
		return true
	})
	return action
}

// ValidateExec decides ev and calls respond exactly once. Passing a
// non-exec event is a programming error.
func (c *Controller) ValidateExec(ctx context.Context, ev *KernelEvent, respond func(Action) bool) {
	if ev.Type != EventExec {
		panic(fmt.Sprintf("core: ValidateExec called with %s event", ev.Type))
	}
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	if !ev.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ev.Deadline)
		defer cancel()
	}
	st := c.state.Load()

	if ev.PathTruncated || len(ev.Path) > unix.PathMax {
		c.respondLongPath(ctx, ev, st, respond)
		return
	}

	insp, err := c.inspector.Inspect(ctx, ev)
	if err != nil {
		c.respondNoFileInfo(ctx, ev, st, respond, err)
		return
	}
	defer insp.Release()
	id := insp.Identity

	cached, hit := c.cache.Get(id.VnodeID)
	c.metrics.RecordCacheLookup(ctx, hit)
	if hit && cached.Servable() {
		action := actionFor(cached)
		c.send(ctx, ev, action, respond)
		c.cache.ResetTimestampIfNeeded(ctx, cached)
		c.metrics.RecordDecision(ctx, cached.Decision.String(), action, SourceCache, time.Since(ev.Received))
		return
	}

	// The hash is read lazily; a read failure is an inspection failure.
	if _, err := id.SHA256(); err != nil {
		c.respondNoFileInfo(ctx, ev, st, respond, err)
		return
	}

	cd, source := c.decide(ctx, id, st, ev)

	adopted := false
	if hit {
		c.cache.Set(cd)
	} else if stored, inserted := c.cache.SetIfAbsent(cd); !inserted {
		if stored.Cacheable && !stored.Hold && !stored.Backfilled {
			// A concurrent exec of the same file decided first.
			cd, adopted = stored, true
		} else {
			c.cache.Set(cd)
		}
	}

	action := actionFor(cd)
	if cd.Hold {
		c.hold(ctx, ev, st, cd, respond, source)
		return
	}
	c.send(ctx, ev, action, respond)
	c.metrics.RecordDecision(ctx, cd.Decision.String(), action, source, time.Since(ev.Received))
	c.finalizeAsync(ev, st, cd, adopted)
}

func (c *Controller) send(ctx context.Context, ev *KernelEvent, a Action, respond func(Action) bool) {
	if !respond(a) {
		c.logger.WarnContext(ctx, "kernel response not delivered",
			"pid", ev.PID, "path", ev.Path, "action", a.String())
	}
}

func actionFor(cd *policy.CachedDecision) Action {
	switch {
	case cd.Hold:
		return ActionRespondHold
	case cd.Decision.IsAllow() && !cd.Cacheable:
		return ActionRespondAllowNoCache
	case cd.Decision.IsAllow() && cd.Decision.IsCompiler():
		return ActionRespondAllowCompiler
	case cd.Decision.IsAllow():
		return ActionRespondAllow
	}
	return ActionRespondDeny
}

func (c *Controller) respondLongPath(ctx context.Context, ev *KernelEvent, st *config.State, respond func(Action) bool) {
	cd := &policy.CachedDecision{
		Decision:   policy.StateBlockLongPath,
		Cacheable:  true,
		ClientMode: st.ClientMode,
		Path:       ev.Path,
	}
	if insp, err := c.inspector.Inspect(ctx, ev); err == nil {
		cd.VnodeID = insp.Identity.VnodeID
		insp.Release()
		c.cache.Set(cd)
	}
	c.send(ctx, ev, ActionRespondDeny, respond)
	c.metrics.RecordDecision(ctx, cd.Decision.String(), ActionRespondDeny, SourceLongPath, time.Since(ev.Received))
	c.finalizeAsync(ev, st, cd, false)
}

func (c *Controller) respondNoFileInfo(ctx context.Context, ev *KernelEvent, st *config.State, respond func(Action) bool, err error) {
	cd := &policy.CachedDecision{
		Decision:   policy.StateAllowNoFileInfo,
		ClientMode: st.ClientMode,
		Path:       ev.Path,
	}
	action := ActionRespondAllowNoCache
	if st.FailClosed {
		cd.Decision = policy.StateDenyNoFileInfo
		action = ActionRespondDeny
	}
	c.logger.WarnContext(ctx, "unable to inspect executable",
		"pid", ev.PID, "path", ev.Path, "fail_closed", st.FailClosed, "error", err)
	c.send(ctx, ev, action, respond)
	c.metrics.RecordDecision(ctx, cd.Decision.String(), action, SourceInspection, time.Since(ev.Received))
	c.finalizeAsync(ev, st, cd, false)
}

// decide runs the policy processor. A panic becomes the fail-open or
// fail-closed verdict so the kernel still gets an answer.
func (c *Controller) decide(ctx context.Context, id *policy.ExecutionIdentity, st *config.State, ev *KernelEvent) (cd *policy.CachedDecision, source string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "policy decision panicked",
				"pid", ev.PID, "path", ev.Path, "panic", r)
			cd = &policy.CachedDecision{
				Decision:   policy.StateAllowUnknown,
				ClientMode: st.ClientMode,
				Path:       id.Path,
				VnodeID:    id.VnodeID,
			}
			if st.FailClosed {
				cd.Decision = policy.StateBlockUnknown
			}
			source = SourcePanic
		}
	}()

	var cp policy.ContextProvider
	if c.procs != nil {
		cp = c.procs.ContextFor(ev.PID)
	}
	return c.processor.Decide(ctx, id, st, cp), SourcePolicy
}

// hold suspends the process and asks the user. The guard entry goes in
// before the signal so an approval can never race ahead of it.
func (c *Controller) hold(ctx context.Context, ev *KernelEvent, st *config.State, cd *policy.CachedDecision, respond func(Action) bool, source string) {
	key := ev.Key()
	c.control.Guard().MarkSuspended(key)
	if err := c.control.Suspend(key); err != nil {
		c.control.Guard().Unmark(key)
		c.logger.WarnContext(ctx, "suspending process for approval failed, denying",
			"pid", ev.PID, "path", ev.Path, "error", err)
		c.send(ctx, ev, ActionRespondDeny, respond)
		c.metrics.RecordDecision(ctx, cd.Decision.String(), ActionRespondDeny, source, time.Since(ev.Received))
		return
	}
	c.send(ctx, ev, ActionRespondHold, respond)
	c.metrics.RecordDecision(ctx, cd.Decision.String(), ActionRespondHold, source, time.Since(ev.Received))

	original := cd.Decision
	reply := func(approved bool) {
		c.resolveApproval(ev, st, cd, original, approved)
	}
	if c.notifier == nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			reply(false)
		}()
		return
	}
	ee := c.buildEvent(ev, cd)
	msg := FormatBlockMessage(cd.CustomMsg, st.DefaultBlockMessage)
	c.notifier.AddEvent(ee, msg, c.detailURL(st, cd, ee.Username), reply)
}

func (c *Controller) resolveApproval(ev *KernelEvent, st *config.State, cd *policy.CachedDecision, original policy.EventState, approved bool) {
	ctx := context.Background()
	key := ev.Key()
	c.metrics.RecordApproval(ctx, approved)

	var err error
	sig := unix.SIGKILL
	if approved {
		sig = unix.SIGCONT
		err = c.control.Resume(key)
	} else {
		err = c.control.Kill(key)
	}
	c.control.Guard().Unmark(key)

	if errors.Is(err, ErrGenerationMismatch) {
		// The held process is gone; its pid may belong to someone else now.
		c.metrics.RecordSignalDropped(ctx, unix.SignalName(sig))
		return
	}
	if err != nil {
		c.logger.Warn("acting on approval failed", "pid", ev.PID, "approved", approved, "error", err)
	} else if approved {
		cd.Decision = original.AllowCounterpart()
		cd.Hold = false
		if st.ClientMode == config.ModeStandalone && original == policy.StateBlockUnknown {
			c.addLocalRule(ctx, cd)
		}
	}
	c.cache.Set(cd)
	c.finalize(ctx, ev, st, cd, false)
}

// addLocalRule remembers a standalone approval. Production signed
// binaries are allowed by signing id, everything else by hash.
func (c *Controller) addLocalRule(ctx context.Context, cd *policy.CachedDecision) {
	if c.rules == nil {
		return
	}
	var rule *policy.Rule
	if sid := cd.ProductionSigningID(); sid != "" {
		rule = policy.NewRule(sid, policy.RuleTypeSigningID, policy.RuleStateAllowLocal)
	} else if cd.SHA256 != "" {
		rule = policy.NewRule(cd.SHA256, policy.RuleTypeBinary, policy.RuleStateAllowLocal)
	} else {
		return
	}
	if err := c.rules.AddRule(ctx, rule); err != nil {
		c.logger.Warn("adding local rule failed", "rule", rule.String(), "error", err)
	}
}

func (c *Controller) finalizeAsync(ev *KernelEvent, st *config.State, cd *policy.CachedDecision, adopted bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finalize(context.Background(), ev, st, cd, adopted)
	}()
}

// finalize logs the decision and, where it warrants it, persists and
// reports it. An adopted decision was already persisted by the exec that
// produced it.
func (c *Controller) finalize(ctx context.Context, ev *KernelEvent, st *config.State, cd *policy.CachedDecision, adopted bool) {
	ee := c.buildEvent(ev, cd)
	blocked := cd.Decision.IsBlock()

	if blocked && st.EnableBundles && cd.BundlePath != "" && c.bundles != nil {
		if bh, err := c.bundles.HashBundle(ctx, cd.BundlePath); err != nil {
			c.logger.WarnContext(ctx, "bundle hash failed", "bundle", cd.BundlePath, "error", err)
		} else {
			ee.BundleHash = bh.Hash
			ee.BundleBinaryCount = bh.BinaryCount
		}
	}

	if c.log != nil {
		if err := c.log.Log(ee); err != nil {
			c.logger.WarnContext(ctx, "decision log write failed", "error", err)
		}
	}

	if !adopted && c.sink != nil && (blocked || !cd.Cacheable || st.EnableAllEventUpload) {
		if err := c.sink.Save(ctx, ee); err != nil {
			c.logger.WarnContext(ctx, "persisting event failed", "event", ee.ID, "error", err)
		}
	}

	if !blocked || cd.Silent || adopted {
		return
	}
	msg := FormatBlockMessage(cd.CustomMsg, st.DefaultBlockMessage)
	url := c.detailURL(st, cd, ee.Username)
	if c.tty != nil && !cd.SilentTTY && !st.SilentTTYMode && c.tty.CanWrite(ev.TTY) {
		lines := []string{"*** execguard ***", msg, "Path: " + cd.Path}
		if cd.SHA256 != "" {
			lines = append(lines, "SHA-256: "+cd.SHA256)
		}
		if url != "" {
			lines = append(lines, "More info: "+url)
		}
		if err := c.tty.Write(ev.TTY, lines...); err != nil {
			c.logger.DebugContext(ctx, "tty message failed", "tty", ev.TTY, "error", err)
		}
	}
	if c.notifier != nil {
		c.notifier.AddEvent(ee, msg, url, nil)
	}
}

func (c *Controller) detailURL(st *config.State, cd *policy.CachedDecision, username string) string {
	if cd.CustomURL != "" {
		return cd.CustomURL
	}
	return EventDetailURL(st.EventDetailURL, cd, URLFields{
		MachineID: st.MachineID,
		Hostname:  c.hostname,
		Username:  username,
	})
}

func (c *Controller) buildEvent(ev *KernelEvent, cd *policy.CachedDecision) *events.ExecutionEvent {
	ee := events.NewExecutionEvent(cd)
	ee.PID = ev.PID
	ee.PPID = ev.PPID
	ee.UID = ev.UID
	ee.Duration = time.Since(ev.Received)
	if c.procs != nil {
		if info, err := c.procs.Info(ev.PID); err == nil {
			ee.PPID = info.PPID
			ee.Username = info.Username
			ee.Args = info.Cmdline
			ee.ParentName = info.ParentName
		}
	}
	return ee
}

// Wait blocks until all background finalization has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) FlushCache(mode cache.FlushMode, reason string) int {
	return c.cache.Flush(mode, reason)
}

func (c *Controller) CacheCounts() cache.Counts {
	return c.cache.Counts()
}

// CheckCache returns the cached decision for a file, if any.
func (c *Controller) CheckCache(v policy.VnodeID) (*policy.CachedDecision, bool) {
	return c.cache.Get(v)
}

// UpdateEntitlementsFilter swaps the filter and drops cached decisions,
// which carry entitlements filtered under the old settings.
func (c *Controller) UpdateEntitlementsFilter(teamIDs, prefixes []string) {
	c.processor.EntitlementsFilter().Update(teamIDs, prefixes)
	c.cache.FlushAll("entitlements filter changed")
}
