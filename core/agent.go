package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"execguard/config"
	"execguard/events"
	"execguard/internal/cache"
	"execguard/internal/celeval"
	"execguard/internal/procguard"
	"execguard/policy"
	"execguard/utils"
)

const (
	ruleSweepInterval  = time.Hour
	spoolDrainInterval = time.Minute
	spoolBatchSize     = 500
	uploadedRetention  = 7 * 24 * time.Hour
)

// Agent owns every long-lived component and the background loops that
// maintain them.
type Agent struct {
	configPath string
	cfg        *config.AgentConfig

	state      *config.Store
	rules      *policy.RuleTable
	evaluator  *celeval.Evaluator
	processor  *policy.Processor
	cache      *cache.DecisionCache
	ctrl       *Controller
	watcher    *ExecWatcher
	backfill   *Backfiller
	notifier   *NotificationQueue
	tty        *TTYWriter
	secLog     *events.SecurityLogger
	store      *events.SQLiteStore
	spool      *events.Spool
	metrics    *Metrics
	cfgWatcher *ConfigWatcher

	reloadMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewAgent builds the agent but does not start watching executions.
func NewAgent(configPath string, cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{configPath: configPath, cfg: cfg, logger: logger.With("component", "agent")}
	if err := a.build(logger); err != nil {
		a.closeSinks()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(logger *slog.Logger) error {
	cfg := a.cfg
	perf := cfg.Performance
	var err error

	if a.metrics, err = NewMetrics(nil); err != nil {
		return err
	}
	if a.evaluator, err = celeval.New(celeval.Options{Logger: logger.With("component", "celeval")}); err != nil {
		return err
	}
	staticRules, err := a.loadRules(cfg)
	if err != nil {
		return err
	}
	a.rules = policy.NewRuleTable()
	if err := a.rules.Reload(staticRules); err != nil {
		return err
	}
	a.state = config.NewStore(cfg.State())

	filter := policy.NewEntitlementsFilter(cfg.EntitlementsTeamIDFilter, cfg.EntitlementsPrefixFilter)
	a.processor = policy.NewProcessor(a.rules, a.evaluator, filter, logger.With("component", "policy"))

	var root unix.Stat_t
	if err := unix.Stat("/", &root); err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	a.cache = cache.NewDecisionCache(cache.Options{
		Capacity:        perf.DecisionCacheSize,
		RootDevice:      uint64(root.Dev),
		RefreshCooldown: perf.TransitiveRefreshCooldown,
		Resetter:        a.rules,
		Logger:          logger.With("component", "decision_cache"),
	})

	format, err := events.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	if a.secLog, err = events.NewSecurityLogger(cfg.LogFile, format); err != nil {
		return err
	}
	eventDB := cfg.EventDB
	if eventDB == "" {
		eventDB = ":memory:"
	}
	if a.store, err = events.NewSQLiteStore(eventDB); err != nil {
		return err
	}
	if cfg.SpoolDir != "" {
		if a.spool, err = events.NewSpool(cfg.SpoolDir); err != nil {
			return err
		}
	}

	a.notifier = NewNotificationQueue(perf.NotificationQueueSize, logger.With("component", "notifier"))
	a.tty = NewTTYWriter(perf.TTYMessagesPerSecond, nil, logger.With("component", "tty"))
	a.tty.EnableSilentTTYMode(cfg.SilentTTYMode)

	procs := NewProcessReader(utils.Default, NewUserResolver(perf.UserCacheTTL))
	control := NewProcessControl(NewUnixSignaler(), ProcFSGenerations{FS: utils.Default}, procguard.New(),
		logger.With("component", "process_control"))
	inspector := NewFileInspector()
	hostname, _ := os.Hostname()

	a.ctrl, err = NewController(ControllerConfig{
		Processor:   a.processor,
		Cache:       a.cache,
		State:       a.state,
		Inspector:   inspector,
		Processes:   procs,
		Control:     control,
		Rules:       a.rules,
		Notifier:    a.notifier,
		TTY:         a.tty,
		DecisionLog: a.secLog,
		Sink:        a.store,
		Bundles:     &events.BundleHasher{},
		Metrics:     a.metrics,
		Hostname:    hostname,
		Logger:      logger.With("component", "controller"),
	})
	if err != nil {
		return err
	}
	a.backfill = NewBackfiller(utils.Default, a.cache, inspector, perf.BackfillRate, 0, a.metrics,
		logger.With("component", "backfill"))
	return nil
}

// loadRules converts the static rules and checks every expression
// compiles, so a bad rule fails the load instead of every evaluation.
func (a *Agent) loadRules(cfg *config.AgentConfig) ([]*policy.Rule, error) {
	rules, err := policy.RulesFromConfig(cfg.StaticRules)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if !r.State.IsExpression() {
			continue
		}
		if err := a.evaluator.Compile(r.Expression); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r, err)
		}
	}
	return rules, nil
}

// Controller exposes the execution controller, mainly for GUI bridges.
func (a *Agent) Controller() *Controller { return a.ctrl }

func (a *Agent) Notifications() *NotificationQueue { return a.notifier }

func (a *Agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	watcher, err := NewExecWatcher(a.ctrl, ExecWatcherOptions{
		Mounts:    a.cfg.WatchMounts,
		Deadline:  a.cfg.Performance.DecisionDeadline,
		QueueSize: a.cfg.Performance.MaxEventQueueSize,
		Workers:   a.cfg.Workers,
		Logger:    a.logger.With("component", "exec_watcher"),
	})
	if err != nil {
		return fmt.Errorf("start exec watcher: %w", err)
	}
	a.watcher = watcher
	// In-flight decisions finish even after the agent is cancelled.
	a.watcher.Start(context.WithoutCancel(ctx))

	if a.configPath != "" {
		cw, err := NewConfigWatcher(a.configPath, func() {
			if err := a.Reload(); err != nil {
				a.logger.Error("config reload failed", "error", err)
			}
		}, a.logger.With("component", "config_watcher"))
		if err != nil {
			a.logger.Warn("config file will not be watched", "error", err)
		} else {
			a.cfgWatcher = cw
			a.goLoop(func() {
				if err := cw.Run(ctx); err != nil {
					a.logger.Error("config watcher stopped", "error", err)
				}
			})
		}
	}

	perf := a.cfg.Performance
	a.goLoop(func() { a.maintain(ctx, perf) })
	a.logger.Info("agent started", "mode", a.cfg.ClientMode.String(), "rules", a.rules.Counts().Total)
	return nil
}

func (a *Agent) goLoop(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// maintain runs backfill, transitive rule expiry and the upload spool.
func (a *Agent) maintain(ctx context.Context, perf config.PerformanceConfig) {
	backfill := time.NewTicker(perf.BackfillInterval)
	sweep := time.NewTicker(ruleSweepInterval)
	drain := time.NewTicker(spoolDrainInterval)
	defer backfill.Stop()
	defer sweep.Stop()
	defer drain.Stop()

	a.runBackfill(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-backfill.C:
			a.runBackfill(ctx)
		case <-sweep.C:
			if n := a.rules.RemoveOutdatedTransitiveRules(perf.TransitiveRuleMaxAge); n > 0 {
				a.logger.Info("removed outdated transitive rules", "count", n)
				a.cache.FlushAll("transitive rules expired")
			}
		case <-drain.C:
			a.drainSpool(ctx)
		}
	}
}

func (a *Agent) runBackfill(ctx context.Context) {
	if _, err := a.backfill.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("backfill failed", "error", err)
	}
}

func (a *Agent) drainSpool(ctx context.Context) {
	if a.spool == nil {
		return
	}
	n, err := a.spool.Drain(ctx, a.store, spoolBatchSize)
	if err != nil {
		a.logger.Warn("spooling events failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("spooled events for upload", "count", n)
	}
	if _, err := a.store.PruneUploaded(ctx, time.Now().Add(-uploadedRetention)); err != nil {
		a.logger.Warn("pruning uploaded events failed", "error", err)
	}
}

// Reload re-reads the config file and applies it.
func (a *Agent) Reload() error {
	if a.configPath == "" {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	return a.Apply(cfg)
}

// Apply swaps in cfg. Rules configured locally at runtime survive unless
// the new config names the same rule.
func (a *Agent) Apply(cfg *config.AgentConfig) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	static, err := a.loadRules(cfg)
	if err != nil {
		return err
	}
	var rules []*policy.Rule
	for _, r := range a.rules.List() {
		if r.State == policy.RuleStateAllowLocal || r.State == policy.RuleStateAllowTransitive {
			rules = append(rules, r)
		}
	}
	rules = append(rules, static...)
	if err := a.rules.Reload(rules); err != nil {
		return err
	}

	a.state.Swap(cfg.State())
	a.tty.EnableSilentTTYMode(cfg.SilentTTYMode)
	// Flushes the cache, which also covers the rule and mode changes.
	a.ctrl.UpdateEntitlementsFilter(cfg.EntitlementsTeamIDFilter, cfg.EntitlementsPrefixFilter)
	a.cfg = cfg
	a.logger.Info("configuration applied", "mode", cfg.ClientMode.String(), "rules", a.rules.Counts().Total)
	return nil
}

// Stop stops watching, waits for in-flight decisions and closes sinks.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.wg.Wait()
	a.notifier.ConnectionLost()
	a.ctrl.Wait()
	a.closeSinks()
	a.logger.Info("agent stopped")
}

func (a *Agent) closeSinks() {
	if a.spool != nil {
		a.spool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing event store", "error", err)
		}
	}
	if a.secLog != nil {
		if err := a.secLog.Close(); err != nil {
			a.logger.Warn("closing decision log", "error", err)
		}
	}
}

// RotateLog reopens the decision log after moving the current file aside.
func (a *Agent) RotateLog() error {
	return a.secLog.Rotate()
}
