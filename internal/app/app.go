// Package app wires the process together: config, logging, storage, the
// Telegram sink, the protocol monitors and their supervisor, and the
// optional status report and pprof services.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"dmwatch/internal/adapters/discord"
	"dmwatch/internal/adapters/rpcgate"
	"dmwatch/internal/config"
	"dmwatch/internal/monitor"
	"dmwatch/internal/notifier"
	pprofsvc "dmwatch/internal/observability/pprof"
	"dmwatch/internal/rules"
	rtsup "dmwatch/internal/runtime/supervisor"
	"dmwatch/internal/services/statusreport"
	"dmwatch/internal/storage"
	kit "dmwatch/internal/transport"
	"dmwatch/internal/transport/telegram"
	logx "dmwatch/pkg/logx"
)

type App struct {
	mu      sync.Mutex
	started bool
	stopped bool

	cfgMgr *config.ConfigManager

	logs *logx.Service
	log  logx.Logger

	store storage.Store
	tg    *telegram.Adapter
	notif *notifier.Service

	monSup   *monitor.Supervisor
	watchers map[string]*rules.Watcher

	reportCfg  statusreport.Config
	reportProv statusreport.Providers
	report     *statusreport.Service

	pprof *pprofsvc.Service

	// sup owns everything except the monitor loop's own goroutines:
	// the monitor supervisor itself, the config watcher, and the reload
	// fan-out all run under it.
	sup *rtsup.Supervisor
}

// notifySink adapts the notifier to the rules.Sink contract. A disabled
// notifier is not an event-handling failure, so ErrDisabled is swallowed
// here rather than logged per event.
type notifySink struct {
	n *notifier.Service
}

func (s notifySink) Notify(ctx context.Context, n rules.Notification) error {
	err := s.n.Notify(ctx, n)
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}

func NewApp(cfgPath string) (*App, error) {
	a := &App{
		cfgMgr:   config.NewConfigManager(cfgPath),
		watchers: make(map[string]*rules.Watcher),
	}

	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Logging first; everything downstream logs through it.
	a.logs, a.log = logx.New(mapLoggingConfig(cfg.Logging))
	a.cfgMgr.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.build(cfg); err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	return a, nil
}

// build constructs every service from a validated config. It only runs once;
// hot-reload applies what it can and logs the rest as restart-required.
func (a *App) build(cfg *config.Config) error {
	scfg, enabled, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(scfg, a.log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
	}

	ncfg, err := mapNotifyConfig(cfg.Notify)
	if err != nil {
		return err
	}
	if ncfg.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Notify.TelegramToken}, a.log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
	}
	a.notif = notifier.New(ncfg, a.tg, a.log, a.store)

	monitors, err := a.buildMonitors(cfg)
	if err != nil {
		return err
	}
	a.monSup = monitor.NewSupervisor(monitors,
		monitor.WithLogger(a.log.With(logx.String("comp", "monitor"))))

	a.reportCfg = mapStatusReportConfig(cfg.StatusReport)
	a.reportProv = statusreport.Providers{
		Monitors:      a.monSup.Snapshot,
		NotifierStats: a.notif.Stats,
		RuleStats:     a.ruleStats,
		Send:          a.sendReport,
	}
	a.report = statusreport.New(a.reportCfg, a.reportProv, a.log)

	pcfg, err := mapPprofConfig(cfg.Pprof)
	if err != nil {
		return err
	}
	a.pprof = pprofsvc.New(pcfg, a.log)
	a.pprof.SetStatus(a.statusSnapshot)
	return nil
}

// statusSnapshot backs the debug server's /statusz endpoint.
func (a *App) statusSnapshot() any {
	return struct {
		Monitors []monitor.MonitorStatus `json:"monitors"`
		Rules    map[string]rules.Stats  `json:"rules"`
		Notifier notifier.Stats          `json:"notifier"`
	}{
		Monitors: a.monSup.Snapshot(),
		Rules:    a.ruleStats(),
		Notifier: a.notif.Stats(),
	}
}

func (a *App) buildMonitors(cfg *config.Config) ([]monitor.Monitor, error) {
	sink := notifySink{n: a.notif}
	guardBudget := cfg.Monitors.StackBudgetBytes
	guardFraction := cfg.Monitors.StackPreemptFraction

	var monitors []monitor.Monitor

	// Each monitor shares one guard between its adapter (whose reader pump
	// records stack peaks) and its Conn (which consults them).
	if dc := cfg.Discord; dc != nil && dc.Enabled {
		acfg, wcfg, err := mapDiscordConfig(dc)
		if err != nil {
			return nil, err
		}
		guard := monitor.NewStackGuard(guardBudget, guardFraction)
		acfg.Guard = guard
		adapter, err := discord.New(acfg, a.log)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		w := rules.NewWatcher(adapter.Name(), wcfg, sink, a.log)
		a.watchers[adapter.Name()] = w
		monitors = append(monitors, monitor.NewConn(adapter, w, a.log,
			monitor.WithStackGuard(guard)))
	}

	if rc := cfg.RPCGate; rc != nil && rc.Enabled {
		acfg, wcfg, err := mapRPCGateConfig(rc)
		if err != nil {
			return nil, err
		}
		guard := monitor.NewStackGuard(guardBudget, guardFraction)
		acfg.Guard = guard
		adapter, err := rpcgate.New(acfg, nil, a.log)
		if err != nil {
			return nil, fmt.Errorf("rpcgate: %w", err)
		}
		w := rules.NewWatcher(adapter.Name(), wcfg, sink, a.log)
		a.watchers[adapter.Name()] = w
		monitors = append(monitors, monitor.NewConn(adapter, w, a.log,
			monitor.WithStackGuard(guard)))
	}

	if len(monitors) == 0 {
		a.log.Warn("no monitors enabled; only the sink and observability services will run")
	}
	return monitors, nil
}

func (a *App) ruleStats() map[string]rules.Stats {
	out := make(map[string]rules.Stats, len(a.watchers))
	for name, w := range a.watchers {
		out[name] = w.Stats()
	}
	return out
}

// sendReport delivers the status summary straight through the transport,
// bypassing the notifier queue so an unhealthy pipeline cannot suppress its
// own health report.
func (a *App) sendReport(ctx context.Context, text string) error {
	a.mu.Lock()
	tg := a.tg
	a.mu.Unlock()
	if tg == nil {
		return errors.New("no transport configured")
	}
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return errors.New("no config")
	}
	_, err := tg.SendText(ctx, kit.ChatTarget{ChatID: cfg.Notify.ChatID, ThreadID: cfg.Notify.ThreadID}, text, nil)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	// Reject invalid files at reload time instead of half-applying them.
	a.cfgMgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(false),
	)

	a.notif.Start(ctx)
	if err := a.report.Start(ctx); err != nil {
		return err
	}
	a.pprof.Start(ctx)

	a.sup.Go("monitors", func(c context.Context) error {
		err := a.monSup.Run(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	reloads := a.cfgMgr.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, reloads)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgMgr.Watch(c)
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.log.Info("started")
	return nil
}

// validateConfig runs every mapper so a reloaded file with a bad duration or
// a missing required field is rejected as a unit.
func validateConfig(cfg *config.Config) error {
	if _, err := mapNotifyConfig(cfg.Notify); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg.Storage); err != nil {
		return err
	}
	if dc := cfg.Discord; dc != nil && dc.Enabled {
		if _, _, err := mapDiscordConfig(dc); err != nil {
			return err
		}
	}
	if rc := cfg.RPCGate; rc != nil && rc.Enabled {
		if _, _, err := mapRPCGateConfig(rc); err != nil {
			return err
		}
	}
	if _, err := mapPprofConfig(cfg.Pprof); err != nil {
		return err
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, reloads <-chan *config.Config) {
	var last *config.Config
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-reloads:
			if !ok {
				return
			}
			// Coalesce a burst of events into one apply.
			for {
				select {
				case next, ok := <-reloads:
					if !ok {
						a.applyReload(ctx, last, cfg)
						return
					}
					cfg = next
					continue
				default:
				}
				break
			}
			a.applyReload(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, cfg *config.Config) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("config apply panicked",
				logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()

	changed, attrs := config.SummarizeConfigChange(oldCfg, cfg)
	a.log.Info("applying config", append([]logx.Field{logx.Any("changed", changed)}, attrs...)...)

	a.logs.Apply(mapLoggingConfig(cfg.Logging))

	// Notifier pipeline knobs apply live; a token change needs a new bot.
	if ncfg, err := mapNotifyConfig(cfg.Notify); err == nil {
		a.notif.Apply(ncfg)
		if oldCfg != nil && oldCfg.Notify.TelegramToken != cfg.Notify.TelegramToken {
			a.log.Warn("notify.telegram_token changed; restart to take effect")
		}
	}

	if pcfg, err := mapPprofConfig(cfg.Pprof); err == nil {
		a.pprof.Reconfigure(ctx, pcfg)
	}

	if rcfg := mapStatusReportConfig(cfg.StatusReport); rcfg != a.reportCfg {
		a.report.Stop()
		a.reportCfg = rcfg
		a.report = statusreport.New(rcfg, a.reportProv, a.log)
		if err := a.report.Start(ctx); err != nil {
			a.log.Error("status report restart failed", logx.Err(err))
		}
	}

	// Monitor topology and storage are fixed for the process lifetime.
	if oldCfg != nil {
		if !sameMonitors(oldCfg, cfg) {
			a.log.Warn("monitor configuration changed; restart to take effect")
		}
		if !sameStorage(oldCfg.Storage, cfg.Storage) {
			a.log.Warn("storage configuration changed; restart to take effect")
		}
	}
}

func sameMonitors(a, b *config.Config) bool {
	return reflect.DeepEqual(a.Discord, b.Discord) &&
		reflect.DeepEqual(a.RPCGate, b.RPCGate) &&
		a.Monitors == b.Monitors
}

func sameStorage(a, b *config.StorageConfig) bool {
	return reflect.DeepEqual(a, b)
}

// Snapshot surfaces runtime counters for debugging.
func (a *App) Snapshot() []monitor.MonitorStatus {
	return a.monSup.Snapshot()
}

// Stop shuts services down in dependency order. Every step gets a bounded
// slice of the remaining deadline so one stuck service cannot eat the whole
// shutdown budget; late finishers are logged as leaks.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
	}

	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		deadline, _ := ctx.Deadline()
		remain := time.Until(deadline)
		if remain <= 0 {
			a.log.Warn("shutdown budget exhausted, skipping", logx.String("step", name))
			return
		}
		if remain < max {
			max = remain
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		start := time.Now()
		go func() {
			defer close(done)
			defer func() {
				if p := recover(); p != nil {
					a.log.Error("shutdown step panicked",
						logx.String("step", name), logx.Any("panic", p),
						logx.Stack(string(debug.Stack())))
				}
			}()
			fn(sctx)
		}()

		select {
		case <-done:
		case <-sctx.Done():
			a.log.Warn("shutdown step timed out",
				logx.String("step", name), logx.Duration("after", time.Since(start)))
			// Leak detector: note if the step finishes late.
			go func() {
				<-done
				a.log.Warn("shutdown step finished after timeout",
					logx.String("step", name), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Cancel monitors and the config loops first so nothing reconfigures
	// services mid-shutdown, then drain the notifier so already-queued
	// notifications still go out.
	if a.sup != nil {
		step("supervisor", 10*time.Second, func(c context.Context) { _ = a.sup.Stop(c) })
	}
	step("statusreport", 5*time.Second, func(context.Context) { a.report.Stop() })
	step("pprof", 5*time.Second, func(c context.Context) { a.pprof.Stop(c) })
	step("notifier", 10*time.Second, func(c context.Context) { a.notif.Stop(c) })

	step("storage", 3*time.Second, func(context.Context) {
		if a.store != nil {
			_ = a.store.Close()
		}
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
