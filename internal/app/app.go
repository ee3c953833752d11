// Package app wires configuration, storage, the Telegram transport, the
// dispatch engine and the command bot into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"eventbot/internal/bot"
	"eventbot/internal/config"
	"eventbot/internal/dispatch"
	"eventbot/internal/eventbus"
	"eventbot/internal/metrics"
	"eventbot/internal/notifier"
	"eventbot/internal/observability/ops"
	rtsup "eventbot/internal/runtime/supervisor"
	"eventbot/internal/scheduler"
	"eventbot/internal/source"
	"eventbot/internal/storage"
	kit "eventbot/internal/transport"
	telegram "eventbot/internal/transport/telegram/adapter"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/systemd"
)

type App struct {
	version string

	cfgm *config.Manager
	sup  *rtsup.Supervisor
	// jobs runs command follow-ups (async cycles); its failures never stop the app.
	jobs *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    *storage.Store
	adapter  *telegram.Adapter
	notif    *notifier.Service
	engine   *dispatch.Engine
	registry *dispatch.Registry
	sched    *scheduler.Service
	ops      *ops.Server
	cmdm     *router.CommandManager

	updates chan kit.Update
}

// New loads the config and builds every component. Storage is opened and
// migrated here: a *storage.MigrationError aborts startup.
func New(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Telegram logging stays off until the adapter exists and the target
	// chat is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	sender := &lateSender{}
	logSvc, log := logx.New(bootCfg, sender)
	appLog := log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ad, err := telegram.New(adCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fail(err)
	}
	sender.ad = ad
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		var me *storage.MigrationError
		if errors.As(err, &me) {
			appLog.Error("schema migration failed; refusing to start", logx.Int("version", me.Version), logx.Err(err))
		}
		return fail(err)
	}
	schema, _ := store.SchemaVersion(ctx)
	appLog.Info("storage ready", logx.String("driver", store.Driver()), logx.Int("schema", schema))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(reg)

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	var sources []source.Source
	if cfg.Sources.RGUB.IsEnabled() {
		rc, err := mapRGUBConfig(cfg)
		if err != nil {
			_ = store.Close()
			return fail(err)
		}
		sources = append(sources, source.NewRGUB(rc, log.With(logx.String("comp", "source.rgub"))))
	}
	if len(sources) == 0 {
		appLog.Warn("no event sources enabled; update cycles will only deliver stored events")
	}

	loc, err := loadLocation(cfg.Dispatch.Timezone)
	if err != nil {
		_ = store.Close()
		return fail(fmt.Errorf("dispatch.timezone: %w", err))
	}
	engine := dispatch.NewEngine(store, sources, notif,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
		dispatch.WithLocation(loc),
		dispatch.WithSendTimeout(ncfg.SendTimeout),
	)

	sched, err := scheduler.New(mapSchedulerConfig(cfg), func(ctx context.Context) error {
		_, err := engine.RunCycle(ctx)
		if errors.Is(err, dispatch.ErrCycleInProgress) {
			return fmt.Errorf("%w: %w", scheduler.ErrSkipped, err)
		}
		return err
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = store.Close()
		return fail(fmt.Errorf("scheduler.cycle: %w", err))
	}

	opsSrv := ops.New(mapOpsConfig(cfg), reg, log.With(logx.String("comp", "ops")))
	opsSrv.AddCheck("storage", func(ctx context.Context) error {
		_, err := store.SchemaVersion(ctx)
		return err
	})

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{})

	return &App{
		version:  version,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		notif:    notif,
		engine:   engine,
		registry: dispatch.NewRegistry(store),
		sched:    sched,
		ops:      opsSrv,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// lateSender lets the log service exist before the adapter it forwards to.
type lateSender struct{ ad *telegram.Adapter }

func (s *lateSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if s.ad == nil {
		return kit.MessageRef{}, errors.New("telegram adapter not ready")
	}
	return s.ad.SendText(ctx, to, text, opt)
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.jobs = rtsup.NewSupervisor(a.sup.Context(),
		rtsup.WithLogger(a.log.With(logx.String("comp", "jobs"))),
		rtsup.WithCancelOnError(false),
	)
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if next.Scheduler.Enabled {
			if _, err := scheduler.ParseSchedule(next.Scheduler.Cycle); err != nil {
				return fmt.Errorf("scheduler.cycle: %w", err)
			}
		}
		return nil
	})

	b := bot.New(bot.Config{
		UpcomingLimit:    cfg.Commands.UpcomingLimit,
		UpdateOnRegister: cfg.Dispatch.RegisterTriggersUpdate(),
		ParseMode:        cfg.Dispatch.ParseMode,
		Version:          a.version,
		Location:         a.engine.Location(),
	}, a.engine, a.registry, a.store, a.jobs, a.log.With(logx.String("comp", "bot")))
	a.cmdm.SetRegistry(runCtx, b.Commands())

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if err := a.ops.Start(runCtx); err != nil {
		return err
	}

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func(hc context.Context) error {
			_, err := a.store.SchemaVersion(hc)
			return err
		})
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("version", a.version),
		logx.String("mode", cfg.Telegram.Mode),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

// startEventLog mirrors bus events into debug logs and the systemd status line.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch ev := e.Data.(type) {
				case dispatch.CycleEvent:
					a.log.Debug("cycle finished",
						logx.String("cycle_id", ev.Summary.ID),
						logx.Int("sent", ev.Summary.Sent),
						logx.Int("failed", ev.Summary.Failed),
						logx.String("err", ev.Error),
					)
					_, _ = systemd.Status(fmt.Sprintf("last cycle %s: sent %d, failed %d",
						e.Time.Format(time.RFC3339), ev.Summary.Sent, ev.Summary.Failed))
				case notifier.DeliveryEvent:
					a.log.Debug("delivery",
						logx.String("type", e.Type),
						logx.String("channel", ev.ChannelID),
						logx.Duration("took", ev.Duration),
						logx.String("err", ev.Error),
					)
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

// startReload applies hot-reloadable sections. Everything else is logged as
// requiring a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	change := config.SummarizeChange(prev, next)
	if len(change.Sections) == 0 {
		a.log.Debug("config reload received without effective changes")
		return
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if err := a.sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
	}
	if ncfg, err := mapNotifierConfig(next); err == nil {
		a.notif.Apply(ncfg)
	}
	if prev.Dispatch.Timezone != next.Dispatch.Timezone || prev.Dispatch.RegisterTriggersUpdate() != next.Dispatch.RegisterTriggersUpdate() {
		a.log.Warn("dispatch.timezone and dispatch.update_on_register take effect after restart")
	}
	if len(change.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(change.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "jobs", 5*time.Second, a.jobs.Stop)
	a.step(ctx, "ops", time.Second, a.ops.Stop)
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	// Storage closes last: in-flight cycles record deliveries until they return.
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the rest of the shutdown.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
