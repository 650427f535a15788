package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"offerbot/internal/broadcast"
	"offerbot/internal/eventbus"
	"offerbot/internal/httpapi"
	"offerbot/internal/storage"
	"offerbot/internal/transport/telegram"
	logx "offerbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	deliverer  *telegram.Deliverer
	dispatcher *broadcast.Dispatcher
	registry   *broadcast.Registry
	http       *httpapi.Server

	cron     *cron.Cron
	resyncMu sync.Mutex
	resyncID cron.EntryID
	resync   string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := newApp(cfgPath, cfgm, cfg, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfgPath string, cfgm *ConfigManager, cfg *Config, logSvc *logx.Service, log logx.Logger, bus *eventbus.MemBus, store storage.Store) (*App, error) {
	tc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliverer := telegram.New(tc, store, log.With(logx.String("comp", "telegram")))

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := broadcast.NewDispatcher(dc, broadcast.DispatcherDeps{
		Audience:  store,
		Catalog:   store,
		Payments:  store,
		Deliverer: deliverer,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "dispatcher")),
	})

	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := broadcast.NewRegistry(rc, broadcast.RegistryDeps{
		Definitions: store,
		Runner:      dispatcher,
		Bus:         bus,
		Log:         log.With(logx.String("comp", "broadcast")),
	})
	if err != nil {
		return nil, err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpSrv := httpapi.New(hc, registry, log)

	cronLog := cronLogger{log: log.With(logx.String("comp", "cron"))}
	c := cron.New(
		cron.WithLocation(registry.Location()),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		deliverer:  deliverer,
		dispatcher: dispatcher,
		registry:   registry,
		http:       httpSrv,
		cron:       c,
	}, nil
}

// Registry exposes the running broadcast loops.
func (a *App) Registry() *broadcast.Registry { return a.registry }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.startRecorder()

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	ids, err := a.tenants(bootCtx, a.cfgm.Get())
	if err != nil {
		cancel()
		return err
	}
	if err := a.registry.StartAll(bootCtx, ids); err != nil {
		// a tenant that fails to start is retried by the next resync or API call
		a.log.Error("some tenants failed to start", logx.Err(err))
	}
	cancel()
	a.log.Info("tenants started", logx.Int("bots", len(ids)))

	if err := a.setResync(a.cfgm.Get().Scheduler.Resync); err != nil {
		return err
	}
	a.cron.Start()

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// tenants lists the bots to run: the configured list, or every bot in storage.
func (a *App) tenants(ctx context.Context, cfg *Config) ([]int64, error) {
	if cfg != nil && len(cfg.Bots) > 0 {
		return append([]int64(nil), cfg.Bots...), nil
	}
	ids, err := a.store.Bots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return ids, nil
}

// startRecorder persists dispatch reports and logs loop lifecycle events.
func (a *App) startRecorder() {
	events, unsub := a.bus.Subscribe(128,
		broadcast.EventDispatchFinished, broadcast.EventLoopStarted, broadcast.EventLoopStopped)
	a.sup.Go0("eventbus.recorder", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch d := e.Data.(type) {
				case broadcast.Report:
					wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := a.store.AppendDispatchReport(wctx, d); err != nil {
						a.log.Warn("dispatch report not saved",
							logx.Int64("bot_id", d.BotID), logx.String("broadcast_id", d.BroadcastID), logx.Err(err))
					}
					cancel()
				case broadcast.LoopEvent:
					a.log.Debug("event", logx.String("type", e.Type),
						logx.Int64("bot_id", d.BotID), logx.String("broadcast_id", d.BroadcastID), logx.String("reason", d.Reason))
				}
			}
		}
	})
}

// setResync (re)schedules the periodic restart of every tenant. An empty spec
// removes it.
func (a *App) setResync(spec string) error {
	spec = strings.TrimSpace(spec)
	a.resyncMu.Lock()
	defer a.resyncMu.Unlock()
	if spec == a.resync && (spec == "" || a.resyncID != 0) {
		return nil
	}
	if a.resyncID != 0 {
		a.cron.Remove(a.resyncID)
		a.resyncID = 0
	}
	a.resync = spec
	if spec == "" {
		return nil
	}
	id, err := a.cron.AddFunc(spec, a.resyncTenants)
	if err != nil {
		return fmt.Errorf("scheduler.resync: %w", err)
	}
	a.resyncID = id
	a.log.Info("tenant resync scheduled", logx.String("spec", spec))
	return nil
}

func (a *App) resyncTenants() {
	if a.sup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
	defer cancel()
	ids, err := a.tenants(ctx, a.cfgm.Get())
	if err != nil {
		a.log.Error("resync failed", logx.Err(err))
		return
	}
	if err := a.registry.StartAll(ctx, ids); err != nil {
		a.log.Error("resync incomplete", logx.Err(err))
		return
	}
	a.log.Info("tenants resynced", logx.Int("bots", len(ids)))
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range ch.RestartOnly() {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("telegram") {
		if tc, err := mapDeliveryConfig(newCfg); err != nil {
			a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		} else {
			a.deliverer.Apply(tc)
		}
	}
	if ch.Has("dispatch") {
		if dc, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.dispatcher.Apply(dc)
		}
	}
	if ch.Has("scheduler") {
		if err := a.setResync(newCfg.Scheduler.Resync); err != nil {
			a.log.Warn("invalid resync spec; keeping previous", logx.Err(err))
		}
		o, n := oldCfg.Scheduler, newCfg.Scheduler
		o.Resync, n.Resync = "", ""
		if o != n {
			a.log.Warn("scheduler timing changed; restart required for changes to take effect")
		}
	}
	if ch.Has("bots") {
		for _, id := range ch.RemovedBots {
			a.registry.Stop(id)
			a.deliverer.Forget(id)
		}
		start := ch.AddedBots
		if len(newCfg.Bots) == 0 {
			ids, err := a.tenants(ctx, newCfg)
			if err != nil {
				a.log.Warn("list bots failed", logx.Err(err))
			}
			start = ids
		}
		if err := a.registry.StartAll(ctx, start); err != nil {
			a.log.Error("some tenants failed to start", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("broadcast", 5*time.Second, func(c context.Context) error { return a.registry.Shutdown(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// cronLogger routes cron's logs to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
