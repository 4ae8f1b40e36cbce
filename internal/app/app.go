package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"plugsched/internal/alert"
	"plugsched/internal/api"
	"plugsched/internal/config"
	"plugsched/internal/eventbus"
	"plugsched/internal/plugin"
	rtsup "plugsched/internal/runtime/supervisor"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/internal/task/scheduler"
	logx "plugsched/pkg/logx"
)

// App is the process context: it owns every component, wires them once and
// tears them down in order. Nothing in the tree keeps package-level state, so
// several Apps can run side by side in tests.
type App struct {
	cfgm     *config.ConfigManager
	watchCfg bool
	sup      *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	reg    *plugin.Registry
	rt     *plugin.Runtime
	engine *engine.Service
	sched  *scheduler.Service
	api    *api.Server
	alerts *alert.Service

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	builtins    []plugin.Builtin
	alertSender alert.Sender
	store       storage.Store
	logLevel    string
}

// WithBuiltins replaces the default builtin plugin set.
func WithBuiltins(bs ...plugin.Builtin) Option {
	return func(o *options) { o.builtins = bs }
}

// WithAlertSender overrides the Telegram sender.
func WithAlertSender(s alert.Sender) Option {
	return func(o *options) { o.alertSender = s }
}

// WithLogLevel overrides logging.level. One-shot CLI commands use it to stay
// quiet.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// WithStore uses st instead of opening the configured store. The App still
// closes it on Stop.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

// LoadConfig reads cfgPath. A missing file yields the defaults; exists tells
// the caller whether there is anything to watch.
func LoadConfig(cfgPath string) (cfgm *config.ConfigManager, cfg *config.Config, exists bool, err error) {
	cfgm = config.NewConfigManager(cfgPath)
	if strings.TrimSpace(cfgPath) != "" {
		cfg, err = cfgm.Load()
		if err == nil {
			return cfgm, cfg, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, false, err
		}
	}
	cfg = config.Default()
	cfgm.Commit(cfg)
	return cfgm, cfg, false, nil
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm, cfg, exists, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := build(cfgm, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.watchCfg = exists
	if !exists && strings.TrimSpace(cfgPath) != "" {
		a.log.Warn("config file not found; using defaults", logx.String("path", cfgPath))
	}
	return a, nil
}

// NewWithConfig builds an App from an in-memory config. The config is never
// reloaded.
func NewWithConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager("")
	cfgm.Commit(cfg)
	return build(cfgm, cfg, opts...)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	o.builtins = DefaultBuiltins()
	for _, fn := range opts {
		fn(&o)
	}

	lcfg := mapLogConfig(cfg)
	if o.logLevel != "" {
		lcfg.Level = o.logLevel
	}
	logSvc, log := logx.New(lcfg)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store := o.store
	if store == nil {
		sc, err := MapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		appLog.Info("storage opened", logx.String("driver", sc.Driver))
	}
	// From here on the store must be closed on failure.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	reg := plugin.NewRegistry(cfg.Plugins.Dir)
	if err := reg.Register(o.builtins...); err != nil {
		return fail(err)
	}
	pcfg, err := mapPluginConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rt := plugin.NewRuntime(reg, pcfg, log, bus)

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng := engine.New(ecfg, rt, log.With(logx.String("comp", "taskengine")), bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sched, err := scheduler.New(scfg, store, eng, rt, log, bus)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		reg:    reg,
		rt:     rt,
		engine: eng,
		sched:  sched,
	}

	if acfg, enabled := mapAPIConfig(cfg); enabled {
		h := api.NewHandler(sched, rt, log.With(logx.String("comp", "api")))
		a.api = api.NewServer(acfg, h, log.With(logx.String("comp", "api")))
	}

	if alcfg, token, enabled := mapAlertConfig(cfg); enabled || o.alertSender != nil {
		sender := o.alertSender
		if sender == nil {
			tg, err := alert.NewTelegram(token)
			if err != nil {
				return fail(fmt.Errorf("alerts.telegram: %w", err))
			}
			sender = tg
		}
		a.alerts = alert.New(alcfg, sender, log.With(logx.String("comp", "alert")), bus)
	}
	return a, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Runtime() *plugin.Runtime      { return a.rt }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// APIAddr is the bound admin API address, empty when the API is off.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

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

// Start brings components up in dependency order: worker pool, plugins,
// scheduler, then the outer surfaces.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithFailFast(true))
	c := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPluginConfig(cfg); err != nil {
			return err
		}
		_, err := MapStorageConfig(cfg)
		return err
	})

	a.engine.Start(c)

	n, err := a.rt.LoadAll(c)
	if err != nil {
		a.log.Warn("plugin discovery failed", logx.Err(err))
	} else {
		a.log.Info("plugins loaded", logx.Int("count", n))
	}
	if a.Config().Plugins.WatchEnabled() && a.reg.Dir() != "" {
		a.sup.GoRestart("plugins.watch", a.rt.Watch, rtsup.Policy{MinBackoff: time.Second})
	}

	a.sched.Start(c)

	if a.api != nil {
		a.api.Start(c)
	}
	if a.alerts != nil {
		a.alerts.Start(c)
	}

	// Debug visibility into the bus; components subscribe for themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Loop("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.watchCfg {
		sub := a.cfgm.Subscribe(8)
		a.sup.Loop("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.Policy{})
	}

	a.log.Info("app started", logx.Bool("api", a.api != nil), logx.Bool("alerts", a.alerts != nil))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}
	if scfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}

	for _, s := range sections {
		if s == "plugins" {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
}

// Stop tears components down in reverse start order. Every step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", time.Second, func(c context.Context) error {
		if a.alerts != nil {
			a.alerts.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	return a.closeResources()
}

func (a *App) closeResources() error {
	a.closeOnce.Do(func() {
		a.rt.Close()
		a.closeErr = a.store.Close()
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return a.closeErr
}

// Close releases resources of an App that was never started. One-shot CLI
// commands use it.
func (a *App) Close() error {
	if a.sup != nil {
		return a.Stop(context.Background(), StopAppStop)
	}
	return a.closeResources()
}
