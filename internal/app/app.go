package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"wacrm/internal/config"
	"wacrm/internal/dispatch"
	"wacrm/internal/eventbus"
	"wacrm/internal/housekeeping"
	"wacrm/internal/httpapi"
	"wacrm/internal/inbound"
	"wacrm/internal/personalize"
	"wacrm/internal/pipeline"
	rtsup "wacrm/internal/runtime/supervisor"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	"wacrm/internal/transport/evolution"
	logx "wacrm/pkg/logx"
	"wacrm/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store storage.Store

	gw       *gateway
	consumer atomic.Pointer[pipeline.Consumer]
	renderer atomic.Pointer[personalize.Renderer]

	dispatch *dispatch.Service
	inbound  *inbound.Buffer
	http     *httpapi.Server
	hk       *housekeeping.Service
}

// gateway holds the current Evolution client, which is nil while whatsapp
// is not configured.
type gateway struct {
	c atomic.Pointer[evolution.Client]
}

func (g *gateway) State(ctx context.Context) (string, error) {
	c := g.c.Load()
	if c == nil {
		return "", evolution.ErrNotConfigured
	}
	return c.State(ctx)
}

// sender returns the transport for new dispatch jobs.
func (g *gateway) sender() transport.Sender {
	if c := g.c.Load(); c != nil {
		return c
	}
	return transport.SenderFunc(func(context.Context, transport.Recipient, string) error {
		return evolution.ErrNotConfigured
	})
}

// CheckConfig loads and fully validates a config file without starting
// anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		gw:   &gateway{},
	}

	// Storage (optional)
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.applyGateway(cfg)
	a.applyRenderer(cfg)
	a.applyPipeline(cfg)

	dc, _ := mapDispatchConfig(cfg)
	a.dispatch = dispatch.New(dc, a.gw.sender(), log, a.bus, a.store)

	ic, _ := mapInboundConfig(cfg)
	a.inbound, err = inbound.New(ic, a.consume, log,
		inbound.WithBus(a.bus),
		inbound.WithStore(a.store),
	)
	if err != nil {
		a.closeStore()
		logSvc.Close()
		return nil, err
	}

	hc, _ := mapHTTPConfig(cfg)
	a.http = httpapi.NewServer(hc, httpapi.Deps{
		Dispatch: a.dispatch,
		Inbound:  a.inbound,
		Store:    a.store,
		Render:   a.render,
		Gateway:  a.gw,
		Health:   a.health,
	}, log)

	a.hk = housekeeping.New(mapHousekeepingConfig(cfg), log)
	a.hk.Register(housekeeping.PruneStatusJob(a.dispatch, log))

	return a, nil
}

func (a *App) consume(ctx context.Context, senderID, text string) error {
	fn := a.consumer.Load()
	if fn == nil {
		return errors.New("app: no consumer")
	}
	return (*fn)(ctx, senderID, text)
}

func (a *App) render(r transport.Recipient, msg string) string {
	return a.renderer.Load().Render(r, msg)
}

func (a *App) applyGateway(cfg *config.Config) {
	ec, _ := mapEvolutionConfig(cfg)
	c, err := evolution.New(ec, a.log)
	switch {
	case errors.Is(err, evolution.ErrNotConfigured):
		a.log.Warn("whatsapp gateway not configured; sends will fail")
		c = nil
	case err != nil:
		a.log.Warn("whatsapp gateway init failed", logx.Err(err))
		c = nil
	}
	a.gw.c.Store(c)
	if a.dispatch != nil {
		a.dispatch.SetSender(a.gw.sender())
	}
}

func (a *App) applyRenderer(cfg *config.Config) {
	pc, _ := mapPersonalizeConfig(cfg)
	a.renderer.Store(personalize.New(pc))
}

func (a *App) applyPipeline(cfg *config.Config) {
	pc, _ := mapPipelineConfig(cfg)
	next := pipeline.LogConsumer(a.log)
	if pc.URL != "" {
		fw, err := pipeline.NewForwarder(pc, a.log)
		if err != nil {
			a.log.Warn("pipeline forwarder init failed; logging only", logx.Err(err))
		} else {
			next = fw.Consume
		}
	}
	fn := pipeline.OptOut(a.store, a.log, next)
	a.consumer.Store(&fn)
}

func (a *App) health() map[string]any {
	out := map[string]any{}
	sups := map[string]any{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.dispatch.Supervisor(); s != nil {
		sups["dispatch"] = s.Snapshot()
	}
	if s := a.http.Supervisor(); s != nil {
		sups["http"] = s.Snapshot()
	}
	out["supervisors"] = sups
	out["inbound_senders"] = a.inbound.Senders()
	out["events"] = a.bus.Stats()

	hk := map[string]any{}
	if next, err := a.hk.Next(); err == nil {
		hk["next"] = next
	}
	if h := a.hk.History(); len(h) > 0 {
		hk["last"] = h[len(h)-1]
	}
	out["housekeeping"] = hk
	return out
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	a.dispatch.Start(a.sup.Context())
	a.http.Start(a.sup.Context())
	if err := a.hk.Start(a.sup.Context()); err != nil {
		return err
	}

	// Optional: log events for observability/debug.
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
				// Cooldowns fire often during large jobs.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")))
	})

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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
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

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Reload re-reads the config file now (SIGHUP). Accepted changes reach the
// services through the same path as file-watch reloads.
func (a *App) Reload(ctx context.Context) error {
	changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return err
	}
	if !changed {
		a.log.Info("config reload requested; file unchanged")
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("whatsapp") {
		a.applyGateway(newCfg)
	}
	if changed("personalize") {
		a.applyRenderer(newCfg)
	}
	if changed("pipeline") {
		a.applyPipeline(newCfg)
	}
	if changed("inbound") {
		ic, err := mapInboundConfig(newCfg)
		if err == nil {
			err = a.inbound.Apply(ic)
		}
		if err != nil {
			a.log.Warn("invalid inbound config; keeping previous", logx.Err(err))
		}
	}
	if changed("dispatch") {
		if dc, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.dispatch.Apply(dc)
		}
	}
	if changed("http") {
		if hc, err := mapHTTPConfig(newCfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	if changed("housekeeping") {
		if err := a.hk.Apply(mapHousekeepingConfig(newCfg)); err != nil {
			a.log.Warn("invalid housekeeping config", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop accepting work before the run context goes away; the inbound
	// flush below still needs the consumer.
	step := a.stepper(ctx)

	step("housekeeping", 2*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("inbound", 5*time.Second, func(c context.Context) error { return a.inbound.Close(c) })

	a.sup.Cancel()

	step("dispatch", 3*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stepper runs shutdown steps with an upper bound so one component can't
// stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything still running is a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}
}
