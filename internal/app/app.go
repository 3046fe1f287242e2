package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chanrelay/internal/commands"
	"chanrelay/internal/config"
	"chanrelay/internal/delivery"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/forward"
	"chanrelay/internal/maintenance"
	"chanrelay/internal/notifier"
	"chanrelay/internal/relay"
	"chanrelay/internal/routing"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/storage"
	kit "chanrelay/internal/transport"
	telegram "chanrelay/internal/transport/telegram/adapter"
	logx "chanrelay/pkg/logx"
)

// Role selects which half of the relay this process runs.
type Role string

const (
	// RoleForward listens to source channels and admin DMs and hands units
	// to the relay.
	RoleForward Role = "forward"
	// RoleRelay receives units over HTTP and posts them to destinations.
	RoleRelay Role = "relay"
)

type App struct {
	role Role
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	routing *routing.Store
	maint   *maintenance.Service

	// forward role
	stager  *forward.Stager
	ctrl    *forward.Controller
	cmds    *commands.Processor
	sources *forward.SourceResolver

	// relay role
	relay *relay.Server

	updates chan kit.Update
}

func New(cfgPath string, role Role) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg, role); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Listen:      role == RoleForward,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Apply() warns when the Telegram sink is on without a target, so the
	// target is set before the final config goes in.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(cfg.Telegram.OperatorChat)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("role", string(role)))

	if cfg.UsesDefaultSecret() {
		log.Warn("running with the built-in shared secret; set forward.secret and relay.secret")
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	rt := routing.New(store, routing.Options{
		Key:          cfg.Storage.Document,
		DefaultAdmin: cfg.Telegram.DefaultAdmin,
		RequireAdmin: role == RoleForward,
		Log:          log,
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus)
	notif.SetTargets(func() []int64 {
		ids := rt.Snapshot().Admins
		if c := cfgm.Get(); c != nil && c.Telegram.OperatorChat != 0 {
			ids = append(ids, c.Telegram.OperatorChat)
		}
		return ids
	})

	a := &App{
		role:    role,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		routing: rt,
		updates: make(chan kit.Update, 256),
	}

	var sweepers []maintenance.Sweeper
	var docs maintenance.Documents
	switch role {
	case RoleForward:
		if err := a.buildForward(cfg); err != nil {
			_ = store.Close()
			return nil, err
		}
		sweepers = append(sweepers, a.stager)
		docs = rt
	case RoleRelay:
		if err := a.buildRelay(cfg); err != nil {
			_ = store.Close()
			return nil, err
		}
		sweepers = append(sweepers, a.relay)
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown role %q", role)
	}

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.maint = maintenance.New(maintenance.Options{
		Config:    mcfg,
		Sweepers:  sweepers,
		Documents: docs,
		Store:     store,
		Log:       log,
	})
	return a, nil
}

func (a *App) buildForward(cfg *config.Config) error {
	fwd, err := cfg.ResolveForward()
	if err != nil {
		return err
	}
	log := a.logs.Logger()
	a.stager, err = forward.NewStager(fwd.MediaDir, fwd.MaxMediaBytes, a.adapter, log)
	if err != nil {
		return err
	}
	client := delivery.NewClient(delivery.Options{
		URL:           fwd.DeliveryURL,
		Secret:        fwd.Secret,
		MaxMediaBytes: fwd.MaxMediaBytes,
		Attempts:      fwd.RetryAttempts,
		Backoff:       fwd.RetryBackoff,
		Timeout:       fwd.RequestTimeout,
		Alerter:       a.notif,
		Bus:           a.bus,
		Log:           log,
	})
	a.ctrl = forward.NewController(forward.Options{
		Routing:   a.routing,
		Deliverer: client,
		Stager:    a.stager,
		Commands: forward.CommandHandlerFunc(func(ctx context.Context, m *kit.Message) {
			a.cmds.HandleCommand(ctx, m)
		}),
		Alerter:       a.notif,
		Bus:           a.bus,
		Log:           log,
		AlbumDebounce: fwd.AlbumDebounce,
		Workers:       fwd.Workers,
	})
	a.sources = forward.NewSourceResolver(a.routing, a.adapter, a.notif, log)
	a.cmds = commands.New(commands.Options{
		Routing:    a.routing,
		Forwarding: a.ctrl,
		Resolver:   a.adapter,
		Downloader: a.adapter,
		Sender:     a.adapter,
		Documents:  a.adapter,
		Audit:      a.store,
		Alerter:    a.notif,
		Log:        log,
	})
	return nil
}

func (a *App) buildRelay(cfg *config.Config) error {
	rc, err := cfg.ResolveRelay()
	if err != nil {
		return err
	}
	a.relay, err = relay.New(relay.Options{
		Addr:          rc.Addr,
		Secret:        rc.Secret,
		TempDir:       rc.TempDir,
		MaxMediaBytes: rc.MaxMediaBytes,
		ReadTimeout:   rc.ReadTimeout,
		WriteTimeout:  rc.WriteTimeout,
		Sender:        a.adapter,
		Resolver:      a.adapter,
		Routing:       a.routing,
		Alerter:       a.notif,
		Bus:           a.bus,
		Log:           a.logs.Logger(),
	})
	return err
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
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(func(name string, p any) {
			_ = a.notif.Alert(context.Background(), fmt.Sprintf("⚠️ [Crash] %s: %v", name, p))
		}),
	)
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg, a.role) })
	run := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(run)
	}

	lctx, cancel := context.WithTimeout(run, 10*time.Second)
	_, err := a.routing.Load(lctx)
	cancel()
	if err != nil {
		if errors.Is(err, routing.ErrNoAdmin) || !errors.Is(err, routing.ErrConfigCorrupt) {
			return err
		}
		a.log.Error("routing document unreadable; running with defaults", logx.Err(err))
		_ = a.notif.Alert(run, fmt.Sprintf("⚠️ [Config ERROR] Routing document unreadable, running with defaults: %v", err))
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	switch a.role {
	case RoleForward:
		if n, err := a.stager.Sweep(0); err != nil {
			a.log.Warn("media dir cleanup failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("leftover media removed", logx.Int("files", n))
		}
		if err := a.cmds.PublishMenu(run, a.adapter); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
		a.sup.Go("forward.run", func(c context.Context) error {
			return a.ctrl.Run(c, a.updates)
		})
		a.sup.Go("forward.resolve", a.sources.Watch)
	case RoleRelay:
		a.sup.Go("relay.http", a.relay.Run)
		a.sup.Go("relay.resolve", a.relay.WatchDestinations)
	}

	a.sup.Go("routing.watch", a.routing.Watch)

	if err := a.maint.Start(run); err != nil {
		return err
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the logging and notifier sections. Other changes
// are logged and wait for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.SetTelegramTarget(next.Telegram.OperatorChat)
	a.logs.Apply(mapLogConfig(next))

	wasOn := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if restart {
		a.log.Warn("config changed; restart required for some sections", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
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

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
