// Package app composes the daemon: config manager, logging service,
// sqlite store, provider client, warmup engine, and the REST server.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"warmupd/internal/config"
	"warmupd/internal/eventbus"
	"warmupd/internal/httpapi"
	"warmupd/internal/provider"
	"warmupd/internal/runtime/supervisor"
	"warmupd/internal/storage"
	"warmupd/internal/warmup"
	logx "warmupd/pkg/logx"
)

const defaultAPIKeyEnv = "PROVIDER_API_KEY"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	prov   *provider.Client
	bus    eventbus.Bus
	engine *warmup.Service
	api    *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	prov, err := newProviderClient(cfg.Provider, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	engineOpts, err := engineOptions(cfg.Engine)
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := eventbus.New()
	engine := warmup.New(store, prov, bus, log, engineOpts)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		prov:    prov,
		bus:     bus,
		engine:  engine,
	}

	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		apiOpts, err := httpOptions(cfg.HTTP)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.api = httpapi.New(engine, store, prov, log, apiOpts)
	}
	return a, nil
}

func newProviderClient(pc config.ProviderConfig, log logx.Logger) (*provider.Client, error) {
	keyEnv := strings.TrimSpace(pc.APIKeyEnv)
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	timeout, err := config.ParseDurationField("provider.timeout", pc.Timeout)
	if err != nil {
		return nil, err
	}
	return provider.New(provider.Options{
		BaseURL:    pc.BaseURL,
		APIKey:     os.Getenv(keyEnv),
		Timeout:    timeout,
		RatePerSec: pc.RatePerSec,
		RateBurst:  pc.RateBurst,
		Log:        log,
	})
}

func engineOptions(ec config.EngineConfig) (warmup.Options, error) {
	var (
		opts warmup.Options
		err  error
	)
	opts.MaxWorkers = ec.MaxWorkers
	opts.ErrorRateWarn = ec.ErrorRateWarn
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"engine.resume_cooldown", ec.ResumeCooldown, &opts.ResumeCooldown},
		{"engine.cleanup_interval", ec.CleanupInterval, &opts.CleanupInterval},
		{"engine.stale_after", ec.StaleAfter, &opts.StaleAfter},
		{"engine.stats_interval", ec.StatsInterval, &opts.StatsInterval},
		{"engine.health_interval", ec.HealthInterval, &opts.HealthInterval},
		{"engine.stuck_after", ec.StuckAfter, &opts.StuckAfter},
	} {
		*f.dst, err = config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return warmup.Options{}, err
		}
	}
	opts.TypingDelayScale = 1
	return opts, nil
}

func httpOptions(hc *config.HTTPConfig) (httpapi.Options, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Options{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Options{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Options{}, err
	}
	return httpapi.Options{
		Addr:         hc.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.api != nil {
		a.sup.Go("http.serve", func(context.Context) error {
			return a.api.Serve()
		})
	}

	// Hot reload fan-out. Only the logging section applies live; storage,
	// provider, and engine changes need a restart and say so.
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
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				for _, s := range sections {
					if s != "logging" {
						a.log.Warn("config section changed; restart required to apply",
							logx.String("section", s))
					}
				}
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.api != nil {
		step("http", 3*time.Second, func(c context.Context) error { return a.api.Shutdown(c) })
	}
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Shutdown(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
