// Package app wires configuration, logging, and every service into one
// process and owns their start/stop order.
package app

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"dmcast/internal/config"
	"dmcast/internal/discord"
	"dmcast/internal/dispatch"
	"dmcast/internal/events"
	"dmcast/internal/httpapi"
	"dmcast/internal/jobstore"
	"dmcast/internal/schedule"
	"dmcast/internal/storage"
	"dmcast/internal/wallet"
	logx "dmcast/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  *jobstore.Store
	pacer  *rate.Limiter
	disp   *dispatch.Service
	api    *httpapi.Server
	sched  *schedule.Service
	ledger *wallet.Ledger
	arch   storage.Store
	pub    *events.AMQPPublisher

	cancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(config.Validate)

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the service graph from a validated config. Durations were
// checked by config.Validate; parse errors here would be programming errors.
func (a *App) build(cfg *config.Config) error {
	log := a.log

	// Job store.
	jobTTL, err := config.ParseDurationOrDefault("dispatch.job_ttl", cfg.Dispatch.JobTTL, 24*time.Hour)
	if err != nil {
		return err
	}
	a.store = jobstore.New(cfg.Dispatch.JobsMax, jobTTL)

	// Platform client. One pacer for the whole process: every job shares the
	// same outbound call budget.
	minInterval, err := config.ParseDurationOrDefault("discord.min_interval", cfg.Discord.MinInterval, 50*time.Millisecond)
	if err != nil {
		return err
	}
	a.pacer = discord.NewPacer(minInterval)

	apiTimeout, err := config.ParseDurationOrDefault("discord.timeout", cfg.Discord.Timeout, 15*time.Second)
	if err != nil {
		return err
	}
	discordCfg := discord.Config{APIBase: cfg.Discord.APIBase, Timeout: apiTimeout}
	clientLog := log.With(logx.String("comp", "discord"))
	fullClients := func(sess discord.Session) *discord.Client {
		return discord.New(discordCfg, sess, a.pacer, clientLog)
	}

	// Dispatch engine.
	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispCfg, a.store,
		func(sess discord.Session) dispatch.APIClient { return fullClients(sess) },
		log.With(logx.String("comp", "dispatch")))

	// Archive store and wallet (optional).
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		if st != nil {
			a.arch = st
			a.disp.SetArchiver(st)
			log.Info("archive enabled", logx.String("driver", sc.Driver))
		}
	}
	if cfg.Wallet != nil && cfg.Wallet.Enabled {
		if a.arch == nil {
			log.Warn("wallet enabled but storage is not; credit gating disabled")
		} else {
			credits := int64(cfg.Wallet.CreditsPerMessage)
			if credits <= 0 {
				credits = 1
			}
			a.ledger = wallet.New(a.arch, credits, log.With(logx.String("comp", "wallet")))
			if a.ledger != nil {
				a.disp.SetAuthorizer(a.ledger)
				log.Info("credit gating enabled", logx.Int64("credits_per_message", credits))
			}
		}
	}

	// Event publisher (optional).
	if cfg.Events != nil && cfg.Events.Enabled {
		pub, err := events.NewAMQP(events.AMQPConfig{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
		}, log.With(logx.String("comp", "events")))
		if err != nil {
			return err
		}
		a.pub = pub
		a.disp.SetPublisher(pub)
	}

	// Scheduler (optional).
	if cfg.Schedule.Enabled {
		a.sched = schedule.New(schedule.Config{
			Enabled:  true,
			Timezone: cfg.Schedule.Timezone,
		}, a.disp, log.With(logx.String("comp", "schedule")))
	}

	// HTTP boundary.
	shutdownTimeout, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	a.api = httpapi.New(httpapi.Config{Addr: addr, ShutdownTimeout: shutdownTimeout, Debug: cfg.HTTP.Debug},
		a.disp, fullClients, log.With(logx.String("comp", "httpapi")))
	if a.sched != nil {
		a.api.SetScheduler(a.sched)
	}
	if a.ledger != nil {
		a.api.SetLedger(a.ledger)
	}
	a.api.SetDefaultToken(cfg.Discord.DefaultToken)

	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.disp.Start(runCtx)
	if a.sched != nil {
		if err := a.sched.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}
	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// Config watcher and hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	go func() {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	}()
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("started", logx.String("addr", a.api.Addr()))
	return nil
}

// applyReload pushes hot-reloadable sections into running services. Storage
// and events changes need a restart; those sections are left alone here.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if dispCfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(dispCfg)
	} else {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	}

	if jobTTL, err := config.ParseDurationOrDefault("dispatch.job_ttl", cfg.Dispatch.JobTTL, 24*time.Hour); err == nil {
		a.store.Apply(cfg.Dispatch.JobsMax, jobTTL)
	}

	if minInterval, err := config.ParseDurationOrDefault("discord.min_interval", cfg.Discord.MinInterval, 50*time.Millisecond); err == nil && minInterval > 0 {
		a.pacer.SetLimit(rate.Every(minInterval))
	}

	if a.sched != nil {
		a.sched.Apply(schedule.Config{
			Enabled:  cfg.Schedule.Enabled,
			Timezone: cfg.Schedule.Timezone,
		})
	}
	a.api.SetDefaultToken(cfg.Discord.DefaultToken)

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	// Inbound first so no new jobs arrive while the engine drains.
	a.api.Stop(ctx)
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	a.disp.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	if a.pub != nil {
		_ = a.pub.Close()
	}
	if a.arch != nil {
		_ = a.arch.Close()
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	defaultDelay, err := config.ParseDurationOrDefault("dispatch.default_delay", cfg.Dispatch.DefaultDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryCap, err := config.ParseDurationOrDefault("dispatch.retry_after_cap", cfg.Dispatch.RetryAfterCap, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		DefaultDelay:       defaultDelay,
		DefaultConcurrency: cfg.Dispatch.DefaultConcurrency,
		MaxConcurrency:     cfg.Dispatch.MaxConcurrency,
		RetryAfterCap:      retryCap,
	}, nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
	}, nil
}
