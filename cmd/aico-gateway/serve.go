package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/container"
	"github.com/aico-ai/gateway/pkg/log"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/plugins"
	"github.com/aico-ai/gateway/pkg/scheduler"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/storage"
	"github.com/aico-ai/gateway/pkg/transport"
)

const (
	tokenTTL     = 24 * time.Hour
	stopDeadline = 30 * time.Second
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Start the gateway: open the encrypted store, bring up the plugin
pipeline, the message bus, the scheduler and every enabled protocol
adapter, then block until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath)
	},
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new master key file",
	Long: `Generate a random master key and write it to the configured key
path with 0600 permissions. Fails if a key already exists; the gateway
never overwrites key material.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path := cfg.MasterKeyPath()
		if _, err := security.GenerateMasterKey(path); err != nil {
			return err
		}
		fmt.Printf("master key written to %s\n", path)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
}

// service adapts components without a full lifecycle contract to the
// container. Nil hooks are no-ops.
type service struct {
	initFn   func(context.Context) error
	startFn  func(context.Context) error
	stopFn   func(context.Context) error
	healthFn func() bool
}

func (s *service) Initialize(ctx context.Context) error {
	if s.initFn == nil {
		return nil
	}
	return s.initFn(ctx)
}

func (s *service) Start(ctx context.Context) error {
	if s.startFn == nil {
		return nil
	}
	return s.startFn(ctx)
}

func (s *service) Stop(ctx context.Context) error {
	if s.stopFn == nil {
		return nil
	}
	return s.stopFn(ctx)
}

func (s *service) Healthy() bool {
	if s.healthFn == nil {
		return true
	}
	return s.healthFn()
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", cfgPath).Msg("starting aico-gateway")

	// The master key gates everything; without it there is nothing to serve.
	masterKey, err := security.LoadMasterKey(cfg.MasterKeyPath())
	if err != nil {
		return fmt.Errorf("run 'aico-gateway keygen' first: %w", err)
	}

	box, err := security.NewSecretBox(security.DeriveSubKey(masterKey, "storage"))
	if err != nil {
		return err
	}
	store, err := storage.NewBoltStore(cfg.Server.DataDir, box)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.VerifyBuckets(); err != nil {
		store.Close()
		return err
	}

	var sink bus.Sink
	if cfg.Bus.PersistEvents {
		sink = store
	}
	broker := bus.NewBroker(sink)

	sessions := session.NewManager(
		session.NewIdentityManager(masterKey, cfg.Session.Timeout, cfg.Session.MaxPayloadSize),
		cfg.Session.SweepInterval,
	)
	tokens := security.NewTokenManager(masterKey, cfg.Server.Name, tokenTTL)

	registry := plugin.NewRegistry()
	for _, p := range []plugin.Plugin{
		plugins.NewMessageBusPlugin(),
		plugins.NewEncryptionPlugin(),
		plugins.NewSecurityPlugin(),
		plugins.NewRateLimitingPlugin(),
		plugins.NewValidationPlugin(),
		plugins.NewRoutingPlugin(),
		plugins.NewLogShipperPlugin(),
	} {
		if err := registry.Register(p); err != nil {
			store.Close()
			return err
		}
	}

	c := container.New()

	healthFn := func() map[string]string {
		states := make(map[string]string)
		for _, svc := range c.HealthCheck().Services {
			if svc.Healthy {
				states[svc.Name] = "healthy"
			} else {
				states[svc.Name] = "unhealthy"
			}
		}
		return states
	}

	classes := scheduler.NewClassRegistry()
	if err := scheduler.RegisterBuiltins(classes, healthFn); err != nil {
		store.Close()
		return err
	}
	sched := scheduler.New(cfg.Scheduler, cfg.TriggerPath(), store, classes,
		broker.RegisterModule("scheduler", []string{"scheduler.**"}))
	schedAPI := scheduler.NewAPI(sched, store)

	adapters := transport.NewManager(&transport.Deps{
		Config:          cfg,
		Logger:          log.WithComponent("transport"),
		Pipeline:        registry,
		Sessions:        sessions,
		Tokens:          tokens,
		Store:           store,
		Broker:          broker,
		SchedulerRoutes: schedAPI.Routes(),
		HealthFn:        c.HealthCheck,
		Version:         Version,
	})
	if cfg.Transports.REST.Enabled {
		adapters.Register(transport.NewRESTAdapter())
	}
	if cfg.Transports.WebSocket.Enabled {
		adapters.Register(transport.NewWebSocketAdapter())
	}
	if cfg.Transports.IPC.Enabled {
		adapters.Register(transport.NewIPCAdapter())
	}

	register := func(name string, svc *service, deps []string, priority int) {
		if err == nil {
			err = c.Register(name, func(*container.Container) (any, error) { return svc, nil }, deps, priority, true)
		}
	}

	register("store", &service{
		stopFn: func(context.Context) error { return store.Close() },
	}, nil, 0)
	register("broker", &service{
		stopFn: func(context.Context) error { broker.Stop(); return nil },
	}, []string{"store"}, 0)
	register("sessions", &service{
		startFn: func(context.Context) error { sessions.StartSweeper(); return nil },
		stopFn:  func(context.Context) error { sessions.Stop(); return nil },
	}, nil, 10)
	register("pipeline", &service{
		initFn: func(context.Context) error {
			return registry.Initialize(&plugin.Deps{
				Config: cfg,
				Logger: log.WithComponent("plugins"),
				Services: map[string]any{
					plugins.ServiceBroker:   broker,
					plugins.ServiceSessions: sessions,
					plugins.ServiceTokens:   tokens,
					plugins.ServiceStore:    store,
				},
			})
		},
		stopFn: func(ctx context.Context) error { registry.Shutdown(ctx); return nil },
	}, []string{"broker", "sessions"}, 20)
	if cfg.Scheduler.Enabled {
		register("scheduler", &service{
			startFn: sched.Start,
			stopFn:  sched.Stop,
		}, []string{"store", "broker"}, 30)
	}
	adapterDeps := []string{"pipeline"}
	if cfg.Scheduler.Enabled {
		adapterDeps = append(adapterDeps, "scheduler")
	}
	register("adapters", &service{
		startFn: adapters.StartAll,
		stopFn:  func(ctx context.Context) error { adapters.StopAll(ctx); return nil },
		healthFn: func() bool {
			for _, h := range adapters.HealthCheck() {
				if !h.Healthy {
					return false
				}
			}
			return true
		},
	}, adapterDeps, 40)
	if err != nil {
		store.Close()
		return err
	}

	ctx := context.Background()
	if err := c.StartAll(ctx); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	logger.Info().Msg("gateway is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(ctx, stopDeadline)
	defer cancel()
	c.StopAll(stopCtx)
	logger.Info().Msg("shutdown complete")
	return nil
}
