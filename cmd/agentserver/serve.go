package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/checkpoint"
	"github.com/aixgo-dev/agentserver/internal/cron"
	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/internal/registry"
	"github.com/aixgo-dev/agentserver/internal/server"
	"github.com/aixgo-dev/agentserver/internal/stream"
	"github.com/aixgo-dev/agentserver/pkg/config"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/security"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file")
	return cmd
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("agentserver"), nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	if cfg.Backend == config.BackendRedis {
		return storage.NewRedisBackend(storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	return storage.NewMemoryBackend(), nil
}

func newAssistants(cfg *config.Config) (*agent.Registry, error) {
	assistants := agent.NewRegistry()
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		assistants.RegisterGraph(agent.ChatGraphID, agent.NewChatGraph(agent.ChatOptions{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		}))
	}
	for _, a := range cfg.Assistants {
		if err := assistants.AddAssistant(a); err != nil {
			return nil, err
		}
	}
	return assistants, nil
}

func newWebhookValidator(cfg config.WebhooksConfig) *security.SSRFValidator {
	ssrf := security.DefaultSSRFConfig()
	ssrf.AllowedHosts = cfg.AllowedHosts
	if cfg.AllowPrivate {
		ssrf.AllowLocalhost = true
		ssrf.BlockPrivateIPs = false
	}
	return security.NewSSRFValidator(ssrf)
}

func newAuthenticator(cfg config.AuthConfig) security.Authenticator {
	if len(cfg.APIKeys) == 0 {
		return security.NoAuthAuthenticator{}
	}
	auth := security.NewAPIKeyAuthenticator()
	for _, k := range cfg.APIKeys {
		name := k.Name
		if name == "" {
			name = k.Owner
		}
		auth.AddKey(k.Key, &security.Principal{ID: k.Owner, Name: name})
	}
	return auth
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopServing interrupts the runs before draining HTTP: open event streams
// only end once their run does.
func stopServing(ctx context.Context, runs, httpServer shutdowner, flush func(context.Context) error) error {
	runsErr := runs.Shutdown(ctx)
	return errors.Join(runsErr, httpServer.Shutdown(ctx), flush(ctx))
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Headers:     cfg.Tracing.Headers,
		Insecure:    cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	assistants, err := newAssistants(cfg)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	checkpoints := checkpoint.NewStore(backend)
	exec := executor.New(backend, checkpoints, executor.Options{
		DefaultTimeout: cfg.Runs.Timeout,
		Metrics:        metrics,
		Logger:         logger,
	})

	validator := newWebhookValidator(cfg.Webhooks)
	webhooks := executor.NewWebhookSender(&http.Client{
		Timeout:   cfg.Webhooks.Timeout,
		Transport: validator.CreateSecureTransport(),
	}, logger, metrics)

	reg := registry.New(backend, checkpoints, exec, assistants, registry.Options{
		MaxQueuePerThread: cfg.Runs.MaxQueuePerThread,
		ReplayLimit:       cfg.Runs.ReplayLimit,
		SubscriberBuffer:  cfg.Runs.StreamBuffer,
		Webhooks:          webhooks,
		WebhookValidator:  validator,
		Metrics:           metrics,
		Logger:            logger,
	})
	crons := cron.NewService(backend, reg, assistants, cron.Options{
		WebhookValidator: validator,
		Metrics:          metrics,
		Logger:           logger,
	})

	health := observability.NewHealthChecker(Version)
	health.RegisterCheck(observability.StorageCheck(backend.Ping))
	health.RegisterCheck(observability.SchedulerCheck(crons.Scheduler().Running))
	health.ReportWorkload(func() observability.Workload {
		return observability.Workload{
			ActiveRuns:    reg.ActiveRuns(),
			ArmedCronJobs: crons.Scheduler().ActiveJobCount(),
		}
	})

	var limiter *security.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		WaitTimeout:  cfg.Server.WaitTimeout,
	}, server.Deps{
		Registry: reg,
		Crons:    crons,
		Emitter:  stream.NewEmitter(metrics, logger),
		Auth:     newAuthenticator(cfg.Auth),
		Limiter:  limiter,
		Health:   health,
		Metrics:  metrics,
		Logger:   logger,
	})

	if err := crons.Start(ctx); err != nil {
		return fmt.Errorf("restore cron jobs: %w", err)
	}
	logger.Info("agent server starting",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("assistants", len(assistants.Assistants())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					limiter.Cleanup(10 * time.Minute)
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		crons.Shutdown()
		return stopServing(sctx, reg, srv, shutdownTracing)
	})

	if err := g.Wait(); err != nil {
		logger.Error("agent server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("agent server stopped")
	return nil
}
