package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagewatch/pagewatch/config"
	"github.com/pagewatch/pagewatch/internal/data"
	"github.com/pagewatch/pagewatch/internal/data/cryptoutil"
	domainjob "github.com/pagewatch/pagewatch/internal/domain/job"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/notify"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
	"github.com/pagewatch/pagewatch/internal/service"
	"github.com/pagewatch/pagewatch/internal/service/fetch"
)

// ServiceContainer holds the wired application components.
type ServiceContainer struct {
	Repos         *serviceRepositories
	RunHandler    *service.RunHandler
	Dispatch      *service.DispatchHandler
	Notifier      domainjob.Notifier
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB            *sql.DB
	Redis         redis.UniversalClient
	JobRepo       *data.JobRepo
	RuleRepo      *data.RuleRepo
	Observations  *data.ObservationRepo
	AttemptRepo   *data.AttemptRepo
	DomainStats   *data.DomainStatsRepo
	AlertRepo     *data.AlertRepo
	ChannelRepo   *data.ChannelRepo
	CacheRepo     *data.RedisCacheRepo
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "pagewatch",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(
	db *sql.DB,
	redisClient redis.UniversalClient,
	encryptor cryptoutil.Encryptor,
) *serviceRepositories {
	return &serviceRepositories{
		DB:           db,
		Redis:        redisClient,
		JobRepo:      data.NewJobRepo(db, data.RepoConfig{}),
		RuleRepo:     data.NewRuleRepo(db, nil),
		Observations: data.NewObservationRepo(db, nil),
		AttemptRepo:  data.NewAttemptRepo(db, nil),
		DomainStats:  data.NewDomainStatsRepo(db),
		AlertRepo:    data.NewAlertRepo(db, nil),
		ChannelRepo:  data.NewChannelRepo(db, encryptor),
		CacheRepo:    data.NewRedisCacheRepo(redisClient),
	}
}

// buildProviderRegistry wires fetch providers from configured endpoints.
// Providers with no endpoint stay unregistered and are skipped by the
// candidate loop.
func buildProviderRegistry(cfg config.FetchConfig, logger *slog.Logger) *fetch.ProviderRegistry {
	httpClient := &http.Client{Timeout: cfg.DefaultTimeout}

	providers := []fetch.Provider{fetch.NewHTTPProvider(httpClient)}

	if cfg.HeadlessEndpoint != "" {
		p, err := fetch.NewHeadlessProvider(fetch.HeadlessConfig{Endpoint: cfg.HeadlessEndpoint})
		if err != nil {
			logger.Warn("headless provider disabled", "error", err)
		} else {
			providers = append(providers, p)
		}
	}

	if cfg.FlareSolverrEndpoint != "" {
		p, err := fetch.NewFlareSolverrProvider(fetch.FlareSolverrConfig{Endpoint: cfg.FlareSolverrEndpoint})
		if err != nil {
			logger.Warn("flaresolverr provider disabled", "error", err)
		} else {
			providers = append(providers, p)
		}
	}

	if cfg.ProxyHost != "" {
		p, err := fetch.NewProxyProvider(fetch.ProxyProviderConfig{
			ID:             model.ProviderBrightData,
			ProxyHost:      cfg.ProxyHost,
			Username:       cfg.ProxyUsername,
			Password:       cfg.ProxyPassword,
			DefaultCountry: cfg.ProxyDefaultCountry,
		})
		if err != nil {
			logger.Warn("proxy provider disabled", "error", err)
		} else {
			providers = append(providers, p)
		}
	}

	if cfg.ScrapingBrowserEndpoint != "" {
		p, err := fetch.NewScrapingBrowserProvider(fetch.ScrapingBrowserConfig{
			Endpoint: cfg.ScrapingBrowserEndpoint,
			APIKey:   cfg.ScrapingBrowserAPIKey,
		})
		if err != nil {
			logger.Warn("scraping browser provider disabled", "error", err)
		} else {
			providers = append(providers, p)
		}
	}

	return fetch.NewProviderRegistry(providers...)
}

// buildFetchOrchestrator assembles the fetch pipeline: provider registry,
// per-hostname controls over Redis, and the attempt ledger.
func buildFetchOrchestrator(deps *ServiceDeps, repos *serviceRepositories) *fetch.Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fetchCfg config.FetchConfig
	if deps.Config != nil {
		fetchCfg = deps.Config.Fetch
	}

	registry := buildProviderRegistry(fetchCfg, logger)

	return fetch.NewOrchestrator(fetch.OrchestratorOptions{
		Registry:  registry,
		Breaker:   fetch.NewCircuitBreaker(fetch.CircuitBreakerOptions{Client: repos.Redis, Logger: logger}),
		Limiter:   fetch.NewRateLimiter(fetch.RateLimiterOptions{Client: repos.Redis, Logger: logger}),
		Semaphore: fetch.NewSemaphore(fetch.SemaphoreOptions{Client: repos.Redis, Logger: logger}),
		Budget:    fetch.NewBudgetGuard(fetch.BudgetGuardOptions{Stats: repos.DomainStats, Logger: logger}),
		Attempts: fetch.NewAttemptLogger(fetch.AttemptLoggerOptions{
			Attempts: repos.AttemptRepo,
			Stats:    repos.DomainStats,
			Logger:   logger,
		}),
		Logger: logger,
	})
}

// buildNotifyRegistry binds channel kinds to their senders. Email stays
// unregistered without an SMTP host; dispatch reports it as an unconfigured
// channel kind.
func buildNotifyRegistry(cfg config.NotifyConfig, logger *slog.Logger) *notify.Registry {
	registry := notify.NewRegistry()

	registry.Register("webhook", notify.NewWebhookSender(notify.WebhookConfig{
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
	}))

	registry.Register("slack", notify.NewSlackSender(notify.SlackConfig{
		Username:   cfg.SlackUsername,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
	}))

	if cfg.SMTP.Enabled() {
		sender, err := notify.NewEmailSender(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
		if err != nil {
			logger.Warn("email sender disabled", "error", err)
		} else {
			registry.Register("email", sender)
		}
	}

	return registry
}

// NewServices wires repositories, the fetch pipeline, and the job handlers.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, appCfg.Observability)
	encryptor := CreateEncryptor(appCfg.EncryptionKey, logger)
	repos := buildRepositories(deps.DB, deps.RedisClient, encryptor)

	orchestrator := buildFetchOrchestrator(deps, repos)

	policy := service.NewTierPolicyResolver(service.TierPolicyOptions{
		Enabled:            appCfg.TierPolicy.Enabled,
		CanaryWorkspaceIDs: appCfg.TierPolicy.CanaryWorkspaceIDs,
	})

	runHandler := service.NewRunHandler(service.RunHandlerOptions{
		Rules:        repos.RuleRepo,
		Observations: repos.Observations,
		Alerts:       repos.AlertRepo,
		Jobs:         repos.JobRepo,
		Orchestrator: orchestrator,
		Extractor:    service.NewBuiltinExtractor(logger),
		Policy:       policy,
		Logger:       logger,
	})

	dispatchHandler := service.NewDispatchHandler(service.DispatchHandlerOptions{
		Alerts:   repos.AlertRepo,
		Rules:    repos.RuleRepo,
		Channels: repos.ChannelRepo,
		Registry: buildNotifyRegistry(appCfg.Notify, logger),
		Cache:    repos.CacheRepo,
		Logger:   logger,
	})

	notifier, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: repos.JobRepo})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build job notifier: %w", err)
	}

	return ServiceContainer{
		Repos:         repos,
		RunHandler:    runHandler,
		Dispatch:      dispatchHandler,
		Notifier:      notifier,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
			}
			return RunWorker(ctx, WorkerRuntimeConfig{
				Services: deps.cfg.Services,
				Config:   workerCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var schedulerCfg config.SchedulerConfig
			if deps.cfg.Config != nil {
				schedulerCfg = deps.cfg.Config.Scheduler
			}
			return RunScheduler(ctx, SchedulerRuntimeConfig{
				DB:       deps.cfg.DB,
				Services: deps.cfg.Services,
				Config:   schedulerCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperRuntimeConfig{
				DB:       deps.cfg.DB,
				Services: deps.cfg.Services,
				Config:   reaperCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newSchedulerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		notifier:    cfg.Services.Notifier,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	notifier    domainjob.Notifier
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish and stops listeners.
func gracefulStop(cfg shutdownConfig) {
	if cfg.notifier != nil {
		cfg.notifier.StopAll()
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
