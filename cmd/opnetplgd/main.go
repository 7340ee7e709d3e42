package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/api"
	"github.com/platinummonkey/opnet-plugins/pkg/config"
	"github.com/platinummonkey/opnet-plugins/pkg/discovery"
	"github.com/platinummonkey/opnet-plugins/pkg/events"
	"github.com/platinummonkey/opnet-plugins/pkg/keys"
	"github.com/platinummonkey/opnet-plugins/pkg/middleware"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("opnetplgd failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg := cfg.Observability.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	stores, err := openBackends(ctx, cfg.Storage, logger, metrics)
	if err != nil {
		return err
	}
	var (
		serving         bool
		closePublishers func() error
	)
	defer func() {
		if serving {
			return
		}
		if closePublishers != nil {
			closePublishers()
		}
		stores.Close(context.Background())
	}()

	policy, err := cfg.Admission.Policy()
	if err != nil {
		return err
	}
	if cfg.Keys.Trust {
		if err := trustKeyring(cfg.Keys, &policy, logger); err != nil {
			return err
		}
	}

	var publisher admission.Publisher
	publisher, closePublishers, err = openPublishers(cfg.Events, logger, metrics)
	if err != nil {
		return err
	}

	admitter, err := admission.New(admission.Options{
		Policy:      policy,
		Records:     stores.Records,
		Cache:       stores.Cache,
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		OTelMetrics: otelMetrics,
		CacheSize:   cfg.Admission.CacheSize,
		Concurrency: cfg.Admission.Concurrency,
	})
	if err != nil {
		return err
	}

	plugins := discovery.NewRegistry(metrics)
	var watcher *discovery.Watcher
	if cfg.Discovery.Enabled {
		watcher, err = discovery.New(stores.Filesystem, admitter, discovery.Options{
			Registry: plugins,
			Logger:   logger,
			Metrics:  metrics,
			Schedule: cfg.Discovery.Schedule,
			Debounce: cfg.Discovery.Debounce,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	} else if _, err := admitter.AdmitAll(ctx, stores.Artifacts); err != nil {
		logger.WithError(err).Warn("Initial admission pass failed")
	}

	health := observability.NewHealthChecker(version, stores.DB, stores.Redis)
	for name, check := range stores.Checks {
		health.Register(name, false, check)
	}

	var limiter middleware.Limiter
	if rl := cfg.Server.RateLimit; rl.Enabled() {
		if stores.Redis != nil {
			limiter = middleware.NewDistributedRateLimiter(stores.Redis, rl, "")
		} else {
			memory := middleware.NewRateLimiter(rl)
			memory.StartCleanup(ctx)
			limiter = memory
		}
	}

	var metricsRegistry *prometheus.Registry
	if cfg.Observability.MetricsEnabled {
		metricsRegistry = registry
	}
	server := api.NewServer(api.Options{
		Admitter:        admitter,
		Artifacts:       stores.Artifacts,
		Registry:        plugins,
		Health:          health,
		Logger:          logger,
		Metrics:         metrics,
		MetricsRegistry: metricsRegistry,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		RateLimiter:     limiter,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serving = true
	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	if watcher != nil {
		shutdown.Register("watcher", func(context.Context) error { return watcher.Close() })
	}
	shutdown.Register("publishers", func(context.Context) error { return closePublishers() })
	shutdown.Register("storage", stores.Close)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      httpServer.Addr,
			"profile":   policy.Profile,
			"artifacts": cfg.Storage.ArtifactBackend,
			"records":   cfg.Storage.RecordBackend,
		}).Info("Starting opnetplgd")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	return shutdown.Shutdown(shutdownCtx)
}

// trustKeyring adds every keyring key to the policy allowlist
func trustKeyring(cfg config.KeysConfig, policy *admission.Policy, logger *logrus.Logger) error {
	store, err := keys.Open(keys.Config{
		ServiceName: cfg.ServiceName,
		Backend:     cfg.Backend,
		FileDir:     cfg.FileDir,
		Password:    cfg.Password,
	})
	if err != nil {
		return err
	}
	hashes, err := store.PublicKeyHashes()
	if err != nil {
		return err
	}
	if policy.TrustedKeys == nil {
		policy.TrustedKeys = make(map[string]bool, len(hashes))
	}
	for name, hash := range hashes {
		policy.TrustedKeys[hash] = true
		logger.WithFields(logrus.Fields{"key": name, "public_key_hash": hash}).Info("Trusting keyring key")
	}
	return nil
}

// openPublishers builds the configured decision publishers. The returned
// func closes any broker connections.
func openPublishers(cfg config.EventsConfig, logger *logrus.Logger, metrics *observability.Metrics) (admission.Publisher, func() error, error) {
	var (
		pubs    events.MultiPublisher
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if cfg.Log {
		pubs = append(pubs, events.NewLogPublisher(logger))
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Queue:    cfg.AMQPQueue,
			Durable:  cfg.AMQPDurable,
		}, metrics)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, p)
		closers = append(closers, p.Close)
	}
	if cfg.WebhookURL != "" {
		p, err := events.NewWebhookPublisher(events.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
		}, logger, metrics)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, p)
	}

	if len(pubs) == 0 {
		return nil, closeAll, nil
	}
	return pubs, closeAll, nil
}
