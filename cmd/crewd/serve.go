package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/async"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/capability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/config"
	crewerrors "github.com/richlaw1986/content-gap-crew-sub000/internal/errors"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/app"
	serverhttp "github.com/richlaw1986/content-gap-crew-sub000/internal/server/http"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"
	id "github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.v, root.configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, debug)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address (default :8000)")
	flags.String("store", "", "conversation store: memory, file, sqlite, postgres")
	flags.String("store-dsn", "", "DSN for the sqlite or postgres store")
	flags.String("catalog", "", "worker catalog YAML file")
	flags.Bool("watch-catalog", false, "reload the catalog file when it changes")
	flags.String("model", "", "default model for workers without one")
	flags.BoolVar(&debug, "debug", false, "run gin in debug mode")
	_ = root.v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = root.v.BindPFlag("store.driver", flags.Lookup("store"))
	_ = root.v.BindPFlag("store.dsn", flags.Lookup("store-dsn"))
	_ = root.v.BindPFlag("catalog.path", flags.Lookup("catalog"))
	_ = root.v.BindPFlag("catalog.watch", flags.Lookup("watch-catalog"))
	_ = root.v.BindPFlag("llm.model", flags.Lookup("model"))
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, debug bool) error {
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	logging.SetBase(obsLogger)
	logger := logging.NewComponentLogger("Main")
	id.SetStrategy(id.ParseStrategy(cfg.IDStrategy))

	logger.Info("Starting crewd %s", Version)
	logger.Info("Model: %s (%s), API key: %s", cfg.LLM.Model, cfg.LLM.BaseURL, observability.SanitizeAPIKey(cfg.LLM.APIKey))
	logger.Info("Store: %s", cfg.Store.Driver)

	if cfg.Observability.Tracing.ServiceVersion == "" || cfg.Observability.Tracing.ServiceVersion == "dev" {
		cfg.Observability.Tracing.ServiceVersion = Version
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		logger.Warn("Tracing disabled: %v", err)
		tracer = observability.NoopTracer()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	runMetrics := observability.MustNewRunMetrics(reg)
	llmMetrics, err := observability.NewLLMMetrics(cfg.Observability.Metrics, reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := session.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Close store: %v", err)
		}
	}()

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	snapshot := cat.Snapshot()
	logger.Info("Catalog: %d workers, %d crews", len(snapshot.Workers), len(snapshot.Crews))

	caps, err := capability.NewRegistry(
		logging.NewComponentLogger("Capabilities"),
		capability.Builtins(capability.WebConfig{Logger: logging.NewComponentLogger("Web")})...,
	)
	if err != nil {
		return fmt.Errorf("init capabilities: %w", err)
	}

	retry := crewerrors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.LLM.MaxRetries
	var client llm.Client = llm.NewOpenAIClient(cfg.LLM.Model, llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	})
	client = llm.NewRetryClient(client, retry)
	client = llm.NewInstrumentedClient(client, tracer, llmMetrics)

	invoker := worker.NewLLMInvoker(client, caps,
		worker.WithMaxToolIterations(cfg.LLM.MaxToolIterations),
		worker.WithDefaultTemperature(cfg.LLM.Temperature),
		worker.WithLogger(logging.NewComponentLogger("Worker")),
		worker.WithToolMetrics(llmMetrics),
	)

	runs := registry.New(logging.NewComponentLogger("Registry"))
	coordinator := app.NewCoordinator(store, cat, invoker, runs,
		app.WithRunConfig(cfg.Run),
		app.WithDefaultModel(cfg.LLM.Model),
		app.WithLogger(logging.NewComponentLogger("Coordinator")),
		app.WithTracer(tracer),
		app.WithMetrics(runMetrics),
	)

	health := app.NewHealthChecker(
		app.NewStoreProbe(store, cfg.Store.Driver),
		app.NewCatalogProbe(cat),
		app.NewRegistryProbe(runs),
		app.NewLLMProbe(cfg.LLM.Model, cfg.LLM.APIKey != ""),
	)

	var gatherer prometheus.Gatherer
	if cfg.Observability.Metrics.Enabled {
		gatherer = reg
	}
	router := serverhttp.NewRouter(serverhttp.RouterDeps{
		Coordinator: coordinator,
		Health:      health,
		Server:      cfg.Server,
		Version:     Version,
		Tracer:      tracer,
		Metrics:     runMetrics,
		Gatherer:    gatherer,
		Debug:       debug,
	})

	async.Go(logger, "tokenizer.warm", func() {
		if !tokenutil.Warm() {
			logger.Warn("Tokenizer unavailable; token counts are estimated")
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Catalog.Watch && cat.Path() != "" {
		watcher, err := catalog.NewWatcher(cat, catalog.WithWatchLogger(logging.NewComponentLogger("CatalogWatcher")))
		if err != nil {
			return fmt.Errorf("watch catalog: %w", err)
		}
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("Catalog watcher stopped: %v", err)
			}
			return nil
		})
	}

	servers := []*http.Server{{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Observability.Metrics.Enabled && cfg.Observability.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Observability.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Shutdown %s: %v", srv.Addr, err)
			}
		}
		if err := coordinator.Wait(shutdownCtx); err != nil {
			logger.Warn("Background runs still active at shutdown: %v", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown: %v", err)
		}
		if err := llmMetrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics shutdown: %v", err)
		}
		return nil
	})

	return g.Wait()
}
