// Fathom service binary: loads configuration, wires the research pipeline
// (session store, run log, artifact store, event bus, isolation pool,
// coordinator), and serves the HTTP API.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/artifact"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/coordinator"
	"github.com/fathomlabs/fathom/internal/executor"
	"github.com/fathomlabs/fathom/internal/health"
	"github.com/fathomlabs/fathom/internal/httpapi"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/prompts"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/runlog"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
	"github.com/fathomlabs/fathom/internal/tracing"
)

const (
	serviceName    = "fathom"
	serviceVersion = "0.3.0"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	cfgMgr := config.NewManager(cfg, logger.Named("config"))
	if err := cfgMgr.Start(); err != nil {
		logger.Warn("Config hot-reload disabled", zap.Error(err))
	}
	defer cfgMgr.Stop()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// Stores.
	sessions, err := session.NewManager(session.Config{
		URL: cfg.Redis.URL,
		TTL: cfg.Redis.SessionTTL,
	}, logger.Named("session"))
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer sessions.Close()

	// The run log is availability-optional: without it the service still
	// answers requests, it just keeps no durable journal.
	runLog, err := runlog.Open(runlog.Config{
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
		QueueSize: cfg.Database.QueueSize,
	}, logger.Named("runlog"))
	if err != nil {
		logger.Warn("Run log disabled", zap.Error(err))
		runLog = nil
	} else {
		defer runLog.Close()
	}

	artifacts, err := artifact.NewStore(cfg.Artifacts.Dir, logger.Named("artifact"))
	if err != nil {
		logger.Fatal("Failed to initialize artifact store", zap.Error(err))
	}

	// Outbound clients.
	searchClient := search.NewClient(search.Config{
		APIKey:            cfg.Search.APIKey,
		BaseURL:           cfg.Search.BaseURL,
		MaxResults:        cfg.Search.MaxResults,
		Timeout:           cfg.Search.Timeout,
		RequestsPerSecond: cfg.Search.RequestsPerSecond,
		Burst:             cfg.Search.Burst,
	}, logger.Named("search"))

	provider, err := llm.NewOpenAI(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger.Named("llm"))
	if err != nil {
		logger.Fatal("Failed to initialize LLM provider", zap.Error(err))
	}

	promptSet, err := prompts.Load(cfg.Prompts.Path)
	if err != nil {
		logger.Fatal("Failed to load prompts", zap.Error(err))
	}

	// Event bus and observer filter.
	bus := streaming.NewManager(cfg.Streaming.RingCapacity)
	filter := streaming.NewFilter(cfg.Streaming.AllowedTools)
	logger.Info("Observer filter configured",
		zap.Strings("allowed_tools", filter.AllowedTools()))

	// Isolation pool: each job gets a freshly built executor with no bus
	// reference, so nothing inside a nested run can reach observers.
	execLogger := logger.Named("executor")
	factory := func() research.TaskExecutor {
		return executor.New(provider, searchClient, executor.Options{
			SystemPrompt:  promptSet.Researcher,
			MaxToolRounds: cfgMgr.Tunables().MaxToolRounds,
		}, execLogger)
	}
	runner := research.NewRunner(factory, research.Options{
		Workers:     cfg.Research.Workers,
		QueueSize:   cfg.Research.QueueSize,
		StepTimeout: cfg.Research.StepTimeout,
	}, logger.Named("research"))
	defer runner.Stop()

	coord, err := coordinator.New(coordinator.Params{
		Provider:   provider,
		Runner:     runner,
		Sessions:   sessions,
		Artifacts:  artifacts,
		Bus:        bus,
		RunLog:     runLog,
		Prompts:    promptSet,
		Tunables:   cfgMgr.Tunables,
		MaxSteps:   cfg.Research.MaxSteps,
		ReportName: cfg.Artifacts.ReportName,
		Logger:     logger.Named("coordinator"),
	})
	if err != nil {
		logger.Fatal("Failed to build coordinator", zap.Error(err))
	}

	// HTTP surface.
	mux := http.NewServeMux()

	httpapi.NewServer(coord, sessions, artifacts, runLog, cfg.Artifacts.ReportName,
		logger.Named("api")).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(bus, filter, cfg.Streaming.SubscriberBuffer,
		logger.Named("stream")).RegisterRoutes(mux)

	healthMgr := health.NewManager(logger.Named("health"))
	registerCheckers(healthMgr, cfg, sessions, runLog, searchClient, logger)
	health.NewHandler(healthMgr, serviceName, serviceVersion, logger).RegisterRoutes(mux)

	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Fathom listening",
			zap.String("addr", addr),
			zap.String("version", serviceVersion),
			zap.String("model", cfg.LLM.Model),
			zap.Int("research_workers", cfg.Research.Workers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Shutting down", zap.String("signal", s.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if runLog != nil {
		if err := runLog.Flush(shutdownCtx); err != nil {
			logger.Warn("Run log flush incomplete", zap.Error(err))
		}
	}
}

func registerCheckers(mgr *health.Manager, cfg *config.Config, sessions *session.Manager, runLog *runlog.Store, searchClient *search.Client, logger *zap.Logger) {
	var runLogPinger health.Pinger
	if runLog != nil {
		runLogPinger = runLog
	}
	checkers := []health.Checker{
		health.NewLLMChecker(cfg.LLM.Model, cfg.LLM.APIKey != ""),
		health.NewPingChecker("redis", sessions, false),
		health.NewPingChecker("runlog", runLogPinger, false),
		health.NewSearchChecker(searchClient.Healthy),
	}
	for _, c := range checkers {
		if err := mgr.Register(c); err != nil {
			logger.Warn("Health checker not registered", zap.Error(err))
		}
	}
}
