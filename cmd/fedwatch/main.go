package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fedwatch/internal/config"
	"fedwatch/internal/database/archive"
	"fedwatch/internal/database/boltstore"
	"fedwatch/internal/federation"
	"fedwatch/internal/flood"
	"fedwatch/internal/guard"
	"fedwatch/internal/handlers"
	"fedwatch/internal/ops"
	"fedwatch/internal/platform"
	"fedwatch/internal/reconcile"
	"fedwatch/internal/routing"
	"fedwatch/internal/scan"
	"fedwatch/internal/screening"
	"fedwatch/internal/stats"
	"fedwatch/internal/stream"
	"fedwatch/internal/tracing"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings are the process-level knobs, read from FEDWATCH_* env vars.
type Settings struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8460"`
	DBPath         string        `envconfig:"DB_PATH"`
	ConfigPath     string        `envconfig:"CONFIG_PATH" default:"federation.json"`
	GatewayURL     string        `envconfig:"GATEWAY_URL" required:"true"`
	GatewayToken   string        `envconfig:"GATEWAY_TOKEN"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	SelfID         string        `envconfig:"SELF_ID" required:"true"`
	AdminToken     string        `envconfig:"ADMIN_TOKEN"`
	TracingEnabled bool          `envconfig:"TRACING_ENABLED"`

	// StreamURLs are gateway event-stream endpoints, tried in order.
	// Empty disables the stream; events then arrive only through the
	// /api/events endpoints.
	StreamURLs     []string `envconfig:"STREAM_URLS"`
	StreamCompress bool     `envconfig:"STREAM_COMPRESS" default:"true"`

	// RefreshInterval is how often the federation config and rule set
	// are re-read from disk and the store.
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"60s"`

	// ExternalListURLs are JSON-lines ban feeds imported into the
	// ledger once at startup and then daily. Empty disables the sync.
	ExternalListURLs     []string      `envconfig:"EXTERNAL_LIST_URLS"`
	ExternalListToken    string        `envconfig:"EXTERNAL_LIST_TOKEN"`
	ExternalSyncInterval time.Duration `envconfig:"EXTERNAL_SYNC_INTERVAL" default:"24h"`
}

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting fedwatch")

	var settings Settings
	if err := envconfig.Process("fedwatch", &settings); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse environment settings")
	}

	if settings.DBPath == "" {
		// Default to XDG data directory or home directory for development
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to get home directory")
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
		settings.DBPath = filepath.Join(dataDir, "fedwatch", "fedwatch.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.TracingEnabled {
		tp, err := tracing.Init(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		log.Info().Msg("Tracing initialized")
	}

	store, err := boltstore.Open(boltstore.Options{
		Path: settings.DBPath,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", settings.DBPath).Msg("Failed to open database")
	}
	defer store.Close()

	log.Info().Str("path", settings.DBPath).Msg("Database opened")

	cfgService, err := config.NewService(settings.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", settings.ConfigPath).Msg("Failed to load federation config")
	}

	engine, err := screening.NewEngine(ctx, store.RulesStore())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load screening rules")
	}

	client := platform.NewHTTPClient(settings.GatewayURL, settings.GatewayToken, settings.GatewayTimeout)
	log.Info().Str("gateway", settings.GatewayURL).Msg("Platform gateway client initialized")

	historyPath := filepath.Join(filepath.Dir(settings.DBPath), "fedwatch_history.db")
	history, err := archive.Open(historyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", historyPath).Msg("Failed to open action history")
	}
	defer history.Close()

	aggregator := stats.NewAggregator(store.StatsStore())
	propagator := federation.NewPropagator(client, store.LedgerStore(), cfgService, aggregator,
		federation.WithHistory(history))
	verifier := federation.NewVerifier(settings.SelfID, cfgService)
	detector := flood.NewDetector()

	// No LLM backend wired yet; the guard degrades to manual alerts.
	g := guard.New(settings.SelfID, client, engine, detector, propagator, verifier, cfgService, nil, store.PendingStore())
	if err := g.Scheduler().Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore pending actions")
	}
	defer g.Scheduler().Close()

	scanner := scan.NewScanner(client, engine, cfgService)
	reconciler := reconcile.NewReconciler(client, propagator, verifier, cfgService, store.SyncStore())
	operator := ops.New(client, engine, scanner, reconciler, propagator, g.Scheduler(), cfgService, aggregator)

	go operator.RefreshLoop(ctx, settings.RefreshInterval)

	if len(settings.ExternalListURLs) > 0 {
		list := reconcile.NewHTTPExternalList(settings.ExternalListURLs, settings.ExternalListToken)
		go func() {
			ticker := time.NewTicker(settings.ExternalSyncInterval)
			defer ticker.Stop()
			for {
				if res, err := reconciler.SyncExternal(ctx, list); err != nil {
					log.Error().Err(err).Msg("External ban list sync failed")
				} else {
					log.Info().Int("scanned", res.Scanned).Int("added", res.Added).Msg("External ban list sync complete")
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	var consumer *stream.Consumer
	if len(settings.StreamURLs) > 0 {
		streamCfg := stream.DefaultConfig()
		streamCfg.Endpoints = settings.StreamURLs
		streamCfg.Compress = settings.StreamCompress
		for _, d := range cfgService.Domains() {
			streamCfg.Domains = append(streamCfg.Domains, d.ID)
		}
		consumer, err = stream.NewConsumer(streamCfg, g, store.StreamStore())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build event stream consumer")
		}
		consumer.Start(ctx)
		defer consumer.Stop()
		log.Info().Strs("endpoints", settings.StreamURLs).Msg("Event stream consumer started")
	} else {
		log.Warn().Msg("No stream endpoints configured, relying on /api/events ingestion")
	}

	h := handlers.NewHandler(operator, g, history)
	handler := routing.SetupRouter(routing.Config{
		Handlers:   h,
		Logger:     log.Logger,
		AdminToken: settings.AdminToken,
	})

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", settings.ListenAddr).
			Int("domains", len(cfgService.Domains())).
			Msg("Starting admin HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Shutdown complete")
}
