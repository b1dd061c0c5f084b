// Command intent-radar watches live-shopping streams for buyer intent.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres or SQLite and runs versioned migrations.
//   - Drives a headless browser per monitoring session, classifying chat as it
//     arrives and persisting captured buyer intents.
//   - Serves the HTTP API, the live event channel (websocket and SSE), and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/browser"
	"github.com/onnwee/intent-radar/config"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/intent"
	"github.com/onnwee/intent-radar/monitor"
	"github.com/onnwee/intent-radar/retention"
	"github.com/onnwee/intent-radar/server"
	"github.com/onnwee/intent-radar/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdownTracing, err := telemetry.InitTracing("intent-radar", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		slog.Error("invalid database driver", slog.Any("err", err))
		os.Exit(1)
	}
	database, err := db.Connect(dialect, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("driver", string(dialect)), slog.String("component", "db_migrate"))
	if err := db.Migrate(database, dialect); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}
	store := db.NewStore(database, dialect)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		relay := broadcast.NewRedisRelay(rdb, cfg.RedisChannel, hub)
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				slog.Error("event relay stopped", slog.Any("err", err), slog.String("component", "relay"))
			}
		}()
	}

	var classifier intent.Classifier = intent.Heuristic{}
	var drafter monitor.Drafter
	batchSize := cfg.LLMBatchSize
	if cfg.ValidateLLMReady() == nil {
		llm := intent.NewLLM(intent.LLMConfig{
			APIKey:        cfg.OpenAIAPIKey,
			BaseURL:       cfg.OpenAIBaseURL,
			Model:         cfg.OpenAIModel,
			SellerContext: cfg.SellerContext,
			CallDelay:     cfg.LLMCallDelay,
			BatchSize:     cfg.LLMBatchSize,
			MaxDrafts:     cfg.LLMMaxDrafts,
		})
		drafter = llm
		batchSize = llm.BatchSize()
		if cfg.UseLLM() {
			classifier = &intent.Fallback{Primary: llm, Secondary: intent.Heuristic{}}
		}
	}
	slog.Info("classifier configured", slog.String("classifier", cfg.Classifier), slog.Bool("drafting", drafter != nil))

	launcher := browser.New(browser.Config{
		Bin:            cfg.BrowserBin,
		ControlURL:     cfg.BrowserControlURL,
		Headless:       cfg.BrowserHeadless,
		BlockResources: cfg.BrowserBlockResources,
		DiscoveryURL:   cfg.DiscoveryURL,
		NavTimeout:     cfg.NavTimeout,
	})
	defer func() {
		if err := launcher.Close(); err != nil {
			slog.Warn("failed to close browser", slog.Any("err", err))
		}
	}()

	monCfg := monitor.Config{
		OpenPage: func(ctx context.Context) (monitor.Page, error) {
			p, err := launcher.NewPage(ctx)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Store:                  store,
		Publisher:              hub,
		Classifier:             classifier,
		PollInterval:           cfg.PollInterval,
		QuietPeriod:            cfg.QuietPeriod,
		NavTimeout:             cfg.NavTimeout,
		NavAttempts:            cfg.NavAttempts,
		NavBackoff:             cfg.NavBackoff,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		CaptureThreshold:       cfg.CaptureThreshold,
		ValuePerSale:           cfg.ValuePerSale,
		DedupCapacity:          cfg.DedupCapacity,
		DedupTTL:               cfg.DedupTTL,
		FallbackURLs:           cfg.FallbackStreamURLs,
	}
	registry := monitor.NewRegistry(monCfg)
	analyzer := monitor.NewAnalyzer(monCfg, drafter, batchSize)

	go retention.Start(ctx, store, retention.LoadPolicy())

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(ctx, server.Deps{Registry: registry, Store: store, Hub: hub, Analyzer: analyzer})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := server.Start(ctx, mux, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", slog.Int("active_sessions", registry.Active()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.StopAll(stopCtx); err != nil {
		slog.Warn("sessions did not stop cleanly", slog.Any("err", err))
	}
	hub.Close()
	<-serverDone
}
