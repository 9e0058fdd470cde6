package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"medical-intake/internal/agent"
	"medical-intake/internal/config"
	"medical-intake/internal/consultation"
	"medical-intake/internal/platform/postgres"
	"medical-intake/internal/platform/telegram"
	"medical-intake/internal/platform/telemetry"
	"medical-intake/internal/report"
	"medical-intake/internal/translation"
)

func main() {
	configPath := flag.String("config", os.Getenv("INTAKE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 0. Telemetry
	shutdownTelemetry, err := telemetry.Setup(telemetry.Options{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceName:    cfg.Telemetry.ServiceName,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// 1. Infrastructure
	var (
		repo   consultation.Repository
		locker consultation.Locker
		rdb    *redis.Client
	)
	if cfg.Store.Driver == "redis" || cfg.Store.Lock == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{Attempts: cfg.Database.ConnectTries, Logger: logger})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.Migrations); err != nil {
			return err
		}
		logger.Info("connected to database, migrations applied")
		repo = consultation.NewPostgresRepository(db)
	case "redis":
		repo = consultation.NewRedisRepository(rdb, cfg.Redis.SessionTTL)
	default:
		repo = consultation.NewMemoryRepository()
	}

	if cfg.Store.Lock == "redis" {
		locker = consultation.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	} else {
		locker = consultation.NewLocalLocker()
	}

	// 2. Clients
	aiClient := agent.NewDeepSeekClient(agent.DeepSeekConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})

	gateway, err := translation.NewGateway(
		agent.NewGoogleTranslator(cfg.Translation.APIKey, cfg.Translation.Endpoint),
		translation.Options{
			Pivot:     cfg.Translation.Pivot,
			Languages: cfg.Translation.Languages,
			Timeout:   cfg.Translation.Timeout,
			CacheTTL:  cfg.Translation.CacheTTL,
		},
	)
	if err != nil {
		return err
	}

	sttClient := agent.NewWhisperClient(cfg.Speech.STTURL)
	var ttsClient consultation.TextToSpeech
	if cfg.Speech.TTSAPIKey != "" {
		ttsClient = agent.NewElevenLabsClient(agent.ElevenLabsConfig{
			APIKey:  cfg.Speech.TTSAPIKey,
			VoiceID: cfg.Speech.TTSVoiceID,
			BaseURL: cfg.Speech.TTSURL,
		})
	}

	var tgClient report.TelegramClient
	if cfg.Telegram.Token != "" {
		tgClient = telegram.NewClient(cfg.Telegram.Token)
	}
	if cfg.Telegram.DoctorChatID == 0 {
		logger.Warn("DOCTOR_CHAT_ID is not set, prescriptions will only be stored locally")
	}

	// 3. Services
	reportSvc := report.NewService(tgClient, report.Options{
		OutputDir:    cfg.Report.OutputDir,
		FontPath:     cfg.Report.FontPath,
		DoctorChatID: cfg.Telegram.DoctorChatID,
		Logger:       logger,
	})
	consultationSvc := consultation.NewService(repo, locker, aiClient, gateway, reportSvc, consultation.Options{
		MinAge:          cfg.Intake.MinAge,
		MaxAge:          cfg.Intake.MaxAge,
		MinQuestions:    cfg.Intake.MinQuestions,
		MaxQuestions:    cfg.Intake.MaxQuestions,
		MaxTextLength:   cfg.Intake.MaxTextLength,
		UpstreamTimeout: cfg.Intake.UpstreamTimeout,
		StreamTimeout:   cfg.Intake.StreamTimeout,
		Logger:          logger,
	})
	consultationHandler := consultation.NewHandler(consultationSvc, sttClient, ttsClient, logger)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			if r.Method == "OPTIONS" {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/languages", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"pivot":     gateway.Pivot(),
				"languages": gateway.Supported(),
			})
		})
		consultation.RegisterRoutes(r, consultationHandler)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: otelhttp.NewHandler(r, "intake"),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "store", cfg.Store.Driver, "lock", cfg.Store.Lock)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
