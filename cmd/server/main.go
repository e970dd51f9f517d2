package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/scheduler"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Critical-Action Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	requestRepo := repository.NewRequestRepository(db)
	approverRepo := repository.NewApproverRepository(db)
	configRepo := repository.NewConfigRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	// Initialize notification publisher
	natsURL := ""
	if cfg.NATS.Enabled {
		natsURL = cfg.NATS.URL
	}
	notifier, err := client.NewNotificationPublisher(natsURL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create notification publisher")
	}
	defer notifier.Close()
	log.Info().Str("nats_url", natsURL).Bool("enabled", cfg.NATS.Enabled).Msg("Notification publisher initialized")

	// Initialize services
	requestService := service.NewRequestService(requestRepo, approverRepo, configRepo, historyRepo, notifier, log)
	ruleService := service.NewRuleService(ruleRepo, historyRepo, log)
	configService := service.NewConfigService(configRepo, log)
	engine := service.NewEscalationEngine(
		requestRepo, approverRepo, configRepo, ruleRepo, historyRepo,
		requestService, notifier, log,
		service.EngineOptions{
			MaxConcurrency: cfg.Escalator.MaxConcurrency,
			RequestTimeout: cfg.Escalator.RequestTimeout,
		},
	)

	// Start the periodic scans
	jobs := scheduler.New(log,
		scheduler.Job{
			Name:     "escalation-scan",
			Interval: cfg.Escalator.ScanInterval,
			Run:      engine.RunEscalationScan,
		},
		scheduler.Job{
			Name:     "deadline-warning-scan",
			Interval: cfg.Escalator.WarningInterval,
			Run:      engine.RunDeadlineWarningScan,
		},
	)
	jobs.Start(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(requestService, ruleService, configService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Approval request routes
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/approvals/vote", httpHandler.RecordVote)
	mux.HandleFunc("/api/v1/approvals/escalate", httpHandler.Escalate)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelRequest)
	mux.HandleFunc("/api/v1/approvals/execute", httpHandler.ExecuteRequest)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.PendingApprovals)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.GetHistory)

	// Escalation rule routes
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRules(w, r)
		case http.MethodPost, http.MethodPut:
			httpHandler.ConfigureRule(w, r)
		case http.MethodDelete:
			httpHandler.DeleteRule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Approval configuration routes
	mux.HandleFunc("/api/v1/configurations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListConfigurations(w, r)
		case http.MethodPost:
			httpHandler.CreateConfiguration(w, r)
		case http.MethodPut:
			httpHandler.UpdateConfiguration(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/metrics", httpHandler.Metrics)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancel() // stop the periodic scans
	jobs.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
