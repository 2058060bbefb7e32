package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/DenisMakokha/kechita-approvals/internal/client"
	"github.com/DenisMakokha/kechita-approvals/internal/config"
	"github.com/DenisMakokha/kechita-approvals/internal/database"
	"github.com/DenisMakokha/kechita-approvals/internal/handler"
	"github.com/DenisMakokha/kechita-approvals/internal/logger"
	"github.com/DenisMakokha/kechita-approvals/internal/middleware"
	"github.com/DenisMakokha/kechita-approvals/internal/repository"
	"github.com/DenisMakokha/kechita-approvals/internal/service"
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
		Msg("Starting approvals service")

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
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	flowRepo := repository.NewFlowRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	stepRepo := repository.NewStepRepository(db)
	decisionRepo := repository.NewDecisionRepository(db)

	// Staff directory client for approver resolution
	directory := client.NewDirectoryHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	log.Info().Str("directory_url", cfg.Directory.BaseURL).Msg("Directory client initialized")

	// Lifecycle event publisher; the engine runs without one when NATS is
	// not configured.
	var events service.EventPublisher = service.NopPublisher{}
	if cfg.NATS.URL != "" {
		publisher, err := client.NewNATSEventPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer publisher.Close()
		events = publisher
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("Event publisher initialized")
	} else {
		log.Warn().Msg("NATS_URL not set; lifecycle events are discarded")
	}

	// Initialize services
	registry := service.NewFlowRegistry(flowRepo)
	resolver := service.NewApproverResolver(directory)
	engine := service.NewApprovalEngine(registry, resolver, instanceRepo, stepRepo, decisionRepo, events, log)
	admin := service.NewFlowAdmin(flowRepo, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, admin, log)
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

	// Flow administration
	mux.HandleFunc("/api/v1/flows", httpHandler.Flows)
	mux.HandleFunc("/api/v1/flows/get", httpHandler.GetFlow)
	mux.HandleFunc("/api/v1/flows/update", httpHandler.UpdateFlow)
	mux.HandleFunc("/api/v1/flows/activate", httpHandler.ActivateFlow)

	// Approval lifecycle
	mux.HandleFunc("/api/v1/approvals/submit", httpHandler.Submit)
	mux.HandleFunc("/api/v1/approvals/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/approvals/escalate", httpHandler.Escalate)
	mux.HandleFunc("/api/v1/approvals/reassign", httpHandler.Reassign)
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetInstance)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPending)
	mux.HandleFunc("/api/v1/approvals/overdue", httpHandler.ListOverdue)
	mux.HandleFunc("/api/v1/approvals/mine", httpHandler.ListMine)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.History)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
