package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akshaya12406-byte/expensemanagement/internal/client"
	"github.com/akshaya12406-byte/expensemanagement/internal/config"
	"github.com/akshaya12406-byte/expensemanagement/internal/database"
	"github.com/akshaya12406-byte/expensemanagement/internal/handler"
	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/middleware"
	"github.com/akshaya12406-byte/expensemanagement/internal/monitor"
	natsclient "github.com/akshaya12406-byte/expensemanagement/internal/nats"
	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
	"github.com/akshaya12406-byte/expensemanagement/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:           "expense-server",
		Short:         "Expense approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSweepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and escalation monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-escalations",
		Short: "Run one escalation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting expense approval service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Notification bus is optional; without it events are dropped.
	var notifier service.Notifier = service.NoopNotifier{}
	if cfg.NATS.Enabled {
		nc, err := natsclient.Connect(natsclient.Config{
			URL:  cfg.NATS.URL,
			Name: cfg.Service.Name,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	expenseRepo := repository.NewExpenseRepository(db)
	companyRepo := repository.NewCompanyRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	userRepo := repository.NewUserRepository(db)

	engine := service.NewApprovalEngine(
		expenseRepo,
		companyRepo,
		service.IdentityConverter{},
		notifier,
		service.EngineConfig{
			ParallelAutoCloseRatio: cfg.Workflow.ParallelAutoCloseRatio,
			FallbackRole:           cfg.Workflow.FallbackRole,
			FallbackSLAHours:       cfg.Workflow.FallbackSLAHours,
			MaxRetries:             cfg.Workflow.MaxRetries,
		},
		log,
	)
	expenseService := service.NewExpenseService(expenseRepo, companyRepo, auditRepo, engine, userRepo, notifier, log)
	companyService := service.NewCompanyService(companyRepo, log)

	go monitor.New(engine, cfg.Workflow.EscalationInterval, log).Run(ctx)

	httpHandler := handler.NewHTTPHandler(expenseService, companyService, engine, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/api/v1/expenses", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListExpenses(w, r)
		case http.MethodPost:
			httpHandler.SubmitExpense(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/companies", requireMethod(http.MethodPost, httpHandler.CreateCompany))
	mux.HandleFunc("/api/v1/companies/get", requireMethod(http.MethodGet, httpHandler.GetCompany))
	mux.HandleFunc("/api/v1/companies/policy", requireMethod(http.MethodPost, httpHandler.UpdateCompanyPolicy))

	mux.HandleFunc("/api/v1/expenses/get", requireMethod(http.MethodGet, httpHandler.GetExpense))
	mux.HandleFunc("/api/v1/expenses/workflow", requireMethod(http.MethodPost, httpHandler.BuildWorkflow))
	mux.HandleFunc("/api/v1/expenses/decision", requireMethod(http.MethodPost, httpHandler.Decide))
	mux.HandleFunc("/api/v1/expenses/bypass", requireMethod(http.MethodPost, httpHandler.Bypass))
	mux.HandleFunc("/api/v1/expenses/paid", requireMethod(http.MethodPost, httpHandler.MarkPaid))
	mux.HandleFunc("/api/v1/expenses/history", requireMethod(http.MethodGet, httpHandler.History))
	mux.HandleFunc("/api/v1/expenses/workflow/view", requireMethod(http.MethodGet, httpHandler.WorkflowView))

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
	return nil
}

func runSweep() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	ctx := context.Background()
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	engine := service.NewApprovalEngine(
		repository.NewExpenseRepository(db),
		repository.NewCompanyRepository(db),
		service.IdentityConverter{},
		service.NoopNotifier{},
		service.EngineConfig{
			ParallelAutoCloseRatio: cfg.Workflow.ParallelAutoCloseRatio,
			FallbackRole:           cfg.Workflow.FallbackRole,
			FallbackSLAHours:       cfg.Workflow.FallbackSLAHours,
			MaxRetries:             cfg.Workflow.MaxRetries,
		},
		log,
	)

	n, err := engine.SweepEscalations(ctx)
	if err != nil {
		return fmt.Errorf("escalation sweep: %w", err)
	}
	log.Info().Int("escalated", n).Msg("Escalation sweep completed")
	return nil
}

// requireMethod rejects requests with the wrong verb before dispatch.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
