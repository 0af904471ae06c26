package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/database"
	"github.com/buildpad-dev/buildpad/internal/dispatcher"
	"github.com/buildpad-dev/buildpad/internal/handler"
	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/middleware"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	sandboxdocker "github.com/buildpad-dev/buildpad/internal/sandbox/docker"
	"github.com/buildpad-dev/buildpad/internal/sandbox/mock"
	"github.com/buildpad-dev/buildpad/internal/service"
	"github.com/buildpad-dev/buildpad/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed database with the anonymous user
	if err := db.Seed(); err != nil {
		log.Fatalf("Failed to seed database: %v", err)
	}

	if cfg.AuthEnabled {
		log.Println("Authentication enabled - users must log in")
	} else {
		log.Println("Authentication disabled - using anonymous user mode")
	}

	s := store.New(db.DB)

	// Initialize the sandbox provider
	var provider sandbox.Provider
	switch cfg.SandboxProvider {
	case "docker":
		provider, err = sandboxdocker.NewProvider(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize Docker sandbox provider: %v", err)
		}
		log.Println("Sandbox provider initialized (type: docker)")
	case "mock":
		provider = mock.NewProvider()
		log.Println("Sandbox provider initialized (type: mock)")
	default:
		log.Fatalf("Unsupported sandbox provider: %s", cfg.SandboxProvider)
	}

	// Orchestration services share the resolver and the per-project locks
	locks := service.NewProjectLocks()
	resolver := service.NewResolver(provider, s)
	scaffolder := service.NewScaffolder(cfg, s, resolver, locks)
	previewer := service.NewPreviewer(cfg, s, resolver, locks)
	commandGateway := service.NewCommandGateway(cfg, s, resolver, locks)

	jobQueue := jobs.NewQueue(s, cfg)
	projectService := service.NewProjects(s, provider, jobQueue)

	// Mark projects stranded in scaffolding by a previous crash before the
	// dispatcher starts claiming jobs.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := projectService.ReconcileStuck(ctx); err != nil {
			log.Printf("Warning: failed to reconcile stuck projects: %v", err)
		}
		if err := s.DeleteExpiredUserSessions(ctx); err != nil {
			log.Printf("Warning: failed to prune expired sessions: %v", err)
		}
		cancel()
	}

	// Initialize and start the job dispatcher
	var disp *dispatcher.Service
	if cfg.DispatcherEnabled {
		disp = dispatcher.NewService(s, cfg)
		disp.RegisterExecutor(dispatcher.NewScaffoldProjectExecutor(scaffolder))
		disp.RegisterExecutor(dispatcher.NewSandboxDestroyExecutor(provider))
		disp.Start(context.Background())
		log.Printf("Job dispatcher started (server ID: %s)", disp.ServerID())
	} else {
		log.Println("Job dispatcher disabled")
	}

	// Pause sandboxes that sit idle past the timeout
	reaper := service.NewReaper(cfg, s, provider, locks)
	reaper.Start()

	h := handler.New(s, cfg, provider, projectService, previewer, commandGateway, jobQueue)

	// Wire up job queue notification to dispatcher for immediate execution
	if disp != nil {
		jobQueue.SetNotifyFunc(disp.NotifyNewJob)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Auth routes (no auth required)
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.AuthLogin)
		r.Get("/callback", h.AuthCallback)
		r.Post("/logout", h.AuthLogout)
		r.Get("/me", h.AuthMe)
	})

	// API routes (auth required)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(h.AuthService(), cfg))

		// CRUD routes get the usual request timeout
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Get("/projects", h.ListProjects)
			r.Post("/projects", h.CreateProject)

			r.Route("/projects/{projectId}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Delete("/", h.DeleteProject)
				r.Post("/scaffold", h.ScaffoldProject)

				r.Get("/files", h.GetProjectFiles)
				r.Put("/files", h.SaveProjectFile)
				r.Delete("/files", h.DeleteProjectFile)

				r.Get("/preview/logs", h.GetPreviewLogs)
			})
		})

		// Preview startup and command runs take minutes and bound their own
		// deadlines; the log stream is a long-lived WebSocket.
		r.Post("/projects/{projectId}/preview", h.StartPreview)
		r.Post("/projects/{projectId}/command", h.RunCommand)
		r.Get("/projects/{projectId}/preview/logs/stream", h.StreamPreviewLogs)
	})

	// WriteTimeout stays unset: command runs and the log WebSocket outlive
	// any sane fixed value.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop dispatcher first (finish in-flight jobs)
	if disp != nil {
		disp.Stop()
	}
	reaper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
