package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/realtime"
	"github.com/carebridge/telesync/internal/shared/auth"
	"github.com/carebridge/telesync/internal/shared/config"
	"github.com/carebridge/telesync/internal/shared/database"
	"github.com/carebridge/telesync/internal/shared/logging"
	"github.com/carebridge/telesync/internal/shared/metrics"
	secmiddleware "github.com/carebridge/telesync/internal/shared/middleware"
	"github.com/carebridge/telesync/internal/telehealth"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "telesync",
		Short:         "Reactive document sync for the telehealth app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(referralsCmd())
	rootCmd.AddCommand(errorsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the document store over the realtime websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log.Level, cfg.Server.Env)

			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(ctx, db.Pool, log); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")

			switch role {
			case auth.RolePatient, auth.RoleCHW, auth.RoleSpecialist, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(cfg.Auth, auth.User{ID: userID, Role: role, DisplayName: name})
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "User id (token subject)")
	cmd.Flags().String("role", auth.RolePatient, "Role: patient, chw, specialist or admin")
	cmd.Flags().String("name", "", "Display name")
	cmd.MarkFlagRequired("user")
	return cmd
}

// server holds what the HTTP surface reports on
type server struct {
	cfg      *config.Config
	db       *database.DB
	realtime *realtime.Handler
}

func runServer(cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &server{cfg: cfg}
	store, closeStore, err := s.openStore(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()

	guarded := docstore.Guard(store, telehealth.Rules(), log)
	s.realtime = realtime.NewHandler(guarded, realtime.WithHandlerLogger(log))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     s.routes(ctx, log),
		ReadTimeout: 15 * time.Second,
		// Websocket connections outlive any write timeout; frames carry their own deadlines
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("env", cfg.Server.Env).
			Str("store", cfg.Store.Backend).
			Int("port", cfg.Server.Port).
			Msg("telesync server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown
	s.realtime.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

func (s *server) openStore(ctx context.Context, log zerolog.Logger) (docstore.Store, func(), error) {
	switch s.cfg.Store.Backend {
	case "postgres":
		db, err := database.New(ctx, s.cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, db.Pool, log); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		pg := docstore.NewPGStore(db.Pool, log)
		if err := pg.Start(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		s.db = db
		return pg, func() {
			pg.Close()
			db.Close()
		}, nil

	default:
		opts := []docstore.MemOption{docstore.WithMemLogger(log)}
		if dir := s.cfg.Store.DataDir; dir != "" {
			p, err := docstore.NewPersistence(dir, log)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, docstore.WithPersistence(p))
		}
		mem, err := docstore.NewMemStore(opts...)
		if err != nil {
			return nil, nil, err
		}
		return mem, mem.Wait, nil
	}
}

func (s *server) routes(ctx context.Context, log zerolog.Logger) http.Handler {
	limiter := secmiddleware.NewIPRateLimiter(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst)
	go limiter.Start(ctx, time.Minute, 10*time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(limiter.Middleware)
	r.Use(secmiddleware.InputSanitizer)

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.cfg.Auth))
		r.Handle("/realtime", s.realtime)
	})
	return r
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"server": "ready",
		"store":  s.cfg.Store.Backend,
	}

	ready := true
	if s.db != nil {
		s.db.Stats()
		if err := s.db.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
			ready = false
		} else {
			checks["database"] = "ready"
		}
	} else {
		checks["database"] = "not configured"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      map[bool]string{true: "ready", false: "not ready"}[ready],
		"checks":      checks,
		"connections": s.realtime.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
