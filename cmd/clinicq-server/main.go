package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicq/clinicq/internal/config"
	"github.com/clinicq/clinicq/internal/domain/clinic"
	"github.com/clinicq/clinicq/internal/domain/patient"
	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/lock"
	"github.com/clinicq/clinicq/internal/platform/middleware"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicq-server",
		Short: "Clinic appointment queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume token events and send patient notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close sessions left open on past days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			loc, _ := cfg.Location()
			closed, err := queue.NewSweeper(st.sessions, loc, logger).Run(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Closed %d stale session(s).\n", closed)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			pool, dir, err := migrationPool(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			pool, dir, err := migrationPool(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationPool(cmd *cobra.Command) (*pgxpool.Pool, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	if cfg.UseMemoryStore() {
		return nil, "", fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, "", err
	}
	return pool, migrationsDir(cmd, cfg), nil
}

// migrationsDir prefers an explicit --dir over MIGRATIONS_DIR.
func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("dir") {
		dir, _ := cmd.Flags().GetString("dir")
		return dir
	}
	return cfg.MigrationsDir
}

// stores holds the repositories for one backing store. pool is nil when the
// server runs on process memory.
type stores struct {
	pool      *pgxpool.Pool
	tx        db.TxRunner
	chambers  clinic.ChamberRepository
	templates clinic.TemplateRepository
	patients  patient.Repository
	sessions  queue.SessionRepository
	tokens    queue.TokenRepository
}

func memoryStores() *stores {
	chambers := clinic.NewMemoryChamberRepo()
	q := queue.NewMemoryStore()
	return &stores{
		tx:        db.Passthrough{},
		chambers:  chambers,
		templates: clinic.NewMemoryTemplateRepo(chambers),
		patients:  patient.NewMemoryRepo(),
		sessions:  q.Sessions(),
		tokens:    q.Tokens(),
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.UseMemoryStore() {
		return memoryStores(), nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &stores{
		pool:      pool,
		tx:        db.NewTxManager(pool),
		chambers:  clinic.NewChamberRepoPG(pool),
		templates: clinic.NewTemplateRepoPG(pool),
		patients:  patient.NewRepoPG(pool),
		sessions:  queue.NewSessionRepoPG(pool),
		tokens:    queue.NewTokenRepoPG(pool),
	}, nil
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// services is the wired domain layer.
type services struct {
	clinic   *clinic.Service
	patients *patient.Service
	queue    *queue.Service
}

func newServices(cfg *config.Config, st *stores, locker lock.Locker, events notification.Publisher, logger zerolog.Logger) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clinicSvc := clinic.NewService(st.tx, st.chambers, st.templates, logger.With().Str("component", "clinic").Logger())
	patientSvc := patient.NewService(st.patients, logger.With().Str("component", "patient").Logger())
	queueSvc := queue.NewService(queue.Config{
		DefaultCapacity: cfg.DefaultSessionCapacity,
		InternalHorizon: cfg.InternalHorizonDays,
		PublicHorizon:   cfg.PublicHorizonDays,
		FilterElapsed:   cfg.FilterElapsedSlots,
		MaxRetries:      cfg.BookingMaxRetries,
		Location:        loc,
	}, queue.Deps{
		Tx:       st.tx,
		Locks:    locker,
		Catalog:  clinicSvc,
		Patients: patientSvc,
		Sessions: st.sessions,
		Tokens:   st.tokens,
		Events:   events,
		Logger:   logger.With().Str("component", "queue").Logger(),
	})
	return &services{clinic: clinicSvc, patients: patientSvc, queue: queueSvc}, nil
}

// authMiddleware picks JWT or development auth. Public paths skip both.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "jwt" {
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	}
	dev := auth.DevAuthMiddleware()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := dev(next)
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			return guarded(c)
		}
	}
}

func newEcho(cfg *config.Config, svcs *services, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevDoctorHeader},
	}))
	e.Use(authMiddleware(cfg))

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	clinic.NewHandler(svcs.clinic).RegisterRoutes(apiV1)
	patient.NewHandler(svcs.patients).RegisterRoutes(apiV1)
	queueHandler := queue.NewHandler(svcs.queue)
	queueHandler.RegisterRoutes(apiV1)
	queueHandler.RegisterPublicRoutes(e.Group("/public"))

	return e
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	// Storage
	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if st.pool != nil {
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("running on the in-memory store")
	}

	// Locks and events
	var locker lock.Locker = lock.NewLocal()
	var events notification.Publisher = notification.NopPublisher{}
	rdb, err := newRedisClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis configuration")
	}
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedis(rdb, 0, logger)

		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis configuration")
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		events = notification.NewAsynqPublisher(client)
		logger.Info().Msg("redis locks and notifications enabled")
	}

	svcs, err := newServices(cfg, st, locker, events, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}
	e := newEcho(cfg, svcs, st.pool, logger)

	// Nightly sweep of sessions left open on past days
	loc, _ := cfg.Location()
	scheduler := cron.New(cron.WithLocation(loc))
	sweeper := queue.NewSweeper(st.sessions, loc, logger.With().Str("component", "sweeper").Logger())
	if _, err := sweeper.Schedule(scheduler, cfg.SweepSchedule); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required to run the worker")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}

	mux := asynq.NewServeMux()
	notification.NewHandler(
		notification.NewTemplateEngine(),
		notification.LogSender{Logger: logger},
		logger,
	).Register(mux)

	srv := notification.NewServer(redisOpt, cfg.WorkerConcurrency, logger)
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("starting notification worker")
	// Run blocks until SIGINT or SIGTERM.
	return srv.Run(mux)
}
