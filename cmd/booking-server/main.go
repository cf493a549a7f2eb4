package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/booking/internal/config"
	"github.com/clinic/booking/internal/domain/scheduling"
	"github.com/clinic/booking/internal/platform/db"
	"github.com/clinic/booking/internal/platform/middleware"
	redisplatform "github.com/clinic/booking/internal/platform/redis"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "booking-server",
		Short:        "Clinic appointment booking API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(talonsCmd())

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

func lockPolicy(cfg *config.Config) scheduling.LockPolicy {
	if cfg.SlotLockPolicy == config.LockPolicyNoWait {
		return scheduling.LockPolicy{NoWait: true}
	}
	return scheduling.LockPolicy{Timeout: cfg.SlotLockTimeout}
}

// app holds the wired booking service and the connections behind it.
type app struct {
	svc   *scheduling.Service
	pool  *pgxpool.Pool
	redis *redisplatform.Client
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// newApp selects the storage driver, optionally layers the Redis busy-slot
// cache on top and builds the service.
func newApp(ctx context.Context, cfg *config.Config, metrics *scheduling.Metrics, logger zerolog.Logger) (*app, error) {
	a := &app{}
	var (
		slots     scheduling.SlotStore
		schedules scheduling.ScheduleRepository
		doctors   scheduling.DoctorRepository
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		slots = scheduling.NewSlotStorePG(pool, lockPolicy(cfg))
		schedules = scheduling.NewScheduleRepoPG(pool)
		doctors = scheduling.NewDoctorRepoPG(pool)
		logger.Info().Msg("connected to database")
	default:
		memDoctors := scheduling.NewMemoryDoctorRepo()
		seedDemo(memDoctors, logger)
		slots = scheduling.NewMemorySlotStore(scheduling.WithMemoryLockPolicy(lockPolicy(cfg)))
		schedules = scheduling.NewMemoryScheduleRepo()
		doctors = memDoctors
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	rc, err := redisplatform.New(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.redis = rc
	slots = busyCache(slots, rc, cfg.BusyCacheTTL, metrics, logger)

	a.svc = scheduling.NewService(schedules, doctors, slots, metrics, logger)
	return a, nil
}

// busyCache layers the Redis busy-slot projection over slots. A zero ttl
// disables the cache, go-redis would keep such entries forever.
func busyCache(slots scheduling.SlotStore, rc *redisplatform.Client, ttl time.Duration, metrics *scheduling.Metrics, logger zerolog.Logger) scheduling.SlotStore {
	if rc == nil {
		return slots
	}
	if ttl <= 0 {
		logger.Info().Msg("busy-slot cache disabled by BUSY_CACHE_TTL=0")
		return slots
	}
	logger.Info().Dur("ttl", ttl).Msg("busy-slot cache enabled")
	return scheduling.NewCachedSlotStore(slots, rc, ttl, metrics, logger)
}

// seedDemo fills an empty in-memory doctor directory so the memory driver
// is usable without a database.
func seedDemo(repo *scheduling.MemoryDoctorRepo, logger zerolog.Logger) {
	clinic := uuid.MustParse("6f1c2a4e-0b7d-4b53-9a51-3d0f3c1e9a01")
	for _, d := range []*scheduling.Doctor{
		{ID: uuid.MustParse("0c5e8f2a-5a0e-4e0e-8bb6-6a2f1d7c4b10"), ClinicID: &clinic, LastName: "Ivanova", FirstName: "Anna", Patronymic: "Sergeevna", FullName: "Ivanova Anna Sergeevna", DurationMinutes: 30},
		{ID: uuid.MustParse("9d2b7c61-3f4a-4d8e-a1c5-2e6b8f0d3a22"), ClinicID: &clinic, LastName: "Petrov", FirstName: "Ilya", Patronymic: "Olegovich", FullName: "Petrov Ilya Olegovich", DurationMinutes: 20},
	} {
		repo.Put(d)
		logger.Debug().Str("doctor_id", d.ID.String()).Str("name", d.FullName).Msg("seeded demo doctor")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func newRouter(cfg *config.Config, a *app, reg *prometheus.Registry, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))
	// handlers run on the timeout goroutine, recover there
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, "talon"))
	}
	if a.redis != nil {
		e.GET("/health/redis", func(c echo.Context) error {
			if err := a.redis.Health(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			}
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	scheduling.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(nil)
		l.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scheduling.NewMetrics(reg)

	a, err := newApp(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise storage")
		return err
	}
	defer a.Close()

	e := newRouter(cfg, a, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting booking server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := requirePostgres(cfg, "migrations"); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// requirePostgres rejects commands that only make sense against a shared
// database. The memory driver starts every process with an empty store.
func requirePostgres(cfg *config.Config, what string) error {
	if !cfg.UsesPostgres() {
		return fmt.Errorf("%s require STORE_DRIVER=%s", what, config.StoreDriverPostgres)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// talonsCmd exposes materialization and booking for operators and cron jobs.
func talonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "talons",
		Short: "Generate and book talons",
	}

	withService := func(cmd *cobra.Command, fn func(ctx context.Context, svc *scheduling.Service) (interface{}, error)) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := requirePostgres(cfg, "talon commands"); err != nil {
			return err
		}
		logger := newLogger(cfg).Level(zerolog.WarnLevel)
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, nil, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := fn(ctx, a.svc)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	idFlag := func(cmd *cobra.Command, name string) (uuid.UUID, error) {
		raw, _ := cmd.Flags().GetString(name)
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("--%s must be a UUID: %w", name, err)
		}
		return id, nil
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Materialize the talons of a stored schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idFlag(cmd, "schedule")
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) (interface{}, error) {
				created, err := svc.GenerateTalons(ctx, id)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"talon_count": len(created), "talons": created}, nil
			})
		},
	}
	generateCmd.Flags().String("schedule", "", "Schedule ID")
	_ = generateCmd.MarkFlagRequired("schedule")
	cmd.AddCommand(generateCmd)

	for _, op := range []struct {
		use, short string
		run        func(*scheduling.Service, context.Context, uuid.UUID) (*scheduling.Slot, error)
	}{
		{"book", "Book a free talon", (*scheduling.Service).BookSlot},
		{"cancel", "Release a booked talon", (*scheduling.Service).CancelSlot},
	} {
		sub := &cobra.Command{
			Use:   op.use,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := idFlag(cmd, "id")
				if err != nil {
					return err
				}
				return withService(cmd, func(ctx context.Context, svc *scheduling.Service) (interface{}, error) {
					return op.run(svc, ctx, id)
				})
			},
		}
		sub.Flags().String("id", "", "Talon ID")
		_ = sub.MarkFlagRequired("id")
		cmd.AddCommand(sub)
	}

	return cmd
}
