package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/referralhub/internal/config"
	"github.com/ehr/referralhub/internal/domain/bed"
	"github.com/ehr/referralhub/internal/domain/hospital"
	"github.com/ehr/referralhub/internal/domain/referral"
	"github.com/ehr/referralhub/internal/domain/transfer"
	"github.com/ehr/referralhub/internal/platform/auth"
	"github.com/ehr/referralhub/internal/platform/db"
	"github.com/ehr/referralhub/internal/platform/middleware"
	"github.com/ehr/referralhub/internal/platform/notification"
	"github.com/ehr/referralhub/internal/platform/relay"
	"github.com/ehr/referralhub/internal/platform/telemetry"
	"github.com/ehr/referralhub/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "referral-server",
		Short:        "Inter-hospital referral and transfer coordination server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(bedsCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
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
			ctx := context.Background()
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
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
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
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func bedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beds",
		Short: "Manage hospital beds",
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Add beds to a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("hospital")
			count, _ := cmd.Flags().GetInt("count")
			bedType, _ := cmd.Flags().GetString("type")

			hospitalID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--hospital must be a uuid: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := bed.NewService(bed.NewRepoPG(pool), nil, newLogger(cfg.Env))
			beds, err := svc.Provision(ctx, hospitalID, count, bedType)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned %d bed(s) for hospital %s: %d-%d\n",
				len(beds), hospitalID, beds[0].BedNumber, beds[len(beds)-1].BedNumber)
			return nil
		},
	}
	provisionCmd.Flags().String("hospital", "", "Hospital id")
	provisionCmd.Flags().Int("count", 1, "Number of beds to add")
	provisionCmd.Flags().String("type", bed.DefaultBedType, "Bed type")
	_ = provisionCmd.MarkFlagRequired("hospital")

	cmd.AddCommand(provisionCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage hospital access tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a hospital user",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("hospital")
			name, _ := cmd.Flags().GetString("name")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			hospitalID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--hospital must be a uuid: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tok, err := auth.IssueToken(jwtConfig(cfg), auth.Principal{HospitalID: hospitalID, Name: name, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issueCmd.Flags().String("hospital", "", "Hospital id")
	issueCmd.Flags().String("name", "", "User display name")
	issueCmd.Flags().StringSlice("roles", []string{auth.RoleCoordinator}, "Roles (coordinator, bed_manager, admin)")
	issueCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = issueCmd.MarkFlagRequired("hospital")

	cmd.AddCommand(issueCmd)
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: cfg.SigningKey(),
		Skipper:    auth.AuthSkipper,
	}
}

// newServer builds the echo instance with the global middleware chain.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Hospital-ID", "X-User-Name"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	return e
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

func hospitalFromRequest(c echo.Context) string {
	id := auth.HospitalFromContext(c.Request().Context())
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// eventPublisher is what the domain services broadcast through: the local
// hub, or the Redis relay in front of it.
type eventPublisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Realtime
	hub := websocket.NewHub(logger)
	defer hub.Close()

	var pub eventPublisher = hub
	var rl *relay.Relay
	if cfg.RedisURL != "" {
		client, err := relay.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure redis relay")
		}
		rl = relay.New(client, cfg.RelayChannel, hub, logger)
		defer rl.Close()
		pub = rl
		logger.Info().Str("channel", cfg.RelayChannel).Msg("cross-instance relay enabled")
	}
	metrics := telemetry.NewProvider()
	pub = metrics.WrapPublisher(pub)

	// Domain services
	notifications := notification.NewManager(
		notification.LogSender{Logger: logger.With().Str("component", "notifications").Logger()},
		notification.NewTemplateEngine(),
		notification.DefaultMaxStored,
	)
	dir := hospital.NewDirectory(hospital.NewRepoPG(pool), cfg.NotificationDuration())
	beds := bed.NewService(bed.NewRepoPG(pool), pub, logger)
	transfers := transfer.NewService(transfer.NewRepoPG(pool), dir, nil, pub, notifications, logger)

	sched := referral.NewScheduler(cfg.EscalationTimeout, logger)
	opts := []referral.Option{referral.WithNotifier(notifications)}
	if fb := cfg.FallbackHospitalID(); fb != uuid.Nil {
		opts = append(opts, referral.WithFallbackHospital(fb))
		logger.Info().Str("hospital_id", fb.String()).Msg("escalation fallback hospital configured")
	}
	referrals := referral.NewService(referral.NewRepoPG(pool), db.NewTxRunner(pool), dir, beds, transfers,
		sched, pub, logger, opts...)
	transfers.SetReferralSource(referrals)
	beds.SetTransferStatus(transfers)

	metrics.RegisterGauge("referral_escalation_timers_armed", "Pending referrals with an armed escalation timer.",
		func() int64 { return int64(sched.Armed()) })
	metrics.RegisterGauge("websocket_clients", "Connected dashboard clients on this instance.",
		func() int64 { return int64(hub.ClientCount()) })

	restored, err := referrals.Restore(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to restore escalation timers")
	}
	logger.Info().Int("pending", restored).Msg("escalation timers restored")

	// HTTP
	e := newServer(cfg, logger)
	e.Use(metrics.MetricsMiddleware())
	e.GET("/metrics", metrics.PrometheusHandler())
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	hospital.NewHandler(dir).RegisterRoutes(apiV1)
	bed.NewHandler(beds).RegisterRoutes(apiV1)
	transfer.NewHandler(transfers).RegisterRoutes(apiV1)
	referral.NewHandler(referrals).RegisterRoutes(apiV1)
	notification.NewHandler(notifications).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins, hospitalFromRequest).RegisterRoutes(e.Group(""))

	checks := map[string]db.Pinger{}
	if rl != nil {
		checks["redis"] = rl
	}
	e.GET("/health/db", db.HealthHandler(pool, checks))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		sched.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
