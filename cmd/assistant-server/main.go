package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ehr/assistant/internal/config"
	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/domain/assistant"
	"github.com/ehr/assistant/internal/domain/assistant/tools"
	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/domain/usage"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/llm"
	"github.com/ehr/assistant/internal/platform/middleware"
	"github.com/ehr/assistant/internal/platform/scheduling"
	"github.com/ehr/assistant/internal/platform/telemetry"
	"github.com/ehr/assistant/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "assistant-server",
		Short: "Clinic assistant orchestration and audit API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the on-disk directory when one is configured and
// the embedded migrations otherwise.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// openPool loads config and connects, for the one-shot CLI commands.
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

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			schema := db.SchemaName(tenant)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (default DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (default DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
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

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationSource(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and maintain the audit chain",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit chain of one tenant, or of every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants := []string{tenant}
			if tenant == "" {
				if tenants, err = db.ListTenants(ctx, pool); err != nil {
					return err
				}
			}

			store := auditlog.NewPGStore(pool)
			broken := 0
			for _, t := range tenants {
				res, err := verifyTenant(ctx, pool, store, t)
				if err != nil {
					return fmt.Errorf("verify tenant %s: %w", t, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeVerify(t, res))
				if !res.Valid {
					broken++
				}
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d audit chain(s) failed verification", broken, len(tenants))
			}
			return nil
		},
	}
	verifyCmd.Flags().String("tenant", "", "Tenant to verify (default every tenant)")

	rechainCmd := &cobra.Command{
		Use:   "rechain",
		Short: "Recompute every hash of a tenant's audit chain in order",
		Long: "Rechain rewrites hash and previous_hash for every entry from the genesis value. " +
			"It erases the evidence of any tampering, so run it only after a documented migration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			confirm, _ := cmd.Flags().GetBool("confirm")
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			if !confirm {
				return fmt.Errorf("rechain rewrites the audit chain of %s; pass --confirm to proceed", tenant)
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := auditlog.NewPGStore(pool)
			var count int
			err = db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
				count, err = store.Rechain(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("rechain tenant %s: %w", tenant, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rechained %d audit entr(ies) for tenant %s.\n", count, tenant)
			return nil
		},
	}
	rechainCmd.Flags().String("tenant", "", "Tenant whose chain is rewritten")
	rechainCmd.Flags().Bool("confirm", false, "Confirm the rewrite")

	cmd.AddCommand(verifyCmd, rechainCmd)
	return cmd
}

func verifyTenant(ctx context.Context, pool *pgxpool.Pool, store auditlog.Store, tenant string) (*auditlog.VerifyResult, error) {
	var res *auditlog.VerifyResult
	err := db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
		var err error
		res, err = auditlog.Verify(ctx, store, auditlog.Range{})
		return err
	})
	return res, err
}

func describeVerify(tenant string, res *auditlog.VerifyResult) string {
	if res.Valid {
		return fmt.Sprintf("%s: ok (%d entries)", tenant, res.Checked)
	}
	return fmt.Sprintf("%s: BROKEN after %d entries: %v", tenant, res.Checked, res.Err())
}

// verifyAllJob checks every tenant's chain. Breaks are logged, never repaired.
func verifyAllJob(pool *pgxpool.Pool, store auditlog.Store, logger zerolog.Logger) scheduling.Job {
	return func(ctx context.Context) error {
		tenants, err := db.ListTenants(ctx, pool)
		if err != nil {
			return err
		}
		var errs []error
		for _, t := range tenants {
			res, err := verifyTenant(ctx, pool, store, t)
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", t, err))
				continue
			}
			if !res.Valid {
				logger.Error().Str("tenant_id", t).Int("checked", res.Checked).
					Interface("first_broken_at", res.FirstBrokenAt).Str("reason", res.Reason).
					Msg("audit_chain_broken")
				errs = append(errs, fmt.Errorf("tenant %s: %w", t, res.Err()))
				continue
			}
			logger.Info().Str("tenant_id", t).Int("checked", res.Checked).Msg("audit_chain_verified")
		}
		return errors.Join(errs...)
	}
}

// newLogger writes JSON to stdout, or to the console writer in development,
// and also to a rotating file when LOG_FILE is set.
func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return zerolog.New(out).With().Timestamp().Str("service", "assistant-server").Logger()
}

// newUsageRepo picks the counter backend named by USAGE_BACKEND.
func newUsageRepo(cfg *config.Config, pool *pgxpool.Pool) (usage.Repository, func() error, error) {
	if cfg.UsageBackend != "redis" {
		return usage.NewCounterRepoPG(pool), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return usage.NewCounterRepoRedis(rdb), rdb.Close, nil
}

func runServer() error {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.TelemetryConfig{
		ServiceName:    "assistant-server",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Environment:    cfg.Env,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Schema setup happens here, once, before any request is served.
	migrationsFS := migrationSource(cfg.MigrationsDir)
	if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrationsFS); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare default tenant")
	}
	tenants, err := db.ListTenants(ctx, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list tenants")
	}
	migrator := db.NewMigrator(pool, migrationsFS)
	for _, t := range tenants {
		n, err := migrator.Up(ctx, db.SchemaName(t))
		if err != nil {
			logger.Fatal().Err(err).Str("tenant_id", t).Msg("failed to migrate tenant")
		}
		if n > 0 {
			logger.Info().Str("tenant_id", t).Int("applied", n).Msg("tenant_migrated")
		}
	}

	usageRepo, closeUsage, err := newUsageRepo(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up usage ledger")
	}
	defer closeUsage()

	// Core services
	auditStore := auditlog.NewPGStore(pool)
	auditWriter := auditlog.NewWriter(auditStore, nil, logger)
	ledger := usage.NewService(usageRepo, cfg.DailyTokenLimit, logger)

	chart := clinical.NewRepoPG(pool)
	committer := actions.NewCommitter(clinical.NewUnitOfWorkPG(pool, cfg.CommitStatementTimeout), chart, auditWriter, logger)

	registry, err := tools.NewCatalog(tools.Deps{
		Chart:     chart,
		Worklist:  chart,
		Query:     clinical.NewQueryRunnerPG(pool, cfg.QueryStatementTimeout),
		Committer: committer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build tool catalog")
	}
	dispatcher := tools.NewDispatcher(registry, auditWriter, logger)

	gateway := llm.NewOpenAIGateway(llm.OpenAIConfig{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Timeout: cfg.LLMTimeout,
	})

	assistantSvc := assistant.NewService(
		assistant.NewConversationRepoPG(pool), gateway, dispatcher, ledger, auditWriter, chart,
		assistant.Config{
			Model:         cfg.LLMModel,
			Temperature:   cfg.LLMTemperature,
			MaxTokens:     cfg.LLMMaxTokens,
			MaxToolRounds: cfg.MaxToolRounds,
			HistoryLimit:  cfg.HistoryLimit,
			ContextTTL:    cfg.ContextTTL,
		},
		logger,
	)

	// Scheduled chain verification
	scheduler := scheduling.NewScheduler(logger, 0)
	if err := scheduler.Register("audit_verify", cfg.AuditVerifySchedule, verifyAllJob(pool, auditStore, logger)); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule audit verification")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.SecureWithConfig(echomw.DefaultSecureConfig))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	chatLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}, middleware.TenantUserKey)

	assistant.NewHandler(assistantSvc, chatLimit).RegisterRoutes(apiV1)
	actions.NewHandler(committer).RegisterRoutes(apiV1)
	usage.NewHandler(ledger).RegisterRoutes(apiV1)
	auditlog.NewHandler(auditStore).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("model", cfg.LLMModel).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
