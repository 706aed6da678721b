package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ArclightLabs/paymaster/internal/httpapi"
	"github.com/ArclightLabs/paymaster/internal/store/gormstore"
	"github.com/ArclightLabs/paymaster/internal/store/pgstore"
	"github.com/ArclightLabs/paymaster/pkg/credits"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store"
	flagListenAddr        = "listen-addr"
	flagAuthSigningKey    = "auth-signing-key"
	flagAllowedOrigins    = "allowed-origins"
	flagOracleCentsPerEth = "oracle-cents-per-eth"
	flagReclaimInterval   = "reclaim-interval"

	configKeyDatabaseURL       = "database_url"
	configKeyStoreBackend      = "store"
	configKeyListenAddr        = "listen_addr"
	configKeyAuthSigningKey    = "auth_signing_key"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyOracleCentsPerEth = "oracle_cents_per_eth"
	configKeyReclaimInterval   = "reclaim_interval"

	defaultDatabaseURL     = "sqlite:///tmp/paymaster.db"
	defaultListenAddr      = ":8080"
	defaultReclaimInterval = time.Minute

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreBackend      string
	ListenAddr        string
	AuthSigningKey    string
	AllowedOrigins    []string
	OracleCentsPerEth int64
	ReclaimInterval   time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "paymasterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "paymasterd",
		Short:         "Credits ledger and gas sponsorship server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "storage backend: gorm or pgx (pgx requires a postgres url)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAuthSigningKey, "", "HMAC key for bearer tokens; empty disables auth")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().Int64(flagOracleCentsPerEth, 0, "ETH price in cents used to convert gas costs")
	cmd.Flags().Duration(flagReclaimInterval, defaultReclaimInterval, "how often expired holds are reclaimed")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyStoreBackend:      "STORE_BACKEND",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAuthSigningKey:    "AUTH_SIGNING_KEY",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyOracleCentsPerEth: "ORACLE_CENTS_PER_ETH",
		configKeyReclaimInterval:   "RECLAIM_INTERVAL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyStoreBackend:      flagStoreBackend,
		configKeyListenAddr:        flagListenAddr,
		configKeyAuthSigningKey:    flagAuthSigningKey,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyOracleCentsPerEth: flagOracleCentsPerEth,
		configKeyReclaimInterval:   flagReclaimInterval,
	}
	for key, flagName := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.OracleCentsPerEth = viper.GetInt64(configKeyOracleCentsPerEth)
	cfg.ReclaimInterval = viper.GetDuration(configKeyReclaimInterval)
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = defaultReclaimInterval
	}
	if cfg.OracleCentsPerEth <= 0 {
		return fmt.Errorf("oracle cents per eth must be positive")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}
	executor, err := credits.NewExecutor(store, clock, 0)
	if err != nil {
		return fmt.Errorf("idempotency executor init: %w", err)
	}
	reclaimer, err := credits.NewReclaimer(service, store, cfg.ReclaimInterval, logger)
	if err != nil {
		return fmt.Errorf("reclaimer init: %w", err)
	}
	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		AuthSigningKey:    cfg.AuthSigningKey,
		OracleCentsPerEth: cfg.OracleCentsPerEth,
	}, service, executor, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reclaimer.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	switch cfg.StoreBackend {
	case storeBackendPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("the pgx backend requires a postgres url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error { pool.Close(); return nil }
		return pgstore.New(pool), cleanup, nil
	case storeBackendGorm:
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := prepareSchema(gormDB, driver); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		return gormstore.New(gormDB), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "paymaster.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
