package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpserver"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/provider"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagWebhookSecret      = "webhook-secret"
	flagProviderBaseURL    = "provider-base-url"
	flagProviderAPIToken   = "provider-api-token"
	flagCatalogFile        = "catalog-file"
	flagStoreBackend       = "store-backend"
	configKeyDatabaseURL   = "database_url"
	configKeyListenAddr    = "listen_addr"
	configKeyOrigins       = "allowed_origins"
	configKeySigningKey    = "session_signing_key"
	configKeyIssuer        = "session_issuer"
	configKeyCookieName    = "session_cookie_name"
	configKeyWebhookSecret = "webhook_secret"
	configKeyProviderURL   = "provider_base_url"
	configKeyProviderToken = "provider_api_token"
	configKeyCatalogFile   = "catalog_file"
	configKeyStoreBackend  = "store_backend"
	defaultDatabaseURL     = "sqlite:///tmp/tokenledger.db"
	defaultHTTPListenAddr  = ":9090"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	storeBackendGorm       = "gorm"
	storeBackendPgx        = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
	ProviderBaseURL   string
	ProviderAPIToken  string
	CatalogFile       string
	StoreBackend      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tokenledgerd",
		Short:         "Prepaid token ledger HTTP server",
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
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "Session JWT signing key")
	cmd.Flags().String(flagSessionIssuer, defaultSessionIssuer, "Session JWT issuer")
	cmd.Flags().String(flagSessionCookieName, defaultSessionCookie, "Session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "Shared secret for webhook signatures")
	cmd.Flags().String(flagProviderBaseURL, "", "Payment provider read API base URL")
	cmd.Flags().String(flagProviderAPIToken, "", "Payment provider read API token")
	cmd.Flags().String(flagCatalogFile, "", "JSON catalog seed file applied at startup")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "Store backend for postgres databases (gorm or pgx)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		configKey string
		envName   string
		flagName  string
	}{
		{configKeyDatabaseURL, "DATABASE_URL", flagDatabaseURL},
		{configKeyListenAddr, "HTTP_LISTEN_ADDR", flagListenAddr},
		{configKeyOrigins, "ALLOWED_ORIGINS", flagAllowedOrigins},
		{configKeySigningKey, "SESSION_SIGNING_KEY", flagSessionSigningKey},
		{configKeyIssuer, "SESSION_ISSUER", flagSessionIssuer},
		{configKeyCookieName, "SESSION_COOKIE_NAME", flagSessionCookieName},
		{configKeyWebhookSecret, "WEBHOOK_SECRET", flagWebhookSecret},
		{configKeyProviderURL, "PROVIDER_BASE_URL", flagProviderBaseURL},
		{configKeyProviderToken, "PROVIDER_API_TOKEN", flagProviderAPIToken},
		{configKeyCatalogFile, "CATALOG_FILE", flagCatalogFile},
		{configKeyStoreBackend, "STORE_BACKEND", flagStoreBackend},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.configKey, binding.envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySigningKey)
	cfg.SessionIssuer = viper.GetString(configKeyIssuer)
	cfg.SessionCookieName = viper.GetString(configKeyCookieName)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.ProviderBaseURL = viper.GetString(configKeyProviderURL)
	cfg.ProviderAPIToken = viper.GetString(configKeyProviderToken)
	cfg.CatalogFile = viper.GetString(configKeyCatalogFile)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
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

	options := []tokenledger.ServiceOption{
		tokenledger.WithOperationLogger(oplog.NewZapOperationLogger(logger)),
	}
	if cfg.ProviderBaseURL != "" {
		providerClient, err := provider.NewClient(provider.Config{
			BaseURL:  cfg.ProviderBaseURL,
			APIToken: cfg.ProviderAPIToken,
		})
		if err != nil {
			return fmt.Errorf("provider client init: %w", err)
		}
		options = append(options, tokenledger.WithProviderOrders(providerClient))
	} else {
		logger.Warn("provider base url not set, reconciliation sweep disabled")
	}

	tokenService, err := tokenledger.NewService(store, clock, options...)
	if err != nil {
		return fmt.Errorf("token service init: %w", err)
	}

	if err := seedCatalog(ctx, tokenService, cfg.CatalogFile, logger); err != nil {
		return err
	}

	serverConfig := httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		WebhookSecret:     cfg.WebhookSecret,
	}
	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return httpserver.Run(ctx, serverConfig, tokenService, logger)
}

type catalogFileEntry struct {
	ProductID   string `json:"product_id"`
	Name        string `json:"name"`
	PriceCents  int64  `json:"price_cents"`
	TokenAmount int64  `json:"token_amount"`
}

// seedCatalog applies the deploy-time catalog file, if configured. Upserts
// keyed by external product id make reapplication on every boot safe.
func seedCatalog(ctx context.Context, service *tokenledger.Service, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}
	var fileEntries []catalogFileEntry
	if err := json.Unmarshal(raw, &fileEntries); err != nil {
		return fmt.Errorf("parse catalog file: %w", err)
	}
	entries := make([]tokenledger.CatalogEntry, 0, len(fileEntries))
	for _, fileEntry := range fileEntries {
		entry, err := tokenledger.NewCatalogEntry(fileEntry.ProductID, fileEntry.Name, fileEntry.PriceCents, fileEntry.TokenAmount)
		if err != nil {
			return fmt.Errorf("catalog entry %q: %w", fileEntry.ProductID, err)
		}
		entries = append(entries, entry)
	}
	if err := service.UpsertCatalog(ctx, entries); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("catalog seeded", zap.Int("entries", len(entries)), zap.String("file", path))
	return nil
}

// openStore picks the persistence stack from the DSN and configured
// backend: sqlite and postgres over GORM by default, raw pgx against
// postgres when requested.
func openStore(ctx context.Context, cfg *runtimeConfig) (tokenledger.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" && cfg.StoreBackend == storeBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(db, driver); err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
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
			path = "tokenledger.db"
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
