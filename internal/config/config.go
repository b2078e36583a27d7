// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthConfig holds client authentication settings for the wire listener.
type AuthConfig struct {
	Mode      string // trust, password or jwt
	Users     string // user:password pairs for password mode
	JWTSecret string // HS256 shared secret for jwt mode
	IssuerURL string // OIDC issuer for jwt mode
	Audience  string // required audience claim
}

// ObjectStoreConfig holds credentials for bucket-backed model stores and the
// DuckDB httpfs secret.
type ObjectStoreConfig struct {
	// S3 fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3URLStyle string // "path" (default) or "vhost"

	GCSKeyFile string // service account JSON; empty uses application default credentials

	AzureAccountName string
	AzureAccountKey  string
}

// HasS3Credentials returns true if both S3 key fields are set.
func (o *ObjectStoreConfig) HasS3Credentials() bool {
	return o.S3KeyID != nil && o.S3Secret != nil
}

// Config holds the gateway configuration.
type Config struct {
	PGListenAddr    string // PG wire listen address
	AdminListenAddr string // admin HTTP listen address; empty disables it
	DatabaseName    string // virtual database name
	TLSCertFile     string // TLS certificate file path (optional)
	TLSKeyFile      string // TLS private key file path (optional)
	LogLevel        string // log level: debug, info, warn, error (default "info")
	Env             string // environment: "development" (default) or "production"

	Auth        AuthConfig
	ObjectStore ObjectStoreConfig

	// Catalog refresh
	CatalogTTL            time.Duration
	CatalogMaxStaleness   time.Duration
	CatalogRefreshTimeout time.Duration

	// Session limits
	QueryTimeout          time.Duration
	IdleSessionTimeout    time.Duration
	MaxConnections        int
	ConnRateLimitRPS      float64
	ConnRateLimitBurst    int
	MaxPreparedStatements int
	MaxMessageSize        int

	ModelStore        string // file://, sqlite://, s3://, gs:// or az:// URI
	WarehouseDSN      string // duckdb://[path] or postgres://...
	WarehouseInitFile string // SQL run once against DuckDB at startup

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the gateway is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// TLSEnabled returns true when a certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		PGListenAddr:      envDefault("PG_LISTEN_ADDR", "127.0.0.1:15432"),
		DatabaseName:      envDefault("DATABASE_NAME", "semantic"),
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		Env:               os.Getenv("ENV"),
		ModelStore:        envDefault("MODEL_STORE", "file://./models"),
		WarehouseDSN:      envDefault("WAREHOUSE_DSN", "duckdb://"),
		WarehouseInitFile: os.Getenv("WAREHOUSE_INIT_FILE"),
	}
	// An explicitly empty ADMIN_LISTEN_ADDR disables the admin server.
	if v, ok := os.LookupEnv("ADMIN_LISTEN_ADDR"); ok {
		cfg.AdminListenAddr = strings.TrimSpace(v)
	} else {
		cfg.AdminListenAddr = "127.0.0.1:8089"
	}

	var err error
	if cfg.CatalogTTL, err = parseDurationEnv("CATALOG_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CatalogMaxStaleness, err = parseDurationEnv("CATALOG_MAX_STALENESS", time.Hour); err != nil {
		return nil, err
	}
	if cfg.CatalogRefreshTimeout, err = parseDurationEnv("CATALOG_REFRESH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = parseDurationEnv("QUERY_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleSessionTimeout, err = parseDurationEnv("IDLE_SESSION_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxConnections, err = parseIntEnv("MAX_CONNECTIONS", 100); err != nil {
		return nil, err
	}
	if cfg.ConnRateLimitBurst, err = parseIntEnv("CONN_RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.MaxPreparedStatements, err = parseIntEnv("MAX_PREPARED_STATEMENTS", 4096); err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize, err = parseIntEnv("MAX_MESSAGE_SIZE", 1<<20); err != nil {
		return nil, err
	}
	cfg.ConnRateLimitRPS = 20
	if v := os.Getenv("CONN_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("CONN_RATE_LIMIT_RPS: invalid value %q", v)
		}
		cfg.ConnRateLimitRPS = f
	}

	cfg.Auth = AuthConfig{
		Mode:      strings.ToLower(envDefault("AUTH_MODE", "trust")),
		Users:     os.Getenv("AUTH_USERS"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		IssuerURL: os.Getenv("AUTH_ISSUER_URL"),
		Audience:  os.Getenv("AUTH_AUDIENCE"),
	}

	// Object store credentials are optional; only set if present.
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		cfg.ObjectStore.S3KeyID = &v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.S3Secret = &v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.ObjectStore.S3Endpoint = &v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.ObjectStore.S3Region = &v
	}
	cfg.ObjectStore.S3URLStyle = envDefault("S3_URL_STYLE", "path")
	cfg.ObjectStore.GCSKeyFile = os.Getenv("GCS_KEY_FILE")
	cfg.ObjectStore.AzureAccountName = os.Getenv("AZURE_ACCOUNT_NAME")
	cfg.ObjectStore.AzureAccountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if c.MaxPreparedStatements <= 0 {
		return fmt.Errorf("MAX_PREPARED_STATEMENTS must be positive")
	}
	if c.MaxMessageSize < 1024 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 1024 bytes")
	}

	switch c.Auth.Mode {
	case "trust":
		c.Warnings = append(c.Warnings, "AUTH_MODE=trust accepts any user without a password")
	case "password":
		if c.Auth.Users == "" {
			return fmt.Errorf("AUTH_USERS is required when AUTH_MODE=password")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" && c.Auth.IssuerURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires JWT_SECRET or AUTH_ISSUER_URL")
		}
		if c.Auth.IssuerURL != "" && c.Auth.Audience == "" {
			return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be one of trust, password, jwt (got %q)", c.Auth.Mode)
	}
	if c.Auth.Mode != "trust" && !c.TLSEnabled() {
		c.Warnings = append(c.Warnings, "passwords and tokens are sent in cleartext; set TLS_CERT_FILE and TLS_KEY_FILE")
	}
	if c.CatalogRefreshTimeout <= 0 {
		return fmt.Errorf("CATALOG_REFRESH_TIMEOUT must be positive")
	}
	if c.CatalogTTL == 0 {
		c.Warnings = append(c.Warnings, "CATALOG_TTL=0 disables scheduled catalog refresh")
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		if c.Auth.Mode == "trust" {
			return fmt.Errorf("AUTH_MODE=trust is not allowed in production (ENV=production)")
		}
		if !c.TLSEnabled() {
			return fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production")
		}
	}
	return nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
