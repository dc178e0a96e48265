package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	AuthModeJWT  = "jwt"
	AuthModeOIDC = "oidc"
	AuthModeNone = "none"

	AuthzModeOPA    = "opa"
	AuthzModeStatic = "static"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	StoreBackend   string `yaml:"store_backend"`
	StoreTimeoutMs int    `yaml:"store_timeout_ms"`

	PostgresDSN             string `yaml:"postgres_dsn"`
	PostgresMaxOpenConns    int    `yaml:"postgres_max_open_conns"`
	PostgresMaxIdleConns    int    `yaml:"postgres_max_idle_conns"`
	PostgresConnIdleSeconds int    `yaml:"postgres_conn_max_idle_seconds"`
	DBAutoMigrate           bool   `yaml:"db_auto_migrate"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisNamespace string `yaml:"redis_namespace"`
	RedisPoolSize  int    `yaml:"redis_pool_size"`

	AuthMode        string `yaml:"auth_mode"`
	JWTSecret       string `yaml:"jwt_secret"`
	JWTIssuer       string `yaml:"jwt_issuer"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`

	OIDCIssuerURL        string `yaml:"oidc_issuer_url"`
	OIDCJWKSURL          string `yaml:"oidc_jwks_url"`
	OIDCAudience         string `yaml:"oidc_audience"`
	OIDCClockSkewSeconds int    `yaml:"oidc_clock_skew_seconds"`
	OIDCRolePrefix       string `yaml:"oidc_role_prefix"`

	AuthzMode       string `yaml:"authz_mode"`
	AuthzPolicyPath string `yaml:"authz_policy_path"`

	CryptoWorkers int    `yaml:"crypto_workers"`
	KDFTime       uint32 `yaml:"kdf_time"`
	KDFMemoryKB   uint32 `yaml:"kdf_memory_kb"`
	KDFThreads    uint8  `yaml:"kdf_threads"`
	BcryptCost    int    `yaml:"bcrypt_cost"`

	RateLimitRequests      int  `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int  `yaml:"rate_limit_window_seconds"`
	RateLimitFailClosed    bool `yaml:"rate_limit_fail_closed"`
	RateLimitMaxKeys       int  `yaml:"rate_limit_max_keys"`

	BootstrapAdminUsername string `yaml:"bootstrap_admin_username"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:                ":3001",
		LogLevel:                "info",
		StoreBackend:            BackendPostgres,
		StoreTimeoutMs:          5000,
		PostgresMaxOpenConns:    20,
		PostgresMaxIdleConns:    5,
		PostgresConnIdleSeconds: 30,
		RedisNamespace:          "/",
		RedisPoolSize:           20,
		AuthMode:                AuthModeJWT,
		JWTIssuer:               "keypaird",
		TokenTTLMinutes:         24 * 60,
		OIDCClockSkewSeconds:    60,
		AuthzMode:               AuthzModeOPA,
		CryptoWorkers:           4,
		KDFTime:                 3,
		KDFMemoryKB:             64 * 1024,
		KDFThreads:              2,
		BcryptCost:              12,
		RateLimitWindowSeconds:  60,
		RateLimitMaxKeys:        10000,
		BootstrapAdminUsername:  "admin",
	}
}

// FromEnv loads CONFIG_FILE (if set) over the defaults, then applies the
// environment on top.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = envDefault("HTTP_ADDR", cfg.HTTPAddr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		cfg.HTTPAddr = ":" + port
	}
	cfg.LogLevel = envDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = strings.ToLower(envDefault("STORE_BACKEND", cfg.StoreBackend))
	cfg.StoreTimeoutMs = envIntDefault("STORE_TIMEOUT_MS", cfg.StoreTimeoutMs)

	cfg.PostgresDSN = envDefault("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.PostgresMaxOpenConns = envIntDefault("POSTGRES_MAX_OPEN_CONNS", cfg.PostgresMaxOpenConns)
	cfg.PostgresMaxIdleConns = envIntDefault("POSTGRES_MAX_IDLE_CONNS", cfg.PostgresMaxIdleConns)
	cfg.PostgresConnIdleSeconds = envIntDefault("POSTGRES_CONN_MAX_IDLE_SECONDS", cfg.PostgresConnIdleSeconds)
	cfg.DBAutoMigrate = envBoolDefault("DB_AUTO_MIGRATE", cfg.DBAutoMigrate)

	cfg.RedisAddr = envDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envIntDefault("REDIS_DB", cfg.RedisDB)
	cfg.RedisNamespace = envDefault("REDIS_NAMESPACE", cfg.RedisNamespace)
	cfg.RedisPoolSize = envIntDefault("REDIS_POOL_SIZE", cfg.RedisPoolSize)

	cfg.AuthMode = strings.ToLower(envDefault("AUTH_MODE", cfg.AuthMode))
	cfg.JWTSecret = envDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.TokenTTLMinutes = envIntDefault("TOKEN_TTL_MINUTES", cfg.TokenTTLMinutes)

	cfg.OIDCIssuerURL = envDefault("OIDC_ISSUER_URL", cfg.OIDCIssuerURL)
	cfg.OIDCJWKSURL = envDefault("OIDC_JWKS_URL", cfg.OIDCJWKSURL)
	cfg.OIDCAudience = envDefault("OIDC_AUDIENCE", cfg.OIDCAudience)
	cfg.OIDCClockSkewSeconds = envIntDefault("OIDC_CLOCK_SKEW_SECONDS", cfg.OIDCClockSkewSeconds)
	cfg.OIDCRolePrefix = envDefault("OIDC_ROLE_PREFIX", cfg.OIDCRolePrefix)

	cfg.AuthzMode = strings.ToLower(envDefault("AUTHZ_MODE", cfg.AuthzMode))
	cfg.AuthzPolicyPath = envDefault("AUTHZ_POLICY_PATH", cfg.AuthzPolicyPath)

	cfg.CryptoWorkers = envIntDefault("CRYPTO_WORKERS", cfg.CryptoWorkers)
	cfg.KDFTime = uint32(envIntDefault("KDF_TIME", int(cfg.KDFTime)))
	cfg.KDFMemoryKB = uint32(envIntDefault("KDF_MEMORY_KB", int(cfg.KDFMemoryKB)))
	if threads := envIntDefault("KDF_THREADS", int(cfg.KDFThreads)); threads <= 255 {
		cfg.KDFThreads = uint8(threads)
	}
	cfg.BcryptCost = envIntDefault("BCRYPT_COST", cfg.BcryptCost)

	cfg.RateLimitRequests = envIntDefault("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)
	cfg.RateLimitWindowSeconds = envIntDefault("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimitWindowSeconds)
	cfg.RateLimitFailClosed = envBoolDefault("RATE_LIMIT_FAIL_CLOSED", cfg.RateLimitFailClosed)
	cfg.RateLimitMaxKeys = envIntDefault("RATE_LIMIT_MAX_KEYS", cfg.RateLimitMaxKeys)

	cfg.BootstrapAdminUsername = envDefault("BOOTSTRAP_ADMIN_USERNAME", cfg.BootstrapAdminUsername)
	cfg.BootstrapAdminPassword = envDefault("BOOTSTRAP_ADMIN_PASSWORD", cfg.BootstrapAdminPassword)
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.AuthMode {
	case AuthModeJWT:
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
		}
	case AuthModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			errs = append(errs, errors.New("OIDC_ISSUER_URL is required for oidc auth"))
		}
	case AuthModeNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode))
	}
	switch c.AuthzMode {
	case AuthzModeOPA, AuthzModeStatic:
	default:
		errs = append(errs, fmt.Errorf("unsupported AUTHZ_MODE %q", c.AuthzMode))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, errors.New("BCRYPT_COST must be between 4 and 31"))
	}
	if c.KDFMemoryKB < 8*1024 || c.KDFTime < 1 || c.KDFThreads < 1 {
		errs = append(errs, errors.New("KDF parameters below minimum (8 MiB, 1 pass, 1 thread)"))
	}
	return errors.Join(errs...)
}

func (c Config) StoreTimeout() time.Duration {
	if c.StoreTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

func (c Config) OIDCClockSkew() time.Duration {
	return time.Duration(c.OIDCClockSkewSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c Config) PostgresConnMaxIdleTime() time.Duration {
	return time.Duration(c.PostgresConnIdleSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}
