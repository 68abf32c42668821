package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// IdPの種別
const (
	ProviderSupabase = "supabase"
	ProviderLocal    = "local"
)

// EnvDevelopment はCookieのSecure属性を外す実行環境名。
const EnvDevelopment = "development"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity provider
	IdentityProvider       string
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	JWTSigningKey          string
	ProviderTimeout        time.Duration
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration

	// Rate Limit（req/min）
	RateLimitAuth    int
	RateLimitGeneral int

	// Reconcile worker
	ReconcileInterval time.Duration
	ReconcilePageSize int

	// Refresh token cleanup（IDENTITY_PROVIDER=local のみ）
	TokenCleanupInterval  time.Duration
	TokenCleanupRetention time.Duration

	// Server
	AppEnv      string
	ServerPort  string
	FrontendURL string

	// Cookie
	CookieSecure bool
	CookieDomain string
	CSRFEnabled  bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IdentityProvider = strings.ToLower(getEnvString("IDENTITY_PROVIDER", ProviderSupabase))
	switch cfg.IdentityProvider {
	case ProviderSupabase:
		cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
		if cfg.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
		if cfg.SupabaseAnonKey == "" {
			missing = append(missing, "SUPABASE_ANON_KEY")
		}
	case ProviderLocal:
		cfg.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
		if cfg.JWTSigningKey == "" {
			missing = append(missing, "JWT_SIGNING_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported IDENTITY_PROVIDER %q (want %q or %q)",
			cfg.IdentityProvider, ProviderSupabase, ProviderLocal)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SupabaseServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute)
	cfg.ReconcilePageSize = getEnvInt("RECONCILE_PAGE_SIZE", 100)
	cfg.TokenCleanupInterval = getEnvDuration("TOKEN_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.TokenCleanupRetention = getEnvDuration("TOKEN_CLEANUP_RETENTION", 7*24*time.Hour)
	cfg.AppEnv = getEnvString("APP_ENV", "production")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.FrontendURL = getEnvString("FRONTEND_URL", "http://localhost:5173")
	cfg.CookieSecure = cfg.AppEnv != EnvDevelopment
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CSRFEnabled = getEnvBool("CSRF_ENABLED", false)

	return cfg, nil
}

// HasDirectory は管理者向けIdP操作（ID指定の復旧、スイープ）が利用可能かを返す。
// 組み込みIdPは常に利用可能。SupabaseはService Role Keyが必要。
func (c *Config) HasDirectory() bool {
	return c.IdentityProvider == ProviderLocal || c.SupabaseServiceRoleKey != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
