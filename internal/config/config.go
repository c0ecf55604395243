package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minSecretLength はSERVER_SECRETに要求する最小バイト数。
const minSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Secret はパスワードのペッパーとセッショントークン署名鍵の導出元。
	ServerSecret string

	// Session
	SessionTTL time.Duration

	// Search
	IndexDir          string // 空の場合はインメモリインデックス（起動時にDBから再構築）
	SearchLimit       int
	RecentPostsMax    int
	ReconcileInterval time.Duration
	ReconcileBatch    int

	// Credential (argon2id)
	Argon2MemoryKiB   uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel string

	// Server
	ServerPort     string
	BaseURL        string
	MaxConnections int // 同時接続数の上限。0以下は無制限

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// TrustProxy はX-Forwarded-For等からクライアントIPを復元するかどうか。
	// リバースプロキシの背後で動かす場合のみ有効にする。
	TrustProxy bool
}

// fileConfig はCONFIG_FILEで指定するYAMLファイルの構造。
// ここで指定した値は既定値として扱い、環境変数が優先される。
type fileConfig struct {
	DatabaseURL       string `yaml:"database_url"`
	ServerSecret      string `yaml:"server_secret"`
	SessionTTL        string `yaml:"session_ttl"`
	IndexDir          string `yaml:"index_dir"`
	SearchLimit       int    `yaml:"search_limit"`
	RecentPostsMax    int    `yaml:"recent_posts_max"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	ReconcileBatch    int    `yaml:"reconcile_batch_size"`
	Argon2MemoryKiB   int    `yaml:"argon2_memory_kib"`
	Argon2Iterations  int    `yaml:"argon2_iterations"`
	Argon2Parallelism int    `yaml:"argon2_parallelism"`
	RateLimitGeneral  int    `yaml:"rate_limit_general"`
	RateLimitAuth     int    `yaml:"rate_limit_auth"`
	LogLevel          string `yaml:"log_level"`
	ServerPort        string `yaml:"server_port"`
	MaxConnections    int    `yaml:"max_connections"`
	BaseURL           string `yaml:"base_url"`
	CookieDomain      string `yaml:"cookie_domain"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
	TrustProxy        bool   `yaml:"trust_proxy"`
}

// Load は環境変数（およびCONFIG_FILEが指定されていればYAMLファイル）からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	fc, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = getEnvString("DATABASE_URL", fc.DatabaseURL)
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.ServerSecret = getEnvString("SERVER_SECRET", fc.ServerSecret)
	if cfg.ServerSecret == "" {
		missing = append(missing, "SERVER_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.ServerSecret) < minSecretLength {
		return nil, fmt.Errorf("SERVER_SECRET must be at least %d bytes", minSecretLength)
	}

	// Optional fields with defaults
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", parseDuration(fc.SessionTTL, 30*24*time.Hour))
	cfg.IndexDir = getEnvString("INDEX_DIR", fc.IndexDir)
	cfg.SearchLimit = getEnvInt("SEARCH_LIMIT", orInt(fc.SearchLimit, 10))
	cfg.RecentPostsMax = getEnvInt("RECENT_POSTS_MAX", orInt(fc.RecentPostsMax, 100))
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", parseDuration(fc.ReconcileInterval, time.Minute))
	cfg.ReconcileBatch = getEnvInt("RECONCILE_BATCH_SIZE", orInt(fc.ReconcileBatch, 100))
	cfg.Argon2MemoryKiB = uint32(getEnvInt("ARGON2_MEMORY_KIB", orInt(fc.Argon2MemoryKiB, 64*1024)))
	cfg.Argon2Iterations = uint32(getEnvInt("ARGON2_ITERATIONS", orInt(fc.Argon2Iterations, 1)))
	cfg.Argon2Parallelism = uint8(getEnvInt("ARGON2_PARALLELISM", orInt(fc.Argon2Parallelism, 4)))
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", orInt(fc.RateLimitGeneral, 120))
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", orInt(fc.RateLimitAuth, 10))
	cfg.LogLevel = getEnvString("LOG_LEVEL", orString(fc.LogLevel, "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", orString(fc.ServerPort, "8080"))
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", orInt(fc.MaxConnections, 512))
	cfg.BaseURL = getEnvString("BASE_URL", orString(fc.BaseURL, "http://localhost:8080"))
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", fc.CookieDomain)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", orString(fc.CORSAllowedOrigin, "http://localhost:5000"))
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", fc.TrustProxy)

	return cfg, nil
}

// loadFile はYAML設定ファイルを読み込む。pathが空の場合はゼロ値を返す。
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file: %w", err)
	}
	return fc, nil
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

func parseDuration(v string, defaultVal time.Duration) time.Duration {
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func orInt(v, defaultVal int) int {
	if v == 0 {
		return defaultVal
	}
	return v
}

func orString(v, defaultVal string) string {
	if v == "" {
		return defaultVal
	}
	return v
}
