package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxBridgeTokenTTL はブリッジ資格情報の有効期間の上限。
const maxBridgeTokenTTL = 5 * time.Minute

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Token
	AuthTokenSecret string
	SessionMaxAge   int           // idToken Cookieとベアラートークンの有効期間（秒）
	BridgeTokenTTL  time.Duration // 上限5分

	// Steam
	SteamAPIKey    string // 未設定の場合、上流を呼ぶエンドポイントは500を返す
	SteamTimeout   time.Duration
	SteamRateLimit float64 // 1秒あたりのリクエスト数

	// Cache
	CacheTTL           time.Duration
	CacheRetentionDays int
	GameNameCacheSize  int

	// Rate Limit（1分あたり）
	RateLimitGeneral  int
	RateLimitUpstream int

	// Refresh Worker
	RefreshInterval      time.Duration
	RefreshMaxConcurrent int
	RefreshBatchSize     int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string // フロントエンドのURL
	APIBaseURL string // OpenIDのreturn_to・realmに使うAPIのURL

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
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

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.AuthTokenSecret = os.Getenv("AUTH_TOKEN_SECRET")
	if cfg.AuthTokenSecret == "" {
		missing = append(missing, "AUTH_TOKEN_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 3600)
	cfg.BridgeTokenTTL = getEnvDuration("BRIDGE_TOKEN_TTL", maxBridgeTokenTTL)
	if cfg.BridgeTokenTTL <= 0 || cfg.BridgeTokenTTL > maxBridgeTokenTTL {
		cfg.BridgeTokenTTL = maxBridgeTokenTTL
	}
	cfg.SteamAPIKey = os.Getenv("STEAM_API_KEY")
	cfg.SteamTimeout = getEnvDuration("STEAM_TIMEOUT", 10*time.Second)
	cfg.SteamRateLimit = getEnvFloat("STEAM_RATE_LIMIT", 10)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 24*time.Hour)
	cfg.CacheRetentionDays = getEnvInt("CACHE_RETENTION_DAYS", 90)
	cfg.GameNameCacheSize = getEnvInt("GAME_NAME_CACHE_SIZE", 1024)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpstream = getEnvInt("RATE_LIMIT_UPSTREAM", 30)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 15*time.Minute)
	cfg.RefreshMaxConcurrent = getEnvInt("REFRESH_MAX_CONCURRENT", 4)
	cfg.RefreshBatchSize = getEnvInt("REFRESH_BATCH_SIZE", 50)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.APIBaseURL = getEnvString("API_BASE_URL", cfg.BaseURL)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", DeriveCookieDomain(cfg.BaseURL))
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// DeriveCookieDomain はURLのホストから登録可能ドメイン（eTLD+1）を求める。
// フロントエンドとAPIがサブドメインで分かれていてもCookieを共有できるようにする。
// localhost・IPアドレス・解析できないURLでは空文字を返し、ホスト限定Cookieになる。
func DeriveCookieDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
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
