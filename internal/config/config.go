package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Site
	BaseURL string

	// Session
	CookiesFile       string
	TokenMaxAge       time.Duration
	LoginPollInterval time.Duration

	// Browser
	Headless   bool
	ChromePath string
	UserAgent  string

	// Fetch
	FetchTimeout         time.Duration
	PageSettle           time.Duration
	FetchMaxAttempts     int
	BackoffBase          time.Duration
	RateLimitBackoffBase time.Duration
	BackoffMax           time.Duration

	// Batch
	BatchDelayMin      time.Duration
	BatchDelayMax      time.Duration
	MaxRequestsPerHour int

	// Persistence
	DatabaseURL   string
	DataDir       string
	RetentionDays int

	// Files
	ScheduleFile string
	LocatorsFile string

	// Notification
	NotifyWebhookURL string

	// Server
	ServerPort string
	APIToken   string

	// Logging
	LogLevel string

	// Timezone
	Location *time.Location
}

// DefaultUserAgent はブラウザに設定する既定のUser-Agent。
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// LoadDotEnv はカレントディレクトリの.envを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 値の整合性が取れない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", "https://www.instagram.com"), "/")
	cfg.CookiesFile = getEnvString("COOKIES_FILE", "cookies/ig_cookies.json")
	cfg.TokenMaxAge = getEnvDuration("TOKEN_MAX_AGE", 7*24*time.Hour)
	cfg.LoginPollInterval = getEnvDuration("LOGIN_POLL_INTERVAL", 3*time.Second)
	cfg.Headless = getEnvBool("HEADLESS", true)
	cfg.ChromePath = getEnvString("CHROME_PATH", "")
	cfg.UserAgent = getEnvString("USER_AGENT", DefaultUserAgent)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.PageSettle = getEnvDuration("PAGE_SETTLE", 5*time.Second)
	cfg.FetchMaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", 3)
	cfg.BackoffBase = getEnvDuration("BACKOFF_BASE", 5*time.Second)
	cfg.RateLimitBackoffBase = getEnvDuration("RATE_LIMIT_BACKOFF_BASE", 5*time.Minute)
	cfg.BackoffMax = getEnvDuration("BACKOFF_MAX", 30*time.Minute)
	cfg.BatchDelayMin = getEnvDuration("BATCH_DELAY_MIN", 3*time.Second)
	cfg.BatchDelayMax = getEnvDuration("BATCH_DELAY_MAX", 8*time.Second)
	cfg.MaxRequestsPerHour = getEnvInt("MAX_REQUESTS_PER_HOUR", 60)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.DataDir = getEnvString("DATA_DIR", "data/hashtags")
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 180)
	cfg.ScheduleFile = getEnvString("SCHEDULE_FILE", "config/schedule.json5")
	cfg.LocatorsFile = getEnvString("LOCATORS_FILE", "")
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.APIToken = getEnvString("API_TOKEN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	tz := getEnvString("TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	var invalid []string
	if cfg.FetchMaxAttempts < 1 {
		invalid = append(invalid, "FETCH_MAX_ATTEMPTS")
	}
	if cfg.BatchDelayMin < 0 || cfg.BatchDelayMax < cfg.BatchDelayMin {
		invalid = append(invalid, "BATCH_DELAY_MIN/BATCH_DELAY_MAX")
	}
	if !backoffKeepsDoubling(cfg.FetchMaxAttempts, cfg.BackoffBase, cfg.RateLimitBackoffBase, cfg.BackoffMax) {
		invalid = append(invalid, "FETCH_MAX_ATTEMPTS/BACKOFF_BASE/RATE_LIMIT_BACKOFF_BASE/BACKOFF_MAX")
	}
	if cfg.FetchTimeout <= 0 {
		invalid = append(invalid, "FETCH_TIMEOUT")
	}
	if cfg.MaxRequestsPerHour < 0 {
		invalid = append(invalid, "MAX_REQUESTS_PER_HOUR")
	}
	if cfg.RetentionDays < 1 {
		invalid = append(invalid, "RETENTION_DAYS")
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

// backoffKeepsDoubling は最後のリトライまで待機時間が上限に達せず倍増できるかを返す。
// n回目のリトライ前の待機は最大で base·2^(n-1) になるため、
// 長い方の基準値で attempts-1 回目が上限以下に収まることを求める。
func backoffKeepsDoubling(attempts int, base, rateLimitBase, ceiling time.Duration) bool {
	if base <= 0 || rateLimitBase <= 0 || ceiling <= 0 {
		return false
	}
	d := max(base, rateLimitBase)
	for n := 2; n < attempts; n++ {
		if d > ceiling/2 {
			return false
		}
		d *= 2
	}
	return d <= ceiling
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
