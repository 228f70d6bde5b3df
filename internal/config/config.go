package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the billing service and its optional components.
type Config struct {
	ListenAddr        string
	LogLevel          string
	BackendBaseURL    string
	BackendAPIPrefix  string
	FrontendURL       string
	RequestTimeout    time.Duration
	DefaultCurrency   string
	MaxTopupCredits   int
	WebhookGrace      time.Duration
	VerifyRecheck     time.Duration
	VerifyMaxRechecks int
	CacheTTL          time.Duration
	MySQLDSN          string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	TelegramBotToken  string
	TelegramChatID    int64
	S3Endpoint        string
	S3Region          string
	S3AccessKey       string
	S3SecretKey       string
	S3Bucket          string
	S3UsePathStyle    bool
	S3Prefix          string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		BackendBaseURL:    normalizeBaseURL(os.Getenv("BACKEND_BASE_URL")),
		BackendAPIPrefix:  NormalizeAPIPrefix(getEnv("BACKEND_API_PREFIX", "/api")),
		FrontendURL:       normalizeBaseURL(os.Getenv("FRONTEND_URL")),
		RequestTimeout:    time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", "EUR")),
		MaxTopupCredits:   getInt("MAX_TOPUP_CREDITS", 1000000),
		WebhookGrace:      time.Millisecond * time.Duration(getInt("WEBHOOK_GRACE_MS", 2000)),
		VerifyRecheck:     time.Millisecond * time.Duration(getInt("VERIFY_RECHECK_DELAY_MS", 2000)),
		VerifyMaxRechecks: getInt("VERIFY_MAX_RECHECKS", 1),
		CacheTTL:          time.Second * time.Duration(getInt("CACHE_TTL_SECONDS", 30)),
		MySQLDSN:          os.Getenv("MYSQL_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          os.Getenv("S3_REGION"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3UsePathStyle:    getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:          getEnv("S3_PREFIX", "receipts"),
	}

	var missing []string
	if cfg.BackendBaseURL == "" {
		missing = append(missing, "BACKEND_BASE_URL")
	}
	if cfg.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID == 0 {
		missing = append(missing, "TELEGRAM_ALERT_CHAT_ID")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.VerifyMaxRechecks < 0 {
		cfg.VerifyMaxRechecks = 0
	}

	return cfg, nil
}

// ArchiveEnabled reports whether finished attempts are archived to S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// AlertsEnabled reports whether pending escalations are sent to Telegram.
func (c Config) AlertsEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// normalizeBaseURL adds a missing scheme and drops trailing slashes so paths can be appended.
// NormalizeAPIPrefix returns raw with one leading slash and no trailing one.
// A blank or root prefix becomes empty so paths join without a double slash.
func NormalizeAPIPrefix(raw string) string {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	return "/" + trimmed
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + raw)
		if err != nil {
			return ""
		}
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overlays the first env file found; running purely from the
// process environment (containers) is fine, so a missing file is not an error.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
