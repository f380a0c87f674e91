package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret  string
	SessionMaxAge  int
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration

	// Client providers
	ClientIdleTimeout time.Duration
	GuardWait         time.Duration

	// Object storage (S3互換)
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string

	// Photo
	PhotoMaxSize       int64
	PhotoMaxDimension  int
	CameraStreamURL    string
	CameraCaptureDelay time.Duration

	// Mail
	MailAPIURL      string
	MailAPIKey      string
	MailSenderEmail string
	MailSenderName  string

	// Mood
	MoodHistoryLimit int

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
	BaseURL    string

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

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", &cfg.GoogleRedirectURL},
		{"SESSION_SECRET", &cfg.SessionSecret},
		{"BASE_URL", &cfg.BaseURL},
		{"S3_ENDPOINT", &cfg.S3Endpoint},
		{"S3_BUCKET", &cfg.S3Bucket},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.VerifyTokenTTL = getEnvDuration("VERIFY_TOKEN_TTL", 72*time.Hour)
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.ClientIdleTimeout = getEnvDuration("CLIENT_IDLE_TIMEOUT", 30*time.Minute)
	cfg.GuardWait = getEnvDuration("GUARD_WAIT", 500*time.Millisecond)
	cfg.S3AccessKey = getEnvString("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvString("S3_SECRET_KEY", "")
	cfg.S3PublicBaseURL = getEnvString("S3_PUBLIC_BASE_URL", strings.TrimRight(cfg.S3Endpoint, "/")+"/"+cfg.S3Bucket)
	cfg.PhotoMaxSize = getEnvInt64("PHOTO_MAX_SIZE", 5242880)
	cfg.PhotoMaxDimension = getEnvInt("PHOTO_MAX_DIMENSION", 1024)
	cfg.CameraStreamURL = getEnvString("CAMERA_STREAM_URL", "")
	cfg.CameraCaptureDelay = getEnvDuration("CAMERA_CAPTURE_DELAY", 3*time.Second)
	cfg.MailAPIURL = getEnvString("MAIL_API_URL", "")
	cfg.MailAPIKey = getEnvString("MAIL_API_KEY", "")
	cfg.MailSenderEmail = getEnvString("MAIL_SENDER_EMAIL", "no-reply@localhost")
	cfg.MailSenderName = getEnvString("MAIL_SENDER_NAME", "Kokoro")
	cfg.MoodHistoryLimit = getEnvInt("MOOD_HISTORY_LIMIT", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

// MailEnabled はメール送信APIが設定されているかを返す。
// 未設定の場合、確認・リセットメールはログ出力のみになる。
func (c *Config) MailEnabled() bool {
	return c.MailAPIURL != "" && c.MailAPIKey != ""
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
