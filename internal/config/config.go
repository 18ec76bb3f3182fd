package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Server   ServerConfig
	Caption  CaptionConfig
	App      AppConfig
	Session  SessionConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Archive  ArchiveConfig
	LogLevel string
}

type ServerConfig struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type CaptionConfig struct {
	Endpoint    string
	Timeout     time.Duration
	ContentType string
}

type AppConfig struct {
	Title          string
	Placeholder    string
	MaxUploadBytes int64
	AllowedOrigins []string
}

type SessionConfig struct {
	Store         string
	TTL           time.Duration
	CookieName    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type DatabaseConfig struct {
	DSN string
}

// Enabled reports whether the submission audit log is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.DSN != ""
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Load reads the optional env files (".env" when none are given) and then the
// process environment. Values already present in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetString("SERVER_PORT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Caption: CaptionConfig{
			Endpoint:    v.GetString("CAPTION_ENDPOINT"),
			Timeout:     v.GetDuration("CAPTION_TIMEOUT"),
			ContentType: v.GetString("CAPTION_CONTENT_TYPE"),
		},
		App: AppConfig{
			Title:          v.GetString("APP_TITLE"),
			Placeholder:    v.GetString("APP_PLACEHOLDER"),
			MaxUploadBytes: v.GetInt64("APP_MAX_UPLOAD_BYTES"),
			AllowedOrigins: splitList(v.GetString("APP_ALLOWED_ORIGINS")),
		},
		Session: SessionConfig{
			Store:         strings.ToLower(v.GetString("SESSION_STORE")),
			TTL:           v.GetDuration("SESSION_TTL"),
			CookieName:    v.GetString("SESSION_COOKIE"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("DATABASE_DSN"),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
		Archive: ArchiveConfig{
			Enabled:         v.GetBool("ARCHIVE_ENABLED"),
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			BucketName:      v.GetString("S3_BUCKET_NAME"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			Prefix:          v.GetString("S3_PREFIX"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "3000")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CAPTION_ENDPOINT", "http://127.0.0.1:8080/image-upload")
	v.SetDefault("CAPTION_TIMEOUT", time.Duration(0))
	v.SetDefault("CAPTION_CONTENT_TYPE", "text/plain; charset=utf-8")

	v.SetDefault("APP_TITLE", "IMAGE CAPTION DEMO")
	v.SetDefault("APP_PLACEHOLDER", "Wait for response..")
	v.SetDefault("APP_MAX_UPLOAD_BYTES", 10*1024*1024) // 10MB
	v.SetDefault("APP_ALLOWED_ORIGINS", "http://localhost:3000")

	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("SESSION_TTL", 24*time.Hour)
	v.SetDefault("SESSION_COOKIE", "caption_session")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ARCHIVE_ENABLED", false)
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET_NAME", "caption-images")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_PREFIX", "uploads/")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	endpoint, err := url.Parse(c.Caption.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid CAPTION_ENDPOINT: %w", err)
	}
	if (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return fmt.Errorf("invalid CAPTION_ENDPOINT %q: must be an absolute http(s) URL", c.Caption.Endpoint)
	}
	if c.Caption.Timeout < 0 {
		return fmt.Errorf("invalid CAPTION_TIMEOUT %s: must not be negative", c.Caption.Timeout)
	}

	switch c.Session.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("invalid SESSION_STORE %q: expected %q or %q", c.Session.Store, StoreMemory, StoreRedis)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("invalid SESSION_TTL %s: must be positive", c.Session.TTL)
	}
	if c.Session.CookieName == "" {
		return errors.New("SESSION_COOKIE must not be empty")
	}

	if c.App.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid APP_MAX_UPLOAD_BYTES %d: must be positive", c.App.MaxUploadBytes)
	}

	for _, origin := range c.App.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("invalid APP_ALLOWED_ORIGINS entry %q: must start with http:// or https://", origin)
		}
	}

	if c.Archive.Enabled && c.Archive.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when ARCHIVE_ENABLED is set")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
