// Package config loads sentinel's settings from a YAML file and the
// environment, then validates them before anything starts.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/ratelimit"
	"mawney.org/sentinel/internal/secerr"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "sentinel.yaml"

// Config is the root configuration. Sources, highest precedence first:
//  1. the path passed to Load (the --config flag);
//  2. the file named by CONFIG_PATH;
//  3. sentinel.yaml in the working directory;
//  4. environment variables only.
//
// Environment variables always overlay values read from a file. A .env file in
// the working directory is loaded into the environment first, without
// overriding variables that are already set.
type Config struct {
	Env        string           `yaml:"env" env:"ENV" env-default:"dev"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	JWT        JWTConfig        `yaml:"jwt"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Audit      AuditConfig      `yaml:"audit"`
	Data       DataConfig       `yaml:"data"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Stores     StoresConfig     `yaml:"stores"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy      bool          `yaml:"trust_proxy" env:"HTTP_TRUST_PROXY" env-default:"false"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"9090"`
}

// Addr returns host:port. An empty port disables the gRPC listener.
func (g GRPCConfig) Addr() string {
	if g.Port == "" {
		return ""
	}
	return net.JoinHostPort(g.Host, g.Port)
}

// JWTConfig selects HS256 when Secret is set and RS256 when both key files are.
type JWTConfig struct {
	AccessTTL      time.Duration `yaml:"access_token_ttl" env:"JWT_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTTL     time.Duration `yaml:"refresh_token_ttl" env:"JWT_REFRESH_TOKEN_TTL" env-default:"168h"`
	Issuer         string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"sentinel"`
	Secret         string        `yaml:"secret" env:"JWT_SECRET"`
	PrivateKeyFile string        `yaml:"private_key_file" env:"JWT_PRIVATE_KEY_FILE"`
	PublicKeyFile  string        `yaml:"public_key_file" env:"JWT_PUBLIC_KEY_FILE"`
	KeyID          string        `yaml:"key_id" env:"JWT_KEY_ID"`
	SyncInterval   time.Duration `yaml:"sync_interval" env:"JWT_REVOCATION_SYNC_INTERVAL" env-default:"30s"`
	CleanupEvery   time.Duration `yaml:"cleanup_interval" env:"JWT_CLEANUP_INTERVAL" env-default:"1h"`
}

// RS256 reports whether asymmetric signing is configured.
func (j JWTConfig) RS256() bool { return j.PrivateKeyFile != "" && j.PublicKeyFile != "" }

type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	PerMinute       int           `yaml:"per_minute" env:"RATE_LIMIT_PER_MINUTE" env-default:"100"`
	PerHour         int           `yaml:"per_hour" env:"RATE_LIMIT_PER_HOUR" env-default:"1000"`
	AuthAttempts    int           `yaml:"auth_attempts" env:"RATE_LIMIT_AUTH_ATTEMPTS" env-default:"5"`
	ExportPerHour   int           `yaml:"export_per_hour" env:"RATE_LIMIT_EXPORT_PER_HOUR" env-default:"1"`
	UploadPerMinute int           `yaml:"upload_per_minute" env:"RATE_LIMIT_UPLOAD_PER_MINUTE" env-default:"10"`
	Burst           int           `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"10"`
	Refill          float64       `yaml:"refill" env:"RATE_LIMIT_REFILL" env-default:"10"`
	KeyStrategy     string        `yaml:"key_strategy" env:"RATE_LIMIT_KEY_STRATEGY" env-default:"auto"`
	ProbeInterval   time.Duration `yaml:"probe_interval" env:"RATE_LIMIT_PROBE_INTERVAL" env-default:"10s"`
}

// Policy converts the knobs into per-class windows.
func (r RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		ratelimit.ClassDefault: {{Limit: r.PerMinute, Period: time.Minute}, {Limit: r.PerHour, Period: time.Hour}},
		ratelimit.ClassAuth:    {{Limit: r.AuthAttempts, Period: time.Minute}},
		ratelimit.ClassExport:  {{Limit: r.ExportPerHour, Period: time.Hour}},
		ratelimit.ClassUpload:  {{Limit: r.UploadPerMinute, Period: time.Minute}},
	}
}

type EncryptionConfig struct {
	// Keys is "kid:base64key,..."; the first entry encrypts.
	Keys     string `yaml:"keys" env:"ENCRYPTION_KEYS" env-required:"true"`
	IndexKey string `yaml:"index_key" env:"ENCRYPTION_INDEX_KEY" env-required:"true"`
}

// Codec builds the field codec from the configured keys.
func (e EncryptionConfig) Codec() (*fieldcrypt.Codec, error) {
	keys, err := fieldcrypt.ParseKeys(e.Keys)
	if err != nil {
		return nil, err
	}
	ring, err := fieldcrypt.NewKeyring(keys...)
	if err != nil {
		return nil, err
	}
	index, err := fieldcrypt.DecodeSecret(e.IndexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: index key: %v", secerr.ErrInvalidInput, err)
	}
	return fieldcrypt.NewCodec(ring, index)
}

type AuditConfig struct {
	RetentionDays   int           `yaml:"retention_days" env:"AUDIT_RETENTION_DAYS" env-default:"2555"`
	QueueSize       int           `yaml:"queue_size" env:"AUDIT_QUEUE_SIZE" env-default:"10000"`
	BacklogAlert    int           `yaml:"backlog_alert" env:"AUDIT_BACKLOG_ALERT" env-default:"5000"`
	RetentionPeriod time.Duration `yaml:"retention_interval" env:"AUDIT_RETENTION_INTERVAL" env-default:"24h"`
}

// Retention returns the audit retention window.
func (a AuditConfig) Retention() time.Duration { return days(a.RetentionDays) }

type DataConfig struct {
	DeletionRetentionDays int `yaml:"deletion_retention_days" env:"DATA_DELETION_RETENTION_DAYS" env-default:"30"`
}

// DeletionRetention returns how long soft-deleted subjects are kept.
func (d DataConfig) DeletionRetention() time.Duration { return days(d.DeletionRetentionDays) }

type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled" env:"SECURITY_BOT_ENABLED" env-default:"true"`
	PollInterval time.Duration `yaml:"poll_interval" env:"MONITOR_POLL_INTERVAL" env-default:"2s"`
	Lookback     time.Duration `yaml:"lookback" env:"MONITOR_LOOKBACK" env-default:"15m"`
	ExportLimit  int           `yaml:"export_threshold" env:"MONITOR_EXPORT_THRESHOLD" env-default:"1000"`
	GapGrace     time.Duration `yaml:"gap_grace" env:"MONITOR_GAP_GRACE" env-default:"5s"`
}

// PushConfig pages operator devices through a push gateway. Devices are
// device token blobs encrypted under the field keys.
type PushConfig struct {
	GatewayURL string   `yaml:"gateway_url" env:"SECURITY_ALERT_PUSH_URL"`
	Devices    []string `yaml:"devices" env:"SECURITY_ALERT_PUSH_DEVICES" env-separator:","`
}

type AlertsConfig struct {
	Email    string        `yaml:"email" env:"SECURITY_ALERT_EMAIL"`
	Webhook  string        `yaml:"webhook" env:"SECURITY_ALERT_WEBHOOK"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Push     PushConfig    `yaml:"push"`
	Retry    time.Duration `yaml:"retry_max_elapsed" env:"SECURITY_ALERT_RETRY_MAX" env-default:"2m"`
	QueueLen int           `yaml:"queue_size" env:"SECURITY_ALERT_QUEUE_SIZE" env-default:"256"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"sentinel@localhost"`
	SSL      bool   `yaml:"ssl" env:"SMTP_SSL"`
}

// StoresConfig selects durable backends. Empty URLs keep everything in memory.
type StoresConfig struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX" env-default:"sentinel:"`
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// Validate rejects settings that would leave the service insecure or broken.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	j := c.JWT
	if j.AccessTTL <= 0 || j.RefreshTTL <= 0 {
		fail("jwt: token lifetimes must be positive")
	} else if j.AccessTTL >= j.RefreshTTL {
		fail("jwt: access token lifetime must be shorter than refresh token lifetime")
	}
	switch {
	case j.RS256():
	case j.PrivateKeyFile != "" || j.PublicKeyFile != "":
		fail("jwt: both JWT_PRIVATE_KEY_FILE and JWT_PUBLIC_KEY_FILE are required for RS256")
	case j.Secret == "":
		fail("jwt: JWT_SECRET is required unless RS256 key files are configured")
	case len(j.Secret) < 32:
		fail("jwt: JWT_SECRET must be at least 32 bytes")
	}

	r := c.RateLimit
	if err := r.Policy().Validate(); err != nil {
		fail("rate_limit: limits must be positive")
	}
	if r.Burst <= 0 || r.Refill <= 0 {
		fail("rate_limit: burst and refill must be positive")
	}
	if _, err := ratelimit.ParseKeyStrategy(r.KeyStrategy); err != nil {
		fail("rate_limit: %v", err)
	}

	if _, err := c.Encryption.Codec(); err != nil {
		fail("encryption: %v", err)
	}

	if c.Audit.RetentionDays <= 0 {
		fail("audit: retention days must be positive")
	}
	if c.Audit.QueueSize <= 0 || c.Audit.BacklogAlert <= 0 || c.Audit.BacklogAlert > c.Audit.QueueSize {
		fail("audit: backlog alert must be positive and no larger than the queue")
	}
	if c.Data.DeletionRetentionDays <= 0 {
		fail("data: deletion retention days must be positive")
	}
	if c.Monitor.PollInterval <= 0 {
		fail("monitor: poll interval must be positive")
	}
	if c.Alerts.Email != "" && c.Alerts.SMTP.Host == "" {
		fail("alerts: SMTP_HOST is required when SECURITY_ALERT_EMAIL is set")
	}
	if (c.Alerts.Push.GatewayURL == "") != (len(c.Alerts.Push.Devices) == 0) {
		fail("alerts: SECURITY_ALERT_PUSH_URL and SECURITY_ALERT_PUSH_DEVICES must be set together")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", secerr.ErrInvalidInput, errors.Join(errs...))
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and validates the configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit.KeyStrategy = strings.ToLower(strings.TrimSpace(cfg.RateLimit.KeyStrategy))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	var cfg Config

	fromFile := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("read config %q: %w", p, err)
		}
		return &cfg, nil
	}

	switch {
	case path != "":
		return fromFile(path)
	case os.Getenv("CONFIG_PATH") != "":
		return fromFile(os.Getenv("CONFIG_PATH"))
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return fromFile(DefaultFile)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, %s or env vars: %w", DefaultFile, err)
	}
	return &cfg, nil
}
