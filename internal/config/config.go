// Package config loads RochaTurbo settings from the environment, an optional .env file and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rochaturbo/RochaTurbo/internal/store"
)

const (
	// DefaultStateDir is the default directory for RochaTurbo state data
	DefaultStateDir = "/var/lib/rochaturbo"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "rochaturbo.db"

	// MinInternalJobSecret is the shortest accepted internal job secret.
	MinInternalJobSecret = 16
	// MinAuthSecret is the shortest accepted OTP_SECRET.
	MinAuthSecret = 16
)

// Queue backends.
const (
	QueueRedis = "redis"
	QueueSQL   = "sql"
	QueueNone  = "none"
)

// WhatsApp providers.
const (
	ProviderCloud  = "cloud"
	ProviderTwilio = "twilio"
)

// Config is the resolved configuration of every process role.
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string

	HTTPAddr string

	DatabaseDSN string
	StateDir    string

	Queue    QueueConfig
	WhatsApp WhatsAppConfig
	Twilio   TwilioConfig
	Flow     FlowConfig
	OpenAI   OpenAIConfig
	Collab   CollabConfig
	Auth     AuthConfig

	InternalJobSecret string
	SupportPhone      string
	RetentionDays     int
}

type QueueConfig struct {
	Backend             string
	RedisURL            string
	Prefix              string
	Attempts            int
	Backoff             time.Duration
	InboundConcurrency  int
	StatusConcurrency   int
	InternalConcurrency int
}

type WhatsAppConfig struct {
	Provider      string
	BaseURL       string
	Token         string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type FlowConfig struct {
	Enabled            bool
	Timezone           string
	ForceExistingUsers bool
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

// AuthConfig gates chat users behind CPF and access code authentication.
type AuthConfig struct {
	Required bool
	// Secret keys the stored CPF and code hashes.
	Secret string
}

type CollabConfig struct {
	ReportURL   string
	ArtifactURL string
	BillingURL  string
	Token       string
}

// bindings maps config keys to their environment variables.
var bindings = map[string]string{
	"environment":                "APP_ENV",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"http.addr":                  "API_ADDR",
	"database.dsn":               "DATABASE_URL",
	"database.state_dir":         "ROCHATURBO_STATE_DIR",
	"queue.backend":              "QUEUE_BACKEND",
	"queue.redis_url":            "REDIS_URL",
	"queue.prefix":               "QUEUE_PREFIX",
	"queue.attempts":             "QUEUE_ATTEMPTS",
	"queue.backoff":              "QUEUE_BACKOFF",
	"queue.inbound_concurrency":  "QUEUE_INBOUND_CONCURRENCY",
	"queue.status_concurrency":   "QUEUE_STATUS_CONCURRENCY",
	"queue.internal_concurrency": "QUEUE_INTERNAL_CONCURRENCY",
	"whatsapp.provider":          "WHATSAPP_PROVIDER",
	"whatsapp.base_url":          "WHATSAPP_API_BASE_URL",
	"whatsapp.token":             "WHATSAPP_TOKEN",
	"whatsapp.phone_number_id":   "WHATSAPP_PHONE_NUMBER_ID",
	"whatsapp.verify_token":      "WHATSAPP_VERIFY_TOKEN",
	"whatsapp.app_secret":        "WHATSAPP_APP_SECRET",
	"twilio.account_sid":         "TWILIO_ACCOUNT_SID",
	"twilio.auth_token":          "TWILIO_AUTH_TOKEN",
	"twilio.from_number":         "TWILIO_FROM_NUMBER",
	"flow.enabled":               "WHATSAPP_FLOW_V2_ENABLED",
	"flow.timezone":              "FLOW_TIMEZONE",
	"flow.force_existing_users":  "FORCE_EXISTING_USERS",
	"openai.api_key":             "OPENAI_API_KEY",
	"openai.model":               "OPENAI_MODEL",
	"collab.report_url":          "REPORT_SERVICE_URL",
	"collab.artifact_url":        "ARTIFACT_SERVICE_URL",
	"collab.billing_url":         "BILLING_SERVICE_URL",
	"collab.token":               "COLLAB_TOKEN",
	"auth.required":              "AUTH_REQUIRED",
	"auth.secret":                "OTP_SECRET",
	"internal_job_secret":        "INTERNAL_JOB_SECRET",
	"support_phone":              "SUPPORT_PHONE",
	"retention_days":             "RETENTION_DAYS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.state_dir", DefaultStateDir)
	v.SetDefault("queue.prefix", "rocha-turbo")
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff", "1s")
	v.SetDefault("queue.inbound_concurrency", 15)
	v.SetDefault("queue.status_concurrency", 20)
	v.SetDefault("queue.internal_concurrency", 2)
	v.SetDefault("whatsapp.provider", ProviderCloud)
	v.SetDefault("flow.enabled", true)
	v.SetDefault("flow.timezone", "America/Sao_Paulo")
	v.SetDefault("flow.force_existing_users", false)
	v.SetDefault("auth.required", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("support_phone", "+5500000000000")
	v.SetDefault("retention_days", 90)
}

// Load reads .env (when present), the environment and file (when not empty), applies
// defaults and validates the result.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Config Load no .env file loaded", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := fromViper(v)
	applyDerivedDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Debug("Config Load resolved",
		"environment", cfg.Environment,
		"http_addr", cfg.HTTPAddr,
		"queue_backend", cfg.Queue.Backend,
		"whatsapp_provider", cfg.WhatsApp.Provider,
		"dsn_set", cfg.DatabaseDSN != "",
		"openai_key_set", cfg.OpenAI.APIKey != "",
		"app_secret_set", cfg.WhatsApp.AppSecret != "",
		"flow_enabled", cfg.Flow.Enabled,
		"auth_required", cfg.Auth.Required)
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Environment: strings.ToLower(strings.TrimSpace(v.GetString("environment"))),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		HTTPAddr:    v.GetString("http.addr"),
		DatabaseDSN: v.GetString("database.dsn"),
		StateDir:    v.GetString("database.state_dir"),
		Queue: QueueConfig{
			Backend:             strings.ToLower(strings.TrimSpace(v.GetString("queue.backend"))),
			RedisURL:            v.GetString("queue.redis_url"),
			Prefix:              v.GetString("queue.prefix"),
			Attempts:            v.GetInt("queue.attempts"),
			Backoff:             v.GetDuration("queue.backoff"),
			InboundConcurrency:  v.GetInt("queue.inbound_concurrency"),
			StatusConcurrency:   v.GetInt("queue.status_concurrency"),
			InternalConcurrency: v.GetInt("queue.internal_concurrency"),
		},
		WhatsApp: WhatsAppConfig{
			Provider:      strings.ToLower(strings.TrimSpace(v.GetString("whatsapp.provider"))),
			BaseURL:       v.GetString("whatsapp.base_url"),
			Token:         v.GetString("whatsapp.token"),
			PhoneNumberID: v.GetString("whatsapp.phone_number_id"),
			VerifyToken:   v.GetString("whatsapp.verify_token"),
			AppSecret:     v.GetString("whatsapp.app_secret"),
		},
		Twilio: TwilioConfig{
			AccountSID: v.GetString("twilio.account_sid"),
			AuthToken:  v.GetString("twilio.auth_token"),
			FromNumber: v.GetString("twilio.from_number"),
		},
		Flow: FlowConfig{
			Enabled:            v.GetBool("flow.enabled"),
			Timezone:           v.GetString("flow.timezone"),
			ForceExistingUsers: v.GetBool("flow.force_existing_users"),
		},
		OpenAI: OpenAIConfig{
			APIKey: v.GetString("openai.api_key"),
			Model:  v.GetString("openai.model"),
		},
		Collab: CollabConfig{
			ReportURL:   v.GetString("collab.report_url"),
			ArtifactURL: v.GetString("collab.artifact_url"),
			BillingURL:  v.GetString("collab.billing_url"),
			Token:       v.GetString("collab.token"),
		},
		Auth: AuthConfig{
			Required: v.GetBool("auth.required"),
			Secret:   v.GetString("auth.secret"),
		},
		InternalJobSecret: v.GetString("internal_job_secret"),
		SupportPhone:      v.GetString("support_phone"),
		RetentionDays:     v.GetInt("retention_days"),
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("Config no database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DatabaseDSN)
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = QueueNone
		if cfg.Queue.RedisURL != "" {
			cfg.Queue.Backend = QueueRedis
		}
	}
}

// Production reports whether the process runs in production.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// Location returns the flow timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Flow.Timezone)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error
	if c.Production() {
		if c.WhatsApp.AppSecret == "" {
			errs = append(errs, errors.New("WHATSAPP_APP_SECRET is required in production"))
		}
		if c.WhatsApp.VerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_VERIFY_TOKEN is required in production"))
		}
	}

	switch c.Queue.Backend {
	case QueueRedis:
		if c.Queue.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis queue backend"))
		}
	case QueueSQL, QueueNone:
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	if c.Queue.Attempts < 1 {
		errs = append(errs, fmt.Errorf("queue attempts must be at least 1, got %d", c.Queue.Attempts))
	}
	if c.Queue.Backoff < 0 {
		errs = append(errs, fmt.Errorf("queue backoff must not be negative, got %s", c.Queue.Backoff))
	}
	if c.Queue.InboundConcurrency < 1 || c.Queue.StatusConcurrency < 1 || c.Queue.InternalConcurrency < 1 {
		errs = append(errs, errors.New("queue concurrency must be at least 1"))
	}

	switch c.WhatsApp.Provider {
	case ProviderCloud, ProviderTwilio:
	default:
		errs = append(errs, fmt.Errorf("unknown whatsapp provider %q", c.WhatsApp.Provider))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid FLOW_TIMEZONE %q: %w", c.Flow.Timezone, err))
	}
	if c.InternalJobSecret != "" && len(c.InternalJobSecret) < MinInternalJobSecret {
		errs = append(errs, fmt.Errorf("INTERNAL_JOB_SECRET must have at least %d characters", MinInternalJobSecret))
	}
	if c.Auth.Required && len(c.Auth.Secret) < MinAuthSecret {
		errs = append(errs, fmt.Errorf("OTP_SECRET must have at least %d characters when AUTH_REQUIRED is set", MinAuthSecret))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("retention days must be at least 1, got %d", c.RetentionDays))
	}
	return errors.Join(errs...)
}

// SQLite reports whether the database DSN points at a SQLite file.
func (c *Config) SQLite() bool {
	return store.DetectDSNType(c.DatabaseDSN) == "sqlite"
}

// EnsureStateDir creates the directory of a SQLite database.
func (c *Config) EnsureStateDir() error {
	if !c.SQLite() {
		return nil
	}
	dir := filepath.Dir(c.DatabaseDSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}
