package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ArchiveDir      string `envconfig:"ARCHIVE_DIR" default:"/var/lib/zipdrop/zips"`
	RegistryBackend string `envconfig:"REGISTRY_BACKEND" default:"json"`
	RegistryPath    string `envconfig:"REGISTRY_PATH" default:"/var/lib/zipdrop/tokens/tokens.json"`
	AuditLogPath    string `envconfig:"AUDIT_LOG_PATH" default:"/var/lib/zipdrop/logs/access.log"`

	SharedFilePath  string `envconfig:"SHARED_FILE_PATH"`
	SharedFileRoute string `envconfig:"SHARED_FILE_ROUTE" default:"/shared-cids.txt"`

	NotifyEnvFile     string `envconfig:"NOTIFY_ENV_FILE" default:"/etc/hi-pfs.env"`
	DefaultRecipient  string `envconfig:"DEFAULT_RECIPIENT" default:"admin@example.com"`
	PublicBaseURL     string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8082"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	BurnTokenOnMissingArchive bool `envconfig:"BURN_TOKEN_ON_MISSING_ARCHIVE" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	SMTP struct {
		Host     string `split_words:"true"`
		Port     int    `split_words:"true" default:"25"`
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		From     string `split_words:"true" default:"zipdrop@localhost"`
	}

	Github struct {
		Token      string `envconfig:"TOKEN"`
		Repository string `envconfig:"REPOSITORY"`
	}

	Admin struct {
		Username     string `split_words:"true"`
		PasswordHash string `split_words:"true"`
	}

	Cleanup struct {
		KeepOrphansFor time.Duration `split_words:"true" default:"0"`
		Interval       time.Duration `split_words:"true" default:"1h"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"zipdrop"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"false"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8082"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30m"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.RegistryBackend) {
	case "json", "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_BACKEND must be json, bolt or sqlite, got %q", c.RegistryBackend))
	}

	if u, err := url.Parse(c.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.PublicBaseURL))
	}

	if (c.Admin.Username == "") != (c.Admin.PasswordHash == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD_HASH must be set together"))
	}

	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("SMTP_PORT out of range: %d", c.SMTP.Port))
	}

	if c.Cleanup.KeepOrphansFor < 0 {
		errs = append(errs, errors.New("CLEANUP_KEEP_ORPHANS_FOR must not be negative"))
	}

	if c.Cleanup.KeepOrphansFor > 0 && c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive when cleanup is enabled"))
	}

	if !strings.HasPrefix(c.SharedFileRoute, "/") {
		errs = append(errs, fmt.Errorf("SHARED_FILE_ROUTE must start with '/', got %q", c.SharedFileRoute))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	return logctx.ParseLevel(c.LogLevel)
}

// GithubEnabled reports whether failures should be filed as GitHub issues.
func (c *Config) GithubEnabled() bool {
	return c.Github.Token != "" && c.Github.Repository != ""
}

// Recipient returns the address that receives replacement tokens. The env
// file is read on every call so edits apply without a restart.
func (c *Config) Recipient() string {
	return RecipientFromEnvFile(c.NotifyEnvFile, c.DefaultRecipient)
}
