package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// CI runners export these.
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_REPOSITORY", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.RegistryBackend)
	assert.Equal(t, "/shared-cids.txt", cfg.SharedFileRoute)
	assert.Equal(t, "/etc/hi-pfs.env", cfg.NotifyEnvFile)
	assert.Equal(t, "admin@example.com", cfg.DefaultRecipient)
	assert.False(t, cfg.BurnTokenOnMissingArchive)
	assert.Equal(t, 25, cfg.SMTP.Port)
	assert.Equal(t, time.Duration(0), cfg.Cleanup.KeepOrphansFor)
	assert.Equal(t, "0.0.0.0:8082", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Minute, cfg.Web.WriteTimeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.GithubEnabled())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ARCHIVE_DIR", "/srv/zips")
	t.Setenv("REGISTRY_BACKEND", "sqlite")
	t.Setenv("BURN_TOKEN_ON_MISSING_ARCHIVE", "true")
	t.Setenv("PUBLIC_BASE_URL", "https://node.example.com:8082")
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("GITHUB_TOKEN", "ghp_x")
	t.Setenv("GITHUB_REPOSITORY", "acme/node")
	t.Setenv("ADMIN_USERNAME", "operator")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abc")
	t.Setenv("CLEANUP_KEEP_ORPHANS_FOR", "168h")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/zips", cfg.ArchiveDir)
	assert.Equal(t, "sqlite", cfg.RegistryBackend)
	assert.True(t, cfg.BurnTokenOnMissingArchive)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.True(t, cfg.GithubEnabled())
	assert.Equal(t, "operator", cfg.Admin.Username)
	assert.Equal(t, "$2a$10$abc", cfg.Admin.PasswordHash)
	assert.Equal(t, 168*time.Hour, cfg.Cleanup.KeepOrphansFor)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var cfg Config
		cfg.RegistryBackend = "json"
		cfg.PublicBaseURL = "http://localhost:8082"
		cfg.SMTP.Port = 25
		cfg.Cleanup.Interval = time.Hour
		cfg.SharedFileRoute = "/shared-cids.txt"

		return &cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.RegistryBackend = "redis" }, "REGISTRY_BACKEND"},
		{"relative base url", func(c *Config) { c.PublicBaseURL = "node:8082/x" }, "PUBLIC_BASE_URL"},
		{"half admin credentials", func(c *Config) { c.Admin.Username = "op" }, "ADMIN_USERNAME"},
		{"smtp port", func(c *Config) { c.SMTP.Port = 70000 }, "SMTP_PORT"},
		{"negative retention", func(c *Config) { c.Cleanup.KeepOrphansFor = -time.Hour }, "CLEANUP_KEEP_ORPHANS_FOR"},
		{"cleanup without interval", func(c *Config) {
			c.Cleanup.KeepOrphansFor = time.Hour
			c.Cleanup.Interval = 0
		}, "CLEANUP_INTERVAL"},
		{"shared route", func(c *Config) { c.SharedFileRoute = "cids.txt" }, "SHARED_FILE_ROUTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestReadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hi-pfs.env")
	content := "# node settings\n\nEMAIL=ops@example.com # primary\nexport NODE_NAME=\"node one\"\nEMPTY=\nQUOTED='x=y'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	values, err := ReadEnvFile(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"EMAIL":     "ops@example.com",
		"NODE_NAME": "node one",
		"EMPTY":     "",
		"QUOTED":    "x=y",
	}, values)
}

func TestRecipient(t *testing.T) {
	dir := t.TempDir()

	withEmail := filepath.Join(dir, "with.env")
	require.NoError(t, os.WriteFile(withEmail, []byte("EMAIL=ops@example.com\n"), 0o600))

	withoutEmail := filepath.Join(dir, "without.env")
	require.NoError(t, os.WriteFile(withoutEmail, []byte("OTHER=1\n"), 0o600))

	malformed := filepath.Join(dir, "malformed.env")
	require.NoError(t, os.WriteFile(malformed, []byte("EMAIL ops@example.com\n"), 0o600))

	tests := []struct {
		name string
		path string
		want string
	}{
		{"key present", withEmail, "ops@example.com"},
		{"key absent", withoutEmail, "admin@example.com"},
		{"file absent", filepath.Join(dir, "missing.env"), "admin@example.com"},
		{"file malformed", malformed, "admin@example.com"},
		{"no file configured", "", "admin@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{NotifyEnvFile: tt.path, DefaultRecipient: "admin@example.com"}
			assert.Equal(t, tt.want, cfg.Recipient())
		})
	}

	// Edits apply without reloading the config.
	cfg := &Config{NotifyEnvFile: withEmail, DefaultRecipient: "admin@example.com"}
	require.NoError(t, os.WriteFile(withEmail, []byte("EMAIL=new@example.com\n"), 0o600))
	assert.Equal(t, "new@example.com", cfg.Recipient())
}
