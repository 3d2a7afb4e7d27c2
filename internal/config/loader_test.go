package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  name: herald-test
bus:
  url: nats://bus:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "herald-test", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.Origin.DefaultTimeout)
	assert.Equal(t, 12, cfg.Runner.Stream.MaxLines)
	assert.Equal(t, 3*time.Second, cfg.Runner.Stream.Window)
	assert.Equal(t, 5*time.Second, cfg.Runner.GracePeriod)
	assert.Equal(t, path, cfg.SourcePath)
}

func TestLoadDirectoryResolvesConfigYAML(t *testing.T) {
	path := writeConfig(t, "bus:\n  url: memory\n")

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.URL)
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("HERALD_TEST_SECRET", "s3cret")
	t.Setenv("HERALD_TEST_GH", "ghp_x")
	path := writeConfig(t, `
origin:
  webhook_secret: ${HERALD_TEST_SECRET}
runner:
  secrets:
    GH_TOKEN: ${HERALD_TEST_GH}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Origin.WebhookSecret)
	assert.Equal(t, "ghp_x", cfg.Runner.Secrets["GH_TOKEN"])
}

func TestLoadRejectsUnresolvedSecret(t *testing.T) {
	path := writeConfig(t, `
runner:
  secrets:
    GH_TOKEN: ${HERALD_TEST_DEFINITELY_UNSET}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HERALD_TEST_DEFINITELY_UNSET")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad log level", body: "service:\n  log_level: loud\n", wantErr: "log_level"},
		{name: "bad log format", body: "service:\n  log_format: xml\n", wantErr: "log_format"},
		{name: "path in allowlist", body: "allowlist: [/bin/rm]\n", wantErr: "bare executable"},
		{name: "bad target id", body: "origin:\n  targets: [\"a.b\"]\n", wantErr: "target id"},
		{name: "bad runner id", body: "runner:\n  id: \"x*\"\n", wantErr: "runner.id"},
		{name: "long grace", body: "runner:\n  grace_period: 5m\n", wantErr: "grace_period"},
		{name: "default timeout beyond a week", body: "origin:\n  default_timeout: 200h\n", wantErr: "default_timeout"},
		{name: "ok", body: "allowlist: [echo, sleep]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.ValidateOrigin(), "webhook secret is required")

	cfg.Origin.WebhookSecret = "x"
	assert.NoError(t, cfg.ValidateOrigin())

	cfg.Origin.Targets = nil
	assert.Error(t, cfg.ValidateOrigin())
}

func TestValidateRunner(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.ValidateRunner())

	cfg.Bus.URL = "memory"
	assert.Error(t, cfg.ValidateRunner())

	cfg.Bus.URL = "nats://x"
	cfg.Runner.ID = ""
	assert.Error(t, cfg.ValidateRunner())
}

func TestBuildAllowlist(t *testing.T) {
	cfg := Defaults()
	al := cfg.BuildAllowlist()
	assert.True(t, al.Permits([]string{"git", "status"}))
	assert.False(t, al.Permits([]string{"rm", "-rf", "/"}))

	cfg.Allowlist = []string{"echo"}
	al = cfg.BuildAllowlist()
	assert.Equal(t, []string{"echo"}, al.Names())
	assert.False(t, al.Permits([]string{"git"}))
}

func TestAllowlistPermits(t *testing.T) {
	al := NewAllowlist([]string{"echo", " ", "sleep"})

	assert.Equal(t, 2, al.Len())
	assert.True(t, al.Permits([]string{"echo", "hello"}))
	assert.False(t, al.Permits(nil))
	assert.False(t, al.Permits([]string{""}))
	assert.False(t, al.Permits([]string{"/bin/echo"}))
	assert.False(t, al.Permits([]string{"./echo"}))
}
