package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Agent.Command)
	assert.Equal(t, []string{"--experimental-acp"}, cfg.Agent.Args)
	assert.Equal(t, 3*time.Second, cfg.Agent.KillGrace)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 60*time.Second, cfg.Health.WarnAfter)
	assert.Equal(t, 180*time.Second, cfg.Health.StallAfter)
	assert.Equal(t, 1<<20, cfg.Terminal.OutputByteLimit)
	assert.Equal(t, DefaultAllowedKinds, cfg.Permissions.AllowedKinds)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadWithPath_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
agent:
  command: my-agent
  defaultTimeout: 90s
health:
  stallAfter: 5m
terminal:
  outputByteLimit: 4096
permissions:
  allowedKinds: [read]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, 90*time.Second, cfg.Agent.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Health.StallAfter)
	assert.Equal(t, 4096, cfg.Terminal.OutputByteLimit)
	assert.Equal(t, []string{"read"}, cfg.Permissions.AllowedKinds)
}

func TestLoadWithPath_Env(t *testing.T) {
	t.Setenv("ACPRUNNER_AGENT_DEFAULT_MODEL", "flash")
	t.Setenv("ACPRUNNER_SERVER_PORT", "9100")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "flash", cfg.Agent.DefaultModel)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no command", func(c *Config) { c.Agent.Command = " " }, "agent.command"},
		{"warn above stall", func(c *Config) { c.Health.WarnAfter = time.Hour }, "health.warnAfter"},
		{"zero limit", func(c *Config) { c.Terminal.OutputByteLimit = 0 }, "terminal.outputByteLimit"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			err = validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
