package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, expandPath("~/.udroid"), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "runtime"), cfg.Runtime.Dir)
	assert.Equal(t, "/root", cfg.Sandbox.GuestWorkDir)
	assert.Equal(t, 300*time.Second, cfg.Sandbox.ExecTimeout)
	assert.Equal(t, 20*time.Second, cfg.Sandbox.StartTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.StopGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.Sandbox.OutputGrace)
	assert.Equal(t, 5901, cfg.Sandbox.DisplayPortBase)
	assert.Equal(t, "json", cfg.Store.Encoding)
	assert.Equal(t, "127.0.0.1:8118", cfg.Proxy.Addr())
	assert.Equal(t, []string{"all"}, cfg.Proxy.Networks)
	assert.Equal(t, "127.0.0.1:7878", cfg.API.Listen)
	assert.Equal(t, time.Second, cfg.Services.HealthDelay)
	assert.Equal(t, 600*time.Second, cfg.Agent.InstallTimeout)
	assert.False(t, cfg.Debug)

	// Check blocked paths (SECURITY CRITICAL)
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.ssh"))
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.aws"))
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.config/gcloud"))
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.gnupg"))
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.password-store"))
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.docker/config.json"))

	if runtime.GOOS == "linux" {
		assert.Contains(t, cfg.BlockedPaths, expandPath("~/.local/share/keyrings"))
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/udroid
store:
  encoding: cbor
proxy:
  port: 0
  networks: [github, "*.example.com"]
sandbox:
  exec_timeout: 1m
runtime:
  proot: /opt/proot/bin/proot
blocked_paths:
  - /etc/secrets
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/udroid", cfg.DataDir)
	assert.Equal(t, "/srv/udroid/runtime", cfg.Runtime.Dir)
	assert.Equal(t, "/opt/proot/bin/proot", cfg.Runtime.Proot)
	assert.Equal(t, "cbor", cfg.Store.Encoding)
	assert.Equal(t, "127.0.0.1:0", cfg.Proxy.Addr())
	assert.Equal(t, []string{"github", "*.example.com"}, cfg.Proxy.Networks)
	assert.Equal(t, time.Minute, cfg.Sandbox.ExecTimeout)

	// User list replaces defaults, but hardcoded paths are always merged in
	assert.Contains(t, cfg.BlockedPaths, "/etc/secrets")
	assert.Contains(t, cfg.BlockedPaths, expandPath("~/.ssh"))
	assert.NotContains(t, cfg.BlockedPaths, expandPath("~/.mozilla"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("UDROID_PROXY_PORT", "9000")
	t.Setenv("UDROID_STORE_ENCODING", "cbor")
	t.Setenv("UDROID_DEBUG", "true")

	cfg, err := Load(writeConfig(t, "proxy:\n  port: 8200\n"))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Proxy.Port)
	assert.Equal(t, "cbor", cfg.Store.Encoding)
	assert.True(t, cfg.Debug)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "missing explicit file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantErr: "failed to read config",
		},
		{
			name:    "malformed yaml",
			path:    func(t *testing.T) string { return writeConfig(t, "proxy: [unclosed") },
			wantErr: "failed to read config",
		},
		{
			name:    "unknown encoding",
			path:    func(t *testing.T) string { return writeConfig(t, "store:\n  encoding: xml\n") },
			wantErr: "store.encoding",
		},
		{
			name:    "port out of range",
			path:    func(t *testing.T) string { return writeConfig(t, "proxy:\n  port: 70000\n") },
			wantErr: "proxy.port",
		},
		{
			name:    "display port collides with base display",
			path:    func(t *testing.T) string { return writeConfig(t, "sandbox:\n  display_port_base: 5900\n") },
			wantErr: "display_port_base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "simple path",
			input:    []string{"~/.ssh"},
			expected: []string{filepath.Join(home, ".ssh")},
		},
		{
			name:     "path with read-only mount",
			input:    []string{"~/.gitconfig:ro"},
			expected: []string{filepath.Join(home, ".gitconfig:ro")},
		},
		{
			name:     "path with read-write mount",
			input:    []string{"~/project:rw"},
			expected: []string{filepath.Join(home, "project:rw")},
		},
		{
			name:     "absolute path untouched",
			input:    []string{"/etc/passwd"},
			expected: []string{"/etc/passwd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandPaths(tt.input))
		})
	}
}

func TestMergeBlockedPaths(t *testing.T) {
	merged := mergeBlockedPaths([]string{"/a", "/b", "/a"}, []string{"/b", "/c"})
	assert.Equal(t, []string{"/b", "/c", "/a"}, merged)
}

func TestConfigDir(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	configDir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".udroid"), configDir)
}
