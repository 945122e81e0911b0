package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolvePath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func TestNewValidator(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	sshPath := resolvePath(filepath.Join(homeDir, ".ssh"))
	etcPath := resolvePath("/etc")

	tests := []struct {
		name         string
		blockedPaths []string
		wantPaths    []string
	}{
		{"single path with tilde", []string{"~/.ssh"}, []string{sshPath}},
		{"multiple paths", []string{"~/.ssh", "/etc"}, []string{sshPath, etcPath}},
		{"empty paths are skipped", []string{"~/.ssh", "", "/etc"}, []string{sshPath, etcPath}},
		{"empty list", []string{}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewValidator(tt.blockedPaths)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPaths, got.blockedPaths)
		})
	}
}

func TestValidate(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	validator, err := NewValidator([]string{"~/.ssh", "/etc"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		mount    *Mount
		errMatch string
	}{
		{"allowed path", &Mount{Source: filepath.Join(homeDir, "projects")}, ""},
		{"blocked path exact match", &Mount{Source: filepath.Join(homeDir, ".ssh")}, "protected path"},
		{"blocked subdirectory", &Mount{Source: filepath.Join(homeDir, ".ssh", "id_rsa")}, "protected path"},
		{"blocked system path", &Mount{Source: "/etc/hosts", Target: "/mnt/hosts"}, "protected path"},
		{"nil mount", nil, "cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.Validate(tt.mount)
			if tt.errMatch == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMatch)
		})
	}
}

func TestValidatorArgs(t *testing.T) {
	validator, err := NewValidator([]string{"/etc"})
	require.NoError(t, err)

	args, err := validator.Args([]string{"/sdcard:/mnt/sdcard", "/opt/data"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/sdcard:/mnt/sdcard", "/opt/data"}, args)

	_, err = validator.Args([]string{"/opt/data", "/etc/passwd:/mnt/passwd"})
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = validator.Args([]string{"/opt/data:ro"})
	assert.Error(t, err)
}

func TestIsUnderOrEqual(t *testing.T) {
	tests := []struct {
		testPath string
		basePath string
		want     bool
	}{
		{"/home/user/.ssh", "/home/user/.ssh", true},
		{"/home/user/.ssh/id_rsa", "/home/user/.ssh", true},
		{"/home/user/.sshrc", "/home/user/.ssh", false},
		{"/var/log", "/home/user/.ssh", false},
		{"/home/user", "/home/user/.ssh", false},
		{"/home/user/.ssh/config.d/personal", "/home/user/.ssh", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isUnderOrEqual(tt.testPath, tt.basePath), "%s under %s", tt.testPath, tt.basePath)
	}
}

func TestValidateSymlinkBypass(t *testing.T) {
	tmpDir := t.TempDir()

	blockedDir := filepath.Join(tmpDir, "blocked-secrets")
	require.NoError(t, os.MkdirAll(blockedDir, 0o755))

	link := filepath.Join(tmpDir, "innocent-looking-link")
	require.NoError(t, os.Symlink(blockedDir, link))

	validator, err := NewValidator([]string{blockedDir})
	require.NoError(t, err)

	err = validator.Validate(&Mount{Source: link, Target: "/mnt/link"})
	require.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, err.Error(), "resolves to protected path")
}
