package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)
	projects := filepath.Join(homeDir, "projects")

	tests := []struct {
		name     string
		spec     string
		want     *Mount
		errMatch string
	}{
		{
			name: "tilde path binds to the same guest path",
			spec: "~/projects",
			want: &Mount{Source: projects, Target: projects},
		},
		{
			name: "explicit guest path",
			spec: "/sdcard:/mnt/sdcard",
			want: &Mount{Source: "/sdcard", Target: "/mnt/sdcard"},
		},
		{
			name: "paths are cleaned",
			spec: "/sdcard/../sdcard/:/mnt//sdcard/",
			want: &Mount{Source: "/sdcard", Target: "/mnt/sdcard"},
		},
		{
			name:     "empty spec",
			spec:     "",
			errMatch: "cannot be empty",
		},
		{
			name:     "read-only mode is rejected",
			spec:     "/sdcard:ro",
			errMatch: "not supported",
		},
		{
			name:     "relative guest path",
			spec:     "/sdcard:mnt",
			errMatch: "must be absolute",
		},
		{
			name:     "too many colons",
			spec:     "/a:/b:rw",
			errMatch: "expected host[:guest]",
		},
		{
			name:     "empty source",
			spec:     ":/mnt",
			errMatch: "invalid source path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec)
			if tt.errMatch != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArg(t *testing.T) {
	assert.Equal(t, "/sdcard", (&Mount{Source: "/sdcard", Target: "/sdcard"}).Arg())
	assert.Equal(t, "/sdcard", (&Mount{Source: "/sdcard"}).Arg())
	assert.Equal(t, "/sdcard:/mnt/sdcard", (&Mount{Source: "/sdcard", Target: "/mnt/sdcard"}).Arg())
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/a/./b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, "a", "b"), got)

	_, err = expandPath("")
	assert.Error(t, err)
}
