package mount

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Mount is a host path exposed inside the sandbox.
type Mount struct {
	Source string // Host path (expanded absolute path)
	Target string // Guest path (defaults to Source)
}

// Parse parses a bind specification.
//
// Formats:
//   - "~/projects" -> Mount{Source: expanded path, Target: expanded path}
//   - "/sdcard:/mnt/sdcard" -> Mount{Source: "/sdcard", Target: "/mnt/sdcard"}
//
// proot binds are always writable, so ":ro" and ":rw" suffixes are rejected
// instead of being silently ignored.
func Parse(spec string) (*Mount, error) {
	if spec == "" {
		return nil, fmt.Errorf("mount specification cannot be empty")
	}

	parts := strings.Split(spec, ":")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid mount specification %q: expected host[:guest]", spec)
	}

	source, err := expandPath(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid source path: %w", err)
	}
	m := &Mount{Source: source, Target: source}

	if len(parts) == 2 {
		target := parts[1]
		switch {
		case target == "ro" || target == "rw":
			return nil, fmt.Errorf("mount mode %q is not supported: sandbox binds are always writable", target)
		case !strings.HasPrefix(target, "/"):
			return nil, fmt.Errorf("guest path %q must be absolute", target)
		}
		m.Target = path.Clean(target)
	}

	return m, nil
}

// Arg renders the mount as a proot -b argument.
func (m *Mount) Arg() string {
	if m.Target == "" || m.Target == m.Source {
		return m.Source
	}
	return m.Source + ":" + m.Target
}

// expandPath expands ~ to home directory and returns an absolute path
func expandPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %w", err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to convert to absolute path: %w", err)
	}

	return filepath.Clean(abs), nil
}
