package mount

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ErrBlocked is returned when a mount would expose a protected host path.
var ErrBlocked = errors.New("mount blocked")

// Validator rejects mounts whose source is a protected host path.
type Validator struct {
	blockedPaths []string // absolute, symlinks resolved where possible
}

// NewValidator creates a Validator. Blocked paths may use ~ and are resolved
// through symlinks so that /etc and /private/etc compare equal.
func NewValidator(blockedPaths []string) (*Validator, error) {
	resolved := make([]string, 0, len(blockedPaths))

	for _, p := range blockedPaths {
		if p == "" {
			continue
		}

		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand blocked path '%s': %w", p, err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to convert blocked path '%s' to absolute: %w", p, err)
		}

		resolved = append(resolved, realPath(abs))
	}

	return &Validator{blockedPaths: resolved}, nil
}

// Validate checks that the mount's source is not under a blocked path.
func (v *Validator) Validate(m *Mount) error {
	if m == nil {
		return fmt.Errorf("mount cannot be nil")
	}

	source, err := expandPath(m.Source)
	if err != nil {
		return err
	}
	real := realPath(source)

	for _, blocked := range v.blockedPaths {
		if !isUnderOrEqual(real, blocked) {
			continue
		}
		if real != source {
			return fmt.Errorf("%w: %s resolves to protected path %s", ErrBlocked, m.Source, blocked)
		}
		return fmt.Errorf("%w: %s is a protected path", ErrBlocked, blocked)
	}

	return nil
}

// Args parses and validates each spec and returns the proot bind arguments
// in the same order.
func (v *Validator) Args(specs []string) ([]string, error) {
	args := make([]string, 0, len(specs))
	for _, spec := range specs {
		m, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		if err := v.Validate(m); err != nil {
			return nil, err
		}
		args = append(args, m.Arg())
	}
	return args, nil
}

// realPath resolves symlinks, falling back to the cleaned path for paths that
// do not exist yet.
func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

// isUnderOrEqual returns true if testPath is under or equal to basePath.
//   - "/home/user/.ssh" is under "/home/user/.ssh" (equal)
//   - "/home/user/.ssh/id_rsa" is under "/home/user/.ssh"
//   - "/home/user/.sshrc" is NOT under "/home/user/.ssh"
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}

	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}

	return strings.HasPrefix(testPath, baseWithSep)
}
