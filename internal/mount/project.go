package mount

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gitRoot returns the top of the git work tree containing dir, or "" when dir
// is not in one or git is unavailable.
func gitRoot(dir string) string {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// ProjectSpecs returns bind specs exposing a host project directory at the
// same path inside the sandbox. When the project sits below the root of a git
// repository, that repository's .git directory is bound as well so git works
// from inside the project.
func ProjectSpecs(dir string) ([]string, error) {
	abs, err := expandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid project path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("invalid project path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", abs)
	}

	specs := []string{abs}

	root := gitRoot(abs)
	if root == "" {
		return specs, nil
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil && resolved == root {
		return specs, nil
	}
	gitDir := filepath.Join(root, ".git")
	if fi, err := os.Stat(gitDir); err == nil && fi.IsDir() {
		specs = append(specs, gitDir)
	}
	return specs, nil
}
