// Package rootfs maps distributions to prepared root filesystems on disk and
// owns the per-session host directories.
package rootfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ErrNotInstalled is returned when a distribution has no prepared rootfs.
var ErrNotInstalled = errors.New("rootfs not installed")

const (
	markerFile = ".installed"
	rootfsDir  = "rootfs"
)

// Manager handles root filesystems stored under <data>/rootfs/<distro>/rootfs.
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dataDir, creating the directory
// layout if needed. dataDir may start with ~.
func NewManager(dataDir string) (*Manager, error) {
	dir, err := homedir.Expand(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand data directory: %w", err)
	}
	for _, sub := range []string{"rootfs", "work", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the data directory.
func (m *Manager) Dir() string {
	return m.dir
}

// distroDir returns <data>/rootfs/<id>. Colons in ids such as "jammy:xfce4"
// are replaced so the name is portable.
func (m *Manager) distroDir(distroID string) string {
	return filepath.Join(m.dir, "rootfs", strings.ReplaceAll(distroID, ":", "-"))
}

// Path returns where the rootfs for distroID lives, installed or not.
func (m *Manager) Path(distroID string) string {
	return filepath.Join(m.distroDir(distroID), rootfsDir)
}

// IsInstalled reports whether distroID has a completed install.
func (m *Manager) IsInstalled(distroID string) bool {
	_, err := os.Stat(filepath.Join(m.distroDir(distroID), markerFile))
	return err == nil
}

// Resolve returns the prepared rootfs path for distroID.
func (m *Manager) Resolve(distroID string) (string, error) {
	if distroID == "" {
		return "", fmt.Errorf("%w: empty distro id", ErrNotInstalled)
	}
	if !m.IsInstalled(distroID) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, distroID)
	}
	path, err := filepath.EvalSymlinks(m.Path(distroID))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotInstalled, distroID, err)
	}
	return path, nil
}

// Register marks an already extracted tree at srcDir as the rootfs for
// distroID. The tree is linked, not copied. Registering again replaces the
// previous link.
func (m *Manager) Register(distroID, srcDir string) (string, error) {
	if strings.ContainsAny(distroID, `/\`) || distroID == "" || distroID == "." || distroID == ".." {
		return "", fmt.Errorf("invalid distro id %q", distroID)
	}

	src, err := homedir.Expand(srcDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", srcDir, err)
	}
	src, err = filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", srcDir, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("failed to stat rootfs source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("rootfs source %s is not a directory", src)
	}
	if _, err := os.Stat(filepath.Join(src, "bin", "sh")); err != nil {
		return "", fmt.Errorf("rootfs source %s has no /bin/sh", src)
	}

	dir := m.distroDir(distroID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create distro directory: %w", err)
	}

	// Link under a temp name and rename over the old one so readers never
	// see a missing path.
	link := m.Path(distroID)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(src, tmp); err != nil {
		return "", fmt.Errorf("failed to link rootfs: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize rootfs link: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(src+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install marker: %w", err)
	}
	return link, nil
}

// Remove deletes the install for distroID. Linked trees are left in place.
func (m *Manager) Remove(distroID string) error {
	if err := os.RemoveAll(m.distroDir(distroID)); err != nil {
		return fmt.Errorf("failed to remove rootfs %s: %w", distroID, err)
	}
	return nil
}

// List returns the directory names of installed distributions, sorted.
// Names use "-" where the distro id had ":".
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, "rootfs"))
	if err != nil {
		return nil, fmt.Errorf("failed to read rootfs directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, "rootfs", e.Name(), markerFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SessionDir returns <data>/work/<id>, creating it.
func (m *Manager) SessionDir(id string) (string, error) {
	dir := filepath.Join(m.dir, "work", id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return dir, nil
}

// RemoveSessionDir deletes the host work directory of a session.
func (m *Manager) RemoveSessionDir(id string) error {
	return os.RemoveAll(filepath.Join(m.dir, "work", id))
}

// TempDir returns the directory handed to proot as PROOT_TMP_DIR.
func (m *Manager) TempDir() string {
	return filepath.Join(m.dir, "tmp")
}

// StoreDir returns the directory holding session records.
func (m *Manager) StoreDir() string {
	return filepath.Join(m.dir, "sessions")
}
