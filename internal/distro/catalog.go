// Package distro holds the catalog of distribution variants a session can
// boot.
package distro

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

// ErrUnknown is returned for ids the catalog does not contain.
var ErrUnknown = errors.New("unknown distro")

var builtin = []session.Distro{
	{ID: "jammy:xfce4", DisplayName: "Ubuntu 22.04 LTS with XFCE4", Version: "22.04", Desktop: "XFCE4", SizeBytes: 2_500_000_000},
	{ID: "jammy:mate", DisplayName: "Ubuntu 22.04 LTS with MATE", Version: "22.04", Desktop: "MATE", SizeBytes: 2_400_000_000},
	{ID: "jammy:gnome", DisplayName: "Ubuntu 22.04 LTS with GNOME", Version: "22.04", Desktop: "GNOME", SizeBytes: 3_000_000_000},
	{ID: "noble:raw", DisplayName: "Ubuntu 24.04 LTS (CLI only)", Version: "24.04", SizeBytes: 500_000_000},
	{
		ID:          "alpine:mini",
		DisplayName: "Alpine Linux (Minimal, Bundled)",
		Version:     "3.21",
		SizeBytes:   3_000_000,
		Bundled:     true,
		AssetPath:   "rootfs/alpine-arm64.tar.gz.bin",
	},
}

// Catalog is an ordered, concurrency-safe set of distros.
type Catalog struct {
	mu      sync.RWMutex
	distros []session.Distro
}

// Builtin returns a catalog holding only the built-in variants.
func Builtin() *Catalog {
	return &Catalog{distros: slices.Clone(builtin)}
}

// entry is the YAML form of a catalog item.
type entry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Version     string `yaml:"version"`
	Desktop     string `yaml:"desktop"`
	SizeBytes   int64  `yaml:"size_bytes"`
	Bundled     bool   `yaml:"bundled"`
	AssetPath   string `yaml:"asset_path"`
	URL         string `yaml:"url"`
	Checksum    string `yaml:"checksum"`
}

type file struct {
	Distros []entry `yaml:"distros"`
}

// Load returns the built-in catalog merged with the YAML file at path.
// Entries whose id matches a built-in replace it; new ids are appended.
// An empty path or a missing file yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	for i, e := range f.Distros {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("catalog entry %d: id is required", i)
		}
		if e.DisplayName == "" {
			e.DisplayName = e.ID
		}
		c.put(session.Distro{
			ID:          e.ID,
			DisplayName: e.DisplayName,
			Version:     e.Version,
			Desktop:     e.Desktop,
			SizeBytes:   e.SizeBytes,
			Bundled:     e.Bundled,
			AssetPath:   e.AssetPath,
			URL:         e.URL,
			Checksum:    e.Checksum,
		})
	}
	return c, nil
}

func (c *Catalog) put(d session.Distro) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.distros {
		if c.distros[i].ID == d.ID {
			c.distros[i] = d
			return
		}
	}
	c.distros = append(c.distros, d)
}

// Get returns the distro with the given id.
func (c *Catalog) Get(id string) (session.Distro, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.distros {
		if d.ID == id {
			return d, nil
		}
	}
	return session.Distro{}, fmt.Errorf("%w: %s", ErrUnknown, id)
}

// List returns all distros in catalog order.
func (c *Catalog) List() []session.Distro {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.distros)
}
