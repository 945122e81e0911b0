package session

import (
	"maps"
	"slices"
	"time"
)

// Distro describes a Linux distribution variant a session boots.
type Distro struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`           // OS release, e.g. "22.04"
	Desktop     string `json:"desktop,omitempty"` // "" for CLI only
	SizeBytes   int64  `json:"size_bytes"`
	Bundled     bool   `json:"bundled,omitempty"`    // Shipped with the app instead of downloaded
	AssetPath   string `json:"asset_path,omitempty"` // Bundled asset location
	URL         string `json:"url,omitempty"`        // Download location
	Checksum    string `json:"checksum,omitempty"`
}

// Config is what a caller supplies to create a session.
type Config struct {
	Name          string            `json:"name"`
	Distro        Distro            `json:"distro"`
	EnableSound   bool              `json:"enable_sound,omitempty"`
	EnableNetwork bool              `json:"enable_network,omitempty"`
	Mounts        []string          `json:"mounts,omitempty"` // Bind mount specs, "host[:guest]"
	Env           map[string]string `json:"env,omitempty"`    // Extra environment for every command
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	c.Mounts = slices.Clone(c.Mounts)
	c.Env = maps.Clone(c.Env)
	return c
}

// Session is the persisted record of a sandbox session.
type Session struct {
	ID        string
	Config    Config
	CreatedAt time.Time
	UpdatedAt time.Time
	State     State
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Session) Clone() Session {
	s.Config = s.Config.Clone()
	return s
}

// record is the on-disk shape of a Session.
type record struct {
	ID        string      `json:"id"`
	Config    Config      `json:"config"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	State     StateRecord `json:"state"`
}

func toRecord(s *Session) record {
	return record{
		ID:        s.ID,
		Config:    s.Config,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		State:     EncodeState(s.State),
	}
}

func (r record) session() (*Session, error) {
	st, err := r.State.Decode()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        r.ID,
		Config:    r.Config,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		State:     st,
	}, nil
}
