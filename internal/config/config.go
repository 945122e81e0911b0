package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// HardcodedBlockedPaths are security-critical paths that CANNOT be overridden by user config.
// These paths contain credentials and secrets that should never be bound into a sandbox.
var HardcodedBlockedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.config/gcloud",
	"~/.gnupg",
	"~/.password-store",
	"~/.docker/config.json",
}

// EnvPrefix is prepended to environment overrides, e.g. UDROID_PROXY_PORT.
const EnvPrefix = "UDROID"

// Config represents the udroid configuration
type Config struct {
	Debug        bool     `mapstructure:"debug"`
	DataDir      string   `mapstructure:"data_dir"`
	CatalogFile  string   `mapstructure:"catalog_file"`
	BlockedPaths []string `mapstructure:"blocked_paths"`
	Runtime      Runtime  `mapstructure:"runtime"`
	Sandbox      Sandbox  `mapstructure:"sandbox"`
	Store        Store    `mapstructure:"store"`
	Proxy        Proxy    `mapstructure:"proxy"`
	API          API      `mapstructure:"api"`
	Services     Services `mapstructure:"services"`
	Agent        Agent    `mapstructure:"agent"`
}

// Runtime locates the proot binaries. Empty file paths fall back to the
// default names under Dir.
type Runtime struct {
	Dir    string `mapstructure:"dir"`
	Proot  string `mapstructure:"proot"`
	Loader string `mapstructure:"loader"`
	Talloc string `mapstructure:"talloc"`
	LibDir string `mapstructure:"lib_dir"`
	TmpDir string `mapstructure:"tmp_dir"`
}

// Sandbox tunes session processes.
type Sandbox struct {
	GuestWorkDir    string        `mapstructure:"guest_workdir"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	OutputGrace     time.Duration `mapstructure:"output_grace"`
	DisplayPortBase int           `mapstructure:"display_port_base"`
	InitCommand     string        `mapstructure:"init_command"`
}

// Store selects the on-disk session record encoding.
type Store struct {
	Encoding string `mapstructure:"encoding"`
}

// Proxy configures the shared network relay.
type Proxy struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Networks    []string      `mapstructure:"networks"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns host:port for the relay listener.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// API configures the local control server.
type API struct {
	Listen string `mapstructure:"listen"`
}

// Services configures development services.
type Services struct {
	HealthDelay time.Duration `mapstructure:"health_delay"`
}

// Agent configures agent tooling installs.
type Agent struct {
	ScriptsDir     string        `mapstructure:"scripts_dir"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
}

// Load reads the configuration from path, or from ~/.udroid/config.yaml when
// path is empty. A missing default file is not an error; a missing explicit
// file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(expanded); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		configDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.AddConfigPath(configDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Try to read config file, but don't fail if the default one doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.CatalogFile = expandPath(cfg.CatalogFile)
	cfg.Agent.ScriptsDir = expandPath(cfg.Agent.ScriptsDir)
	cfg.Runtime.Dir = expandPath(cfg.Runtime.Dir)
	cfg.Runtime.Proot = expandPath(cfg.Runtime.Proot)
	cfg.Runtime.Loader = expandPath(cfg.Runtime.Loader)
	cfg.Runtime.Talloc = expandPath(cfg.Runtime.Talloc)
	cfg.Runtime.LibDir = expandPath(cfg.Runtime.LibDir)
	cfg.Runtime.TmpDir = expandPath(cfg.Runtime.TmpDir)
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = filepath.Join(cfg.DataDir, "runtime")
	}
	cfg.BlockedPaths = expandPaths(cfg.BlockedPaths)

	// Merge hardcoded blocked paths (security-critical, cannot be overridden)
	cfg.BlockedPaths = mergeBlockedPaths(cfg.BlockedPaths, expandPaths(HardcodedBlockedPaths))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Encoding {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("store.encoding must be json or cbor, got %q", c.Store.Encoding))
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port))
	}
	if c.Sandbox.DisplayPortBase <= 5900 {
		errs = append(errs, fmt.Errorf("sandbox.display_port_base must be above 5900, got %d", c.Sandbox.DisplayPortBase))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("data_dir", "~/.udroid")
	v.SetDefault("catalog_file", "")

	v.SetDefault("runtime.dir", "")
	v.SetDefault("runtime.proot", "")
	v.SetDefault("runtime.loader", "")
	v.SetDefault("runtime.talloc", "")
	v.SetDefault("runtime.lib_dir", "")
	v.SetDefault("runtime.tmp_dir", "")

	v.SetDefault("sandbox.guest_workdir", "/root")
	v.SetDefault("sandbox.exec_timeout", "300s")
	v.SetDefault("sandbox.start_timeout", "20s")
	v.SetDefault("sandbox.stop_grace", "5s")
	v.SetDefault("sandbox.output_grace", "500ms")
	v.SetDefault("sandbox.display_port_base", 5901)
	v.SetDefault("sandbox.init_command", "while read -r line; do :; done")

	v.SetDefault("store.encoding", "json")

	v.SetDefault("proxy.host", "127.0.0.1")
	v.SetDefault("proxy.port", 8118)
	v.SetDefault("proxy.networks", []string{"all"})
	v.SetDefault("proxy.dial_timeout", "10s")

	v.SetDefault("api.listen", "127.0.0.1:7878")
	v.SetDefault("services.health_delay", "1s")
	v.SetDefault("agent.scripts_dir", "")
	v.SetDefault("agent.install_timeout", "600s")

	// Blocked paths (SECURITY CRITICAL)
	blockedPaths := []string{
		"~/.ssh",
		"~/.aws",
		"~/.config/gcloud",
		"~/.gnupg",
		"~/.password-store",
		"~/.mozilla",
		"~/.config/google-chrome",
		"~/.docker",
		// Additional credential stores
		"~/.netrc",
		"~/.npmrc",
		"~/.pypirc",
		"~/.m2/settings.xml",
		"~/.gradle/gradle.properties",
		"~/.kube",
		"~/.config/gh",
		"~/.azure",
	}

	// Add platform-specific blocked paths
	switch runtime.GOOS {
	case "darwin":
		blockedPaths = append(blockedPaths, "~/Library/Keychains")
	case "linux", "android":
		blockedPaths = append(blockedPaths, "~/.local/share/keyrings")
	}

	v.SetDefault("blocked_paths", blockedPaths)
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// expandPaths expands ~ in paths to home directory
func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, path := range paths {
		// Handle mount syntax (path:ro or path:rw)
		mountOpts := ""
		if colonIdx := len(path) - 3; colonIdx > 0 &&
			(path[colonIdx:] == ":ro" || path[colonIdx:] == ":rw") {
			mountOpts = path[colonIdx:]
			path = path[:colonIdx]
		}

		expanded[i] = expandPath(path) + mountOpts
	}
	return expanded
}

// ConfigDir returns the udroid configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".udroid"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}

// mergeBlockedPaths merges two lists of blocked paths, removing duplicates.
// The hardcoded paths are always included regardless of user config.
func mergeBlockedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	for _, path := range hardcodedPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	for _, path := range userPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	return result
}
