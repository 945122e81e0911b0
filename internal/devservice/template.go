// Package devservice runs long-lived development services (ssh, jupyter,
// web servers) inside a session through its command executor.
package devservice

import (
	"fmt"
	"strconv"
	"strings"
)

// Template describes how to install, start, probe and stop a service.
// StartCommand and HealthCheck may use {bind} and {port} placeholders.
type Template struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description,omitempty"`
	DefaultPort    int    `json:"default_port"`
	StartCommand   string `json:"start_command"`
	HealthCheck    string `json:"health_check"`
	InstallCommand string `json:"install_command,omitempty"`
	CheckCommand   string `json:"check_command,omitempty"` // exits 0 when installed
	KillPattern    string `json:"kill_pattern,omitempty"`  // pkill -f pattern
	Custom         bool   `json:"custom,omitempty"`
}

const defaultHealthCheck = "nc -z 127.0.0.1 {port}"

// Presets are the built-in service templates.
var Presets = []Template{
	{
		ID:             "ssh",
		DisplayName:    "SSH Server",
		Description:    "Remote shell access via SSH",
		DefaultPort:    8022,
		StartCommand:   "dropbear -F -E -p {bind}:{port}",
		HealthCheck:    defaultHealthCheck,
		CheckCommand:   "which dropbear",
		InstallCommand: "apt-get update && apt-get install -y dropbear",
		KillPattern:    "dropbear",
	},
	{
		ID:             "jupyter",
		DisplayName:    "Jupyter Lab",
		Description:    "Interactive Python notebooks",
		DefaultPort:    8888,
		StartCommand:   "jupyter lab --ip={bind} --port={port} --no-browser --allow-root --NotebookApp.token=''",
		HealthCheck:    defaultHealthCheck,
		CheckCommand:   "which jupyter",
		InstallCommand: "apt-get update && apt-get install -y python3-pip && pip3 install jupyterlab",
		KillPattern:    "jupyter",
	},
	{
		ID:             "http",
		DisplayName:    "HTTP Server",
		Description:    "Simple web server for file sharing",
		DefaultPort:    8000,
		StartCommand:   "python3 -m http.server {port} --bind {bind}",
		HealthCheck:    defaultHealthCheck,
		CheckCommand:   "which python3",
		InstallCommand: "apt-get update && apt-get install -y python3",
		KillPattern:    "python3 -m http.server",
	},
	{
		ID:             "nginx",
		DisplayName:    "Nginx Web Server",
		Description:    "High performance web server",
		DefaultPort:    8080,
		StartCommand:   "nginx -g 'daemon off;' -c /etc/nginx/nginx.conf",
		HealthCheck:    defaultHealthCheck,
		CheckCommand:   "which nginx",
		InstallCommand: "apt-get update && apt-get install -y nginx",
		KillPattern:    "nginx",
	},
	{
		ID:             "nodejs",
		DisplayName:    "Node.js HTTP Server",
		Description:    "JavaScript runtime with HTTP server",
		DefaultPort:    3000,
		StartCommand:   "npx --yes http-server -p {port} -a {bind}",
		HealthCheck:    defaultHealthCheck,
		CheckCommand:   "which node",
		InstallCommand: "apt-get update && apt-get install -y nodejs npm",
		KillPattern:    "http-server",
	},
	{
		// CLI tools only; installed but never started as a daemon.
		ID:           "agent",
		DisplayName:  "AI Agent Tools",
		Description:  "Agent runner, droid and Gemini CLI",
		HealthCheck:  "test -x /usr/local/bin/agent-run",
		CheckCommand: "test -f /home/udroid/.agent-tools-installed",
	},
}

// Preset returns the built-in template with the given id.
func Preset(id string) (Template, bool) {
	for _, t := range Presets {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// BindMode selects which interfaces a service listens on.
type BindMode string

const (
	BindDevice BindMode = "device" // loopback only
	BindLAN    BindMode = "lan"    // all interfaces
)

// Address returns the listen address for the mode.
func (b BindMode) Address() string {
	if b == BindDevice {
		return "127.0.0.1"
	}
	return "0.0.0.0"
}

// Valid reports whether b is a known mode.
func (b BindMode) Valid() bool {
	return b == BindDevice || b == BindLAN
}

func expand(command string, bind BindMode, port int) string {
	return strings.NewReplacer(
		"{bind}", bind.Address(),
		"{port}", strconv.Itoa(port),
	).Replace(command)
}

// StartCommandFor returns the template's start command for the given port and
// bind mode.
func (t Template) StartCommandFor(bind BindMode, port int) string {
	return expand(t.StartCommand, bind, port)
}

// HealthCheckFor returns the health probe for the given port.
func (t Template) HealthCheckFor(port int) string {
	if t.HealthCheck == "" {
		return expand(defaultHealthCheck, BindDevice, port)
	}
	return expand(t.HealthCheck, BindDevice, port)
}

// killPattern returns what pkill -f should match to stop the service.
func (t Template) killPattern(bind BindMode, port int) string {
	if t.KillPattern != "" {
		return t.KillPattern
	}
	return t.StartCommandFor(bind, port)
}

// Lookup is Preset with an error for unknown ids.
func Lookup(id string) (Template, error) {
	t, ok := Preset(id)
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}
	return t, nil
}
