// Package agent installs AI agent tooling into a session and runs agent
// tasks there, passing API keys without exposing them on command lines.
package agent

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/script"
)

//go:embed scripts/*.sh
var bundled embed.FS

// Scripts returns the install scripts shipped with the binary.
func Scripts() fs.FS {
	sub, err := fs.Sub(bundled, "scripts")
	if err != nil {
		panic(err)
	}
	return sub
}

var (
	ErrInstallInProgress = errors.New("agent install already in progress")
	ErrInstallFailed     = errors.New("agent install failed")
)

const (
	// Marker is written by the install script on success.
	Marker = "/home/udroid/.agent-tools-installed"

	InstallScript         = "install-agent.sh"
	DefaultInstallTimeout = 600 * time.Second
	DefaultTaskTimeout    = 300 * time.Second
	DefaultGeminiTimeout  = 60 * time.Second
	DefaultDroidTimeout   = 120 * time.Second

	guestScriptPath = "/tmp/install-agent.sh"
)

// Executor runs a command inside a session. ExecInteractive also feeds
// stdin, which is how credentials reach a command.
type Executor interface {
	Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (launcher.ProcessResult, error)
	ExecInteractive(ctx context.Context, sessionID, command string, stdin io.Reader, timeout time.Duration) (launcher.ProcessResult, error)
}

// Config carries the credentials handed to agent tools. Empty keys are not
// exported.
type Config struct {
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	GeminiAPIKey    string `json:"gemini_api_key,omitempty"`
}

func (c Config) env() map[string]string {
	return map[string]string{
		"ANTHROPIC_API_KEY": c.AnthropicAPIKey,
		"OPENAI_API_KEY":    c.OpenAIAPIKey,
		"GEMINI_API_KEY":    c.GeminiAPIKey,
	}
}

// InstallStatus is the tooling state of a session: NotInstalled, Installing,
// Installed or Failed.
type InstallStatus interface {
	String() string
	isStatus()
}

type (
	NotInstalled struct{}
	Installing   struct{}
	Installed    struct{ At time.Time }
	Failed       struct{ Error string }
)

func (NotInstalled) String() string { return "not installed" }
func (Installing) String() string   { return "installing" }
func (Installed) String() string    { return "installed" }
func (f Failed) String() string     { return "failed: " + f.Error }

func (NotInstalled) isStatus() {}
func (Installing) isStatus()   {}
func (Installed) isStatus()    {}
func (Failed) isStatus()       {}

// TaskResult is the outcome of one agent invocation.
type TaskResult struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Manager installs and drives agent tools per session.
type Manager struct {
	exec           Executor
	scripts        fs.FS
	installTimeout time.Duration
	log            zerolog.Logger

	mu     sync.Mutex
	status map[string]InstallStatus
}

// NewManager creates a Manager. scripts provides InstallScript; nil uses the
// bundled scripts.
func NewManager(exec Executor, scripts fs.FS, installTimeout time.Duration, log zerolog.Logger) *Manager {
	if scripts == nil {
		scripts = Scripts()
	}
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}
	return &Manager{
		exec:           exec,
		scripts:        scripts,
		installTimeout: installTimeout,
		log:            log.With().Str("component", "agent").Logger(),
		status:         make(map[string]InstallStatus),
	}
}

// IsInstalled checks for the install marker inside the session.
func (m *Manager) IsInstalled(ctx context.Context, sessionID string) bool {
	res, err := m.exec.Exec(ctx, sessionID, "test -f "+Marker+" && echo installed", 10*time.Second)
	if err != nil {
		m.log.Debug().Err(err).Str("session", sessionID).Msg("install check failed")
		return false
	}
	return strings.TrimSpace(res.Stdout) == "installed"
}

// Status returns the last known install status of a session.
func (m *Manager) Status(sessionID string) InstallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[sessionID]; ok {
		return st
	}
	return NotInstalled{}
}

func (m *Manager) setStatus(sessionID string, st InstallStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[sessionID] = st
}

// Install copies the install script into the session and runs it. progress
// receives human-readable steps and may be nil.
func (m *Manager) Install(ctx context.Context, sessionID string, progress func(string)) (err error) {
	if progress == nil {
		progress = func(string) {}
	}

	m.mu.Lock()
	if _, busy := m.status[sessionID].(Installing); busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstallInProgress, sessionID)
	}
	m.status[sessionID] = Installing{}
	m.mu.Unlock()

	defer func() {
		if err != nil {
			progress("Installation failed: " + err.Error())
			m.setStatus(sessionID, Failed{Error: err.Error()})
			m.log.Error().Err(err).Str("session", sessionID).Msg("agent install failed")
			return
		}
		progress("Installation completed successfully!")
		m.setStatus(sessionID, Installed{At: time.Now()})
	}()

	progress("Starting agent tools installation...")
	content, err := fs.ReadFile(m.scripts, InstallScript)
	if err != nil {
		return fmt.Errorf("failed to read install script: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return fmt.Errorf("%w: install script is empty", ErrInstallFailed)
	}

	progress("Copying install script to session...")
	copyCmd := script.WriteFile(guestScriptPath, string(content)) + "\nchmod +x " + guestScriptPath
	if err := m.check(m.exec.Exec(ctx, sessionID, copyCmd, 30*time.Second)); err != nil {
		return fmt.Errorf("failed to copy install script: %w", err)
	}

	progress("Running installation (this may take a few minutes)...")
	if err := m.check(m.exec.Exec(ctx, sessionID, guestScriptPath+" 2>&1", m.installTimeout)); err != nil {
		return err
	}
	return nil
}

// check turns an exec outcome into an error, using stderr or stdout as the
// message for a non-zero exit.
func (m *Manager) check(res launcher.ProcessResult, err error) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("%w: %s", ErrInstallFailed, msg)
	}
	return nil
}

// RunTask hands task to agent-run with the configured credentials.
func (m *Manager) RunTask(ctx context.Context, sessionID, task string, cfg Config, timeout time.Duration) TaskResult {
	if timeout == 0 {
		timeout = DefaultTaskTimeout
	}
	command, secrets := script.SecureEnv(cfg.env(), "agent-run "+script.Quote(task))
	return m.run(ctx, sessionID, command, secrets, timeout)
}

// RunGemini sends a query to the Gemini CLI. An empty apiKey relies on
// whatever the session already has configured.
func (m *Manager) RunGemini(ctx context.Context, sessionID, query, apiKey string, timeout time.Duration) TaskResult {
	if timeout == 0 {
		timeout = DefaultGeminiTimeout
	}
	cfg := Config{GeminiAPIKey: apiKey}
	command, secrets := script.SecureEnv(cfg.env(), "gemini "+script.Quote(query))
	return m.run(ctx, sessionID, command, secrets, timeout)
}

// RunDroid runs the droid CLI with args appended verbatim.
func (m *Manager) RunDroid(ctx context.Context, sessionID, args string, timeout time.Duration) TaskResult {
	if timeout == 0 {
		timeout = DefaultDroidTimeout
	}
	return m.run(ctx, sessionID, "droid "+args, "", timeout)
}

// run executes command, passing secrets on stdin when there are any.
func (m *Manager) run(ctx context.Context, sessionID, command, secrets string, timeout time.Duration) TaskResult {
	start := time.Now()
	var (
		res launcher.ProcessResult
		err error
	)
	if secrets != "" {
		res, err = m.exec.ExecInteractive(ctx, sessionID, command, strings.NewReader(secrets), timeout)
	} else {
		res, err = m.exec.Exec(ctx, sessionID, command, timeout)
	}
	out := TaskResult{
		Success:  err == nil && res.ExitCode == 0,
		Output:   res.Stdout,
		Error:    res.Stderr,
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
	}
	if err != nil {
		out.Error = err.Error()
		out.ExitCode = -1
	}
	return out
}
