package devservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/broadcast"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/fileutil"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/script"
)

var (
	ErrNotFound       = errors.New("service not found")
	ErrAlreadyActive  = errors.New("service already active")
	ErrNotInstalled   = errors.New("service not installed")
	ErrNotStartable   = errors.New("service has no start command")
	ErrInstallFailed  = errors.New("service install failed")
	ErrUnknownPreset  = errors.New("unknown service template")
	ErrInvalidRequest = errors.New("invalid service request")
)

const (
	// DefaultHealthDelay is how long Start waits before the first probe.
	DefaultHealthDelay = time.Second

	commandTimeout = 30 * time.Second
	installTimeout = 15 * time.Minute
	logReplay      = 100
)

// Executor runs a command inside a session.
type Executor interface {
	Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (launcher.ProcessResult, error)
}

// Instance is one service bound to a session.
type Instance struct {
	ID        string
	Template  Template
	SessionID string
	Port      int
	BindMode  BindMode
	State     State
}

type instanceRecord struct {
	ID        string      `json:"id"`
	Template  Template    `json:"template"`
	SessionID string      `json:"session_id"`
	Port      int         `json:"port"`
	BindMode  BindMode    `json:"bind_mode"`
	State     stateRecord `json:"state"`
}

// MarshalJSON encodes the instance with its state as a tagged record.
func (i Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(instanceRecord{
		ID:        i.ID,
		Template:  i.Template,
		SessionID: i.SessionID,
		Port:      i.Port,
		BindMode:  i.BindMode,
		State:     encodeState(i.State),
	})
}

// UnmarshalJSON decodes what MarshalJSON produces.
func (i *Instance) UnmarshalJSON(data []byte) error {
	var rec instanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	st, err := rec.State.decode()
	if err != nil {
		return err
	}
	*i = Instance{
		ID:        rec.ID,
		Template:  rec.Template,
		SessionID: rec.SessionID,
		Port:      rec.Port,
		BindMode:  rec.BindMode,
		State:     st,
	}
	return nil
}

// LogLevel grades a service log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEntry is one line of the service activity log.
type LogEntry struct {
	Time      time.Time `json:"time"`
	ServiceID string    `json:"service_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Manager tracks service instances and drives them through an Executor.
type Manager struct {
	exec        Executor
	path        string
	healthDelay time.Duration
	log         zerolog.Logger
	lanAddr     func() string

	mu        sync.Mutex
	instances []Instance

	logMu   sync.Mutex
	recent  []LogEntry
	logsHub *broadcast.Hub[LogEntry]
}

// NewManager loads instances from path (services.json). Every loaded
// instance starts out Stopped since no service survives a restart.
func NewManager(exec Executor, path string, healthDelay time.Duration, log zerolog.Logger) (*Manager, error) {
	if healthDelay <= 0 {
		healthDelay = DefaultHealthDelay
	}
	m := &Manager{
		exec:        exec,
		path:        path,
		healthDelay: healthDelay,
		log:         log.With().Str("component", "devservice").Logger(),
		lanAddr:     lanAddress,
		logsHub:     broadcast.New[LogEntry](),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read services file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse services file: %w", err)
	}
	for _, r := range raw {
		var inst Instance
		if err := json.Unmarshal(r, &inst); err != nil || inst.ID == "" {
			m.log.Warn().Err(err).Msg("skipping unreadable service record")
			continue
		}
		inst.State = Stopped{}
		m.instances = append(m.instances, inst)
	}
	return nil
}

// saveLocked writes all instances atomically. Callers hold m.mu.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.instances, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode services: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create services directory: %w", err)
	}
	if err := fileutil.WriteAtomic(m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save services: %w", err)
	}
	return nil
}

// Install runs the template's install command in the session. A known
// instance of the template in that session shows Installing meanwhile, and
// cannot be started until the install ends.
func (m *Manager) Install(ctx context.Context, t Template, sessionID string) (err error) {
	if t.InstallCommand == "" {
		return nil
	}

	id, err := m.markInstalling(t.ID, sessionID)
	if err != nil {
		return err
	}
	if id != "" {
		defer func() {
			var final State = Stopped{}
			if err != nil {
				final = Errored{Message: err.Error()}
			}
			if serr := m.setState(id, final); serr != nil && err == nil {
				err = serr
			}
		}()
	}

	m.emit("INSTALL", LevelInfo, "Installing "+t.DisplayName+"...")
	res, err := m.exec.Exec(ctx, sessionID, t.InstallCommand, installTimeout)
	if err != nil {
		m.emit("INSTALL", LevelError, "Installation error: "+err.Error())
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, t.ID, err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		m.emit("INSTALL", LevelError, "Installation failed: "+msg)
		return fmt.Errorf("%w: %s: %s", ErrInstallFailed, t.ID, msg)
	}
	m.emit("INSTALL", LevelInfo, "Installation successful")
	return nil
}

// markInstalling flags the slot's existing instance, if any, as Installing.
func (m *Manager) markInstalling(templateID, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if inst.SessionID != sessionID || inst.Template.ID != templateID {
			continue
		}
		if active(inst.State) {
			return "", fmt.Errorf("%w: %s in session %s", ErrAlreadyActive, templateID, sessionID)
		}
		m.instances[i].State = Installing{}
		if err := m.saveLocked(); err != nil {
			m.instances[i].State = inst.State
			return "", err
		}
		return inst.ID, nil
	}
	return "", nil
}

// IsInstalled runs the template's check command. Templates without one count
// as installed.
func (m *Manager) IsInstalled(ctx context.Context, t Template, sessionID string) (bool, error) {
	if t.CheckCommand == "" {
		return true, nil
	}
	res, err := m.exec.Exec(ctx, sessionID, t.CheckCommand, commandTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Start launches the service in the background and returns its instance.
// Only one instance per (template, session) may be Starting, Installing or
// Running at a time. The instance ends Running even when the first health
// probe fails, since many services take longer to bind.
func (m *Manager) Start(ctx context.Context, t Template, sessionID string, port int, bind BindMode) (Instance, error) {
	if strings.TrimSpace(t.StartCommand) == "" {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotStartable, t.ID)
	}
	if port <= 0 {
		port = t.DefaultPort
	}
	if port <= 0 || port > 65535 {
		return Instance{}, fmt.Errorf("%w: port %d", ErrInvalidRequest, port)
	}
	if bind == "" {
		bind = BindLAN
	}
	if !bind.Valid() {
		return Instance{}, fmt.Errorf("%w: bind mode %q", ErrInvalidRequest, bind)
	}

	installed, err := m.IsInstalled(ctx, t, sessionID)
	if err != nil {
		return Instance{}, err
	}
	if !installed {
		return Instance{}, fmt.Errorf("%w: %s, install it first", ErrNotInstalled, t.ID)
	}

	inst, err := m.reserve(t, sessionID, port, bind)
	if err != nil {
		return Instance{}, err
	}

	command := t.StartCommandFor(bind, port)
	m.emit(inst.ID, LevelInfo, "Starting "+t.DisplayName+"...")
	m.emit(inst.ID, LevelInfo, "Executing: "+command)

	logPath := "/tmp/" + t.ID + ".log"
	res, err := m.exec.Exec(ctx, sessionID, script.Background(command, logPath), commandTimeout)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("launch exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err != nil {
		if serr := m.setState(inst.ID, Errored{Message: err.Error()}); serr != nil {
			m.log.Error().Err(serr).Str("service", inst.ID).Msg("failed to persist error state")
		}
		m.emit(inst.ID, LevelError, "Failed: "+err.Error())
		return m.mustGet(inst.ID), fmt.Errorf("failed to start %s: %w", t.ID, err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(m.healthDelay):
	}

	healthy := m.probe(ctx, t.HealthCheckFor(port), sessionID)
	if err := m.setState(inst.ID, Running{StartedAt: time.Now()}); err != nil {
		return m.mustGet(inst.ID), err
	}
	if healthy {
		m.emit(inst.ID, LevelInfo, fmt.Sprintf("%s is running on port %d", t.DisplayName, port))
	} else {
		m.log.Warn().Str("service", inst.ID).Str("template", t.ID).Msg("health check pending")
		m.emit(inst.ID, LevelWarn, "Service started but health check pending")
	}
	return m.mustGet(inst.ID), nil
}

// reserve claims the (template, session) slot. A previous inactive instance
// for the same slot is reused.
func (m *Manager) reserve(t Template, sessionID string, port int, bind BindMode) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, inst := range m.instances {
		if inst.SessionID != sessionID || inst.Template.ID != t.ID {
			continue
		}
		if active(inst.State) {
			return Instance{}, fmt.Errorf("%w: %s in session %s", ErrAlreadyActive, t.ID, sessionID)
		}
		inst.Template = t
		inst.Port = port
		inst.BindMode = bind
		prev := m.instances[i]
		inst.State = Starting{}
		m.instances[i] = inst
		if err := m.saveLocked(); err != nil {
			m.instances[i] = prev
			return Instance{}, err
		}
		return inst, nil
	}

	inst := Instance{
		ID:        uuid.New().String(),
		Template:  t,
		SessionID: sessionID,
		Port:      port,
		BindMode:  bind,
		State:     Starting{},
	}
	m.instances = append(m.instances, inst)
	if err := m.saveLocked(); err != nil {
		m.instances = m.instances[:len(m.instances)-1]
		return Instance{}, err
	}
	return inst, nil
}

// CreateCustom starts a user-defined command as a service.
func (m *Manager) CreateCustom(ctx context.Context, name string, port int, command, sessionID string) (Instance, error) {
	if strings.TrimSpace(command) == "" {
		return Instance{}, fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}
	if name == "" {
		name = command
	}
	t := Template{
		ID:           "custom_" + uuid.New().String(),
		DisplayName:  name,
		Description:  "Custom Service: " + command,
		DefaultPort:  port,
		StartCommand: command,
		HealthCheck:  defaultHealthCheck,
		Custom:       true,
	}
	return m.Start(ctx, t, sessionID, port, BindLAN)
}

// Stop kills the service's processes. The instance ends Stopped even if the
// kill command fails, since the process may already be gone.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}

	m.emit(id, LevelInfo, "Stopping "+inst.Template.DisplayName+"...")
	pattern := inst.Template.killPattern(inst.BindMode, inst.Port)
	if _, err := m.exec.Exec(ctx, inst.SessionID, script.KillMatching(pattern), commandTimeout); err != nil {
		m.log.Warn().Err(err).Str("service", id).Msg("kill command failed, marking stopped")
	}
	if err := m.setState(id, Stopped{}); err != nil {
		return err
	}
	m.emit(id, LevelInfo, inst.Template.DisplayName+" stopped")
	return nil
}

// StopSession stops every active service of a session.
func (m *Manager) StopSession(ctx context.Context, sessionID string) {
	for _, inst := range m.ForSession(sessionID) {
		if active(inst.State) {
			_ = m.Stop(ctx, inst.ID)
		}
	}
}

// CheckHealth runs the instance's health probe.
func (m *Manager) CheckHealth(ctx context.Context, id string) bool {
	inst, err := m.Get(id)
	if err != nil {
		return false
	}
	return m.probe(ctx, inst.Template.HealthCheckFor(inst.Port), inst.SessionID)
}

func (m *Manager) probe(ctx context.Context, command, sessionID string) bool {
	res, err := m.exec.Exec(ctx, sessionID, command, commandTimeout)
	return err == nil && res.ExitCode == 0
}

// Get returns the instance with the given id.
func (m *Manager) Get(id string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) mustGet(id string) Instance {
	inst, _ := m.Get(id)
	return inst
}

// List returns every instance.
func (m *Manager) List() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances)
}

// ForSession returns the instances bound to a session.
func (m *Manager) ForSession(sessionID string) []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.instances {
		if inst.SessionID == sessionID {
			out = append(out, inst)
		}
	}
	return out
}

// Forget removes all instances of a session, e.g. after it was deleted.
func (m *Manager) Forget(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = slices.DeleteFunc(m.instances, func(inst Instance) bool {
		return inst.SessionID == sessionID
	})
	return m.saveLocked()
}

// setState applies st in memory and then persists it. The in-memory state
// stands even when the write fails.
func (m *Manager) setState(id string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.instances {
		if m.instances[i].ID == id {
			m.instances[i].State = st
			return m.saveLocked()
		}
	}
	return nil
}

// Logs streams service log entries, replaying the most recent ones first.
func (m *Manager) Logs(ctx context.Context) <-chan LogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return m.logsHub.Subscribe(ctx, m.recent...)
}

// Close ends all log streams.
func (m *Manager) Close() {
	m.logsHub.Close()
}

func (m *Manager) emit(serviceID string, level LogLevel, msg string) {
	entry := LogEntry{Time: time.Now(), ServiceID: serviceID, Level: level, Message: msg}

	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.recent = append(m.recent, entry)
	if len(m.recent) > logReplay {
		m.recent = slices.Clone(m.recent[len(m.recent)-logReplay:])
	}
	m.logsHub.Publish(entry)
}
