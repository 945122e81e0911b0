// Package supervisor owns sandbox sessions: it creates, starts, stops and
// deletes them, keeps their state persisted and exposes command execution.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/mount"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

var (
	ErrAlreadyRunning  = errors.New("session already running")
	ErrNotRunning      = errors.New("session not running")
	ErrSessionNotFound = errors.New("session not found")
	ErrNameInUse       = errors.New("session name already in use")
	ErrInvalidConfig   = errors.New("invalid session config")
)

const (
	DefaultStartTimeout    = 20 * time.Second
	DefaultStopGrace       = 5 * time.Second
	DefaultDisplayPortBase = 5901

	// DefaultInitCommand keeps the sandbox alive until its stdin is closed.
	DefaultInitCommand = "while read -r line; do :; done"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Store    *session.Store
	Launcher Launcher
	Rootfs   Rootfs
	Proxy    Proxy            // optional
	Mounts   *mount.Validator // optional, defaults to no blocked paths
	Log      zerolog.Logger

	InitCommand     string
	StartTimeout    time.Duration
	StopGrace       time.Duration
	DisplayPortBase int
}

// Manager is the registry of sessions. It is the only writer of session
// state; observers read snapshots through Watch.
type Manager struct {
	store    *session.Store
	launcher Launcher
	rootfs   Rootfs
	proxy    Proxy
	mounts   *mount.Validator
	log      zerolog.Logger

	initCommand  string
	startTimeout time.Duration
	stopGrace    time.Duration
	portBase     int

	// mu guards sessions and ports. Lock order: Session.mu, then mu.
	mu       sync.Mutex
	sessions map[string]*Session
	ports    map[int]string
}

// New builds a Manager from the records already in the store. Sessions left
// Starting, Running or Stopping by a previous process are persisted as
// Stopped, since their processes are gone.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Launcher == nil || opts.Rootfs == nil {
		return nil, errors.New("supervisor: store, launcher and rootfs are required")
	}
	if opts.Mounts == nil {
		v, err := mount.NewValidator(nil)
		if err != nil {
			return nil, err
		}
		opts.Mounts = v
	}

	m := &Manager{
		store:        opts.Store,
		launcher:     opts.Launcher,
		rootfs:       opts.Rootfs,
		proxy:        opts.Proxy,
		mounts:       opts.Mounts,
		log:          opts.Log.With().Str("component", "supervisor").Logger(),
		initCommand:  cmp.Or(opts.InitCommand, DefaultInitCommand),
		startTimeout: cmp.Or(opts.StartTimeout, DefaultStartTimeout),
		stopGrace:    cmp.Or(opts.StopGrace, DefaultStopGrace),
		portBase:     cmp.Or(opts.DisplayPortBase, DefaultDisplayPortBase),
		sessions:     make(map[string]*Session),
		ports:        make(map[int]string),
	}

	for _, rec := range m.store.Snapshot() {
		st := session.Normalize(rec.State)
		if st != rec.State {
			m.log.Info().Str("session", rec.ID).Str("was", rec.State.String()).Msg("recovered session as stopped")
			updated, err := m.store.UpdateState(rec.ID, st)
			if err != nil {
				return nil, fmt.Errorf("failed to recover session %s: %w", rec.ID, err)
			}
			rec = *updated
		}
		m.sessions[rec.ID] = &Session{m: m, info: rec}
	}
	return m, nil
}

// Create registers a new session in the Created state. No process starts.
func (m *Manager) Create(cfg session.Config) (*Session, error) {
	cfg = cfg.Clone()
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Distro.ID == "" {
		return nil, fmt.Errorf("%w: distro is required", ErrInvalidConfig)
	}
	for _, spec := range cfg.Mounts {
		if _, err := mount.Parse(spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Name != "" {
		for _, s := range m.sessions {
			if s.Info().Config.Name == cfg.Name {
				return nil, fmt.Errorf("%w: %s", ErrNameInUse, cfg.Name)
			}
		}
	}

	now := time.Now()
	rec := session.Session{
		ID:        uuid.New().String()[:8],
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
		State:     session.Created{},
	}
	if rec.Config.Name == "" {
		rec.Config.Name = rec.ID
	}
	if err := m.store.Save(&rec); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s := &Session{m: m, info: rec}
	m.sessions[rec.ID] = s
	m.log.Info().Str("session", rec.ID).Str("name", rec.Config.Name).Str("distro", cfg.Distro.ID).Msg("session created")
	return s, nil
}

// Get finds a session by id, or by name when no id matches.
func (m *Manager) Get(ref string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(ref)
}

func (m *Manager) lookupLocked(ref string) (*Session, error) {
	if s, ok := m.sessions[ref]; ok {
		return s, nil
	}
	for _, s := range m.sessions {
		if s.Info().Config.Name == ref {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
}

// Exec runs command in the session identified by ref. It is the executor
// used by services and agents.
func (m *Manager) Exec(ctx context.Context, ref, command string, timeout time.Duration) (launcher.ProcessResult, error) {
	s, err := m.Get(ref)
	if err != nil {
		return launcher.ProcessResult{ExitCode: -1}, err
	}
	return s.Exec(ctx, command, timeout)
}

// ExecInteractive is Exec with stdin fed from the given reader.
func (m *Manager) ExecInteractive(ctx context.Context, ref, command string, stdin io.Reader, timeout time.Duration) (launcher.ProcessResult, error) {
	s, err := m.Get(ref)
	if err != nil {
		return launcher.ProcessResult{ExitCode: -1}, err
	}
	return s.ExecInteractive(ctx, command, stdin, timeout)
}

// List returns a snapshot of every session ordered by creation time.
func (m *Manager) List() []session.Session {
	m.mu.Lock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b session.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Watch streams snapshots of all sessions, starting with the current one.
// The stream ends when ctx is done.
func (m *Manager) Watch(ctx context.Context) <-chan []session.Session {
	return m.store.ObserveAll(ctx)
}

// Start brings the session's sandbox up and moves it to Running. Concurrent
// starts of one session serialize; the later ones get ErrAlreadyRunning.
// Any failure after Starting leaves the session in Errored.
func (m *Manager) Start(ctx context.Context, ref string) error {
	s, err := m.Get(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	if s.State().Kind() == session.KindRunning {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.ID())
	}

	if err := s.setState(session.Starting{}); err != nil {
		return err
	}
	if err := m.bringUp(ctx, s); err != nil {
		m.log.Error().Err(err).Str("session", s.ID()).Msg("start failed")
		s.fail(err)
		return err
	}
	return nil
}

// bringUp runs with s.mu held and the session in Starting.
func (m *Manager) bringUp(ctx context.Context, s *Session) (err error) {
	info := s.Info()

	rootfs, err := m.rootfs.Resolve(info.Config.Distro.ID)
	if err != nil {
		return err
	}
	workDir, err := m.rootfs.SessionDir(info.ID)
	if err != nil {
		return err
	}
	binds, err := m.mounts.Args(info.Config.Mounts)
	if err != nil {
		return err
	}

	env := maps.Clone(info.Config.Env)
	if env == nil {
		env = make(map[string]string)
	}

	if info.Config.EnableNetwork && m.proxy != nil {
		url, perr := m.proxy.Acquire()
		if perr != nil {
			m.log.Warn().Err(perr).Str("session", info.ID).Msg("proxy unavailable, starting without it")
		} else {
			s.proxied = true
			for _, k := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
				env[k] = url
			}
			env["NO_PROXY"] = "localhost,127.0.0.1"
			env["no_proxy"] = env["NO_PROXY"]
		}
	}
	defer func() {
		if err != nil {
			m.releaseProxy(s)
		}
	}()

	req := launcher.Request{
		RootfsPath: rootfs,
		WorkDir:    workDir,
		BindMounts: binds,
		Env:        env,
		Command:    launcher.ReadyProbe,
		Timeout:    m.startTimeout,
	}
	res, err := m.launcher.Launch(ctx, req)
	if err != nil {
		return fmt.Errorf("sandbox readiness probe failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox readiness probe exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	port, err := m.allocPort(info.ID)
	if err != nil {
		return err
	}
	env["DISPLAY"] = ":" + strconv.Itoa(port-m.portBase+1)

	req.Command = m.initCommand
	req.Timeout = 0
	proc, err := m.launcher.Spawn(req)
	if err != nil {
		m.freePort(port)
		return err
	}

	s.proc = proc
	s.port = port
	s.setRuntime(rootfs, workDir, binds, env)
	if err := s.setState(session.Running{DisplayPort: port}); err != nil {
		_ = proc.Terminate(m.stopGrace)
		s.proc = nil
		s.port = 0
		m.freePort(port)
		return err
	}

	go m.monitor(s, proc)
	m.log.Info().Str("session", info.ID).Int("pid", proc.PID()).Int("display_port", port).Msg("session running")
	return nil
}

// monitor moves the session to Errored when its init process dies without a
// stop having been requested.
func (m *Manager) monitor(s *Session, proc Process) {
	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		return
	}

	msg := "sandbox process exited"
	if err := proc.ExitError(); err != nil {
		msg += ": " + err.Error()
	}
	m.log.Warn().Str("session", s.ID()).Str("reason", msg).Msg("sandbox process died")
	m.teardown(s)
	s.fail(errors.New(msg))
}

// Stop terminates the session's sandbox and moves it to Stopped.
func (m *Manager) Stop(ref string) error {
	s, err := m.Get(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	return m.stopLocked(s)
}

func (m *Manager) stopLocked(s *Session) error {
	if s.State().Kind() != session.KindRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, s.ID())
	}

	if err := s.setState(session.Stopping{}); err != nil {
		s.fail(err)
		return err
	}

	err := s.proc.Terminate(m.stopGrace)
	m.teardown(s)
	if err != nil {
		err = fmt.Errorf("failed to stop sandbox: %w", err)
		s.fail(err)
		return err
	}

	if err := s.setState(session.Stopped{}); err != nil {
		s.fail(err)
		return err
	}
	m.log.Info().Str("session", s.ID()).Msg("session stopped")
	return nil
}

// teardown drops the process handle and returns the port and proxy
// reference. Called with s.mu held.
func (m *Manager) teardown(s *Session) {
	s.proc = nil
	if s.port != 0 {
		m.freePort(s.port)
		s.port = 0
	}
	m.releaseProxy(s)
}

func (m *Manager) releaseProxy(s *Session) {
	if s.proxied && m.proxy != nil {
		m.proxy.Release()
	}
	s.proxied = false
}

// Delete removes a session. A running session is stopped first; a failed
// stop does not prevent deletion.
func (m *Manager) Delete(ref string) error {
	s, err := m.Get(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	id := s.ID()

	if s.State().Kind() == session.KindRunning {
		if err := m.stopLocked(s); err != nil {
			m.log.Warn().Err(err).Str("session", id).Msg("stop before delete failed")
		}
	}
	if s.proc != nil {
		_ = s.proc.Terminate(m.stopGrace)
		m.teardown(s)
	}

	if err := m.store.Delete(id); err != nil {
		return err
	}
	if err := m.rootfs.RemoveSessionDir(id); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("failed to remove session directory")
	}

	s.deleted = true
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.log.Info().Str("session", id).Msg("session deleted")
	return nil
}

// Shutdown stops every running session and force-stops the proxy.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, info := range m.List() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if info.State.Kind() != session.KindRunning {
			continue
		}
		if err := m.Stop(info.ID); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	if m.proxy != nil {
		m.proxy.ForceStop()
	}
	return errors.Join(errs...)
}

// allocPort reserves the lowest free display port.
func (m *Manager) allocPort(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port := m.portBase; port < m.portBase+1000; port++ {
		if _, taken := m.ports[port]; !taken {
			m.ports[port] = id
			return port, nil
		}
	}
	return 0, errors.New("no free display port")
}

func (m *Manager) freePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, port)
}
