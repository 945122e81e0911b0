package supervisor

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

// DefaultExecTimeout bounds a command when the caller does not choose.
const DefaultExecTimeout = 300 * time.Second

// Session is the live handle of one sandbox session. It is obtained from
// Manager.Create or Manager.Get and stays valid until the session is deleted.
type Session struct {
	m *Manager

	// mu serializes start, stop, delete and the exit monitor.
	mu      sync.Mutex
	deleted bool
	proc    Process
	port    int
	proxied bool

	// stateMu guards the fields read by Exec. Never held while taking
	// another lock.
	stateMu sync.RWMutex
	info    session.Session
	rootfs  string
	workDir string
	binds   []string
	env     map[string]string
}

// ID returns the session id.
func (s *Session) ID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.info.ID
}

// Info returns a snapshot of the session record.
func (s *Session) Info() session.Session {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.info.Clone()
}

// State returns the current in-memory state.
func (s *Session) State() session.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.info.State
}

// Exec runs command inside the running sandbox. See ExecInteractive.
func (s *Session) Exec(ctx context.Context, command string, timeout time.Duration) (launcher.ProcessResult, error) {
	return s.ExecInteractive(ctx, command, nil, timeout)
}

// ExecInteractive runs command inside the running sandbox with stdin fed from
// the given reader. A timeout <= 0 waits indefinitely.
//
// It fails with ErrNotRunning, without spawning anything, unless the session
// is Running. Each call spawns its own process under the shared root, so
// concurrent calls are independent. A non-zero exit is reported in the result,
// not as an error; errors are reserved for commands that could not run to
// completion (launcher.ErrSpawnFailed, launcher.ErrTimeout, cancellation).
func (s *Session) ExecInteractive(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (launcher.ProcessResult, error) {
	s.stateMu.RLock()
	running := s.info.State.Kind() == session.KindRunning
	req := launcher.Request{
		RootfsPath: s.rootfs,
		WorkDir:    s.workDir,
		BindMounts: s.binds,
		Env:        maps.Clone(s.env),
		Command:    command,
		Stdin:      stdin,
		Timeout:    timeout,
	}
	id := s.info.ID
	s.stateMu.RUnlock()

	if !running {
		return launcher.ProcessResult{ExitCode: -1}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	res, err := s.m.launcher.Launch(ctx, req)
	if err != nil {
		s.m.log.Debug().Err(err).Str("session", id).Msg("exec did not complete")
	}
	return res, err
}

// setState applies st in memory and then persists it. Callers hold s.mu, so
// writes for one session reach the store in transition order.
func (s *Session) setState(st session.State) error {
	s.stateMu.Lock()
	from := s.info.State
	s.info.State = st
	s.info.UpdatedAt = time.Now()
	id := s.info.ID
	s.stateMu.Unlock()

	if !session.CanTransition(from, st) {
		s.m.log.Warn().Str("session", id).Str("from", from.String()).Str("to", st.String()).Msg("unexpected state transition")
	}
	s.m.log.Debug().Str("session", id).Str("state", st.String()).Msg("state changed")

	if _, err := s.m.store.UpdateState(id, st); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", st.Kind(), err)
	}
	return nil
}

// fail moves the session to Errored with a non-empty message.
func (s *Session) fail(err error) {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	if perr := s.setState(session.Errored{Message: msg}); perr != nil {
		s.m.log.Error().Err(perr).Str("session", s.ID()).Msg("failed to persist error state")
	}
}

// setRuntime records what Exec needs to reach the sandbox.
func (s *Session) setRuntime(rootfs, workDir string, binds []string, env map[string]string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.rootfs = rootfs
	s.workDir = workDir
	s.binds = binds
	s.env = env
}
