package launcher

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Process is a long-lived sandbox process group, typically the session init.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stdin     io.WriteCloser
	stderr    *tailBuffer

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Spawn starts req without waiting for it. The process keeps its stdin open
// until Terminate. req.Timeout is ignored.
func (l *Launcher) Spawn(req Request) (*Process, error) {
	if err := l.runtime.Check(); err != nil {
		return nil, err
	}

	cmd := l.command(nil, req)
	tail := newTailBuffer(4096)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdin:     stdin,
		stderr:    tail,
		done:      make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	l.log.Info().Int("pid", p.pid).Str("rootfs", req.RootfsPath).Msg("sandbox process started")
	return p, nil
}

// PID returns the process id, which is also the process group id.
func (p *Process) PID() int { return p.pid }

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return alive(p.pid)
	}
}

// ExitError describes how the process ended. Valid after Done is closed.
func (p *Process) ExitError() error {
	<-p.done
	if p.waitErr == nil {
		return nil
	}
	if msg := p.stderr.String(); msg != "" {
		return fmt.Errorf("%w: %s", p.waitErr, msg)
	}
	return p.waitErr
}

// ExitCode returns the exit status, or -1 if killed by a signal. Valid after
// Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return exitCode(p.waitErr)
}

// Terminate closes stdin and sends SIGTERM to the process group, escalating
// to SIGKILL when the group has not exited within grace. It returns once the
// process has been reaped and is safe to call more than once.
func (p *Process) Terminate(grace time.Duration) error {
	var sigErr error
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		sigErr = terminateGroup(p.pid)
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := killGroup(p.pid); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", p.pid, err)
	}
	<-p.done
	return sigErr
}
