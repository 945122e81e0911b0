// Package launcher runs commands inside a proot sandbox rooted at a prepared
// root filesystem.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSpawnFailed is returned when the sandbox process could not be started.
	ErrSpawnFailed = errors.New("command spawn failed")
	// ErrTimeout is returned when a command outlived its deadline and was killed.
	ErrTimeout = errors.New("command timed out")
)

const (
	// DefaultPath is the PATH seeded into every sandbox environment.
	DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// DefaultGuestWorkDir is the working directory inside the sandbox.
	DefaultGuestWorkDir = "/root"
	// DefaultOutputGrace bounds how long output is drained after the process exits.
	DefaultOutputGrace = 500 * time.Millisecond
	// ReadyProbe replaces an empty command.
	ReadyProbe = "echo 'PRoot ready'"
)

// ProcessResult is the outcome of one command.
type ProcessResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Request describes one sandboxed invocation.
type Request struct {
	RootfsPath string            // host path bound as /
	WorkDir    string            // host working directory of the proot process
	BindMounts []string          // extra "host[:guest]" binds
	Env        map[string]string // overlays the seeded environment
	Command    string            // run through /bin/sh -c
	Stdin      io.Reader         // nil leaves stdin empty
	Timeout    time.Duration     // <= 0 means no deadline
}

// Config tunes a Launcher.
type Config struct {
	GuestWorkDir string
	OutputGrace  time.Duration
}

// Launcher builds and runs proot invocations.
type Launcher struct {
	runtime Runtime
	cfg     Config
	log     zerolog.Logger
}

// New creates a Launcher for the given runtime.
func New(rt Runtime, cfg Config, log zerolog.Logger) *Launcher {
	if cfg.GuestWorkDir == "" {
		cfg.GuestWorkDir = DefaultGuestWorkDir
	}
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = DefaultOutputGrace
	}
	return &Launcher{
		runtime: rt,
		cfg:     cfg,
		log:     log.With().Str("component", "launcher").Logger(),
	}
}

// Runtime returns the runtime the launcher was built with.
func (l *Launcher) Runtime() Runtime {
	return l.runtime
}

// Args returns the full argument vector, executable first.
func (l *Launcher) Args(req Request) []string {
	command := req.Command
	if command == "" {
		command = ReadyProbe
	}

	args := []string{
		l.runtime.Proot,
		"-0",
		"-r", req.RootfsPath,
		"-b", "/dev",
		"-b", "/proc",
		"-b", "/sys",
	}
	for _, m := range req.BindMounts {
		args = append(args, "-b", m)
	}
	return append(args, "-w", l.cfg.GuestWorkDir, "/bin/sh", "-c", command)
}

// Env returns the process environment: runtime variables first, then the
// request's variables, which win on conflict. Sorted for stable output.
func (l *Launcher) Env(req Request) []string {
	env := map[string]string{
		"PROOT_LOADER":    l.runtime.Loader,
		"LD_LIBRARY_PATH": l.runtime.LibDir,
		"HOME":            "/root",
		"USER":            "root",
		"TERM":            "xterm-256color",
		"LANG":            "C.UTF-8",
		"PATH":            DefaultPath,
	}
	if l.runtime.TmpDir != "" {
		env["PROOT_TMP_DIR"] = l.runtime.TmpDir
	}
	maps.Copy(env, req.Env)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (l *Launcher) command(ctx context.Context, req Request) *exec.Cmd {
	args := l.Args(req)

	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		cmd = exec.Command(args[0], args[1:]...)
	}
	cmd.Env = l.Env(req)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = l.cfg.OutputGrace
	setProcessGroup(cmd)
	return cmd
}

// Launch runs req to completion and captures its output.
//
// The returned ProcessResult is always populated. When the runtime is
// missing, the command cannot be spawned, the deadline passes or ctx is
// cancelled, ExitCode is -1 and a non-nil error says which. A command that
// runs and exits non-zero is not an error.
func (l *Launcher) Launch(ctx context.Context, req Request) (ProcessResult, error) {
	if err := l.runtime.Check(); err != nil {
		l.log.Warn().Err(err).Msg("runtime check failed")
		return ProcessResult{ExitCode: -1, Stderr: err.Error()}, err
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := l.command(runCtx, req)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != nil {
		cmd.Stdin = req.Stdin
	}

	l.log.Debug().Str("rootfs", req.RootfsPath).Str("command", req.Command).Dur("timeout", req.Timeout).Msg("launching")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		switch {
		case ctx.Err() != nil:
			return ProcessResult{ExitCode: -1}, fmt.Errorf("command cancelled: %w", ctx.Err())
		case runCtx.Err() != nil:
			return ProcessResult{ExitCode: -1}, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		}
		l.log.Error().Err(err).Msg("failed to start proot")
		return ProcessResult{ExitCode: -1, Stderr: err.Error()}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	waitErr := cmd.Wait()
	res := ProcessResult{
		ExitCode: exitCode(waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		l.log.Debug().Int("pid", cmd.Process.Pid).Msg("command cancelled")
		return res, fmt.Errorf("command cancelled: %w", ctx.Err())
	case runCtx.Err() != nil:
		res.ExitCode = -1
		l.log.Warn().Int("pid", cmd.Process.Pid).Dur("timeout", req.Timeout).Msg("command timed out, process group killed")
		return res, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		l.log.Debug().Msg("output pipes still open after exit, remaining output dropped")
	}
	l.log.Debug().Int("exit_code", res.ExitCode).Dur("elapsed", time.Since(start)).Msg("command finished")
	return res, nil
}

func exitCode(err error) int {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
