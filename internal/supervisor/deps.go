package supervisor

import (
	"context"
	"time"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
)

// Launcher runs one-shot commands and long-lived init processes in a sandbox.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (launcher.ProcessResult, error)
	Spawn(req launcher.Request) (Process, error)
}

// Process is a live sandbox process group owned by one session.
type Process interface {
	PID() int
	Done() <-chan struct{}
	ExitError() error
	Terminate(grace time.Duration) error
}

// Rootfs resolves distributions and per-session host directories.
type Rootfs interface {
	Resolve(distroID string) (string, error)
	SessionDir(id string) (string, error)
	RemoveSessionDir(id string) error
}

// Proxy hands out references to the shared network relay.
type Proxy interface {
	Acquire() (string, error)
	Release()
	ForceStop()
}

// FromLauncher adapts a launcher.Launcher to the Launcher interface.
func FromLauncher(l *launcher.Launcher) Launcher {
	return sandbox{l}
}

type sandbox struct {
	*launcher.Launcher
}

func (s sandbox) Spawn(req launcher.Request) (Process, error) {
	p, err := s.Launcher.Spawn(req)
	if err != nil {
		return nil, err
	}
	return p, nil
}
