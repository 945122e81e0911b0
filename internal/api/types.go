package api

import (
	"time"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

// Session is the wire form of a session record.
type Session struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Distro        session.Distro      `json:"distro"`
	EnableSound   bool                `json:"enable_sound"`
	EnableNetwork bool                `json:"enable_network"`
	Mounts        []string            `json:"mounts,omitempty"`
	State         session.StateRecord `json:"state"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// StateString renders the state the way the CLI shows it.
func (s Session) StateString() string {
	st, err := s.State.Decode()
	if err != nil {
		return string(s.State.Kind)
	}
	return st.String()
}

func sessionView(s session.Session) Session {
	return Session{
		ID:            s.ID,
		Name:          s.Config.Name,
		Distro:        s.Config.Distro,
		EnableSound:   s.Config.EnableSound,
		EnableNetwork: s.Config.EnableNetwork,
		Mounts:        s.Config.Mounts,
		State:         session.EncodeState(s.State),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// CreateSessionRequest creates a session from a catalog distro id.
type CreateSessionRequest struct {
	Name          string            `json:"name"`
	Distro        string            `json:"distro"`
	EnableSound   bool              `json:"enable_sound,omitempty"`
	EnableNetwork bool              `json:"enable_network,omitempty"`
	Mounts        []string          `json:"mounts,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// ExecRequest runs one command. TimeoutMS of zero uses the server default and
// a negative value disables the deadline.
type ExecRequest struct {
	Command   string `json:"command"`
	Stdin     string `json:"stdin,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ExecResult carries the process result. On a timeout the partial output is
// returned together with Error.
type ExecResult struct {
	launcher.ProcessResult
	Error string `json:"error,omitempty"`
}

// ProxyStatus reports the shared relay.
type ProxyStatus struct {
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
	Refs  int    `json:"refs"`
}

// StartServiceRequest starts a preset, or a custom command when Template is
// "custom".
type StartServiceRequest struct {
	Template string              `json:"template"`
	Session  string              `json:"session"`
	Port     int                 `json:"port,omitempty"`
	Bind     devservice.BindMode `json:"bind,omitempty"`
	Name     string              `json:"name,omitempty"`
	Command  string              `json:"command,omitempty"`
}

// InstallServiceRequest installs a preset's packages into a session.
type InstallServiceRequest struct {
	Template string `json:"template"`
	Session  string `json:"session"`
}

// AgentStatus reports agent tooling in one session.
type AgentStatus struct {
	Installed bool   `json:"installed"`
	Status    string `json:"status"`
}

// Agent tools accepted by RunAgentRequest.
const (
	ToolTask   = "task"
	ToolGemini = "gemini"
	ToolDroid  = "droid"
)

// RunAgentRequest runs one agent invocation.
type RunAgentRequest struct {
	Tool      string       `json:"tool"`
	Input     string       `json:"input"`
	Config    agent.Config `json:"config,omitzero"`
	TimeoutMS int64        `json:"timeout_ms,omitempty"`
}

// errorBody is returned with every non-2xx status.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func millis(ms int64, fallback time.Duration) time.Duration {
	switch {
	case ms == 0:
		return fallback
	case ms < 0:
		return 0
	default:
		return time.Duration(ms) * time.Millisecond
	}
}
