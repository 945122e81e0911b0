package devservice

import (
	"fmt"
	"time"
)

// State is the runtime state of a service instance: Stopped, Starting,
// Installing, Running or Errored.
type State interface {
	Kind() string
	isState()
}

type (
	Stopped    struct{}
	Starting   struct{}
	Installing struct{}
	Running    struct{ StartedAt time.Time }
	Errored    struct{ Message string }
)

func (Stopped) Kind() string    { return "stopped" }
func (Starting) Kind() string   { return "starting" }
func (Installing) Kind() string { return "installing" }
func (Running) Kind() string    { return "running" }
func (Errored) Kind() string    { return "error" }

func (Stopped) isState()    {}
func (Starting) isState()   {}
func (Installing) isState() {}
func (Running) isState()    {}
func (Errored) isState()    {}

// active reports whether s occupies its (template, session) slot.
func active(s State) bool {
	switch s.(type) {
	case Starting, Installing, Running:
		return true
	}
	return false
}

type stateRecord struct {
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Message   string    `json:"message,omitempty"`
}

func encodeState(s State) stateRecord {
	switch v := s.(type) {
	case Running:
		return stateRecord{Kind: v.Kind(), StartedAt: v.StartedAt}
	case Errored:
		return stateRecord{Kind: v.Kind(), Message: v.Message}
	case nil:
		return stateRecord{Kind: Stopped{}.Kind()}
	default:
		return stateRecord{Kind: s.Kind()}
	}
}

func (r stateRecord) decode() (State, error) {
	switch r.Kind {
	case "stopped", "":
		return Stopped{}, nil
	case "starting":
		return Starting{}, nil
	case "installing":
		return Installing{}, nil
	case "running":
		return Running{StartedAt: r.StartedAt}, nil
	case "error":
		return Errored{Message: r.Message}, nil
	}
	return nil, fmt.Errorf("unknown service state %q", r.Kind)
}
