package session

import "fmt"

// StateKind names a lifecycle state.
type StateKind string

const (
	KindCreated  StateKind = "created"
	KindStarting StateKind = "starting"
	KindRunning  StateKind = "running"
	KindStopping StateKind = "stopping"
	KindStopped  StateKind = "stopped"
	KindError    StateKind = "error"
)

// State is the lifecycle state of a session. The set of implementations is
// closed: Created, Starting, Running, Stopping, Stopped and Errored.
type State interface {
	Kind() StateKind
	String() string
	isState()
}

type (
	Created  struct{}
	Starting struct{}
	Running  struct{ DisplayPort int }
	Stopping struct{}
	Stopped  struct{}
	Errored  struct{ Message string }
)

func (Created) Kind() StateKind  { return KindCreated }
func (Starting) Kind() StateKind { return KindStarting }
func (Running) Kind() StateKind  { return KindRunning }
func (Stopping) Kind() StateKind { return KindStopping }
func (Stopped) Kind() StateKind  { return KindStopped }
func (Errored) Kind() StateKind  { return KindError }

func (Created) String() string   { return string(KindCreated) }
func (Starting) String() string  { return string(KindStarting) }
func (s Running) String() string { return fmt.Sprintf("running (display :%d)", s.DisplayPort) }
func (Stopping) String() string  { return string(KindStopping) }
func (Stopped) String() string   { return string(KindStopped) }
func (s Errored) String() string { return "error: " + s.Message }

func (Created) isState()  {}
func (Starting) isState() {}
func (Running) isState()  {}
func (Stopping) isState() {}
func (Stopped) isState()  {}
func (Errored) isState()  {}

// CanTransition reports whether the lifecycle allows moving from one state to
// another. Any state may move to Errored. A stopped or failed session may be
// started again.
func CanTransition(from, to State) bool {
	if to.Kind() == KindError {
		return true
	}
	switch from.Kind() {
	case KindCreated, KindStopped, KindError:
		return to.Kind() == KindStarting
	case KindStarting:
		return to.Kind() == KindRunning
	case KindRunning:
		return to.Kind() == KindStopping
	case KindStopping:
		return to.Kind() == KindStopped
	}
	return false
}

// Normalize maps states that imply a live process to Stopped. It is applied
// to persisted records on load, since process handles never survive a restart.
func Normalize(s State) State {
	switch s.Kind() {
	case KindStarting, KindRunning, KindStopping:
		return Stopped{}
	}
	return s
}

// StateRecord is the persisted form of a State.
type StateRecord struct {
	Kind        StateKind `json:"kind"`
	DisplayPort int       `json:"display_port,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// EncodeState converts a State into its persisted form. A nil state encodes as
// Created.
func EncodeState(s State) StateRecord {
	switch v := s.(type) {
	case Running:
		return StateRecord{Kind: KindRunning, DisplayPort: v.DisplayPort}
	case Errored:
		return StateRecord{Kind: KindError, Message: v.Message}
	case nil:
		return StateRecord{Kind: KindCreated}
	default:
		return StateRecord{Kind: s.Kind()}
	}
}

// Decode converts the persisted form back into a State.
func (r StateRecord) Decode() (State, error) {
	switch r.Kind {
	case KindCreated, "":
		return Created{}, nil
	case KindStarting:
		return Starting{}, nil
	case KindRunning:
		return Running{DisplayPort: r.DisplayPort}, nil
	case KindStopping:
		return Stopping{}, nil
	case KindStopped:
		return Stopped{}, nil
	case KindError:
		return Errored{Message: r.Message}, nil
	default:
		return nil, fmt.Errorf("unknown session state %q", r.Kind)
	}
}
