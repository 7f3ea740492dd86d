package conn

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the shared connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event drives a state transition.
type Event int

const (
	EventConnectStart Event = iota + 1
	EventConnected
	EventConnectFailed
	EventConnectionLost
	EventRetriesExhausted
	EventForceReconnect
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventConnectStart:
		return "connect_start"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventRetriesExhausted:
		return "retries_exhausted"
	case EventForceReconnect:
		return "force_reconnect"
	case EventShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transitions lists every accepted (state, event) pair. Anything else is
// rejected by Manager.transition.
var transitions = map[State]map[Event]State{
	Disconnected: {
		EventConnectStart: Connecting,
		EventShutdown:     Disconnected,
	},
	Connecting: {
		EventConnected:     Ready,
		EventConnectFailed: Reconnecting,
		EventShutdown:      Disconnected,
	},
	Ready: {
		EventConnectionLost: Reconnecting,
		EventForceReconnect: Reconnecting,
		EventShutdown:       Disconnected,
	},
	Reconnecting: {
		EventConnected:        Ready,
		EventConnectFailed:    Reconnecting,
		EventRetriesExhausted: Failed,
		EventForceReconnect:   Reconnecting,
		EventShutdown:         Disconnected,
	},
	Failed: {
		EventForceReconnect: Connecting,
		EventShutdown:       Disconnected,
	},
}

// StateChange describes one accepted transition.
type StateChange struct {
	From  State
	To    State
	Event Event

	// Attempt is the reconnection attempt counter after the transition.
	Attempt int

	// RetryIn is the delay of the reconnection scheduled by this transition,
	// zero when none was scheduled.
	RetryIn time.Duration

	Err error
	At  time.Time
}

// Stats is a snapshot of the manager.
type Stats struct {
	State      State
	RetryCount int
	Connects   int64
	LastError  error
}
