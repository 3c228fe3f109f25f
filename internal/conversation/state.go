// Package conversation holds the per-session data model of a voice
// interaction: its state, interruption events, and interaction history.
package conversation

import "fmt"

// State is the conversation state of a session. Exactly one value per
// session at any time.
type State int

const (
	// StateIdle is the initial state. A session ends by teardown, not by
	// reaching a terminal state.
	StateIdle State = iota
	// StateListening is when the assistant waits for user input.
	StateListening
	// StateProcessing is when user input was captured and a reply is pending.
	StateProcessing
	// StateSpeaking is when a response is being spoken.
	StateSpeaking
	// StatePaused is when the spoken response is held and can be resumed.
	StatePaused
	// StateInterrupted is when the user (or a command) cut into a response.
	StateInterrupted
	// StateWaitingForCommand is when speech cut in but nothing usable was
	// heard; the assistant waits for resume/stop/repeat.
	StateWaitingForCommand
)

// States lists every state in declaration order.
var States = []State{
	StateIdle,
	StateListening,
	StateProcessing,
	StateSpeaking,
	StatePaused,
	StateInterrupted,
	StateWaitingForCommand,
}

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StatePaused:
		return "paused"
	case StateInterrupted:
		return "interrupted"
	case StateWaitingForCommand:
		return "waiting_for_command"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HasResponsePosition reports whether the response position is meaningful
// in this state.
func (s State) HasResponsePosition() bool {
	switch s {
	case StateSpeaking, StateInterrupted, StatePaused:
		return true
	default:
		return false
	}
}
