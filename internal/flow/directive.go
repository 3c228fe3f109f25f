package flow

import (
	"fmt"
	"time"

	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

// Action tells the host what to do after a turn.
type Action int

const (
	ActionNone Action = iota
	// ActionGenerateResponse asks the host for a new reply to the captured
	// input, which it hands back through StartAIResponse.
	ActionGenerateResponse
	ActionStopSpeaking
	ActionPauseSpeaking
	// ActionResumeSpeaking continues playback from Directive.ResumeFrom.
	ActionResumeSpeaking
	ActionRepeatResponse
	// ActionApplySettings applies Directive.Settings to playback.
	ActionApplySettings
	ActionEndListening
	ActionAwaitCommand
	ActionShowHelp
	// ActionFallback continues in the degraded mode described by the
	// turn's recovery result; Directive.Text holds content to show.
	ActionFallback
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionGenerateResponse:
		return "generate_response"
	case ActionStopSpeaking:
		return "stop_speaking"
	case ActionPauseSpeaking:
		return "pause_speaking"
	case ActionResumeSpeaking:
		return "resume_speaking"
	case ActionRepeatResponse:
		return "repeat_response"
	case ActionApplySettings:
		return "apply_settings"
	case ActionEndListening:
		return "end_listening"
	case ActionAwaitCommand:
		return "await_command"
	case ActionShowHelp:
		return "show_help"
	case ActionFallback:
		return "fallback"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Directive is the response the host should produce. It carries a message
// key, never rendered text.
type Directive struct {
	Action     Action                     `json:"action"`
	Message    messages.Message           `json:"message"`
	ResumeFrom time.Duration              `json:"resume_from"`
	Settings   conversation.VoiceSettings `json:"settings,omitempty"`
	Text       string                     `json:"text,omitempty"`
}

// TurnResult is the outcome of one operation on a session.
type TurnResult struct {
	SessionID     string                          `json:"session_id"`
	PreviousState conversation.State              `json:"previous_state"`
	State         conversation.State              `json:"state"`
	Transcript    string                          `json:"transcript,omitempty"`
	Transitions   []Transition                    `json:"transitions"`
	Interruption  *conversation.InterruptionEvent `json:"interruption,omitempty"`
	Command       *command.Match                  `json:"command,omitempty"`
	Directive     Directive                       `json:"directive"`
	Recovery      *recovery.Result                `json:"recovery,omitempty"`
}

// Changed reports whether any transition was applied.
func (r *TurnResult) Changed() bool {
	for _, t := range r.Transitions {
		if t.Applied {
			return true
		}
	}
	return false
}

// SynthesisResult is the outcome of SynthesizeResponse.
type SynthesisResult struct {
	SessionID string           `json:"session_id"`
	Speech    *pipeline.Speech `json:"-"`
	Cached    bool             `json:"cached"`
	Directive Directive        `json:"directive"`
	Recovery  *recovery.Result `json:"recovery,omitempty"`
}
