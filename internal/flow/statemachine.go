package flow

import (
	"fmt"
	"time"

	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/conversation"
)

// Trigger is an event that may move a session to another state.
type Trigger int

const (
	TriggerSessionStart Trigger = iota
	TriggerSpeechDetected
	TriggerInputCaptured
	TriggerResponseReady
	TriggerUserSpeech
	TriggerCommandInterruption
	TriggerBackgroundNoise
	TriggerDeviceNotification
	TriggerSilenceTimeout
	TriggerPause
	TriggerResume
	TriggerStop
	TriggerRepeat
	// TriggerAutoResume continues a response after a backchannel such as
	// "ok" cut in.
	TriggerAutoResume
	// TriggerNothingHeard is speech that cut in without a usable transcript.
	TriggerNothingHeard
)

// String returns the wire name of the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerSessionStart:
		return "session_start"
	case TriggerSpeechDetected:
		return "speech_detected"
	case TriggerInputCaptured:
		return "input_captured"
	case TriggerResponseReady:
		return "response_ready"
	case TriggerUserSpeech:
		return "user_speech"
	case TriggerCommandInterruption:
		return "command_interruption"
	case TriggerBackgroundNoise:
		return "background_noise"
	case TriggerDeviceNotification:
		return "device_notification"
	case TriggerSilenceTimeout:
		return "silence_timeout"
	case TriggerPause:
		return "pause"
	case TriggerResume:
		return "resume"
	case TriggerStop:
		return "stop"
	case TriggerRepeat:
		return "repeat"
	case TriggerAutoResume:
		return "auto_resume"
	case TriggerNothingHeard:
		return "nothing_heard"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Trigger) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

var transitions = map[conversation.State]map[Trigger]conversation.State{
	conversation.StateIdle: {
		TriggerSessionStart:   conversation.StateListening,
		TriggerSpeechDetected: conversation.StateListening,
	},
	conversation.StateListening: {
		TriggerInputCaptured:  conversation.StateProcessing,
		TriggerSilenceTimeout: conversation.StateIdle,
	},
	conversation.StateProcessing: {
		TriggerResponseReady: conversation.StateSpeaking,
	},
	conversation.StateSpeaking: {
		TriggerUserSpeech:          conversation.StateInterrupted,
		TriggerCommandInterruption: conversation.StateInterrupted,
		TriggerBackgroundNoise:     conversation.StatePaused,
		TriggerDeviceNotification:  conversation.StatePaused,
		TriggerPause:               conversation.StatePaused,
		TriggerRepeat:              conversation.StateSpeaking,
	},
	conversation.StatePaused: {
		TriggerResume: conversation.StateSpeaking,
		TriggerRepeat: conversation.StateSpeaking,
	},
	conversation.StateInterrupted: {
		TriggerPause:         conversation.StatePaused,
		TriggerResume:        conversation.StateSpeaking,
		TriggerRepeat:        conversation.StateSpeaking,
		TriggerAutoResume:    conversation.StateSpeaking,
		TriggerInputCaptured: conversation.StateProcessing,
		TriggerNothingHeard:  conversation.StateWaitingForCommand,
	},
	conversation.StateWaitingForCommand: {
		TriggerResume:        conversation.StateSpeaking,
		TriggerRepeat:        conversation.StateSpeaking,
		TriggerInputCaptured: conversation.StateProcessing,
	},
}

// Next returns the state reached from `from` on t. The second result is
// false when the pair is not modeled; the state is then unchanged.
// Stop leads to Idle from every state.
func Next(from conversation.State, t Trigger) (conversation.State, bool) {
	if t == TriggerStop {
		return conversation.StateIdle, true
	}
	to, ok := transitions[from][t]
	if !ok {
		return from, false
	}
	return to, true
}

// Transition is one attempted state change.
type Transition struct {
	From    conversation.State `json:"from"`
	To      conversation.State `json:"to"`
	Trigger Trigger            `json:"trigger"`
	// Applied is false when the (state, trigger) pair is not modeled.
	Applied bool      `json:"applied"`
	At      time.Time `json:"at"`
}

func interruptionTrigger(kind conversation.InterruptionKind) (Trigger, bool) {
	switch kind {
	case conversation.InterruptionUserSpeech:
		return TriggerUserSpeech, true
	case conversation.InterruptionCommand:
		return TriggerCommandInterruption, true
	case conversation.InterruptionBackgroundNoise:
		return TriggerBackgroundNoise, true
	case conversation.InterruptionDeviceNotification:
		return TriggerDeviceNotification, true
	case conversation.InterruptionSilenceTimeout:
		return TriggerSilenceTimeout, true
	case conversation.InterruptionEmergency:
		return 0, false
	default:
		return 0, false
	}
}

func commandTrigger(cmd command.Command) (Trigger, bool) {
	switch cmd {
	case command.Pause:
		return TriggerPause, true
	case command.Resume:
		return TriggerResume, true
	case command.Stop:
		return TriggerStop, true
	case command.Repeat:
		return TriggerRepeat, true
	case command.VolumeUp, command.VolumeDown, command.SpeakFaster,
		command.SpeakSlower, command.ChangeLanguage, command.Help:
		return 0, false
	default:
		return 0, false
	}
}
