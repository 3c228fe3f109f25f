package flow

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/voicecore/internal/bus"
	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/interrupt"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/metrics"
)

// Voice setting bounds and steps applied by settings commands.
const (
	volumeStep = 0.1
	minVolume  = 0.0
	maxVolume  = 1.0
	speedStep  = 0.25
	minSpeed   = 0.5
	maxSpeed   = 2.0
)

// VoiceInput is one turn of input observed by the host.
type VoiceInput struct {
	// Audio is transcribed with the primary recognizer when Transcript is
	// empty.
	Audio       []byte
	AudioFormat string
	Transcript  string
	// SpeechDetected is the host's voice activity flag. A non-empty
	// transcript always counts as speech.
	SpeechDetected     bool
	Noisy              bool
	DeviceNotification bool
	// Language overrides the session's language for this turn.
	Language string
}

// begin acquires a session for an operation and records the activity.
// The caller must call s.mu.Unlock.
func (m *Manager) begin(id string) (*session, time.Time, error) {
	s, err := m.acquire(id)
	if err != nil {
		return nil, time.Time{}, err
	}
	now := m.now()
	s.conv.Touch(now)
	s.lastActive.Store(now.UnixNano())
	return s, now, nil
}

// ProcessVoiceInput handles one turn for a session: it transcribes audio if
// needed, detects interruptions, recognizes commands against the context
// the interruption leaves behind, applies the resulting transitions and
// returns a directive for the host. Turns on one session are processed in
// arrival order.
func (m *Manager) ProcessVoiceInput(ctx context.Context, id string, in VoiceInput) (*TurnResult, error) {
	s, now, err := m.begin(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	ctx, cancel := sessionContext(ctx, s)
	defer cancel()

	c := s.conv
	res := &TurnResult{SessionID: c.SessionID, PreviousState: c.State, State: c.State}

	language := in.Language
	if language == "" {
		language = c.VoiceSettings.Language()
	}

	transcript := strings.TrimSpace(in.Transcript)
	if transcript == "" && len(in.Audio) > 0 {
		transcript = m.transcribe(ctx, s, in, language, res)
		now = m.now()
	}
	speech := in.SpeechDetected || transcript != ""
	res.Transcript = transcript
	if transcript != "" {
		c.Append(conversation.RecordUserInput, transcript, now)
	}

	snap := c.Snapshot(now)
	ev := m.detector.Detect(interrupt.Signals{
		SpeechDetected:     speech,
		Transcript:         transcript,
		Noisy:              in.Noisy,
		DeviceNotification: in.DeviceNotification,
	}, snap)

	// Commands are scored against the state the interruption leads to.
	view := snap
	if ev != nil {
		if trig, ok := interruptionTrigger(ev.Kind); ok {
			view.State, _ = Next(view.State, trig)
		}
	}
	var match *command.Match
	if transcript != "" {
		if mt, ok := m.recognizer.Recognize(transcript, language, &view); ok {
			match = &mt
		}
	}
	if ev != nil && ev.Kind == conversation.InterruptionUserSpeech && match != nil && match.Command.IsControl() {
		ev = conversation.NewInterruptionEvent(conversation.InterruptionCommand,
			ev.Timestamp, ev.Confidence, ev.Text, ev.ShouldResume).WithResumePoint(ev.ResumeFrom)
	}

	if ev != nil {
		m.interrupt(s, ev, now, res)
	}
	if match == nil || !m.applyCommand(s, *match, now, res) {
		m.applyInput(s, transcript, speech, now, res)
	}
	if c.State == conversation.StateInterrupted {
		m.settle(s, now, res)
	}
	if res.Recovery != nil && transcript == "" {
		res.Directive = fallbackDirective(res.Recovery)
	}

	res.State = c.State
	s.publish(now)
	metrics.Turns.WithLabelValues(res.State.String()).Inc()

	m.log.Debug().
		Str("session", c.SessionID).
		Str("from", res.PreviousState.String()).
		Str("to", res.State.String()).
		Str("action", res.Directive.Action.String()).
		Msg("voice input processed")
	return res, nil
}

// StartAIResponse hands the session a response to speak. The session must
// still be registered. From Listening, Interrupted or WaitingForCommand the
// pending input is first marked captured.
func (m *Manager) StartAIResponse(id, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("start response for %q: %w", id, ErrNoResponse)
	}
	s, now, err := m.begin(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	c := s.conv
	res := &TurnResult{SessionID: c.SessionID, PreviousState: c.State, State: c.State}

	switch c.State {
	case conversation.StateListening, conversation.StateInterrupted, conversation.StateWaitingForCommand:
		m.transition(s, TriggerInputCaptured, now, res)
	case conversation.StateIdle, conversation.StateProcessing, conversation.StateSpeaking, conversation.StatePaused:
	}
	if t := m.transition(s, TriggerResponseReady, now, res); t.Applied {
		c.CurrentResponseText = text
		c.Append(conversation.RecordAssistantResponse, text, now)
		m.emit(bus.EventResponse, c.SessionID, now, map[string]any{"length": len(text)})
	}

	res.State = c.State
	s.publish(now)
	return res, nil
}

// interrupt records an interruption and applies its transition.
func (m *Manager) interrupt(s *session, ev *conversation.InterruptionEvent, now time.Time, res *TurnResult) {
	c := s.conv
	res.Interruption = ev
	c.InterruptionCount++
	c.LastInterruption = ev
	c.Append(conversation.RecordInterruption, ev.Kind.String(), now)

	metrics.Interruptions.WithLabelValues(ev.Kind.String()).Inc()
	m.emit(bus.EventInterruption, c.SessionID, now, map[string]any{
		"kind":          ev.Kind.String(),
		"confidence":    ev.Confidence,
		"should_resume": ev.ShouldResume,
		"resume_from":   ev.ResumeFrom,
	})

	trig, ok := interruptionTrigger(ev.Kind)
	if !ok {
		return
	}
	if t := m.transition(s, trig, now, res); !t.Applied {
		return
	}
	switch ev.Kind {
	case conversation.InterruptionSilenceTimeout:
		res.Directive = Directive{Action: ActionEndListening, Message: messages.New(messages.PromptSilence)}
	case conversation.InterruptionDeviceNotification:
		res.Directive = Directive{
			Action:     ActionPauseSpeaking,
			Message:    messages.New(messages.PromptNotificationHold),
			ResumeFrom: c.ResponsePosition,
		}
	case conversation.InterruptionBackgroundNoise, conversation.InterruptionUserSpeech,
		conversation.InterruptionCommand, conversation.InterruptionEmergency:
		res.Directive = Directive{Action: ActionPauseSpeaking, ResumeFrom: c.ResponsePosition}
	}
}

// applyCommand applies a recognized command. It reports false when a
// control command has no transition from the current state, in which case
// the utterance is handled as ordinary input.
func (m *Manager) applyCommand(s *session, match command.Match, now time.Time, res *TurnResult) bool {
	c := s.conv
	res.Command = &match
	c.Append(conversation.RecordCommand, match.Command.String(), now)

	metrics.Commands.WithLabelValues(match.Command.String()).Inc()
	m.emit(bus.EventCommand, c.SessionID, now, map[string]any{
		"command":    match.Command.String(),
		"confidence": match.Confidence,
	})

	trig, ok := commandTrigger(match.Command)
	if !ok {
		m.applySetting(s, match, res)
		return true
	}
	if t := m.transition(s, trig, now, res); !t.Applied {
		return false
	}

	switch match.Command {
	case command.Pause:
		res.Directive = Directive{Action: ActionPauseSpeaking, Message: messages.New(messages.AckPaused), ResumeFrom: c.ResponsePosition}
	case command.Resume:
		res.Directive = Directive{Action: ActionResumeSpeaking, Message: messages.New(messages.AckResumed), ResumeFrom: c.ResponsePosition}
	case command.Stop:
		res.Directive = Directive{Action: ActionStopSpeaking, Message: messages.New(messages.AckStopped)}
	case command.Repeat:
		res.Directive = Directive{Action: ActionRepeatResponse, Message: messages.New(messages.AckRepeating)}
	case command.VolumeUp, command.VolumeDown, command.SpeakFaster,
		command.SpeakSlower, command.ChangeLanguage, command.Help:
	}
	return true
}

// applySetting mutates voice settings. It never changes state.
func (m *Manager) applySetting(s *session, match command.Match, res *TurnResult) {
	settings := s.conv.VoiceSettings
	var msg messages.Message

	switch match.Command {
	case command.VolumeUp, command.VolumeDown:
		step := volumeStep
		key := messages.AckVolumeUp
		if match.Command == command.VolumeDown {
			step, key = -volumeStep, messages.AckVolumeDown
		}
		v := adjustSetting(settings, conversation.SettingVolume, step, minVolume, maxVolume, 0.8)
		msg = messages.New(key, "volume", fmt.Sprintf("%d%%", int(math.Round(v*100))))
	case command.SpeakFaster, command.SpeakSlower:
		step := speedStep
		key := messages.AckFaster
		if match.Command == command.SpeakSlower {
			step, key = -speedStep, messages.AckSlower
		}
		v := adjustSetting(settings, conversation.SettingSpeed, step, minSpeed, maxSpeed, 1.0)
		msg = messages.New(key, "speed", strconv.FormatFloat(v, 'f', -1, 64))
	case command.ChangeLanguage:
		lang := match.Params[conversation.SettingLanguage]
		if lang == "" {
			res.Directive = Directive{Action: ActionShowHelp, Message: messages.New(messages.HelpCommands)}
			return
		}
		settings[conversation.SettingLanguage] = lang
		msg = messages.New(messages.AckLanguageChanged, "language", lang)
	case command.Help:
		res.Directive = Directive{Action: ActionShowHelp, Message: messages.New(messages.HelpCommands)}
		return
	case command.Pause, command.Resume, command.Stop, command.Repeat:
		return
	}

	res.Directive = Directive{
		Action:   ActionApplySettings,
		Message:  msg,
		Settings: maps.Clone(settings),
	}
}

func adjustSetting(settings conversation.VoiceSettings, key string, step, lo, hi, def float64) float64 {
	v, err := strconv.ParseFloat(settings[key], 64)
	if err != nil {
		v = def
	}
	v = math.Round(math.Max(lo, math.Min(hi, v+step))*100) / 100
	settings[key] = strconv.FormatFloat(v, 'f', -1, 64)
	return v
}

// applyInput handles an utterance that is not an applicable command.
func (m *Manager) applyInput(s *session, transcript string, speech bool, now time.Time, res *TurnResult) {
	c := s.conv
	switch c.State {
	case conversation.StateIdle:
		if !speech {
			return
		}
		m.transition(s, TriggerSpeechDetected, now, res)
		if transcript == "" {
			res.Directive = Directive{Action: ActionNone, Message: messages.New(messages.PromptListening)}
			return
		}
		m.capture(s, now, res)
	case conversation.StateListening, conversation.StateWaitingForCommand:
		if transcript != "" {
			m.capture(s, now, res)
		}
	case conversation.StateProcessing, conversation.StatePaused, conversation.StateSpeaking:
		if transcript != "" {
			m.transition(s, TriggerInputCaptured, now, res)
		}
	case conversation.StateInterrupted:
		// settle decides.
	}
}

func (m *Manager) capture(s *session, now time.Time, res *TurnResult) {
	if t := m.transition(s, TriggerInputCaptured, now, res); t.Applied {
		res.Directive = Directive{Action: ActionGenerateResponse, Settings: res.Directive.Settings}
	}
}

// settle moves a session out of Interrupted: back to the response after a
// backchannel, on to a new answer after a question, or to waiting when
// nothing usable was heard.
func (m *Manager) settle(s *session, now time.Time, res *TurnResult) {
	c := s.conv
	switch {
	case res.Transcript == "":
		m.transition(s, TriggerNothingHeard, now, res)
		res.Directive = Directive{Action: ActionAwaitCommand, Message: messages.New(messages.PromptWaitingCommand)}
	case c.LastInterruption != nil && c.LastInterruption.ShouldResume:
		m.transition(s, TriggerAutoResume, now, res)
		if res.Directive.Action == ActionApplySettings {
			res.Directive.ResumeFrom = c.ResponsePosition
			return
		}
		res.Directive = Directive{Action: ActionResumeSpeaking, ResumeFrom: c.ResponsePosition}
	default:
		m.transition(s, TriggerInputCaptured, now, res)
		res.Directive = Directive{
			Action:   ActionGenerateResponse,
			Message:  messages.New(messages.PromptAnswerQuestion),
			Settings: res.Directive.Settings,
		}
	}
}
