package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/voicecore/internal/bus"
	"github.com/normanking/voicecore/internal/cache"
	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestStartSession(t *testing.T) {
	m, clk := newTestManager(t)

	snap, err := m.StartSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, conversation.StateListening, snap.State)
	assert.Equal(t, clk.Now(), snap.CreatedAt)
	assert.Equal(t, "en", snap.VoiceSettings.Language())

	_, err = m.StartSession("s1")
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = m.StartSession("  ")
	assert.ErrorIs(t, err, ErrEmptySessionID)

	_, err = m.StartSession("s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, m.ActiveSessions())
}

func TestStartSession_DefaultLanguage(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultLanguage = "hi"
	m := newManagerWithConfig(t, newClock(), cfg)

	snap, err := m.StartSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", snap.VoiceSettings.Language())

	res, err := m.ProcessVoiceInput(context.Background(), "s1", say("band karo"))
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, command.Stop, res.Command.Command)
	assert.Equal(t, conversation.StateIdle, res.State)
}

func TestEndSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	assert.True(t, m.EndSession("s1"))
	assert.False(t, m.EndSession("s1"))
	assert.Empty(t, m.ActiveSessions())

	_, err = m.SessionStatus("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.ProcessVoiceInput(context.Background(), "s1", say("hello"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The id can be reused once the old session is gone.
	_, err = m.StartSession("s1")
	assert.NoError(t, err)
}

func TestStartAIResponse(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.StartAIResponse("missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.StartSession("s1")
	require.NoError(t, err)

	_, err = m.StartAIResponse("s1", "   ")
	assert.ErrorIs(t, err, ErrNoResponse)

	// From Listening the pending input is captured first.
	res, err := m.StartAIResponse("s1", "Hello there.")
	require.NoError(t, err)
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, TriggerInputCaptured, res.Transitions[0].Trigger)
	assert.Equal(t, TriggerResponseReady, res.Transitions[1].Trigger)
	assert.Equal(t, conversation.StateSpeaking, res.State)

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", snap.CurrentResponseText)
	assert.Zero(t, snap.ResponsePosition)

	m.EndSession("s1")
	_, err = m.StartAIResponse("s1", "Too late.")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartAIResponse_UnmodeledIsReported(t *testing.T) {
	m, _ := newTestManager(t)
	speaking(t, m, "s1")

	_, err := m.ProcessVoiceInput(context.Background(), "s1", say("stop"))
	require.NoError(t, err)

	res, err := m.StartAIResponse("s1", "Another answer.")
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.False(t, res.Transitions[0].Applied)
	assert.Equal(t, conversation.StateIdle, res.State)
	assert.False(t, res.Changed())
}

func TestStatusWhileStarting(t *testing.T) {
	m, _ := newTestManager(t)

	for i := range 200 {
		id := fmt.Sprintf("s%d", i)
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				var (
					snap conversation.Snapshot
					err  error
				)
				if !assert.NotPanics(t, func() { snap, err = m.SessionStatus(id) }) {
					return
				}
				if err != nil {
					assert.ErrorIs(t, err, ErrSessionNotFound)
					continue
				}
				assert.Equal(t, conversation.StateListening, snap.State)
			}
		}()

		_, err := m.StartSession(id)
		close(done)
		wg.Wait()
		require.NoError(t, err)
	}
}

func TestInputWhileStartingSeesListening(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := range 100 {
		id := fmt.Sprintf("s%d", i)
		type outcome struct {
			res *TurnResult
			err error
		}
		got := make(chan outcome, 1)
		go func() {
			for {
				res, err := m.ProcessVoiceInput(ctx, id, say("hello"))
				if errors.Is(err, ErrSessionNotFound) {
					runtime.Gosched()
					continue
				}
				got <- outcome{res, err}
				return
			}
		}()

		_, err := m.StartSession(id)
		require.NoError(t, err)

		out := <-got
		require.NoError(t, out.err)
		assert.Equal(t, conversation.StateListening, out.res.PreviousState)
		assert.Equal(t, conversation.StateProcessing, out.res.State)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS AND INTERRUPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

func TestPauseWhileSpeaking(t *testing.T) {
	m, clk := newTestManager(t)
	speaking(t, m, "s1")
	clk.Advance(2 * time.Second)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", say("pause"))
	require.NoError(t, err)

	require.NotNil(t, res.Command)
	assert.Equal(t, command.Pause, res.Command.Command)
	assert.GreaterOrEqual(t, res.Command.Confidence, 0.8)
	assert.Equal(t, conversation.StatePaused, res.State)

	require.NotNil(t, res.Interruption)
	assert.Equal(t, conversation.InterruptionCommand, res.Interruption.Kind)

	assert.Equal(t, ActionPauseSpeaking, res.Directive.Action)
	assert.Equal(t, messages.AckPaused, res.Directive.Message.Key)
	assert.Equal(t, 2*time.Second, res.Directive.ResumeFrom)

	// The position holds while paused.
	clk.Advance(5 * time.Second)
	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, snap.ResponsePosition)
	assert.Equal(t, 1, snap.InterruptionCount)

	res, err = m.ProcessVoiceInput(context.Background(), "s1", say("resume"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateSpeaking, res.State)
	assert.Equal(t, ActionResumeSpeaking, res.Directive.Action)
	assert.Equal(t, 2*time.Second, res.Directive.ResumeFrom)

	clk.Advance(time.Second)
	snap, err = m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, snap.ResponsePosition)
}

func TestTypedPauseWhileSpeaking(t *testing.T) {
	m, _ := newTestManager(t)
	speaking(t, m, "s1")

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Transcript: "pause"})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatePaused, res.State)
	require.NotNil(t, res.Command)
	assert.Equal(t, command.Pause, res.Command.Command)
}

func TestQuestionInterruption(t *testing.T) {
	m, clk := newTestManager(t)
	speaking(t, m, "s1")
	clk.Advance(3200 * time.Millisecond)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", say("what do you mean?"))
	require.NoError(t, err)

	require.NotNil(t, res.Interruption)
	assert.Equal(t, conversation.InterruptionUserSpeech, res.Interruption.Kind)
	assert.False(t, res.Interruption.ShouldResume)
	assert.Equal(t, 3200*time.Millisecond, res.Interruption.ResumeFrom)
	assert.Nil(t, res.Command)

	assert.Equal(t, conversation.StateProcessing, res.State)
	assert.Equal(t, ActionGenerateResponse, res.Directive.Action)
	assert.Equal(t, messages.PromptAnswerQuestion, res.Directive.Message.Key)

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Empty(t, snap.CurrentResponseText)
}

func TestBackchannelResumes(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantAction Action
	}{
		{"continue command", "ok continue", ActionResumeSpeaking},
		{"acknowledgement", "mm okay sure", ActionResumeSpeaking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clk := newTestManager(t)
			speaking(t, m, "s1")
			clk.Advance(time.Second)

			res, err := m.ProcessVoiceInput(context.Background(), "s1", say(tt.text))
			require.NoError(t, err)

			require.NotNil(t, res.Interruption)
			assert.True(t, res.Interruption.ShouldResume)
			assert.Equal(t, time.Second, res.Interruption.ResumeFrom)
			assert.Equal(t, conversation.StateSpeaking, res.State)
			assert.Equal(t, tt.wantAction, res.Directive.Action)
			assert.Equal(t, time.Second, res.Directive.ResumeFrom)
		})
	}
}

func TestNothingHeardWaitsForCommand(t *testing.T) {
	m, clk := newTestManager(t)
	speaking(t, m, "s1")
	clk.Advance(4 * time.Second)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{SpeechDetected: true})
	require.NoError(t, err)
	assert.Equal(t, conversation.StateWaitingForCommand, res.State)
	assert.Equal(t, ActionAwaitCommand, res.Directive.Action)
	assert.Equal(t, messages.PromptWaitingCommand, res.Directive.Message.Key)

	res, err = m.ProcessVoiceInput(context.Background(), "s1", say("repeat"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateSpeaking, res.State)
	assert.Equal(t, ActionRepeatResponse, res.Directive.Action)

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Zero(t, snap.ResponsePosition)
}

func TestStopFromEveryState(t *testing.T) {
	ctx := context.Background()
	setups := map[conversation.State]func(t *testing.T, m *Manager){
		conversation.StateListening: func(t *testing.T, m *Manager) {
			_, err := m.StartSession("s1")
			require.NoError(t, err)
		},
		conversation.StateProcessing: func(t *testing.T, m *Manager) {
			_, err := m.StartSession("s1")
			require.NoError(t, err)
			_, err = m.ProcessVoiceInput(ctx, "s1", say("tell me a story"))
			require.NoError(t, err)
		},
		conversation.StateSpeaking: func(t *testing.T, m *Manager) {
			speaking(t, m, "s1")
		},
		conversation.StatePaused: func(t *testing.T, m *Manager) {
			speaking(t, m, "s1")
			_, err := m.ProcessVoiceInput(ctx, "s1", VoiceInput{Noisy: true})
			require.NoError(t, err)
		},
		conversation.StateWaitingForCommand: func(t *testing.T, m *Manager) {
			speaking(t, m, "s1")
			_, err := m.ProcessVoiceInput(ctx, "s1", VoiceInput{SpeechDetected: true})
			require.NoError(t, err)
		},
	}

	for state, setup := range setups {
		t.Run(state.String(), func(t *testing.T) {
			m, _ := newTestManager(t)
			setup(t, m)
			snap, err := m.SessionStatus("s1")
			require.NoError(t, err)
			require.Equal(t, state, snap.State)

			res, err := m.ProcessVoiceInput(ctx, "s1", say("stop"))
			require.NoError(t, err)
			assert.Equal(t, conversation.StateIdle, res.State)
			assert.Equal(t, ActionStopSpeaking, res.Directive.Action)
			assert.Equal(t, messages.AckStopped, res.Directive.Message.Key)

			snap, err = m.SessionStatus("s1")
			require.NoError(t, err)
			assert.Empty(t, snap.CurrentResponseText)
			assert.Zero(t, snap.ResponsePosition)
		})
	}
}

func TestSpeechAfterStopListensAgain(t *testing.T) {
	m, _ := newTestManager(t)
	speaking(t, m, "s1")
	ctx := context.Background()

	_, err := m.ProcessVoiceInput(ctx, "s1", say("stop"))
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(ctx, "s1", VoiceInput{SpeechDetected: true})
	require.NoError(t, err)
	assert.Equal(t, conversation.StateListening, res.State)
	assert.Equal(t, messages.PromptListening, res.Directive.Message.Key)

	_, err = m.ProcessVoiceInput(ctx, "s1", say("stop"))
	require.NoError(t, err)

	res, err = m.ProcessVoiceInput(ctx, "s1", say("tell me about rivers"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateProcessing, res.State)
	assert.Len(t, res.Transitions, 2)
	assert.Equal(t, ActionGenerateResponse, res.Directive.Action)
}

func TestSettingsCommands(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(ctx, "s1", say("louder"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateListening, res.State)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, ActionApplySettings, res.Directive.Action)
	assert.Equal(t, messages.AckVolumeUp, res.Directive.Message.Key)
	assert.Equal(t, "90%", res.Directive.Message.Params["volume"])
	assert.Equal(t, "0.9", res.Directive.Settings[conversation.SettingVolume])

	for range 5 {
		res, err = m.ProcessVoiceInput(ctx, "s1", say("louder"))
		require.NoError(t, err)
	}
	assert.Equal(t, "1", res.Directive.Settings[conversation.SettingVolume])
	assert.Equal(t, "100%", res.Directive.Message.Params["volume"])

	res, err = m.ProcessVoiceInput(ctx, "s1", say("speak faster"))
	require.NoError(t, err)
	assert.Equal(t, "1.25", res.Directive.Settings[conversation.SettingSpeed])

	res, err = m.ProcessVoiceInput(ctx, "s1", say("help"))
	require.NoError(t, err)
	assert.Equal(t, ActionShowHelp, res.Directive.Action)

	res, err = m.ProcessVoiceInput(ctx, "s1", say("switch to hindi"))
	require.NoError(t, err)
	assert.Equal(t, messages.AckLanguageChanged, res.Directive.Message.Key)
	assert.Equal(t, "hi", res.Directive.Message.Params["language"])

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", snap.VoiceSettings.Language())
	assert.Equal(t, conversation.StateListening, snap.State)

	// English-only commands no longer match once the session speaks Hindi.
	res, err = m.ProcessVoiceInput(ctx, "s1", say("help"))
	require.NoError(t, err)
	assert.Nil(t, res.Command)
}

func TestSettingsWhileSpeakingResume(t *testing.T) {
	m, clk := newTestManager(t)
	speaking(t, m, "s1")
	clk.Advance(1500 * time.Millisecond)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", say("louder"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateSpeaking, res.State)
	assert.Equal(t, ActionApplySettings, res.Directive.Action)
	assert.Equal(t, 1500*time.Millisecond, res.Directive.ResumeFrom)
	require.NotNil(t, res.Command)
	assert.Equal(t, command.VolumeUp, res.Command.Command)
}

func TestBackgroundNoisePauses(t *testing.T) {
	m, clk := newTestManager(t)
	speaking(t, m, "s1")
	clk.Advance(2 * time.Second)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Noisy: true})
	require.NoError(t, err)
	require.NotNil(t, res.Interruption)
	assert.Equal(t, conversation.InterruptionBackgroundNoise, res.Interruption.Kind)
	assert.Equal(t, conversation.StatePaused, res.State)
	assert.Equal(t, ActionPauseSpeaking, res.Directive.Action)
	assert.Equal(t, 2*time.Second, res.Directive.ResumeFrom)
}

func TestDeviceNotificationPauses(t *testing.T) {
	m, _ := newTestManager(t)
	speaking(t, m, "s1")

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{DeviceNotification: true})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatePaused, res.State)
	assert.Equal(t, messages.PromptNotificationHold, res.Directive.Message.Key)
}

func TestNoiseOutsideSpeakingKeepsInput(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Transcript: "tell me about rivers", Noisy: true})
	require.NoError(t, err)
	require.NotNil(t, res.Interruption)
	assert.Equal(t, conversation.InterruptionBackgroundNoise, res.Interruption.Kind)
	assert.Equal(t, conversation.StateProcessing, res.State)
}

func TestSilenceTimeout(t *testing.T) {
	m, clk := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	clk.Advance(9 * time.Second)
	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{})
	require.NoError(t, err)
	assert.Nil(t, res.Interruption)
	assert.Equal(t, conversation.StateListening, res.State)

	clk.Advance(2 * time.Second)
	res, err = m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{})
	require.NoError(t, err)
	require.NotNil(t, res.Interruption)
	assert.Equal(t, conversation.InterruptionSilenceTimeout, res.Interruption.Kind)
	assert.Equal(t, conversation.StateIdle, res.State)
	assert.Equal(t, ActionEndListening, res.Directive.Action)
}

func TestUnmodeledInputIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)
	_, err = m.ProcessVoiceInput(context.Background(), "s1", say("tell me a story"))
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", say("tell me more"))
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.False(t, res.Transitions[0].Applied)
	assert.Equal(t, conversation.StateProcessing, res.Transitions[0].To)
	assert.Equal(t, conversation.StateProcessing, res.State)
	assert.Equal(t, ActionNone, res.Directive.Action)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE AND RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

func TestAudioIsTranscribed(t *testing.T) {
	rec := &stubRecognizer{name: "whisper", fn: func(int, *pipeline.RecognizeRequest) (*pipeline.Transcript, error) {
		return &pipeline.Transcript{Text: " tell me about rivers ", Confidence: 0.95}, nil
	}}
	m, _ := newTestManager(t, WithEngines(pipeline.Engines{Recognizers: []pipeline.SpeechRecognizer{rec}}))
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Audio: []byte("pcm")})
	require.NoError(t, err)
	assert.Equal(t, "tell me about rivers", res.Transcript)
	assert.Equal(t, conversation.StateProcessing, res.State)
	assert.Nil(t, res.Recovery)
}

func TestRecognitionFailureIsRetried(t *testing.T) {
	rec := &stubRecognizer{name: "whisper", fn: func(call int, _ *pipeline.RecognizeRequest) (*pipeline.Transcript, error) {
		if call == 1 {
			return nil, pipeline.ErrTimeout
		}
		return &pipeline.Transcript{Text: "tell me about rivers"}, nil
	}}
	m, _ := newTestManager(t, WithEngines(pipeline.Engines{Recognizers: []pipeline.SpeechRecognizer{rec}}))
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Audio: []byte("pcm"), SpeechDetected: true})
	require.NoError(t, err)

	require.NotNil(t, res.Recovery)
	assert.True(t, res.Recovery.Success)
	assert.Equal(t, recovery.ErrorRecognitionTimeout, res.Recovery.Kind)
	assert.Equal(t, recovery.StrategyRetryWithBackoff, res.Recovery.Strategy)
	assert.Equal(t, "tell me about rivers", res.Transcript)
	assert.Equal(t, conversation.StateProcessing, res.State)
	assert.Equal(t, ActionGenerateResponse, res.Directive.Action)
	assert.Equal(t, int32(2), rec.calls.Load())
}

func TestRecognitionPermissionDenied(t *testing.T) {
	rec := &stubRecognizer{name: "whisper", fn: func(int, *pipeline.RecognizeRequest) (*pipeline.Transcript, error) {
		return nil, pipeline.ErrPermissionDenied
	}}
	m, _ := newTestManager(t, WithEngines(pipeline.Engines{Recognizers: []pipeline.SpeechRecognizer{rec}}))
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), "s1", VoiceInput{Audio: []byte("pcm")})
	require.NoError(t, err)

	require.NotNil(t, res.Recovery)
	assert.Equal(t, recovery.StrategyPromptUser, res.Recovery.Strategy)
	assert.Zero(t, res.Recovery.Attempts)
	assert.Equal(t, ActionFallback, res.Directive.Action)
	assert.Equal(t, messages.RecoveryUserAction, res.Directive.Message.Key)
	assert.Equal(t, conversation.StateListening, res.State)
	assert.Equal(t, int32(1), rec.calls.Load())

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, string(recovery.FallbackUserAction), snap.FallbackMode)
	require.NotNil(t, snap.LastRecord)
	assert.Equal(t, conversation.RecordRecovery, snap.LastRecord.Kind)
}

func TestSynthesizeResponseCaches(t *testing.T) {
	syn := &stubSynthesizer{name: "piper", fn: func(int, *pipeline.SynthesizeRequest) (*pipeline.Speech, error) {
		return &pipeline.Speech{Audio: []byte("wav-bytes"), Format: "wav", Engine: "piper"}, nil
	}}
	mem := cache.NewMemory(16, time.Hour, 0)
	m, _ := newTestManager(t,
		WithEngines(pipeline.Engines{Synthesizers: []pipeline.SpeechSynthesizer{syn}}),
		WithCache(mem))
	speaking(t, m, "s1")
	ctx := context.Background()

	out, err := m.SynthesizeResponse(ctx, "s1", recovery.Hints{})
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, []byte("wav-bytes"), out.Speech.Audio)

	out, err = m.SynthesizeResponse(ctx, "s1", recovery.Hints{})
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, []byte("wav-bytes"), out.Speech.Audio)
	assert.Equal(t, int32(1), syn.calls.Load())
	assert.Equal(t, int64(1), mem.Stats().Hits)
}

func TestSynthesizeResponseFallsBackToText(t *testing.T) {
	syn := &stubSynthesizer{name: "piper", fn: func(int, *pipeline.SynthesizeRequest) (*pipeline.Speech, error) {
		return nil, pipeline.ErrSynthesisFailed
	}}
	m, _ := newTestManager(t, WithEngines(pipeline.Engines{Synthesizers: []pipeline.SpeechSynthesizer{syn}}))
	speaking(t, m, "s1")

	out, err := m.SynthesizeResponse(context.Background(), "s1", recovery.Hints{HasSpecialTerms: true})
	require.NoError(t, err)
	require.NotNil(t, out.Recovery)
	assert.True(t, out.Recovery.Success)
	assert.Equal(t, recovery.StrategyFallbackToText, out.Recovery.Strategy)
	assert.False(t, out.Recovery.ContextPreserved)
	assert.Nil(t, out.Speech)
	assert.Equal(t, ActionFallback, out.Directive.Action)
	assert.Equal(t, "Once upon a time there was a river.", out.Directive.Text)

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, string(recovery.FallbackTextOnly), snap.FallbackMode)
}

func TestSynthesizeResponseNeedsResponse(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)

	_, err = m.SynthesizeResponse(context.Background(), "s1", recovery.Hints{})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestEndSessionCancelsRecovery(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	syn := &stubSynthesizer{name: "piper", fn: func(int, *pipeline.SynthesizeRequest) (*pipeline.Speech, error) {
		once.Do(func() { close(started) })
		return nil, pipeline.ErrTimeout
	}}
	cfg := testConfig()
	cfg.Recovery.BaseDelay = time.Hour
	cfg.Recovery.MaxDelay = time.Hour
	m := newManagerWithConfig(t, newClock(), cfg,
		WithEngines(pipeline.Engines{Synthesizers: []pipeline.SpeechSynthesizer{syn}}))
	speaking(t, m, "s1")

	type result struct {
		out *SynthesisResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.SynthesizeResponse(context.Background(), "s1", recovery.Hints{})
		done <- result{out, err}
	}()

	<-started
	require.True(t, m.EndSession("s1"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.out.Recovery)
		assert.True(t, r.out.Recovery.Degraded)
		assert.Equal(t, ActionFallback, r.out.Directive.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery was not cancelled by EndSession")
	}
}

func TestReportVoiceError(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartSession("s1")
	require.NoError(t, err)
	ctx := context.Background()

	res := m.ReportVoiceError(ctx, recovery.ErrorContext{SessionID: "s1", Kind: recovery.ErrorPermissionDenied})
	assert.True(t, res.Success)
	assert.Equal(t, recovery.StrategyPromptUser, res.Strategy)
	assert.Zero(t, res.Attempts)

	snap, err := m.SessionStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, string(recovery.FallbackUserAction), snap.FallbackMode)

	// Unknown and missing sessions still get a result.
	res = m.ReportVoiceError(ctx, recovery.ErrorContext{SessionID: "ghost", Kind: recovery.ErrorNetworkUnavailable, Text: "hi"})
	assert.True(t, res.Success)
	res = m.ReportVoiceError(ctx, recovery.ErrorContext{Kind: recovery.ErrorKind(42)})
	assert.NotEmpty(t, res.Suggestions)

	stats := m.Recovery().Stats()
	assert.Equal(t, int64(3), stats.TotalErrors)
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKGROUND JOBS
// ═══════════════════════════════════════════════════════════════════════════════

func TestSweepInactive(t *testing.T) {
	events := bus.NewEventBus()
	expired := make(chan string, 4)
	events.Subscribe(bus.EventSessionExpired, func(e bus.Event) { expired <- e.SessionID })

	m, clk := newTestManager(t, WithBus(events))
	for _, id := range []string{"a", "b"} {
		_, err := m.StartSession(id)
		require.NoError(t, err)
	}

	clk.Advance(20 * time.Minute)
	_, err := m.ProcessVoiceInput(context.Background(), "b", say("hello"))
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	assert.Equal(t, []string{"a"}, m.SweepInactive())
	assert.Equal(t, []string{"b"}, m.ActiveSessions())

	select {
	case id := <-expired:
		assert.Equal(t, "a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiry event")
	}

	assert.Empty(t, m.SweepInactive())
}

func TestSweepSkipsBusySession(t *testing.T) {
	m, clk := newTestManager(t)
	_, err := m.StartSession("busy")
	require.NoError(t, err)
	clk.Advance(31 * time.Minute)

	// Hold the session as an in-flight turn would.
	s, err := m.acquire("busy")
	require.NoError(t, err)
	assert.Empty(t, m.SweepInactive())
	assert.Equal(t, []string{"busy"}, m.ActiveSessions())
	s.mu.Unlock()

	assert.Equal(t, []string{"busy"}, m.SweepInactive())
	assert.Empty(t, m.ActiveSessions())
}

func TestExpireRechecksActivity(t *testing.T) {
	m, clk := newTestManager(t)
	_, err := m.StartSession("a")
	require.NoError(t, err)
	clk.Advance(31 * time.Minute)
	cutoff := clk.Now().Add(-30 * time.Minute)

	// Activity lands between the sweep's scan and the removal.
	_, err = m.ProcessVoiceInput(context.Background(), "a", say("still here"))
	require.NoError(t, err)

	assert.False(t, m.expire("a", cutoff))
	assert.Equal(t, []string{"a"}, m.ActiveSessions())
	assert.False(t, m.expire("missing", cutoff))
}

func TestCheckSilence(t *testing.T) {
	m, clk := newTestManager(t)
	_, err := m.StartSession("quiet")
	require.NoError(t, err)
	speaking(t, m, "busy")

	clk.Advance(11 * time.Second)
	results := m.CheckSilence()
	require.Len(t, results, 1)
	assert.Equal(t, "quiet", results[0].SessionID)
	assert.Equal(t, conversation.StateIdle, results[0].State)

	assert.Empty(t, m.CheckSilence())

	snap, err := m.SessionStatus("busy")
	require.NoError(t, err)
	assert.Equal(t, conversation.StateSpeaking, snap.State)
}

func TestSchedulerStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start()
	m.Stop()
}

func TestEventsArePublished(t *testing.T) {
	events := bus.NewEventBus()
	var (
		mu   sync.Mutex
		seen []bus.EventType
	)
	events.SubscribeMultiple([]bus.EventType{
		bus.EventSessionStarted, bus.EventStateChanged, bus.EventCommand, bus.EventSessionEnded,
	}, func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	m, _ := newTestManager(t, WithBus(events))
	speaking(t, m, "s1")
	_, err := m.ProcessVoiceInput(context.Background(), "s1", say("pause"))
	require.NoError(t, err)
	m.EndSession("s1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return containsAll(seen, bus.EventSessionStarted, bus.EventStateChanged, bus.EventCommand, bus.EventSessionEnded)
	}, 2*time.Second, 10*time.Millisecond)
}

func containsAll(have []bus.EventType, want ...bus.EventType) bool {
	set := make(map[bus.EventType]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func TestSessionsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	script := []VoiceInput{say("tell me a story"), {}, say("pause"), say("resume"), say("louder")}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.StartSession(id); err != nil {
				errs <- err
				return
			}
			for j, in := range script {
				if j == 1 {
					if _, err := m.StartAIResponse(id, "A story."); err != nil {
						errs <- err
						return
					}
					continue
				}
				if _, err := m.ProcessVoiceInput(ctx, id, in); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range m.ActiveSessions() {
		snap, err := m.SessionStatus(id)
		require.NoError(t, err)
		assert.Equal(t, conversation.StateSpeaking, snap.State, id)
		assert.Equal(t, "0.9", snap.VoiceSettings[conversation.SettingVolume], id)
	}
	assert.Len(t, m.ActiveSessions(), 20)
}

func TestErrorsWrapSentinels(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ProcessVoiceInput(context.Background(), "nobody", say("hi"))
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Contains(t, err.Error(), "nobody")
}
