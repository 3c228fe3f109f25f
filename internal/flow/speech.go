package flow

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/normanking/voicecore/internal/bus"
	"github.com/normanking/voicecore/internal/cache"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

// transcribe runs the primary recognizer over the turn's audio. On failure
// the error is classified and handed to the recovery engine; the result is
// attached to res. It returns the transcript, or "" if none was obtained.
func (m *Manager) transcribe(ctx context.Context, s *session, in VoiceInput, language string, res *TurnResult) string {
	c := s.conv
	rec := m.engines.Recognizer()
	if rec == nil {
		m.log.Warn().Str("session", c.SessionID).Msg("audio received but no recognizer configured")
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.PipelineTimeout)
	tr, err := rec.Recognize(cctx, &pipeline.RecognizeRequest{
		Audio:    in.Audio,
		Format:   in.AudioFormat,
		Language: language,
	})
	cancel()
	if err == nil {
		if tr != nil && strings.TrimSpace(tr.Text) != "" {
			return strings.TrimSpace(tr.Text)
		}
		err = pipeline.ErrNoSpeech
	}

	m.log.Warn().Err(err).Str("session", c.SessionID).Str("engine", rec.Name()).Msg("speech recognition failed")
	result := m.recover(ctx, s, recovery.ErrorContext{
		SessionID: c.SessionID,
		Kind:      recovery.ClassifyError(recovery.OpRecognize, err),
		Message:   err.Error(),
		Operation: recovery.OpRecognize,
		Audio:     in.Audio,
		Language:  language,
		Settings:  maps.Clone(c.VoiceSettings),
	})
	res.Recovery = &result
	if result.Success && result.Transcript != nil {
		return strings.TrimSpace(result.Transcript.Text)
	}
	return ""
}

// SynthesizeResponse turns the session's current response into speech.
// Cached audio is used when present. A synthesis failure is recovered
// through the policy engine; the result then says which fallback applies.
func (m *Manager) SynthesizeResponse(ctx context.Context, id string, hints recovery.Hints) (*SynthesisResult, error) {
	s, now, err := m.begin(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	ctx, cancel := sessionContext(ctx, s)
	defer cancel()

	c := s.conv
	text := c.CurrentResponseText
	if text == "" {
		return nil, ErrNoResponse
	}
	settings := maps.Clone(c.VoiceSettings)
	key := cache.Key(text, settings[conversation.SettingLanguage], settings[conversation.SettingSpeed])
	out := &SynthesisResult{SessionID: c.SessionID}

	if m.cache != nil {
		if e, ok := m.cache.Get(ctx, key); ok && e.HasAudio() {
			out.Speech = &pipeline.Speech{Audio: e.Audio, Format: e.Format, Engine: "cache"}
			out.Cached = true
			s.publish(now)
			return out, nil
		}
	}

	speech, err := m.synthesize(ctx, text, settings)
	if err == nil {
		m.store(ctx, key, text, speech, now)
		out.Speech = speech
		s.publish(now)
		return out, nil
	}

	m.log.Warn().Err(err).Str("session", c.SessionID).Msg("speech synthesis failed")
	result := m.recover(ctx, s, recovery.ErrorContext{
		SessionID: c.SessionID,
		Kind:      recovery.ClassifyError(recovery.OpSynthesize, err),
		Message:   err.Error(),
		Operation: recovery.OpSynthesize,
		Text:      text,
		Language:  settings.Language(),
		Settings:  settings,
		CacheKey:  key,
		Hints:     hints,
	})
	out.Recovery = &result

	if result.Speech != nil && len(result.Speech.Audio) > 0 {
		out.Speech = result.Speech
		out.Directive = Directive{Action: ActionNone, Message: result.Message}
		if result.Strategy != recovery.StrategyUseCachedResponse && result.Strategy.KeepsVoiceContext() {
			m.store(ctx, key, text, result.Speech, now)
		}
	} else {
		out.Directive = fallbackDirective(&result)
		if out.Directive.Text == "" {
			out.Directive.Text = text
		}
	}

	s.publish(m.now())
	return out, nil
}

func (m *Manager) synthesize(ctx context.Context, text string, settings conversation.VoiceSettings) (*pipeline.Speech, error) {
	syn := m.engines.Synthesizer()
	if syn == nil {
		return nil, pipeline.ErrProviderUnavailable
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.PipelineTimeout)
	defer cancel()
	speech, err := syn.Synthesize(cctx, &pipeline.SynthesizeRequest{
		Text:     text,
		Settings: settings,
		Quality:  pipeline.QualityStandard,
	})
	if err != nil {
		return nil, err
	}
	if speech == nil || len(speech.Audio) == 0 {
		return nil, pipeline.ErrSynthesisFailed
	}
	return speech, nil
}

func (m *Manager) store(ctx context.Context, key, text string, speech *pipeline.Speech, now time.Time) {
	if m.cache == nil {
		return
	}
	err := m.cache.Put(ctx, key, cache.Entry{
		Text:      text,
		Audio:     speech.Audio,
		Format:    speech.Format,
		CreatedAt: now,
	})
	if err != nil {
		m.log.Debug().Err(err).Str("key", key).Msg("response not cached")
	}
}

// ReportVoiceError runs recovery for a failure the host observed in its
// own pipeline. When the error names a registered session the session's
// settings fill in missing fields, the session's fallback mode is updated
// and ending the session cancels the recovery. It never fails.
func (m *Manager) ReportVoiceError(ctx context.Context, ectx recovery.ErrorContext) recovery.Result {
	if ectx.SessionID == "" {
		return m.recovery.Recover(ctx, ectx)
	}
	s, _, err := m.begin(ectx.SessionID)
	if err != nil {
		return m.recovery.Recover(ctx, ectx)
	}
	defer s.mu.Unlock()

	ctx, cancel := sessionContext(ctx, s)
	defer cancel()

	if ectx.Settings == nil {
		ectx.Settings = maps.Clone(s.conv.VoiceSettings)
	}
	if ectx.Language == "" {
		ectx.Language = s.conv.VoiceSettings.Language()
	}
	if ectx.Text == "" && ectx.Operation == recovery.OpSynthesize {
		ectx.Text = s.conv.CurrentResponseText
	}
	res := m.recover(ctx, s, ectx)
	s.publish(m.now())
	return res
}

// recover runs the engine for a session and records the outcome on it.
func (m *Manager) recover(ctx context.Context, s *session, ectx recovery.ErrorContext) recovery.Result {
	res := m.recovery.Recover(ctx, ectx)

	now := m.now()
	c := s.conv
	c.FallbackMode = string(res.FallbackMode)
	c.Append(conversation.RecordRecovery, ectx.Kind.String()+": "+res.Strategy.String(), now)

	event := bus.EventRecoverySucceeded
	if res.Degraded {
		event = bus.EventRecoveryDegraded
	}
	m.emit(event, c.SessionID, now, map[string]any{
		"kind":          ectx.Kind.String(),
		"strategy":      res.Strategy.String(),
		"success":       res.Success,
		"fallback_mode": string(res.FallbackMode),
		"attempts":      res.Attempts,
	})
	return res
}

func fallbackDirective(r *recovery.Result) Directive {
	return Directive{Action: ActionFallback, Message: r.Message, Text: r.Text}
}
