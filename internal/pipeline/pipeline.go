// Package pipeline defines the voice pipeline collaborators the core
// consumes: speech recognition, speech synthesis and a network probe.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// Common errors reported by engines. Engines may wrap them; callers match
// with errors.Is.
var (
	ErrProviderUnavailable = errors.New("voice provider unavailable")
	ErrNoSpeech            = errors.New("no speech in audio")
	ErrTimeout             = errors.New("voice operation timeout")
	ErrPermissionDenied    = errors.New("audio permission denied")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrUnsupportedLanguage = errors.New("language not recognized")
	ErrSynthesisFailed     = errors.New("speech synthesis failed")
)

// Synthesis quality levels.
const (
	QualityStandard = "standard"
	QualityLow      = "low"
)

// RecognizeRequest is a speech-to-text request.
type RecognizeRequest struct {
	Audio    []byte `json:"-"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`
}

// Transcript is a speech-to-text result.
type Transcript struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language"`
	Duration   time.Duration `json:"duration"`
}

// SynthesizeRequest is a text-to-speech request.
type SynthesizeRequest struct {
	Text string `json:"text"`
	// Settings are the session's voice settings (language, volume, speed).
	Settings map[string]string `json:"settings,omitempty"`
	Quality  string            `json:"quality,omitempty"`
}

// Speech is a text-to-speech result.
type Speech struct {
	Audio    []byte        `json:"-"`
	Format   string        `json:"format"`
	Duration time.Duration `json:"duration"`
	Engine   string        `json:"engine"`
}

// SpeechRecognizer converts audio to text.
type SpeechRecognizer interface {
	// Name returns the engine identifier (e.g., "whisper").
	Name() string

	Recognize(ctx context.Context, req *RecognizeRequest) (*Transcript, error)
}

// SpeechSynthesizer converts text to audio.
type SpeechSynthesizer interface {
	// Name returns the engine identifier (e.g., "piper").
	Name() string

	Synthesize(ctx context.Context, req *SynthesizeRequest) (*Speech, error)
}

// NetworkProbe reports whether remote voice services are reachable.
type NetworkProbe interface {
	IsNetworkAvailable(ctx context.Context) bool
}

// Engines groups the configured engines. The first entry of each list is
// the primary engine; the rest are alternates tried by switch-engine
// recovery.
type Engines struct {
	Recognizers  []SpeechRecognizer
	Synthesizers []SpeechSynthesizer
	Probe        NetworkProbe
}

// Recognizer returns the primary recognizer, or nil.
func (e Engines) Recognizer() SpeechRecognizer {
	if len(e.Recognizers) == 0 {
		return nil
	}
	return e.Recognizers[0]
}

// Synthesizer returns the primary synthesizer, or nil.
func (e Engines) Synthesizer() SpeechSynthesizer {
	if len(e.Synthesizers) == 0 {
		return nil
	}
	return e.Synthesizers[0]
}
