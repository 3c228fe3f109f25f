// Package interrupt classifies input signals into interruption events.
package interrupt

import (
	"strings"
	"time"
	"unicode"

	"github.com/normanking/voicecore/internal/conversation"
)

// Signals is what the host observed for one turn of input.
type Signals struct {
	// SpeechDetected is set by the host's voice activity detection.
	SpeechDetected bool
	// Transcript is the (possibly partial) text of the detected speech.
	Transcript string
	// Noisy is the host's classification of the audio as background noise.
	Noisy bool
	// DeviceNotification is set when the device raised a notification
	// sound over playback.
	DeviceNotification bool
}

// Config holds the detector thresholds.
type Config struct {
	SilenceTimeout         time.Duration
	SpeechConfidence       float64
	SilenceConfidence      float64
	NoiseConfidence        float64
	NotificationConfidence float64

	// StopTerms in a transcript mean the user wants the response dropped.
	StopTerms []string
	// ClarificationTerms mean the user is asking something new.
	ClarificationTerms []string
}

// DefaultStopTerms are the built-in stop/cancel terms.
var DefaultStopTerms = []string{
	"stop", "cancel", "enough", "quit", "never mind", "nevermind",
	"band karo", "bas",
}

// DefaultClarificationTerms are the built-in clarification terms.
var DefaultClarificationTerms = []string{
	"what", "how", "why", "explain", "clarify",
	"kya", "kaise", "kyun",
}

// DefaultConfig returns the default detector thresholds.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout:         10 * time.Second,
		SpeechConfidence:       0.9,
		SilenceConfidence:      0.8,
		NoiseConfidence:        0.6,
		NotificationConfidence: 0.7,
		StopTerms:              DefaultStopTerms,
		ClarificationTerms:     DefaultClarificationTerms,
	}
}

// Detector turns Signals into at most one InterruptionEvent. It holds no
// session state and is safe for concurrent use.
type Detector struct {
	cfg Config
	now func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the detector's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a detector. Zero fields in cfg take their defaults.
func NewDetector(cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.SpeechConfidence <= 0 {
		cfg.SpeechConfidence = def.SpeechConfidence
	}
	if cfg.SilenceConfidence <= 0 {
		cfg.SilenceConfidence = def.SilenceConfidence
	}
	if cfg.NoiseConfidence <= 0 {
		cfg.NoiseConfidence = def.NoiseConfidence
	}
	if cfg.NotificationConfidence <= 0 {
		cfg.NotificationConfidence = def.NotificationConfidence
	}
	if cfg.StopTerms == nil {
		cfg.StopTerms = def.StopTerms
	}
	if cfg.ClarificationTerms == nil {
		cfg.ClarificationTerms = def.ClarificationTerms
	}
	d := &Detector{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Detect evaluates the rules in precedence order and returns the first
// event that applies, or nil. The rules are: user speech while speaking,
// silence timeout while listening, background noise, then a device
// notification while speaking.
func (d *Detector) Detect(sig Signals, conv conversation.Snapshot) *conversation.InterruptionEvent {
	now := d.now()

	if sig.SpeechDetected && conv.State == conversation.StateSpeaking {
		text := strings.TrimSpace(sig.Transcript)
		ev := conversation.NewInterruptionEvent(
			conversation.InterruptionUserSpeech, now,
			d.cfg.SpeechConfidence, text, d.ShouldResume(text))
		return ev.WithResumePoint(conv.Elapsed(now))
	}

	if conv.State == conversation.StateListening && !sig.SpeechDetected &&
		conv.TimeInState(now) > d.cfg.SilenceTimeout {
		return conversation.NewInterruptionEvent(
			conversation.InterruptionSilenceTimeout, now,
			d.cfg.SilenceConfidence, "", false)
	}

	if sig.Noisy {
		ev := conversation.NewInterruptionEvent(
			conversation.InterruptionBackgroundNoise, now,
			d.cfg.NoiseConfidence, "", true)
		if conv.State.HasResponsePosition() {
			return ev.WithResumePoint(conv.Elapsed(now))
		}
		return ev
	}

	if sig.DeviceNotification && conv.State == conversation.StateSpeaking {
		ev := conversation.NewInterruptionEvent(
			conversation.InterruptionDeviceNotification, now,
			d.cfg.NotificationConfidence, "", true)
		return ev.WithResumePoint(conv.Elapsed(now))
	}

	return nil
}

// ShouldResume reports whether a response cut in by transcript should
// carry on afterwards. It should not when the user asked to stop, asked a
// question, or asked for clarification.
func (d *Detector) ShouldResume(transcript string) bool {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return true
	}
	if strings.HasSuffix(text, "?") {
		return false
	}
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return !containsAny(text, tokens, d.cfg.StopTerms) &&
		!containsAny(text, tokens, d.cfg.ClarificationTerms)
}

func containsAny(text string, tokens, terms []string) bool {
	for _, term := range terms {
		term = strings.ToLower(term)
		if strings.ContainsRune(term, ' ') {
			if strings.Contains(text, term) {
				return true
			}
			continue
		}
		for _, tok := range tokens {
			if tok == term {
				return true
			}
		}
	}
	return false
}
