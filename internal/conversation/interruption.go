package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InterruptionKind classifies a signal that preempts a spoken response.
type InterruptionKind int

const (
	// InterruptionUserSpeech indicates the user started speaking during playback.
	InterruptionUserSpeech InterruptionKind = iota
	// InterruptionBackgroundNoise indicates a noisy input signal.
	InterruptionBackgroundNoise
	// InterruptionDeviceNotification indicates the device raised a notification.
	InterruptionDeviceNotification
	// InterruptionEmergency is reserved for emergency signals from the host.
	InterruptionEmergency
	// InterruptionCommand indicates a recognized voice command cut in.
	InterruptionCommand
	// InterruptionSilenceTimeout indicates the listening window expired.
	InterruptionSilenceTimeout
)

// String returns the wire name of the kind.
func (k InterruptionKind) String() string {
	switch k {
	case InterruptionUserSpeech:
		return "user_speech"
	case InterruptionBackgroundNoise:
		return "background_noise"
	case InterruptionDeviceNotification:
		return "device_notification"
	case InterruptionEmergency:
		return "emergency"
	case InterruptionCommand:
		return "command"
	case InterruptionSilenceTimeout:
		return "silence_timeout"
	default:
		return fmt.Sprintf("interruption(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k InterruptionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// InterruptionEvent is produced once per detection and never mutated.
type InterruptionEvent struct {
	ID           string           `json:"id"`
	Kind         InterruptionKind `json:"kind"`
	Timestamp    time.Time        `json:"timestamp"`
	Confidence   float64          `json:"confidence"`
	Text         string           `json:"text,omitempty"`
	ShouldResume bool             `json:"should_resume"`

	// ResumeFrom is only meaningful when HasResumePoint is set.
	ResumeFrom     time.Duration `json:"resume_from,omitempty"`
	HasResumePoint bool          `json:"has_resume_point"`
}

// NewInterruptionEvent creates an event stamped at the given time.
func NewInterruptionEvent(kind InterruptionKind, at time.Time, confidence float64, text string, shouldResume bool) *InterruptionEvent {
	return &InterruptionEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Timestamp:    at,
		Confidence:   confidence,
		Text:         text,
		ShouldResume: shouldResume,
	}
}

// WithResumePoint returns a copy of the event carrying a resume position.
func (e InterruptionEvent) WithResumePoint(pos time.Duration) *InterruptionEvent {
	e.ResumeFrom = pos
	e.HasResumePoint = true
	return &e
}
