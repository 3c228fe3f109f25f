package conversation

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies what an interaction record describes.
type RecordKind string

const (
	RecordUserInput         RecordKind = "user_input"
	RecordAssistantResponse RecordKind = "assistant_response"
	RecordCommand           RecordKind = "command"
	RecordInterruption      RecordKind = "interruption"
	RecordRecovery          RecordKind = "recovery"
	RecordStateChange       RecordKind = "state_change"
)

// Record is one entry in a session's interaction history.
type Record struct {
	ID        string     `json:"id"`
	Kind      RecordKind `json:"kind"`
	Text      string     `json:"text,omitempty"`
	State     State      `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// Voice settings keys mutated by recognized commands.
const (
	SettingLanguage = "language"
	SettingVolume   = "volume"
	SettingSpeed    = "speed"
)

// VoiceSettings maps setting keys to values.
type VoiceSettings map[string]string

// Language returns the configured language, or "en".
func (v VoiceSettings) Language() string {
	if lang := v[SettingLanguage]; lang != "" {
		return lang
	}
	return "en"
}

// DefaultVoiceSettings returns the settings a new session starts with.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		SettingLanguage: "en",
		SettingVolume:   "0.8",
		SettingSpeed:    "1.0",
	}
}

// Context is the mutable state record of one session. It is owned by the
// flow manager; every other component only sees Snapshots.
type Context struct {
	SessionID      string
	State          State
	StateEnteredAt time.Time

	CurrentResponseText string
	ResponsePosition    time.Duration
	// ResponseStartTime is zero while no response is being timed.
	ResponseStartTime time.Time

	History           []Record
	InterruptionCount int
	LastInterruption  *InterruptionEvent
	VoiceSettings     VoiceSettings

	// FallbackMode is the last degraded mode activated by recovery, if any.
	FallbackMode string

	CreatedAt    time.Time
	LastActivity time.Time
}

// NewContext creates the context for a new session in StateIdle.
func NewContext(sessionID string, now time.Time) *Context {
	return &Context{
		SessionID:      sessionID,
		State:          StateIdle,
		StateEnteredAt: now,
		History:        make([]Record, 0, 16),
		VoiceSettings:  DefaultVoiceSettings(),
		CreatedAt:      now,
		LastActivity:   now,
	}
}

// Append adds a record to the history.
func (c *Context) Append(kind RecordKind, text string, now time.Time) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		State:     c.State,
		Timestamp: now,
	}
	c.History = append(c.History, rec)
	return rec
}

// ElapsedResponse returns how far into the current spoken response the
// session is. While speaking it is measured from ResponseStartTime;
// otherwise the stored position is returned.
func (c *Context) ElapsedResponse(now time.Time) time.Duration {
	if c.State == StateSpeaking && !c.ResponseStartTime.IsZero() {
		if d := now.Sub(c.ResponseStartTime); d > 0 {
			return d
		}
		return 0
	}
	return c.ResponsePosition
}

// Touch records activity.
func (c *Context) Touch(now time.Time) {
	c.LastActivity = now
}

// Snapshot is a read-only copy of a Context.
type Snapshot struct {
	SessionID           string             `json:"session_id"`
	State               State              `json:"state"`
	StateEnteredAt      time.Time          `json:"state_entered_at"`
	CurrentResponseText string             `json:"current_response_text,omitempty"`
	ResponsePosition    time.Duration      `json:"response_position"`
	ResponseStartTime   time.Time          `json:"response_start_time"`
	InterruptionCount   int                `json:"interruption_count"`
	LastInterruption    *InterruptionEvent `json:"last_interruption,omitempty"`
	VoiceSettings       VoiceSettings      `json:"voice_settings"`
	FallbackMode        string             `json:"fallback_mode,omitempty"`
	HistoryLength       int                `json:"history_length"`
	LastRecord          *Record            `json:"last_record,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	LastActivity        time.Time          `json:"last_activity"`
}

// Snapshot copies the context. ResponsePosition is computed at now so a
// speaking session reports its live position.
func (c *Context) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		SessionID:           c.SessionID,
		State:               c.State,
		StateEnteredAt:      c.StateEnteredAt,
		CurrentResponseText: c.CurrentResponseText,
		ResponsePosition:    c.ElapsedResponse(now),
		ResponseStartTime:   c.ResponseStartTime,
		InterruptionCount:   c.InterruptionCount,
		VoiceSettings:       maps.Clone(c.VoiceSettings),
		FallbackMode:        c.FallbackMode,
		HistoryLength:       len(c.History),
		CreatedAt:           c.CreatedAt,
		LastActivity:        c.LastActivity,
	}
	if c.LastInterruption != nil {
		ev := *c.LastInterruption
		s.LastInterruption = &ev
	}
	if n := len(c.History); n > 0 {
		rec := c.History[n-1]
		s.LastRecord = &rec
	}
	return s
}

// TimeInState returns how long the snapshot's session has been in its
// current state.
func (s Snapshot) TimeInState(now time.Time) time.Duration {
	return now.Sub(s.StateEnteredAt)
}

// Elapsed returns how far into the spoken response the snapshot was at now.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.State == StateSpeaking && !s.ResponseStartTime.IsZero() {
		if d := now.Sub(s.ResponseStartTime); d > 0 {
			return d
		}
		return 0
	}
	return s.ResponsePosition
}
