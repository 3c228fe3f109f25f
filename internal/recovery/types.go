// Package recovery maps voice pipeline failures to recovery actions and
// executes them until one succeeds or a degraded text-only mode is chosen.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/pipeline"
)

// ErrorKind classifies a voice pipeline failure.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorInputCapture
	ErrorRecognitionTimeout
	ErrorSynthesisFailure
	ErrorPermissionDenied
	ErrorNetworkUnavailable
	ErrorLanguageRecognition
)

// ErrorKinds lists every kind in declaration order.
var ErrorKinds = []ErrorKind{
	ErrorUnknown,
	ErrorInputCapture,
	ErrorRecognitionTimeout,
	ErrorSynthesisFailure,
	ErrorPermissionDenied,
	ErrorNetworkUnavailable,
	ErrorLanguageRecognition,
}

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorUnknown:
		return "unknown"
	case ErrorInputCapture:
		return "input_capture"
	case ErrorRecognitionTimeout:
		return "recognition_timeout"
	case ErrorSynthesisFailure:
		return "synthesis_failure"
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorNetworkUnavailable:
		return "network_unavailable"
	case ErrorLanguageRecognition:
		return "language_recognition"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	parsed, err := ParseErrorKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseErrorKind parses a wire name.
func ParseErrorKind(s string) (ErrorKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range ErrorKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return ErrorUnknown, fmt.Errorf("unknown error kind %q", s)
}

// MessageKey returns the user-facing description of the kind.
func (k ErrorKind) MessageKey() messages.Key {
	switch k {
	case ErrorInputCapture:
		return messages.ErrorInputCapture
	case ErrorRecognitionTimeout:
		return messages.ErrorRecognitionTimeout
	case ErrorSynthesisFailure:
		return messages.ErrorSynthesisFailure
	case ErrorPermissionDenied:
		return messages.ErrorPermissionDenied
	case ErrorNetworkUnavailable:
		return messages.ErrorNetworkUnavailable
	case ErrorLanguageRecognition:
		return messages.ErrorLanguageRecognition
	default:
		return messages.ErrorUnknown
	}
}

// Strategy is a named way of responding to a failure.
type Strategy int

const (
	StrategyRetryWithBackoff Strategy = iota
	StrategySwitchEngine
	StrategyReduceQuality
	StrategyFallbackToText
	StrategyPromptUser
	StrategyUseCachedResponse
	StrategyAlternativeInput
)

// Strategies lists every strategy in declaration order.
var Strategies = []Strategy{
	StrategyRetryWithBackoff,
	StrategySwitchEngine,
	StrategyReduceQuality,
	StrategyFallbackToText,
	StrategyPromptUser,
	StrategyUseCachedResponse,
	StrategyAlternativeInput,
}

// String returns the wire name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRetryWithBackoff:
		return "retry_with_backoff"
	case StrategySwitchEngine:
		return "switch_engine"
	case StrategyReduceQuality:
		return "reduce_quality"
	case StrategyFallbackToText:
		return "fallback_to_text"
	case StrategyPromptUser:
		return "prompt_user"
	case StrategyUseCachedResponse:
		return "use_cached_response"
	case StrategyAlternativeInput:
		return "alternative_input"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy parses a wire name.
func ParseStrategy(s string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, st := range Strategies {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery strategy %q", s)
}

// FallbackMode returns the operating mode the strategy activates.
func (s Strategy) FallbackMode() FallbackMode {
	switch s {
	case StrategyRetryWithBackoff:
		return FallbackNone
	case StrategySwitchEngine:
		return FallbackAlternateEngine
	case StrategyReduceQuality:
		return FallbackLowQuality
	case StrategyFallbackToText:
		return FallbackTextOnly
	case StrategyPromptUser:
		return FallbackUserAction
	case StrategyUseCachedResponse:
		return FallbackCached
	case StrategyAlternativeInput:
		return FallbackTextInput
	default:
		return FallbackTextOnly
	}
}

// KeepsVoiceContext reports whether the strategy keeps full voice
// delivery, including pronunciation of special terms.
func (s Strategy) KeepsVoiceContext() bool {
	switch s {
	case StrategyRetryWithBackoff, StrategySwitchEngine, StrategyUseCachedResponse:
		return true
	case StrategyReduceQuality, StrategyFallbackToText, StrategyPromptUser, StrategyAlternativeInput:
		return false
	default:
		return false
	}
}

// MessageKey returns the user-facing description of a successful outcome.
func (s Strategy) MessageKey() messages.Key {
	switch s {
	case StrategyRetryWithBackoff:
		return messages.RecoveryRetried
	case StrategySwitchEngine:
		return messages.RecoverySwitchedEngine
	case StrategyReduceQuality:
		return messages.RecoveryReducedQuality
	case StrategyFallbackToText:
		return messages.RecoveryTextFallback
	case StrategyPromptUser:
		return messages.RecoveryUserAction
	case StrategyUseCachedResponse:
		return messages.RecoveryCachedResponse
	case StrategyAlternativeInput:
		return messages.RecoveryAlternativeInput
	default:
		return messages.RecoveryDegraded
	}
}

// FallbackMode is a degraded but functional operating mode.
type FallbackMode string

const (
	FallbackNone            FallbackMode = ""
	FallbackTextOnly        FallbackMode = "text_only"
	FallbackTextInput       FallbackMode = "text_input"
	FallbackCached          FallbackMode = "cached"
	FallbackLowQuality      FallbackMode = "low_quality"
	FallbackAlternateEngine FallbackMode = "alternate_engine"
	FallbackUserAction      FallbackMode = "user_action"
)

// Prerequisite is a condition an action needs before it is tried.
type Prerequisite string

const (
	PrereqNetworkAvailable Prerequisite = "network_available"
	PrereqAlternateEngine  Prerequisite = "alternate_engine"
	PrereqCachedResponse   Prerequisite = "cached_response"
	PrereqTextContent      Prerequisite = "text_content"
)

// Operation names the pipeline call that failed.
type Operation string

const (
	OpNone       Operation = ""
	OpRecognize  Operation = "recognize"
	OpSynthesize Operation = "synthesize"
)

// NetworkStatus is the caller's view of connectivity.
type NetworkStatus int

const (
	// NetworkUnknown defers to the engine's network probe.
	NetworkUnknown NetworkStatus = iota
	NetworkConnected
	NetworkDisconnected
)

// Action is one entry in a recovery policy.
type Action struct {
	Strategy      Strategy          `yaml:"strategy" json:"strategy"`
	Priority      int               `yaml:"priority" json:"priority"`
	Timeout       time.Duration     `yaml:"timeout" json:"timeout"`
	MaxRetries    int               `yaml:"max_retries" json:"max_retries"`
	Prerequisites []Prerequisite    `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Params        map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Hints describe the content and conditions around a failure.
type Hints struct {
	ContentType string
	// HasSpecialTerms is set when the content has terms that need special
	// pronunciation handling (e.g. Sanskrit verses).
	HasSpecialTerms bool
	Network         NetworkStatus
}

// ErrorContext describes one reported failure.
type ErrorContext struct {
	SessionID string
	Kind      ErrorKind
	Message   string
	Operation Operation

	// Audio is the input to retry for OpRecognize.
	Audio []byte
	// Text is the response to retry for OpSynthesize, and the text shown
	// by text fallbacks.
	Text     string
	Language string
	Settings map[string]string
	// CacheKey overrides the key derived from Text and Settings.
	CacheKey string

	Hints      Hints
	RetryCount int
	// Attempted lists strategies already tried for this failure; they are
	// not repeated.
	Attempted []Strategy
}

// Outcome records what happened to one policy action.
type Outcome struct {
	Strategy   Strategy      `json:"strategy"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Result is the output of a recovery run.
type Result struct {
	Kind             ErrorKind        `json:"kind"`
	Strategy         Strategy         `json:"strategy"`
	Success          bool             `json:"success"`
	FallbackMode     FallbackMode     `json:"fallback_mode,omitempty"`
	ContextPreserved bool             `json:"context_preserved"`
	Degraded         bool             `json:"degraded"`
	Attempts         int              `json:"attempts"`
	Elapsed          time.Duration    `json:"elapsed"`
	Message          messages.Message `json:"message"`
	Suggestions      []messages.Key   `json:"suggestions"`
	Attempted        []Strategy       `json:"attempted"`
	Outcomes         []Outcome        `json:"outcomes"`

	Transcript *pipeline.Transcript `json:"transcript,omitempty"`
	Speech     *pipeline.Speech     `json:"-"`
	// Text is the content to show in text fallback modes.
	Text string `json:"text,omitempty"`
}
