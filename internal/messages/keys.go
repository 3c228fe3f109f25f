// Package messages holds the user-facing text of the voice core. Control
// code emits message keys with parameters; rendering happens here.
package messages

// Key identifies a user-facing message.
type Key string

// Acknowledgements for recognized commands.
const (
	AckPaused          Key = "ack.paused"
	AckResumed         Key = "ack.resumed"
	AckStopped         Key = "ack.stopped"
	AckRepeating       Key = "ack.repeating"
	AckVolumeUp        Key = "ack.volume_up"
	AckVolumeDown      Key = "ack.volume_down"
	AckFaster          Key = "ack.faster"
	AckSlower          Key = "ack.slower"
	AckLanguageChanged Key = "ack.language_changed"
	HelpCommands       Key = "help.commands"
)

// Prompts issued by the state machine.
const (
	PromptListening        Key = "prompt.listening"
	PromptWaitingCommand   Key = "prompt.waiting_for_command"
	PromptSilence          Key = "prompt.silence"
	PromptAnswerQuestion   Key = "prompt.answer_question"
	PromptNotificationHold Key = "prompt.notification_hold"
)

// Error descriptions, one per error kind.
const (
	ErrorInputCapture        Key = "error.input_capture"
	ErrorRecognitionTimeout  Key = "error.recognition_timeout"
	ErrorSynthesisFailure    Key = "error.synthesis_failure"
	ErrorPermissionDenied    Key = "error.permission_denied"
	ErrorNetworkUnavailable  Key = "error.network_unavailable"
	ErrorLanguageRecognition Key = "error.language_recognition"
	ErrorUnknown             Key = "error.unknown"
)

// Recovery outcomes.
const (
	RecoveryRetried          Key = "recovery.retried"
	RecoverySwitchedEngine   Key = "recovery.switched_engine"
	RecoveryReducedQuality   Key = "recovery.reduced_quality"
	RecoveryTextFallback     Key = "recovery.text_fallback"
	RecoveryCachedResponse   Key = "recovery.cached_response"
	RecoveryAlternativeInput Key = "recovery.alternative_input"
	RecoveryUserAction       Key = "recovery.user_action"
	RecoveryDegraded         Key = "recovery.degraded"
)

// Remediation suggestions.
const (
	SuggestCheckMicrophone  Key = "suggest.check_microphone"
	SuggestSpeakClearly     Key = "suggest.speak_clearly"
	SuggestReduceNoise      Key = "suggest.reduce_noise"
	SuggestCheckPermissions Key = "suggest.check_permissions"
	SuggestCheckConnection  Key = "suggest.check_connection"
	SuggestUseText          Key = "suggest.use_text"
	SuggestTryAgain         Key = "suggest.try_again"
	SuggestSpeakSlowly      Key = "suggest.speak_slowly"
	SuggestSwitchLanguage   Key = "suggest.switch_language"
)

// Message is a key plus the parameters its template needs.
type Message struct {
	Key    Key               `json:"key"`
	Params map[string]string `json:"params,omitempty"`
}

// New creates a message. Params are given as alternating name/value pairs.
func New(key Key, kv ...string) Message {
	m := Message{Key: key}
	if len(kv) > 1 {
		m.Params = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			m.Params[kv[i]] = kv[i+1]
		}
	}
	return m
}

var suggestions = map[string][]Key{
	"input_capture":        {SuggestCheckMicrophone, SuggestSpeakClearly, SuggestReduceNoise},
	"recognition_timeout":  {SuggestSpeakClearly, SuggestCheckConnection, SuggestTryAgain},
	"synthesis_failure":    {SuggestTryAgain, SuggestUseText},
	"permission_denied":    {SuggestCheckPermissions, SuggestUseText},
	"network_unavailable":  {SuggestCheckConnection, SuggestUseText, SuggestTryAgain},
	"language_recognition": {SuggestSpeakSlowly, SuggestSwitchLanguage, SuggestUseText},
}

// SuggestionsFor returns the remediation suggestions for an error kind
// name. Unknown kinds get a generic pair.
func SuggestionsFor(kind string) []Key {
	if s, ok := suggestions[kind]; ok {
		return append([]Key(nil), s...)
	}
	return []Key{SuggestTryAgain, SuggestUseText}
}
