package messages

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used when a message has no template in the
// requested language.
const DefaultLanguage = "en"

// Catalog renders messages from per-language templates. It is immutable
// after construction.
type Catalog struct {
	templates map[string]map[Key]*template.Template
}

// NewCatalog compiles a language → key → template table.
func NewCatalog(table map[string]map[Key]string) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]map[Key]*template.Template, len(table))}
	for lang, entries := range table {
		compiled := make(map[Key]*template.Template, len(entries))
		for key, text := range entries {
			tmpl, err := template.New(string(key)).Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("message %s/%s: %w", lang, key, err)
			}
			compiled[key] = tmpl
		}
		c.templates[strings.ToLower(lang)] = compiled
	}
	return c, nil
}

// DefaultCatalog returns the built-in English and Hindi catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultTable)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads a yaml catalog and layers it over the built-in one.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message catalog: %w", err)
	}
	var overrides map[string]map[Key]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse message catalog: %w", err)
	}
	merged := make(map[string]map[Key]string, len(defaultTable))
	for lang, entries := range defaultTable {
		merged[lang] = make(map[Key]string, len(entries))
		for k, v := range entries {
			merged[lang][k] = v
		}
	}
	for lang, entries := range overrides {
		if merged[lang] == nil {
			merged[lang] = make(map[Key]string, len(entries))
		}
		for k, v := range entries {
			merged[lang][k] = v
		}
	}
	return NewCatalog(merged)
}

// Render renders m in language, falling back to English and finally to
// the key itself.
func (c *Catalog) Render(language string, m Message) string {
	tmpl := c.lookup(language, m.Key)
	if tmpl == nil {
		return string(m.Key)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, m.Params); err != nil {
		return string(m.Key)
	}
	return sb.String()
}

// Has reports whether key has a template in language or in English.
func (c *Catalog) Has(language string, key Key) bool {
	return c.lookup(language, key) != nil
}

func (c *Catalog) lookup(language string, key Key) *template.Template {
	lang := strings.ToLower(language)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if t, ok := c.templates[lang][key]; ok {
		return t
	}
	return c.templates[DefaultLanguage][key]
}

var defaultTable = map[string]map[Key]string{
	"en": {
		AckPaused:          "Paused. Say resume when you're ready.",
		AckResumed:         "Continuing.",
		AckStopped:         "Okay, I've stopped.",
		AckRepeating:       "Let me say that again.",
		AckVolumeUp:        "Volume set to {{.volume}}.",
		AckVolumeDown:      "Volume set to {{.volume}}.",
		AckFaster:          "Speaking faster.",
		AckSlower:          "Speaking slower.",
		AckLanguageChanged: "Switching to {{.language}}.",
		HelpCommands:       "You can say pause, resume, stop, repeat, louder, softer, faster, slower, or switch language.",

		PromptListening:        "I'm listening.",
		PromptWaitingCommand:   "Should I continue, repeat, or stop?",
		PromptSilence:          "I didn't hear anything. Say something whenever you're ready.",
		PromptAnswerQuestion:   "Let me answer that.",
		PromptNotificationHold: "Pausing for your notification.",

		ErrorInputCapture:        "I couldn't hear you clearly.",
		ErrorRecognitionTimeout:  "Speech recognition is taking too long.",
		ErrorSynthesisFailure:    "I'm having trouble speaking right now.",
		ErrorPermissionDenied:    "I don't have access to your microphone.",
		ErrorNetworkUnavailable:  "I can't reach the voice service.",
		ErrorLanguageRecognition: "I had trouble recognizing some words.",
		ErrorUnknown:             "Something went wrong with voice.",

		RecoveryRetried:          "Recovered after {{.attempts}} attempt(s).",
		RecoverySwitchedEngine:   "Switched to the {{.engine}} voice engine.",
		RecoveryReducedQuality:   "Using a lower quality voice for now.",
		RecoveryTextFallback:     "Showing the response as text.",
		RecoveryCachedResponse:   "Playing a saved response.",
		RecoveryAlternativeInput: "Please type your message instead.",
		RecoveryUserAction:       "Your help is needed to continue.",
		RecoveryDegraded:         "Voice is unavailable; continuing in text only.",

		SuggestCheckMicrophone:  "Check that your microphone is connected.",
		SuggestSpeakClearly:     "Speak clearly and close to the microphone.",
		SuggestReduceNoise:      "Move somewhere quieter.",
		SuggestCheckPermissions: "Check microphone permissions in your settings.",
		SuggestCheckConnection:  "Check your internet connection.",
		SuggestUseText:          "You can type instead.",
		SuggestTryAgain:         "Try again in a moment.",
		SuggestSpeakSlowly:      "Say the words slowly.",
		SuggestSwitchLanguage:   "Try switching the voice language.",
	},
	"hi": {
		AckPaused:               "Ruk gaya. Jaari rakhne ke liye 'aage bolo' kahiye.",
		AckResumed:              "Aage bolta hoon.",
		AckStopped:              "Theek hai, band kar diya.",
		AckRepeating:            "Phir se bolta hoon.",
		AckLanguageChanged:      "{{.language}} mein badal raha hoon.",
		PromptWaitingCommand:    "Aage bolun, dobara bolun, ya band karun?",
		PromptSilence:           "Kuch sunai nahi diya.",
		ErrorPermissionDenied:   "Microphone ki anumati nahi hai.",
		ErrorNetworkUnavailable: "Voice seva tak nahi pahunch pa raha.",
		RecoveryTextFallback:    "Jawab text mein dikha raha hoon.",
		SuggestCheckPermissions: "Settings mein microphone anumati dekhiye.",
		SuggestCheckConnection:  "Internet connection dekhiye.",
		SuggestUseText:          "Aap type bhi kar sakte hain.",
	},
}
