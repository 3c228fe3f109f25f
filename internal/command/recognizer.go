package command

import (
	"math"
	"strings"
	"unicode"

	"github.com/normanking/voicecore/internal/conversation"
)

// scoreEpsilon absorbs float rounding when comparing against thresholds.
const scoreEpsilon = 1e-9

// RecognizerConfig holds the tunable scoring constants.
type RecognizerConfig struct {
	// ExpressionConfidence is the score of a matching expression (default 0.9).
	ExpressionConfidence float64
	// KeywordCap bounds the keyword-overlap score (default 0.8).
	KeywordCap float64
	// ExpectedBoost is added when the command fits the state (default 0.1).
	ExpectedBoost float64
	// NonsensePenalty is subtracted when the command makes no sense in the
	// state (default 0.2).
	NonsensePenalty float64
}

// DefaultRecognizerConfig returns the default scoring constants.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		ExpressionConfidence: 0.9,
		KeywordCap:           0.8,
		ExpectedBoost:        0.1,
		NonsensePenalty:      0.2,
	}
}

// Match is a recognized command.
type Match struct {
	Command Command `json:"command"`
	// Confidence is the context-adjusted score, always within [0,1].
	Confidence float64 `json:"confidence"`
	// RawConfidence is the score before context adjustment.
	RawConfidence float64           `json:"raw_confidence"`
	Language      string            `json:"language"`
	Params        map[string]string `json:"params,omitempty"`
}

// Recognizer classifies transcripts into commands. It is stateless and
// safe for concurrent use.
type Recognizer struct {
	patterns []Pattern
	cfg      RecognizerConfig
}

// NewRecognizer creates a recognizer. A nil pattern list selects the
// built-in table. Zero scores take their defaults; the boost and penalty
// are used as given, so a zero value disables that adjustment.
func NewRecognizer(patterns []Pattern, cfg RecognizerConfig) *Recognizer {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	def := DefaultRecognizerConfig()
	if cfg.ExpressionConfidence <= 0 {
		cfg.ExpressionConfidence = def.ExpressionConfidence
	}
	if cfg.KeywordCap <= 0 {
		cfg.KeywordCap = def.KeywordCap
	}
	if cfg.ExpectedBoost < 0 {
		cfg.ExpectedBoost = def.ExpectedBoost
	}
	if cfg.NonsensePenalty < 0 {
		cfg.NonsensePenalty = def.NonsensePenalty
	}
	return &Recognizer{patterns: patterns, cfg: cfg}
}

// Patterns returns the recognizer's pattern table.
func (r *Recognizer) Patterns() []Pattern {
	return r.patterns
}

// Recognize returns the best matching command for text in language. When
// conv is non-nil the score is adjusted for the session's state. Nothing
// is returned when the adjusted score is below the pattern's threshold.
func (r *Recognizer) Recognize(text, language string, conv *conversation.Snapshot) (Match, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Match{}, false
	}
	tokens := words(lower)

	var (
		best      *Pattern
		bestScore float64
	)
	for i := range r.patterns {
		p := &r.patterns[i]
		if !p.AppliesTo(language) {
			continue
		}
		score := r.score(p, lower, tokens)
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil || bestScore <= 0 {
		return Match{}, false
	}

	adjusted := bestScore
	if conv != nil {
		adjusted = r.adjust(best.Command, conv.State, bestScore)
	}
	threshold := best.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if adjusted+scoreEpsilon < threshold {
		return Match{}, false
	}

	m := Match{
		Command:       best.Command,
		Confidence:    adjusted,
		RawConfidence: bestScore,
		Language:      baseLanguage(language),
	}
	if best.Command == ChangeLanguage {
		if code, ok := languageParam(lower); ok {
			m.Params = map[string]string{conversation.SettingLanguage: code}
		}
	}
	return m, true
}

func (r *Recognizer) score(p *Pattern, lower string, tokens []string) float64 {
	var exprScore float64
	for _, re := range p.Expressions {
		if re.MatchString(lower) {
			exprScore = r.cfg.ExpressionConfidence
			break
		}
	}

	var kwScore float64
	if len(p.Keywords) > 0 {
		matched := 0
		for _, kw := range p.Keywords {
			if containsKeyword(lower, tokens, kw) {
				matched++
			}
		}
		kwScore = math.Min(r.cfg.KeywordCap, float64(matched)/float64(len(p.Keywords)))
	}
	return clamp(math.Max(exprScore, kwScore))
}

func (r *Recognizer) adjust(cmd Command, state conversation.State, score float64) float64 {
	switch Fit(cmd, state) {
	case FitExpected:
		score += r.cfg.ExpectedBoost
	case FitNonsensical:
		score -= r.cfg.NonsensePenalty
	case FitNeutral:
	}
	return clamp(score)
}

// Fitness describes how a command fits a conversation state.
type Fitness int

const (
	FitNeutral Fitness = iota
	FitExpected
	FitNonsensical
)

// Fit reports whether cmd is expected, neutral or nonsensical in state.
func Fit(cmd Command, state conversation.State) Fitness {
	switch state {
	case conversation.StateSpeaking:
		switch cmd {
		case Pause, Stop, Repeat, VolumeUp, VolumeDown, SpeakFaster, SpeakSlower:
			return FitExpected
		case Resume:
			return FitNonsensical
		}
	case conversation.StatePaused:
		switch cmd {
		case Resume, Stop, Repeat:
			return FitExpected
		case Pause:
			return FitNonsensical
		}
	case conversation.StateInterrupted:
		switch cmd {
		case Pause, Resume, Stop, Repeat:
			return FitExpected
		}
	case conversation.StateWaitingForCommand:
		switch cmd {
		case Resume, Stop, Repeat, Help:
			return FitExpected
		}
	case conversation.StateIdle, conversation.StateListening:
		switch cmd {
		case Pause, Resume:
			return FitNonsensical
		}
	case conversation.StateProcessing:
		if cmd == Stop {
			return FitExpected
		}
	}
	return FitNeutral
}

func containsKeyword(lower string, tokens []string, kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(lower, kw)
	}
	for _, t := range tokens {
		if t == kw {
			return true
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
