package command

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultThreshold is the minimum adjusted confidence a pattern needs.
const DefaultThreshold = 0.7

// Pattern defines how one command is matched. Patterns are immutable once
// built and shared by all sessions.
type Pattern struct {
	Command     Command
	Expressions []*regexp.Regexp
	Keywords    []string
	Threshold   float64
	Languages   []string
}

// AppliesTo reports whether the pattern is defined for the language.
func (p Pattern) AppliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	return slices.Contains(p.Languages, baseLanguage(language))
}

// PatternSpec is the serialisable form of a Pattern.
type PatternSpec struct {
	Command     string   `yaml:"command"`
	Expressions []string `yaml:"expressions"`
	Keywords    []string `yaml:"keywords"`
	Threshold   float64  `yaml:"threshold,omitempty"`
	Languages   []string `yaml:"languages"`
}

// Compile turns a spec into a Pattern.
func (s PatternSpec) Compile() (Pattern, error) {
	cmd, err := ParseCommand(s.Command)
	if err != nil {
		return Pattern{}, err
	}
	p := Pattern{
		Command:   cmd,
		Threshold: s.Threshold,
		Languages: make([]string, 0, len(s.Languages)),
	}
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	for _, expr := range s.Expressions {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("command %s: bad expression %q: %w", s.Command, expr, err)
		}
		p.Expressions = append(p.Expressions, re)
	}
	for _, kw := range s.Keywords {
		p.Keywords = append(p.Keywords, strings.ToLower(kw))
	}
	for _, lang := range s.Languages {
		p.Languages = append(p.Languages, baseLanguage(lang))
	}
	return p, nil
}

// CompileAll compiles every spec, stopping at the first error.
func CompileAll(specs []PatternSpec) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := s.Compile()
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// LoadPatterns reads a yaml list of pattern specs.
func LoadPatterns(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command patterns: %w", err)
	}
	var doc struct {
		Patterns []PatternSpec `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse command patterns: %w", err)
	}
	if len(doc.Patterns) == 0 {
		return nil, fmt.Errorf("no command patterns in %s", path)
	}
	return CompileAll(doc.Patterns)
}

// DefaultPatternSpecs returns the built-in English and romanised Hindi
// command table.
func DefaultPatternSpecs() []PatternSpec {
	en := []string{"en"}
	hi := []string{"hi"}
	return []PatternSpec{
		{Command: "pause", Languages: en,
			Expressions: []string{`\bpause\b`, `\bhold on\b`, `\bwait a (moment|second|minute)\b`},
			Keywords:    []string{"pause", "hold", "wait", "moment"}},
		{Command: "resume", Languages: en,
			Expressions: []string{`\b(resume|continue|carry on|keep going)\b`, `\bgo on\b`},
			Keywords:    []string{"resume", "continue", "go", "on", "keep", "going"}},
		{Command: "stop", Languages: en,
			Expressions: []string{`\b(stop|cancel|enough|be quiet|shut up)\b`},
			Keywords:    []string{"stop", "cancel", "quiet", "enough"}},
		{Command: "repeat", Languages: en,
			Expressions: []string{`\brepeat\b`, `\bsay (that|it) again\b`, `\bonce more\b`, `\bcome again\b`},
			Keywords:    []string{"repeat", "again", "once", "more"}},
		{Command: "volume_up", Languages: en,
			Expressions: []string{`\b(louder|speak up)\b`, `\b(volume up|turn it up)\b`, `\b(increase|raise) (the )?volume\b`},
			Keywords:    []string{"louder", "volume", "up", "increase"}},
		{Command: "volume_down", Languages: en,
			Expressions: []string{`\b(quieter|softer)\b`, `\b(volume down|turn it down)\b`, `\b(decrease|lower) (the )?volume\b`},
			Keywords:    []string{"quieter", "softer", "volume", "down", "lower"}},
		{Command: "speak_faster", Languages: en,
			Expressions: []string{`\b(speak|talk|go) faster\b`, `\bspeed up\b`},
			Keywords:    []string{"faster", "speed", "quick", "quicker"}},
		{Command: "speak_slower", Languages: en,
			Expressions: []string{`\b(speak|talk|go) (more )?slow(er|ly)\b`, `\bslow down\b`},
			Keywords:    []string{"slower", "slow", "down", "slowly"}},
		{Command: "change_language", Languages: en,
			Expressions: []string{`\b(speak|switch to|change (the )?language to|answer in|reply in) (hindi|english|sanskrit)\b`},
			Keywords:    []string{"language", "hindi", "english", "sanskrit", "switch"}},
		{Command: "help", Languages: en,
			Expressions: []string{`\bhelp\b`, `\bwhat can (i|you) say\b`, `\bvoice commands\b`},
			Keywords:    []string{"help", "commands", "options"}},

		{Command: "pause", Languages: hi,
			Expressions: []string{`\b(ruko|rukiye|ek minute|thehro)\b`},
			Keywords:    []string{"ruko", "rukiye", "thehro"}},
		{Command: "resume", Languages: hi,
			Expressions: []string{`\b(jaari rakho|aage bolo|chalo|shuru karo)\b`},
			Keywords:    []string{"jaari", "aage", "chalo", "shuru"}},
		{Command: "stop", Languages: hi,
			Expressions: []string{`\b(band karo|bas karo|chup)\b`},
			Keywords:    []string{"band", "bas", "chup"}},
		{Command: "repeat", Languages: hi,
			Expressions: []string{`\b(phir se|dobara|dohrao)\b`},
			Keywords:    []string{"phir", "dobara", "dohrao"}},
		{Command: "change_language", Languages: hi,
			Expressions: []string{`\b(english|hindi|angrezi) (mein|me) (bolo|boliye)\b`},
			Keywords:    []string{"english", "hindi", "angrezi", "bolo"}},
	}
}

// DefaultPatterns compiles the built-in table. The table is static, so a
// compile failure is a programming error.
func DefaultPatterns() []Pattern {
	patterns, err := CompileAll(DefaultPatternSpecs())
	if err != nil {
		panic(err)
	}
	return patterns
}

var languageNames = map[string]string{
	"english":  "en",
	"angrezi":  "en",
	"hindi":    "hi",
	"sanskrit": "sa",
}

// languageParam finds a spoken language name in text.
func languageParam(text string) (string, bool) {
	for _, word := range words(text) {
		if code, ok := languageNames[word]; ok {
			return code, true
		}
	}
	return "", false
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == "auto" {
		return "en"
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
