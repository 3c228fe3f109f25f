package recovery

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultActionTimeout = 5 * time.Second

// Policy maps error kinds to ordered recovery actions. It is immutable
// after construction and safe for concurrent reads.
type Policy struct {
	actions map[ErrorKind][]Action
}

// NewPolicy validates the table, fills default timeouts and orders each
// kind's actions by ascending priority. Equal priorities keep their
// listed order.
func NewPolicy(table map[ErrorKind][]Action) (*Policy, error) {
	p := &Policy{actions: make(map[ErrorKind][]Action, len(table))}
	for kind, actions := range table {
		ordered := make([]Action, 0, len(actions))
		for i, a := range actions {
			if err := validateAction(a); err != nil {
				return nil, fmt.Errorf("policy %s action %d: %w", kind, i, err)
			}
			if a.Timeout <= 0 {
				a.Timeout = defaultActionTimeout
			}
			a.Prerequisites = slices.Clone(a.Prerequisites)
			a.Params = maps.Clone(a.Params)
			ordered = append(ordered, a)
		}
		slices.SortStableFunc(ordered, func(a, b Action) int {
			return a.Priority - b.Priority
		})
		p.actions[kind] = ordered
	}
	return p, nil
}

func validateAction(a Action) error {
	if !slices.Contains(Strategies, a.Strategy) {
		return fmt.Errorf("unknown strategy %d", int(a.Strategy))
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", a.MaxRetries)
	}
	if a.Strategy == StrategyRetryWithBackoff && a.MaxRetries == 0 {
		return fmt.Errorf("%s needs max_retries > 0", a.Strategy)
	}
	for _, pre := range a.Prerequisites {
		switch pre {
		case PrereqNetworkAvailable, PrereqAlternateEngine, PrereqCachedResponse, PrereqTextContent:
		default:
			return fmt.Errorf("unknown prerequisite %q", pre)
		}
	}
	return nil
}

// Actions returns a copy of the ordered actions for kind and whether the
// kind is configured.
func (p *Policy) Actions(kind ErrorKind) ([]Action, bool) {
	actions, ok := p.actions[kind]
	if !ok || len(actions) == 0 {
		return nil, false
	}
	return slices.Clone(actions), true
}

// Kinds returns the configured error kinds in declaration order.
func (p *Policy) Kinds() []ErrorKind {
	var kinds []ErrorKind
	for _, k := range ErrorKinds {
		if len(p.actions[k]) > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// DefaultPolicyTable returns the built-in policy. Unknown errors are left
// unconfigured and get the engine's generic text fallback.
func DefaultPolicyTable() map[ErrorKind][]Action {
	needsNetwork := []Prerequisite{PrereqNetworkAvailable}
	return map[ErrorKind][]Action{
		ErrorInputCapture: {
			{Strategy: StrategyRetryWithBackoff, Priority: 1, Timeout: 10 * time.Second, MaxRetries: 2},
			{Strategy: StrategyPromptUser, Priority: 2, Timeout: time.Second},
			{Strategy: StrategyAlternativeInput, Priority: 3, Timeout: time.Second},
		},
		ErrorRecognitionTimeout: {
			{Strategy: StrategyRetryWithBackoff, Priority: 1, Timeout: 10 * time.Second, MaxRetries: 3, Prerequisites: needsNetwork},
			{Strategy: StrategySwitchEngine, Priority: 2, Timeout: 15 * time.Second,
				Prerequisites: []Prerequisite{PrereqAlternateEngine}},
			{Strategy: StrategyAlternativeInput, Priority: 3, Timeout: time.Second},
		},
		ErrorSynthesisFailure: {
			{Strategy: StrategyRetryWithBackoff, Priority: 1, Timeout: 10 * time.Second, MaxRetries: 2, Prerequisites: needsNetwork},
			{Strategy: StrategySwitchEngine, Priority: 2, Timeout: 15 * time.Second,
				Prerequisites: []Prerequisite{PrereqAlternateEngine}},
			{Strategy: StrategyReduceQuality, Priority: 3, Timeout: 10 * time.Second},
			{Strategy: StrategyUseCachedResponse, Priority: 4, Timeout: time.Second,
				Prerequisites: []Prerequisite{PrereqCachedResponse}},
			{Strategy: StrategyFallbackToText, Priority: 5, Timeout: time.Second,
				Prerequisites: []Prerequisite{PrereqTextContent}},
		},
		ErrorPermissionDenied: {
			{Strategy: StrategyPromptUser, Priority: 1, Timeout: time.Second,
				Params: map[string]string{"action": "grant_microphone_permission"}},
			{Strategy: StrategyAlternativeInput, Priority: 2, Timeout: time.Second},
		},
		ErrorNetworkUnavailable: {
			{Strategy: StrategyRetryWithBackoff, Priority: 1, Timeout: 10 * time.Second, MaxRetries: 3, Prerequisites: needsNetwork},
			{Strategy: StrategyUseCachedResponse, Priority: 2, Timeout: time.Second,
				Prerequisites: []Prerequisite{PrereqCachedResponse}},
			{Strategy: StrategyFallbackToText, Priority: 3, Timeout: time.Second,
				Prerequisites: []Prerequisite{PrereqTextContent}},
		},
		ErrorLanguageRecognition: {
			{Strategy: StrategySwitchEngine, Priority: 1, Timeout: 15 * time.Second,
				Prerequisites: []Prerequisite{PrereqAlternateEngine}},
			{Strategy: StrategyPromptUser, Priority: 2, Timeout: time.Second,
				Params: map[string]string{"action": "speak_slowly"}},
			{Strategy: StrategyAlternativeInput, Priority: 3, Timeout: time.Second},
		},
	}
}

// DefaultPolicy compiles the built-in policy.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultPolicyTable())
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads a yaml policy file. Kinds present in the file replace
// the built-in actions for that kind; other kinds keep the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recovery policy: %w", err)
	}
	var doc struct {
		Policies map[string][]Action `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse recovery policy: %w", err)
	}

	table := DefaultPolicyTable()
	for name, actions := range doc.Policies {
		kind, err := ParseErrorKind(name)
		if err != nil {
			return nil, err
		}
		table[kind] = actions
	}
	return NewPolicy(table)
}
