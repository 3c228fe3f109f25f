package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/normanking/voicecore/internal/cache"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/metrics"
	"github.com/normanking/voicecore/internal/pipeline"
)

var (
	errNoOperation    = errors.New("no pipeline operation to repeat")
	errNoEngine       = errors.New("no engine configured for operation")
	errNothingToRetry = errors.New("no audio or text to repeat the operation with")
	errRetryBudget    = errors.New("retry budget already used")
	errNoAlternate    = errors.New("no alternate engine succeeded")
	errNotApplicable  = errors.New("strategy does not apply to operation")
	errCacheMiss      = errors.New("no cached response")
)

// Config holds the engine's timing settings.
type Config struct {
	// BaseDelay is the first backoff delay between retry attempts.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// ProbeTimeout bounds a network probe.
	ProbeTimeout time.Duration
	// SinkTimeout bounds recording a result to the sink.
	SinkTimeout time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ProbeTimeout: 2 * time.Second,
		SinkTimeout:  2 * time.Second,
	}
}

// Sink records recovery results outside the process.
type Sink interface {
	Record(ctx context.Context, ectx ErrorContext, res Result) error
}

// Engine executes recovery policies. It is safe for concurrent use.
type Engine struct {
	policy  *Policy
	engines pipeline.Engines
	cache   cache.Cache
	sink    Sink
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the response cache used by cached-response recovery.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithSink sets where results are recorded.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. A nil policy selects the default policy.
func NewEngine(policy *Policy, engines pipeline.Engines, cfg Config, opts ...Option) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	e := &Engine{
		policy:  policy,
		engines: engines,
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
		stats:   newStats(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// produced is what a successful action yielded.
type produced struct {
	transcript *pipeline.Transcript
	speech     *pipeline.Speech
	text       string
	params     []string
}

// attempt is the per-call state of one Recover run.
type attempt struct {
	ectx         ErrorContext
	networkKnown bool
	network      bool
}

// Recover runs the policy for ectx and always returns a Result. Actions
// are tried in priority order; the first success wins. When every action
// fails or is skipped the result is a degraded text-only mode.
func (e *Engine) Recover(ctx context.Context, ectx ErrorContext) (res Result) {
	start := e.now()
	run := &attempt{ectx: ectx}
	var outcomes []Outcome
	attempted := slices.Clone(ectx.Attempted)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("session", ectx.SessionID).
				Str("kind", ectx.Kind.String()).
				Interface("panic", r).
				Msg("recovery aborted")
			res = e.degraded(ectx, outcomes, attempted)
		}
		res.Elapsed = e.now().Sub(start)
		e.finish(ctx, ectx, res)
	}()

	actions, ok := e.policy.Actions(ectx.Kind)
	if !ok {
		actions = []Action{genericAction()}
	}

	for _, a := range actions {
		if slices.Contains(ectx.Attempted, a.Strategy) {
			outcomes = append(outcomes, Outcome{Strategy: a.Strategy, Skipped: true, SkipReason: "already attempted"})
			continue
		}
		if pre, met := e.prerequisitesMet(ctx, run, a); !met {
			outcomes = append(outcomes, Outcome{Strategy: a.Strategy, Skipped: true, SkipReason: "prerequisite " + string(pre) + " not met"})
			continue
		}
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{Strategy: a.Strategy, Skipped: true, SkipReason: ctx.Err().Error()})
			continue
		}

		out, prod := e.execute(ctx, a, ectx)
		outcomes = append(outcomes, out)
		attempted = append(attempted, a.Strategy)

		e.log.Debug().
			Str("session", ectx.SessionID).
			Str("kind", ectx.Kind.String()).
			Str("strategy", a.Strategy.String()).
			Bool("success", out.Success).
			Int("attempts", out.Attempts).
			Str("error", out.Error).
			Msg("recovery action finished")

		if out.Success {
			return e.succeeded(ectx, a, prod, outcomes, attempted)
		}
	}
	return e.degraded(ectx, outcomes, attempted)
}

func genericAction() Action {
	return Action{Strategy: StrategyFallbackToText, Priority: 1, Timeout: defaultActionTimeout}
}

func (e *Engine) succeeded(ectx ErrorContext, a Action, prod produced, outcomes []Outcome, attempted []Strategy) Result {
	return Result{
		Kind:             ectx.Kind,
		Strategy:         a.Strategy,
		Success:          true,
		FallbackMode:     a.Strategy.FallbackMode(),
		ContextPreserved: a.Strategy.KeepsVoiceContext() || !ectx.Hints.HasSpecialTerms,
		Attempts:         totalAttempts(outcomes),
		Message:          messages.New(a.Strategy.MessageKey(), prod.params...),
		Suggestions:      messages.SuggestionsFor(ectx.Kind.String()),
		Attempted:        attempted,
		Outcomes:         outcomes,
		Transcript:       prod.transcript,
		Speech:           prod.speech,
		Text:             prod.text,
	}
}

func (e *Engine) degraded(ectx ErrorContext, outcomes []Outcome, attempted []Strategy) Result {
	return Result{
		Kind:             ectx.Kind,
		Strategy:         StrategyFallbackToText,
		Success:          false,
		Degraded:         true,
		FallbackMode:     FallbackTextOnly,
		ContextPreserved: !ectx.Hints.HasSpecialTerms,
		Attempts:         totalAttempts(outcomes),
		Message:          messages.New(messages.RecoveryDegraded),
		Suggestions:      messages.SuggestionsFor(ectx.Kind.String()),
		Attempted:        attempted,
		Outcomes:         outcomes,
		Text:             ectx.Text,
	}
}

func totalAttempts(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		n += o.Attempts
	}
	return n
}

// execute runs one action. A panic inside the action becomes a failed
// outcome.
func (e *Engine) execute(ctx context.Context, a Action, ectx ErrorContext) (out Outcome, prod produced) {
	start := e.now()
	out.Strategy = a.Strategy
	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("panic: %v", r)
			prod = produced{}
			e.log.Error().
				Str("session", ectx.SessionID).
				Str("strategy", a.Strategy.String()).
				Interface("panic", r).
				Msg("recovery action panicked")
		}
		out.Elapsed = e.now().Sub(start)
	}()

	var err error
	switch a.Strategy {
	case StrategyRetryWithBackoff:
		prod, out.Attempts, err = e.retry(ctx, a, ectx)
	case StrategySwitchEngine:
		prod, out.Attempts, err = e.switchEngine(ctx, a, ectx)
	case StrategyReduceQuality:
		prod, out.Attempts, err = e.reduceQuality(ctx, a, ectx)
	case StrategyUseCachedResponse:
		prod, err = e.cachedResponse(ctx, a, ectx)
	case StrategyFallbackToText:
		prod = produced{text: ectx.Text}
	case StrategyPromptUser:
		prod = produced{params: flattenParams(a.Params)}
	case StrategyAlternativeInput:
		prod = produced{text: ectx.Text}
	default:
		err = fmt.Errorf("unhandled strategy %s", a.Strategy)
	}
	if err != nil {
		out.Error = err.Error()
		return out, produced{}
	}
	out.Success = true
	return out, prod
}

func (e *Engine) retry(ctx context.Context, a Action, ectx ErrorContext) (produced, int, error) {
	remaining := a.MaxRetries - ectx.RetryCount
	if remaining <= 0 {
		return produced{}, 0, errRetryBudget
	}
	rec, syn := e.engines.Recognizer(), e.engines.Synthesizer()
	if err := canInvoke(ectx, rec, syn); err != nil {
		return produced{}, 0, err
	}

	base := durationParam(a.Params, "base_delay", e.cfg.BaseDelay)
	maxDelay := durationParam(a.Params, "max_delay", e.cfg.MaxDelay)
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithMaxRetries(uint64(remaining-1), b)

	var (
		prod     produced
		attempts int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		p, err := e.invoke(ctx, a.Timeout, ectx, rec, syn, pipeline.QualityStandard)
		if err != nil {
			if errors.Is(err, pipeline.ErrPermissionDenied) {
				return err
			}
			return retry.RetryableError(err)
		}
		prod = p
		return nil
	})
	if err != nil {
		return produced{}, attempts, err
	}
	prod.params = []string{"attempts", strconv.Itoa(attempts)}
	return prod, attempts, nil
}

func (e *Engine) switchEngine(ctx context.Context, a Action, ectx ErrorContext) (produced, int, error) {
	want := a.Params["engine"]
	attempts := 0
	var lastErr error

	switch ectx.Operation {
	case OpRecognize:
		for _, rec := range alternates(e.engines.Recognizers) {
			if want != "" && rec.Name() != want {
				continue
			}
			attempts++
			p, err := e.invoke(ctx, a.Timeout, ectx, rec, nil, pipeline.QualityStandard)
			if err == nil {
				p.params = []string{"engine", rec.Name()}
				return p, attempts, nil
			}
			lastErr = err
		}
	case OpSynthesize:
		for _, syn := range alternates(e.engines.Synthesizers) {
			if want != "" && syn.Name() != want {
				continue
			}
			attempts++
			p, err := e.invoke(ctx, a.Timeout, ectx, nil, syn, pipeline.QualityStandard)
			if err == nil {
				p.params = []string{"engine", syn.Name()}
				return p, attempts, nil
			}
			lastErr = err
		}
	default:
		return produced{}, 0, errNoOperation
	}
	if lastErr != nil {
		return produced{}, attempts, fmt.Errorf("%w: %w", errNoAlternate, lastErr)
	}
	return produced{}, attempts, errNoAlternate
}

func (e *Engine) reduceQuality(ctx context.Context, a Action, ectx ErrorContext) (produced, int, error) {
	if ectx.Operation != OpSynthesize {
		return produced{}, 0, errNotApplicable
	}
	syn := e.engines.Synthesizer()
	if err := canInvoke(ectx, nil, syn); err != nil {
		return produced{}, 0, err
	}
	p, err := e.invoke(ctx, a.Timeout, ectx, nil, syn, pipeline.QualityLow)
	return p, 1, err
}

func (e *Engine) cachedResponse(ctx context.Context, a Action, ectx ErrorContext) (produced, error) {
	entry, ok := e.lookupCache(ctx, a.Timeout, ectx)
	if !ok {
		return produced{}, errCacheMiss
	}
	p := produced{text: entry.Text}
	if entry.HasAudio() {
		p.speech = &pipeline.Speech{Audio: entry.Audio, Format: entry.Format, Engine: "cache"}
	}
	return p, nil
}

func (e *Engine) lookupCache(ctx context.Context, timeout time.Duration, ectx ErrorContext) (cache.Entry, bool) {
	key := CacheKey(ectx)
	if e.cache == nil || key == "" {
		return cache.Entry{}, false
	}
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.cache.Get(cctx, key)
}

// CacheKey returns the response cache key for ectx, or "" when there is
// nothing to key on.
func CacheKey(ectx ErrorContext) string {
	if ectx.CacheKey != "" {
		return ectx.CacheKey
	}
	if strings.TrimSpace(ectx.Text) == "" {
		return ""
	}
	return cache.Key(ectx.Text, ectx.Settings["language"], ectx.Settings["speed"])
}

func canInvoke(ectx ErrorContext, rec pipeline.SpeechRecognizer, syn pipeline.SpeechSynthesizer) error {
	switch ectx.Operation {
	case OpRecognize:
		if rec == nil {
			return errNoEngine
		}
		if len(ectx.Audio) == 0 {
			return errNothingToRetry
		}
	case OpSynthesize:
		if syn == nil {
			return errNoEngine
		}
		if strings.TrimSpace(ectx.Text) == "" {
			return errNothingToRetry
		}
	default:
		return errNoOperation
	}
	return nil
}

// invoke makes one time-bounded pipeline call.
func (e *Engine) invoke(ctx context.Context, timeout time.Duration, ectx ErrorContext, rec pipeline.SpeechRecognizer, syn pipeline.SpeechSynthesizer, quality string) (produced, error) {
	if err := canInvoke(ectx, rec, syn); err != nil {
		return produced{}, err
	}
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch ectx.Operation {
	case OpRecognize:
		tr, err := rec.Recognize(callCtx, &pipeline.RecognizeRequest{Audio: ectx.Audio, Language: ectx.Language})
		if err != nil {
			return produced{}, err
		}
		if tr == nil || strings.TrimSpace(tr.Text) == "" {
			return produced{}, pipeline.ErrNoSpeech
		}
		return produced{transcript: tr}, nil
	default:
		sp, err := syn.Synthesize(callCtx, &pipeline.SynthesizeRequest{Text: ectx.Text, Settings: ectx.Settings, Quality: quality})
		if err != nil {
			return produced{}, err
		}
		if sp == nil || len(sp.Audio) == 0 {
			return produced{}, pipeline.ErrSynthesisFailed
		}
		return produced{speech: sp, text: ectx.Text}, nil
	}
}

// prerequisitesMet returns the first unmet prerequisite, if any.
func (e *Engine) prerequisitesMet(ctx context.Context, run *attempt, a Action) (Prerequisite, bool) {
	for _, pre := range a.Prerequisites {
		if !e.check(ctx, run, pre, a.Timeout) {
			return pre, false
		}
	}
	return "", true
}

func (e *Engine) check(ctx context.Context, run *attempt, pre Prerequisite, timeout time.Duration) bool {
	switch pre {
	case PrereqNetworkAvailable:
		return e.networkAvailable(ctx, run)
	case PrereqAlternateEngine:
		switch run.ectx.Operation {
		case OpRecognize:
			return len(e.engines.Recognizers) > 1
		case OpSynthesize:
			return len(e.engines.Synthesizers) > 1
		default:
			return false
		}
	case PrereqCachedResponse:
		_, ok := e.lookupCache(ctx, timeout, run.ectx)
		return ok
	case PrereqTextContent:
		return strings.TrimSpace(run.ectx.Text) != ""
	default:
		return false
	}
}

// networkAvailable trusts the caller's hint and otherwise probes once per
// recovery run.
func (e *Engine) networkAvailable(ctx context.Context, run *attempt) bool {
	switch run.ectx.Hints.Network {
	case NetworkConnected:
		return true
	case NetworkDisconnected:
		return false
	case NetworkUnknown:
	}
	if run.networkKnown {
		return run.network
	}
	run.networkKnown = true
	if e.engines.Probe == nil {
		run.network = true
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	run.network = e.engines.Probe.IsNetworkAvailable(pctx)
	return run.network
}

func (e *Engine) finish(ctx context.Context, ectx ErrorContext, res Result) {
	e.record(res)

	metrics.RecoveryAttempts.WithLabelValues(ectx.Kind.String()).Inc()
	metrics.RecoveryOutcomes.WithLabelValues(res.Strategy.String(), strconv.FormatBool(res.Success)).Inc()
	metrics.RecoveryDuration.Observe(res.Elapsed.Seconds())

	ev := e.log.Info()
	if res.Degraded {
		ev = e.log.Warn()
	}
	ev.Str("session", ectx.SessionID).
		Str("kind", ectx.Kind.String()).
		Str("strategy", res.Strategy.String()).
		Bool("success", res.Success).
		Bool("degraded", res.Degraded).
		Str("fallback_mode", string(res.FallbackMode)).
		Dur("elapsed", res.Elapsed).
		Msg("voice error recovered")

	if e.sink == nil {
		return
	}
	if err := e.recordSink(ctx, ectx, res); err != nil {
		e.log.Warn().Err(err).Str("session", ectx.SessionID).Msg("failed to record recovery result")
	}
}

func (e *Engine) recordSink(ctx context.Context, ectx ErrorContext, res Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SinkTimeout)
	defer cancel()
	return e.sink.Record(sctx, ectx, res)
}

func alternates[T any](engines []T) []T {
	if len(engines) < 2 {
		return nil
	}
	return engines[1:]
}

func flattenParams(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	kv := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, params[k])
	}
	return kv
}

func durationParam(params map[string]string, key string, def time.Duration) time.Duration {
	if v, ok := params[key]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
