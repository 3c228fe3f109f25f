// Package flow runs voice sessions. The Manager owns every session's
// conversation context and sequences interruption detection, command
// recognition, state transitions and pipeline recovery for each turn.
package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voicecore/internal/bus"
	"github.com/normanking/voicecore/internal/cache"
	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/interrupt"
	"github.com/normanking/voicecore/internal/metrics"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptySessionID  = errors.New("empty session id")
	ErrNoResponse      = errors.New("session has no response to synthesize")
)

// Config holds the manager's settings and the tables its classifiers use.
type Config struct {
	// InactivityTimeout is how long a session may go without input before
	// the sweep tears it down.
	InactivityTimeout   time.Duration
	SweepInterval       time.Duration
	SilencePollInterval time.Duration
	// PipelineTimeout bounds a single recognizer or synthesizer call.
	PipelineTimeout time.Duration
	// DefaultLanguage seeds the language of new sessions.
	DefaultLanguage string

	// Patterns is the command table; nil selects the built-in one.
	Patterns   []command.Pattern
	Recognizer command.RecognizerConfig
	Detector   interrupt.Config
	// Policy is the recovery policy; nil selects the built-in one.
	Policy   *recovery.Policy
	Recovery recovery.Config
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout:   30 * time.Minute,
		SweepInterval:       time.Minute,
		SilencePollInterval: time.Second,
		PipelineTimeout:     15 * time.Second,
		DefaultLanguage:     "en",
		Recognizer:          command.DefaultRecognizerConfig(),
		Detector:            interrupt.DefaultConfig(),
		Recovery:            recovery.DefaultConfig(),
	}
}

type session struct {
	// mu serializes operations on the session so inputs are handled in
	// arrival order.
	mu   sync.Mutex
	conv *conversation.Context

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	lastActive atomic.Int64
	status     atomic.Pointer[conversation.Snapshot]
}

// publish stores a snapshot readable without the session lock.
func (s *session) publish(now time.Time) {
	snap := s.conv.Snapshot(now)
	s.status.Store(&snap)
	s.lastActive.Store(s.conv.LastActivity.UnixNano())
}

// Manager is the session registry and conversation flow controller. It is
// safe for concurrent use.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session

	recognizer *command.Recognizer
	detector   *interrupt.Detector
	recovery   *recovery.Engine
	engines    pipeline.Engines
	cache      cache.Cache
	sink       recovery.Sink
	bus        *bus.EventBus
	log        zerolog.Logger
	now        func() time.Time

	scheduler *Scheduler
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngines sets the speech engines. The first recognizer and
// synthesizer are primary; the rest are alternates for recovery.
func WithEngines(e pipeline.Engines) Option {
	return func(m *Manager) { m.engines = e }
}

// WithCache sets the synthesized response cache.
func WithCache(c cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithRecoverySink sets where recovery results are recorded.
func WithRecoverySink(s recovery.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithBus sets the event bus session events are published on.
func WithBus(b *bus.EventBus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock sets the time source shared by the manager and its
// classifiers.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. Zero durations in cfg take their defaults.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SilencePollInterval <= 0 {
		cfg.SilencePollInterval = def.SilencePollInterval
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = def.PipelineTimeout
	}
	if cfg.Recognizer == (command.RecognizerConfig{}) {
		cfg.Recognizer = def.Recognizer
	}

	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = bus.NewEventBus()
	}

	m.recognizer = command.NewRecognizer(cfg.Patterns, cfg.Recognizer)
	m.detector = interrupt.NewDetector(cfg.Detector, interrupt.WithClock(m.now))

	recOpts := []recovery.Option{
		recovery.WithLogger(m.log.With().Str("component", "recovery").Logger()),
		recovery.WithClock(m.now),
	}
	if m.cache != nil {
		recOpts = append(recOpts, recovery.WithCache(m.cache))
	}
	if m.sink != nil {
		recOpts = append(recOpts, recovery.WithSink(m.sink))
	}
	m.recovery = recovery.NewEngine(cfg.Policy, m.engines, cfg.Recovery, recOpts...)
	m.scheduler = NewScheduler(m)
	return m
}

// Bus returns the manager's event bus.
func (m *Manager) Bus() *bus.EventBus {
	return m.bus
}

// Recognizer returns the command recognizer.
func (m *Manager) Recognizer() *command.Recognizer {
	return m.recognizer
}

// Recovery returns the recovery engine.
func (m *Manager) Recovery() *recovery.Engine {
	return m.recovery
}

// StartSession registers a new session and moves it from Idle to
// Listening. Starting an id that is already active is an error.
func (m *Manager) StartSession(id string) (conversation.Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return conversation.Snapshot{}, ErrEmptySessionID
	}

	now := m.now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conv:   conversation.NewContext(id, now),
		ctx:    ctx,
		cancel: cancel,
	}
	if m.cfg.DefaultLanguage != "" {
		s.conv.VoiceSettings[conversation.SettingLanguage] = m.cfg.DefaultLanguage
	}
	s.lastActive.Store(now.UnixNano())

	// The session is registered locked so no other operation sees it
	// before it has left Idle and published a status.
	s.mu.Lock()
	defer s.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		cancel()
		return conversation.Snapshot{}, fmt.Errorf("start session %q: %w", id, ErrSessionExists)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	res := &TurnResult{SessionID: id, PreviousState: s.conv.State}
	m.transition(s, TriggerSessionStart, now, res)
	s.publish(now)

	metrics.ActiveSessions.Inc()
	m.emit(bus.EventSessionStarted, id, now, nil)
	m.log.Info().Str("session", id).Msg("session started")

	return *s.status.Load(), nil
}

// SessionStatus returns a read-only view of the session as of its last
// operation, with the response position computed at the current time. It
// never waits for an operation in progress. A session that is still
// starting is reported as not found.
func (m *Manager) SessionStatus(id string) (conversation.Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return conversation.Snapshot{}, err
	}
	status := s.status.Load()
	if status == nil {
		return conversation.Snapshot{}, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	snap := *status
	snap.ResponsePosition = snap.Elapsed(m.now())
	return snap, nil
}

// EndSession tears down a session. In-flight pipeline calls and recovery
// backoff for the session are cancelled. It reports whether the session
// existed.
func (m *Manager) EndSession(id string) bool {
	return m.end(id, bus.EventSessionEnded)
}

func (m *Manager) end(id string, event bus.EventType) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.closed.Store(true)
	m.release(id, s, event)
	return true
}

// expire ends a session that is still idle at cutoff. A session in the
// middle of an operation is skipped rather than waited on.
func (m *Manager) expire(id string, cutoff time.Time) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.mu.TryLock() {
		m.mu.Unlock()
		return false
	}
	idle := time.Unix(0, s.lastActive.Load()).Before(cutoff)
	if idle {
		delete(m.sessions, id)
		s.closed.Store(true)
	}
	s.mu.Unlock()
	m.mu.Unlock()

	if !idle {
		return false
	}
	m.release(id, s, bus.EventSessionExpired)
	return true
}

// release cancels a session removed from the registry and reports it.
func (m *Manager) release(id string, s *session, event bus.EventType) {
	s.cancel()

	metrics.ActiveSessions.Dec()
	m.emit(event, id, m.now(), nil)
	m.log.Info().Str("session", id).Str("reason", string(event)).Msg("session ended")
}

// ActiveSessions returns the ids of all registered sessions, sorted.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// acquire looks up and locks a session. The caller must call s.mu.Unlock.
func (m *Manager) acquire(id string) (*session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// sessionContext returns a context cancelled when either ctx or the
// session ends.
func sessionContext(ctx context.Context, s *session) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// transition applies trigger to the session and keeps the response timing
// consistent with the new state. Unmodeled pairs are recorded with
// Applied=false and change nothing.
func (m *Manager) transition(s *session, trigger Trigger, now time.Time, res *TurnResult) Transition {
	c := s.conv
	from := c.State
	to, ok := Next(from, trigger)
	t := Transition{From: from, To: to, Trigger: trigger, Applied: ok, At: now}
	res.Transitions = append(res.Transitions, t)
	if !ok {
		m.log.Debug().
			Str("session", c.SessionID).
			Str("state", from.String()).
			Str("trigger", trigger.String()).
			Msg("transition not modeled")
		return t
	}

	if from == conversation.StateSpeaking {
		c.ResponsePosition = c.ElapsedResponse(now)
		c.ResponseStartTime = time.Time{}
	}
	switch to {
	case conversation.StateSpeaking:
		if trigger == TriggerRepeat || trigger == TriggerResponseReady {
			c.ResponsePosition = 0
		}
		c.ResponseStartTime = now.Add(-c.ResponsePosition)
	case conversation.StateIdle, conversation.StateListening, conversation.StateProcessing:
		c.CurrentResponseText = ""
		c.ResponsePosition = 0
		c.ResponseStartTime = time.Time{}
	case conversation.StatePaused, conversation.StateInterrupted, conversation.StateWaitingForCommand:
	}

	c.State = to
	c.StateEnteredAt = now
	res.State = to
	c.Append(conversation.RecordStateChange, from.String()+" -> "+to.String(), now)

	metrics.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.emit(bus.EventStateChanged, c.SessionID, now, map[string]any{
		"from":    from.String(),
		"to":      to.String(),
		"trigger": trigger.String(),
	})
	m.log.Debug().
		Str("session", c.SessionID).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("trigger", trigger.String()).
		Msg("state changed")
	return t
}

func (m *Manager) emit(t bus.EventType, id string, now time.Time, data map[string]any) {
	m.bus.Publish(bus.Event{Type: t, SessionID: id, Time: now, Data: data})
}
