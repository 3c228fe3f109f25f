package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/pipeline"
	"github.com/normanking/voicecore/internal/recovery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubRecognizer struct {
	name  string
	calls atomic.Int32
	fn    func(call int, req *pipeline.RecognizeRequest) (*pipeline.Transcript, error)
}

func (r *stubRecognizer) Name() string { return r.name }

func (r *stubRecognizer) Recognize(_ context.Context, req *pipeline.RecognizeRequest) (*pipeline.Transcript, error) {
	return r.fn(int(r.calls.Add(1)), req)
}

type stubSynthesizer struct {
	name  string
	calls atomic.Int32
	fn    func(call int, req *pipeline.SynthesizeRequest) (*pipeline.Speech, error)
}

func (s *stubSynthesizer) Name() string { return s.name }

func (s *stubSynthesizer) Synthesize(_ context.Context, req *pipeline.SynthesizeRequest) (*pipeline.Speech, error) {
	return s.fn(int(s.calls.Add(1)), req)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Recovery = recovery.Config{
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		SinkTimeout:  100 * time.Millisecond,
	}
	return cfg
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clk := newClock()
	return newManagerWithConfig(t, clk, testConfig(), opts...), clk
}

func newManagerWithConfig(t *testing.T, clk *fakeClock, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewManager(cfg, opts...)
}

func say(text string) VoiceInput {
	return VoiceInput{Transcript: text, SpeechDetected: true}
}

// speaking starts a session and drives it to Speaking.
func speaking(t *testing.T, m *Manager, id string) {
	t.Helper()
	_, err := m.StartSession(id)
	require.NoError(t, err)

	res, err := m.ProcessVoiceInput(context.Background(), id, say("tell me a story"))
	require.NoError(t, err)
	require.Equal(t, conversation.StateProcessing, res.State)

	res, err = m.StartAIResponse(id, "Once upon a time there was a river.")
	require.NoError(t, err)
	require.Equal(t, conversation.StateSpeaking, res.State)
}
