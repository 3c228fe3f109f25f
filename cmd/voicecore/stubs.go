package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/normanking/voicecore/internal/pipeline"
)

var engineErrors = map[string]error{
	"unavailable": pipeline.ErrProviderUnavailable,
	"nospeech":    pipeline.ErrNoSpeech,
	"timeout":     pipeline.ErrTimeout,
	"permission":  pipeline.ErrPermissionDenied,
	"network":     pipeline.ErrNetworkUnavailable,
	"language":    pipeline.ErrUnsupportedLanguage,
	"synthesis":   pipeline.ErrSynthesisFailed,
}

func engineErrorNames() []string {
	return []string{"unavailable", "nospeech", "timeout", "permission", "network", "language", "synthesis"}
}

// faults is a queue of errors the simulated engines return before
// behaving normally again.
type faults struct {
	mu     sync.Mutex
	queued []error
}

func (f *faults) push(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for range n {
		f.queued = append(f.queued, err)
	}
}

func (f *faults) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil
	}
	err := f.queued[0]
	f.queued = f.queued[1:]
	return err
}

// echoRecognizer "transcribes" audio by reading it as UTF-8 text.
type echoRecognizer struct {
	name   string
	faults *faults
}

func (r *echoRecognizer) Name() string { return r.name }

func (r *echoRecognizer) Recognize(ctx context.Context, req *pipeline.RecognizeRequest) (*pipeline.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.faults.next(); err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	text := strings.TrimSpace(string(req.Audio))
	return &pipeline.Transcript{
		Text:       text,
		Confidence: 0.95,
		Language:   req.Language,
		Duration:   time.Duration(len(strings.Fields(text))) * 300 * time.Millisecond,
	}, nil
}

// toneSynthesizer returns placeholder audio sized to the text.
type toneSynthesizer struct {
	name   string
	faults *faults
}

func (s *toneSynthesizer) Name() string { return s.name }

func (s *toneSynthesizer) Synthesize(ctx context.Context, req *pipeline.SynthesizeRequest) (*pipeline.Speech, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.faults.next(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	size := len(req.Text) * 160
	if req.Quality == pipeline.QualityLow {
		size /= 4
	}
	return &pipeline.Speech{
		Audio:    make([]byte, size),
		Format:   "pcm16",
		Duration: time.Duration(len(strings.Fields(req.Text))) * 350 * time.Millisecond,
		Engine:   s.name,
	}, nil
}

// simulatedEngines returns a primary and an alternate engine of each kind.
// Faults are injected into the primaries only.
func simulatedEngines(asr, tts *faults) pipeline.Engines {
	return pipeline.Engines{
		Recognizers: []pipeline.SpeechRecognizer{
			&echoRecognizer{name: "echo", faults: asr},
			&echoRecognizer{name: "echo-backup", faults: &faults{}},
		},
		Synthesizers: []pipeline.SpeechSynthesizer{
			&toneSynthesizer{name: "tone", faults: tts},
			&toneSynthesizer{name: "tone-backup", faults: &faults{}},
		},
	}
}
