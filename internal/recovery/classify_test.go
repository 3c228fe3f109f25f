package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/voicecore/internal/pipeline"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		err  error
		want ErrorKind
	}{
		{"nil", OpRecognize, nil, ErrorUnknown},
		{"permission", OpRecognize, fmt.Errorf("mic: %w", pipeline.ErrPermissionDenied), ErrorPermissionDenied},
		{"no speech", OpRecognize, pipeline.ErrNoSpeech, ErrorInputCapture},
		{"language", OpRecognize, pipeline.ErrUnsupportedLanguage, ErrorLanguageRecognition},
		{"network", OpSynthesize, pipeline.ErrNetworkUnavailable, ErrorNetworkUnavailable},
		{"provider down", OpRecognize, pipeline.ErrProviderUnavailable, ErrorNetworkUnavailable},
		{"asr timeout", OpRecognize, context.DeadlineExceeded, ErrorRecognitionTimeout},
		{"tts timeout", OpSynthesize, pipeline.ErrTimeout, ErrorSynthesisFailure},
		{"tts failed", OpSynthesize, pipeline.ErrSynthesisFailed, ErrorSynthesisFailure},
		{"opaque tts", OpSynthesize, errors.New("codec"), ErrorSynthesisFailure},
		{"opaque asr", OpRecognize, errors.New("codec"), ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.op, tt.err))
		})
	}
}
