package recovery

import (
	"context"
	"errors"
	"net"

	"github.com/normanking/voicecore/internal/pipeline"
)

// ClassifyError maps a pipeline error from op to an error kind.
func ClassifyError(op Operation, err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}

	var netErr net.Error
	switch {
	case errors.Is(err, pipeline.ErrPermissionDenied):
		return ErrorPermissionDenied
	case errors.Is(err, pipeline.ErrNoSpeech):
		return ErrorInputCapture
	case errors.Is(err, pipeline.ErrUnsupportedLanguage):
		return ErrorLanguageRecognition
	case errors.Is(err, pipeline.ErrNetworkUnavailable),
		errors.Is(err, pipeline.ErrProviderUnavailable):
		return ErrorNetworkUnavailable
	case errors.Is(err, pipeline.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		if op == OpSynthesize {
			return ErrorSynthesisFailure
		}
		return ErrorRecognitionTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() && op == OpRecognize {
			return ErrorRecognitionTimeout
		}
		return ErrorNetworkUnavailable
	case errors.Is(err, pipeline.ErrSynthesisFailed):
		return ErrorSynthesisFailure
	}

	if op == OpSynthesize {
		return ErrorSynthesisFailure
	}
	return ErrorUnknown
}
