package recovery

import (
	"context"
	"strconv"
)

// Publisher appends values to a named stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
}

// StreamSink records every recovery result as a stream entry.
type StreamSink struct {
	pub    Publisher
	stream string
	maxLen int64
}

// NewStreamSink creates a sink writing to stream, trimmed to about maxLen
// entries.
func NewStreamSink(pub Publisher, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "voicecore:recovery"
	}
	return &StreamSink{pub: pub, stream: stream, maxLen: maxLen}
}

// Record implements Sink.
func (s *StreamSink) Record(ctx context.Context, ectx ErrorContext, res Result) error {
	values := map[string]any{
		"session_id":        ectx.SessionID,
		"kind":              res.Kind.String(),
		"operation":         string(ectx.Operation),
		"error":             ectx.Message,
		"strategy":          res.Strategy.String(),
		"success":           strconv.FormatBool(res.Success),
		"degraded":          strconv.FormatBool(res.Degraded),
		"fallback_mode":     string(res.FallbackMode),
		"context_preserved": strconv.FormatBool(res.ContextPreserved),
		"attempts":          res.Attempts,
		"elapsed_ms":        res.Elapsed.Milliseconds(),
	}
	_, err := s.pub.Publish(ctx, s.stream, s.maxLen, values)
	return err
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ectx ErrorContext, res Result) error

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, ectx ErrorContext, res Result) error {
	return f(ctx, ectx, res)
}
