package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
)

// WriterSink implements audit.Sink by writing records as JSON Lines to an
// io.Writer. The default target is stdout, where an external collector
// (journald, a log shipper) picks the stream up.
type WriterSink struct {
	mu      sync.Mutex
	encoder *json.Encoder
	writer  io.Writer
}

// NewStdoutSink creates a sink writing to stdout.
func NewStdoutSink() *WriterSink {
	return NewWriterSink(os.Stdout)
}

// NewWriterSink creates a sink writing to the given writer.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{encoder: json.NewEncoder(w), writer: w}
}

// Write encodes each record as a JSON line.
func (s *WriterSink) Write(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if err := s.encoder.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: the encoder writes through.
func (s *WriterSink) Flush(_ context.Context) error { return nil }

// Close closes the underlying file when it is not stdout or stderr.
func (s *WriterSink) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Compile-time interface verification.
var _ audit.Sink = (*WriterSink)(nil)
