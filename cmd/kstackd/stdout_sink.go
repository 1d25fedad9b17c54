package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/kaihe/kstack/pkg/logging"
)

// stdoutSink writes events as JSON-L to an io.Writer, the same envelope
// logging.JSONLWriter persists to a file, for a harness that just wants
// events on the console instead of a log file.
type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newStdoutSink(w io.Writer) *stdoutSink {
	return &stdoutSink{enc: json.NewEncoder(w)}
}

func (s *stdoutSink) Write(e *logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(e)
}

func (s *stdoutSink) Close() error { return nil }
