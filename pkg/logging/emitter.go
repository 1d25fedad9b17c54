package logging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kaihe/kstack/internal/errx"
)

// EmitterConfig holds the static metadata stamped onto every event.
type EmitterConfig struct {
	RunID     string // Caller-supplied correlation ID; uuid.NewString() if empty
	Component string // Subsystem name, e.g. "tcp", "arp", "ip"
}

// Emitter provides convenience methods for emitting typed events. It holds
// static metadata and dispatches to one or more sinks.
//
// A nil *Emitter is safe to hold; callers guard emission with:
//
//	if emitter != nil {
//	    _ = emitter.Emit(...)
//	}
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

// NewEmitter creates an emitter with the given configuration and sinks. If
// cfg.RunID is empty a fresh uuid is generated, so events from a single run
// of the stack correlate even when the host harness doesn't supply one.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Emitter{
		config: cfg,
		sinks:  sinks,
	}
}

// Emit constructs an event with the emitter's static metadata and writes it
// to all registered sinks.
//
// Parameters:
//   - eventType: one of the Event* constants (e.g., EventTCPStateChange)
//   - summary: human-readable one-line summary
//   - iface: the device name involved, if any (empty string otherwise)
//   - tags: optional tags for filtering (nil is fine)
//   - data: the typed data struct (e.g., *TCPStateChangeData); nil for no payload
//
// Returns the first error encountered. Callers should discard errors with
// _ = (best-effort semantics).
func (e *Emitter) Emit(eventType, summary, iface string, tags []string, data interface{}) error {
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.config.RunID,
		Component: e.config.Component,
		EventType: eventType,
		Summary:   summary,
		Iface:     iface,
		Tags:      tags,
		Data:      rawData,
	}

	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
