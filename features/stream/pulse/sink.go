// Package pulse mirrors chat wire events to Pulse (Redis) streams, one
// stream per session, and replays them for late or reconnecting readers.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/lackey/features/stream/pulse/clients/pulse"
	"goa.design/lackey/runtime/chat/stream"
)

type (
	// Options configures a Sink.
	Options struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// StreamName maps a session id to its stream name. Defaults to
		// "session/<id>".
		StreamName func(sessionID string) (string, error)
		// Now returns the envelope timestamp. Defaults to time.Now.
		Now func() time.Time
	}

	// Sink publishes wire events to Pulse. It implements stream.Sink.
	Sink struct {
		client     clientspulse.Client
		streamName func(string) (string, error)
		now        func() time.Time
	}

	// envelope is the JSON document stored for each event.
	envelope struct {
		// Type is the wire event type ("message" or "tool").
		Type string `json:"type"`
		// SessionID identifies the conversation.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was mirrored.
		Timestamp time.Time `json:"timestamp"`
		// Payload is the wire event data.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// ErrSessionRequired is returned when an event has no session id.
var ErrSessionRequired = errors.New("pulse: session id is required")

// NewSink returns a Sink publishing through opts.Client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{client: opts.Client, streamName: StreamName, now: time.Now}
	if opts.StreamName != nil {
		s.streamName = opts.StreamName
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// Send appends ev to the stream of sessionID.
func (s *Sink) Send(ctx context.Context, sessionID string, ev stream.Event) error {
	name, err := s.streamName(sessionID)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      string(ev.Type),
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Payload:   ev.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := str.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// StreamName is the default session to stream name mapping.
func StreamName(sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionRequired
	}
	return "session/" + sessionID, nil
}
