// Package stream implements the chat wire protocol: a text stream of
// "data: <json>" frames separated by blank lines and terminated by the
// "data: [DONE]" sentinel. The Encoder folds model chunks into wire events
// and writes them; the Decoder reads frames back and dispatches them to
// callbacks.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

type (
	// EventType discriminates wire events.
	EventType string

	// Event is one framed unit of the wire protocol. Data is kept raw so
	// consumers can ignore events whose payload has an unexpected shape.
	Event struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	// ToolCallRecord is a snapshot of a tool call. Return stays nil until the
	// tool result arrives.
	ToolCallRecord struct {
		ID     string         `json:"id"`
		Name   string         `json:"name"`
		Args   map[string]any `json:"args"`
		Return any            `json:"return,omitempty"`
	}
)

const (
	// EventMessage carries an assistant text delta as a JSON string.
	EventMessage EventType = "message"
	// EventTool carries a ToolCallRecord.
	EventTool EventType = "tool"
)

const (
	// Prefix starts every frame line.
	Prefix = "data: "
	// Done is the sentinel payload ending a stream.
	Done = "[DONE]"
	// ContentType is the HTTP content type of an encoded stream.
	ContentType = "text/plain; charset=utf-8"
)

// MessageEvent returns a message event carrying text.
func MessageEvent(text string) Event {
	data, _ := json.Marshal(text)
	return Event{Type: EventMessage, Data: data}
}

// ToolEvent returns a tool event carrying a copy of rec. A nil Args is sent
// as an empty object.
func ToolEvent(rec ToolCallRecord) (Event, error) {
	if rec.Args == nil {
		rec.Args = map[string]any{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Event{}, fmt.Errorf("encode tool call %q: %w", rec.ID, err)
	}
	return Event{Type: EventTool, Data: data}, nil
}

// Text returns the payload of a message event. ok is false for other event
// types and for message events whose payload is not a JSON string.
func (e Event) Text() (string, bool) {
	if e.Type != EventMessage {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// ToolCall returns the payload of a tool event. ok is false for other event
// types and for tool events whose payload is not an object with an id.
func (e Event) ToolCall() (ToolCallRecord, bool) {
	if e.Type != EventTool {
		return ToolCallRecord{}, false
	}
	var rec ToolCallRecord
	if err := json.Unmarshal(e.Data, &rec); err != nil || rec.ID == "" {
		return ToolCallRecord{}, false
	}
	return rec, true
}

// WriteFrame writes ev as a single "data: <json>\n\n" frame.
func WriteFrame(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	buf := make([]byte, 0, len(Prefix)+len(payload)+2)
	buf = append(buf, Prefix...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}

// WriteDone writes the end of stream sentinel frame.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, Prefix+Done+"\n\n")
	return err
}
