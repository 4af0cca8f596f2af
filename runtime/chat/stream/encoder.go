package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
)

type (
	// EncoderState is the accumulator of the encoding fold for one request.
	// Step never mutates its receiver, so any previous state stays valid.
	EncoderState struct {
		records map[string]ToolCallRecord
		lastID  string
		argsBuf string
	}

	// Sink receives a copy of every event written by Encode.
	Sink interface {
		Send(ctx context.Context, sessionID string, ev Event) error
		Close(ctx context.Context) error
	}

	// Option configures Encode, Pipe and Decode.
	Option func(*options)

	options struct {
		sink      Sink
		sessionID string
		tel       telemetry.Telemetry
	}

	flusher interface {
		Flush()
	}
)

// NewEncoderState returns the initial fold state.
func NewEncoderState() EncoderState {
	return EncoderState{records: map[string]ToolCallRecord{}}
}

// Record returns the current snapshot of the tool call with the given id.
func (s EncoderState) Record(id string) (ToolCallRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// Step folds one chunk into the state. It returns the next state and the
// event to emit, or a nil event when the chunk produces no output.
//
// Argument fragments always target the most recently announced call; two
// calls whose arguments stream interleaved cannot be told apart.
func (s EncoderState) Step(c model.Chunk) (EncoderState, *Event, error) {
	switch c := c.(type) {
	case model.ToolCallAnnounced:
		rec := ToolCallRecord{ID: c.ID, Name: c.Name, Args: maps.Clone(c.Args)}
		next := s.withRecord(rec)
		next.lastID = c.ID
		next.argsBuf = ""
		return next.emit(rec)

	case model.ToolArgsFragment:
		next := s
		next.argsBuf = s.argsBuf + c.Text
		var args map[string]any
		if err := json.Unmarshal([]byte(next.argsBuf), &args); err != nil || args == nil {
			return next, nil, nil
		}
		rec, ok := s.records[s.lastID]
		if !ok {
			return next, nil, nil
		}
		rec.Args = args
		next = next.withRecord(rec)
		return next.emit(rec)

	case model.ToolResult:
		rec, ok := s.records[c.ToolCallID]
		if !ok {
			return s, nil, nil
		}
		rec.Return = c.Result
		next := s.withRecord(rec)
		return next.emit(rec)

	case model.TextDelta:
		return s.text(c.Text)

	case model.GenericText:
		return s.text(c.Text)

	default:
		return s, nil, fmt.Errorf("stream: unsupported chunk %T", c)
	}
}

func (s EncoderState) text(text string) (EncoderState, *Event, error) {
	if text == "" {
		return s, nil, nil
	}
	ev := MessageEvent(text)
	return s, &ev, nil
}

func (s EncoderState) emit(rec ToolCallRecord) (EncoderState, *Event, error) {
	ev, err := ToolEvent(rec)
	if err != nil {
		return s, nil, err
	}
	return s, &ev, nil
}

// withRecord returns a copy of s whose record map holds rec.
func (s EncoderState) withRecord(rec ToolCallRecord) EncoderState {
	records := make(map[string]ToolCallRecord, len(s.records)+1)
	maps.Copy(records, s.records)
	records[rec.ID] = rec
	s.records = records
	return s
}

// WithSink mirrors every written event to sink under sessionID. Sink
// failures are logged and do not interrupt the stream.
func WithSink(sink Sink, sessionID string) Option {
	return func(o *options) {
		o.sink = sink
		o.sessionID = sessionID
	}
}

// WithTelemetry sets the logger and metrics used by Encode and Decode.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// Encode reads chunks from src until io.EOF, writing one frame per emitted
// event followed by the sentinel. Frames are flushed as they are written
// when w implements Flush. Any other source error is returned without
// writing the sentinel. Encode does not close src.
func Encode(ctx context.Context, src model.Streamer, w io.Writer, opts ...Option) error {
	o := newOptions(opts)
	fl, _ := w.(flusher)
	state := NewEncoderState()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := src.Recv()
		if errors.Is(err, io.EOF) {
			if err := WriteDone(w); err != nil {
				return fmt.Errorf("write sentinel: %w", err)
			}
			if fl != nil {
				fl.Flush()
			}
			return nil
		}
		if err != nil {
			return err
		}
		var ev *Event
		state, ev, err = state.Step(chunk)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if err := WriteFrame(w, *ev); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if fl != nil {
			fl.Flush()
		}
		o.tel.Metrics.IncCounter(telemetry.MetricFramesWritten, 1, "type", string(ev.Type))
		if o.sink != nil {
			if err := o.sink.Send(ctx, o.sessionID, *ev); err != nil {
				o.tel.Logger.Warn(ctx, "mirror event failed", "session_id", o.sessionID, "err", err)
			}
		}
	}
}

// Pipe runs Encode in a goroutine and returns the encoded byte stream. A
// source failure surfaces as the error of the reader's next Read. Closing the
// reader stops the encoder and closes src.
func Pipe(ctx context.Context, src model.Streamer, opts ...Option) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = src.Close() }()
		pw.CloseWithError(Encode(ctx, src, pw, opts...))
	}()
	return &pipeReader{PipeReader: pr, cancel: cancel}
}

type pipeReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (p *pipeReader) Close() error {
	p.cancel()
	return p.PipeReader.Close()
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.tel = o.tel.WithDefaults()
	return o
}
