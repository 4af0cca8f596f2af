package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"goa.design/lackey/runtime/chat/telemetry"
)

type (
	// Callbacks receive the lifecycle of a decoded stream. Nil callbacks are
	// skipped. Callbacks run on the decoding goroutine, one at a time, in
	// stream order.
	Callbacks struct {
		// OnStart is called once before the first read with the handle that
		// cancels decoding.
		OnStart func(*Handle)
		// OnEvent is called for every well-formed frame.
		OnEvent func(Event)
		// OnEnd is called once when the sentinel frame is read. It is not
		// called when the stream ends any other way.
		OnEnd func()
	}

	// Handle cancels an in-progress Decode. Cancel closes the underlying body
	// so a pending read returns immediately.
	Handle struct {
		once sync.Once
		done chan struct{}
		body io.Closer
	}
)

func newHandle(body io.Closer) *Handle {
	return &Handle{done: make(chan struct{}), body: body}
}

// Cancel stops decoding at the next suspension point. It is safe to call
// more than once and from any goroutine.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		close(h.done)
		_ = h.body.Close()
	})
}

// Canceled reports whether Cancel was called.
func (h *Handle) Canceled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed when the handle is canceled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Decode reads frames from body and dispatches them to cb until the sentinel,
// the end of body or cancellation. A nil body returns nil without invoking
// any callback. Cancellation through the handle or ctx returns nil. Frames
// that fail to parse are logged and skipped. The caller owns body and closes
// it once Decode returns.
func Decode(ctx context.Context, body io.ReadCloser, cb Callbacks, opts ...Option) error {
	if body == nil {
		return nil
	}
	o := newOptions(opts)
	h := newHandle(body)
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	if cb.OnStart != nil {
		cb.OnStart(h)
	}
	r := bufio.NewReader(body)
	for {
		if h.Canceled() {
			return nil
		}
		line, err := r.ReadBytes('\n')
		if h.Canceled() {
			return nil
		}
		if len(line) > 0 {
			ev, kind := parseLine(line)
			switch kind {
			case lineDone:
				if cb.OnEnd != nil {
					cb.OnEnd()
				}
				return nil
			case lineEvent:
				if cb.OnEvent != nil {
					cb.OnEvent(ev)
				}
			case lineMalformed:
				o.tel.Logger.Warn(ctx, "skipping malformed frame", "frame", string(bytes.TrimSpace(line)))
				o.tel.Metrics.IncCounter(telemetry.MetricMalformedFrame, 1)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineEvent
	lineDone
	lineMalformed
)

// parseLine classifies one line of the stream. Lines without the frame
// prefix, including the blank separators, are skipped.
func parseLine(line []byte) (Event, lineKind) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	payload, ok := bytes.CutPrefix(line, []byte(Prefix))
	if !ok {
		return Event{}, lineSkip
	}
	if string(payload) == Done {
		return Event{}, lineDone
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" {
		return Event{}, lineMalformed
	}
	return ev, lineEvent
}
