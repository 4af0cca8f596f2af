package anthropic

import (
	"context"
	"io"
	"maps"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/lackey/runtime/chat/model"
)

// streamer adapts a Messages event stream to model.Streamer. Events are
// pulled on demand; one event may yield zero or one chunk.
type streamer struct {
	ctx    context.Context
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	mu    sync.Mutex
	meta  map[string]any
	usage model.TokenUsage
	// tools maps content block indexes to tool use ids.
	tools map[int64]string
	done  bool
}

func newStreamer(ctx context.Context, st *ssestream.Stream[sdk.MessageStreamEventUnion], modelID string) *streamer {
	return &streamer{
		ctx:    ctx,
		stream: st,
		meta:   map[string]any{model.MetaProvider: providerName, model.MetaModel: modelID},
		tools:  make(map[int64]string),
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				if ctxErr := s.ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, wrapError("messages.stream", err)
			}
			return nil, io.EOF
		}
		if c := s.handle(s.stream.Current()); c != nil {
			return c, nil
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := maps.Clone(s.meta)
	out[model.MetaUsage] = s.usage
	return out
}

// handle translates one event. Thinking and signature deltas are not
// surfaced.
func (s *streamer) handle(event sdk.MessageStreamEventUnion) model.Chunk {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.mu.Lock()
		s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
		s.mu.Unlock()
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.tools[ev.Index] = tu.ID
			// The start block input is always empty; arguments follow as
			// input_json_delta fragments.
			return model.ToolCallAnnounced{ID: tu.ID, Name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				return model.TextDelta{Text: d.Text}
			}
		case sdk.InputJSONDelta:
			if _, ok := s.tools[ev.Index]; ok && d.PartialJSON != "" {
				return model.ToolArgsFragment{Text: d.PartialJSON}
			}
		}
	case sdk.ContentBlockStopEvent:
		delete(s.tools, ev.Index)
	case sdk.MessageDeltaEvent:
		s.mu.Lock()
		if ev.Usage.InputTokens > 0 {
			s.usage.InputTokens = int(ev.Usage.InputTokens)
		}
		s.usage.OutputTokens = int(ev.Usage.OutputTokens)
		s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
		if ev.Delta.StopReason != "" {
			s.meta[model.MetaStopReason] = string(ev.Delta.StopReason)
		}
		s.mu.Unlock()
	}
	return nil
}

var _ model.Streamer = (*streamer)(nil)
