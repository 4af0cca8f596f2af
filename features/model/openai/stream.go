package openai

import (
	"context"
	"io"
	"maps"
	"sync"

	"github.com/google/uuid"
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/lackey/runtime/chat/model"
)

// streamer adapts a chat completion chunk stream to model.Streamer. Tool call
// deltas are keyed by index: the first delta for an index announces the call
// and every argument piece becomes a ToolArgsFragment.
type streamer struct {
	ctx    context.Context
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	pending []model.Chunk
	calls   map[int64]string
	done    bool

	mu    sync.Mutex
	meta  map[string]any
	usage model.TokenUsage
}

func newStreamer(ctx context.Context, st *ssestream.Stream[sdk.ChatCompletionChunk], modelID string) *streamer {
	return &streamer{
		ctx:    ctx,
		stream: st,
		calls:  make(map[int64]string),
		meta:   map[string]any{model.MetaProvider: providerName, model.MetaModel: modelID},
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
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
				return nil, wrapError("chat.completions.stream", err)
			}
			return nil, io.EOF
		}
		s.handle(s.stream.Current())
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

func (s *streamer) handle(chunk sdk.ChatCompletionChunk) {
	if chunk.Usage.TotalTokens > 0 {
		s.mu.Lock()
		s.usage = model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:  int(chunk.Usage.TotalTokens),
		}
		s.mu.Unlock()
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, model.TextDelta{Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		if _, ok := s.calls[tc.Index]; !ok {
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			s.calls[tc.Index] = id
			s.pending = append(s.pending, model.ToolCallAnnounced{ID: id, Name: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			s.pending = append(s.pending, model.ToolArgsFragment{Text: tc.Function.Arguments})
		}
	}
	if choice.FinishReason != "" {
		s.mu.Lock()
		s.meta[model.MetaStopReason] = choice.FinishReason
		s.mu.Unlock()
	}
}

var _ model.Streamer = (*streamer)(nil)
