package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/lackey/runtime/chat/model"
)

// bedrockStreamer adapts a Bedrock ConverseStream event stream to the
// model.Streamer interface. A goroutine drains the SDK channel so Close can
// interrupt a blocked Recv.
type bedrockStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newBedrockStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, modelID string, nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	bs := &bedrockStreamer{
		ctx:      cctx,
		cancel:   cancel,
		stream:   stream,
		chunks:   make(chan model.Chunk, 32),
		metadata: map[string]any{model.MetaProvider: providerName, model.MetaModel: modelID},
	}
	go bs.run(newChunkProcessor(bs.emitChunk, bs.recordMeta, nameMap))
	return bs
}

func (s *bedrockStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return nil, err
	}
}

func (s *bedrockStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *bedrockStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return maps.Clone(s.metadata)
}

func (s *bedrockStreamer) run(processor *chunkProcessor) {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapBedrockError("converse_stream", err))
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *bedrockStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *bedrockStreamer) recordMeta(key string, value any) {
	s.metaMu.Lock()
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *bedrockStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *bedrockStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Bedrock streaming events into model chunks.
type chunkProcessor struct {
	emit       func(model.Chunk) error
	recordMeta func(string, any)
	// nameMap translates provider tool names to registered names.
	nameMap map[string]string
	// toolBlocks tracks content block indexes carrying tool input.
	toolBlocks map[int]bool
}

func newChunkProcessor(emit func(model.Chunk) error, recordMeta func(string, any), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		recordMeta: recordMeta,
		nameMap:    nameMap,
		toolBlocks: make(map[int]bool),
	}
}

// Handle processes one stream event. Reasoning deltas are dropped.
func (p *chunkProcessor) Handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]bool)
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		var id, name string
		if toolUse.Value.ToolUseId != nil {
			id = *toolUse.Value.ToolUseId
		}
		if toolUse.Value.Name != nil {
			name = p.canonicalName(*toolUse.Value.Name)
		}
		p.toolBlocks[idx] = true
		return p.emit(model.ToolCallAnnounced{ID: id, Name: name})
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.TextDelta{Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if p.toolBlocks[idx] && delta.Value.Input != nil && *delta.Value.Input != "" {
				return p.emit(model.ToolArgsFragment{Text: *delta.Value.Input})
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		delete(p.toolBlocks, idx)
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		if ev.Value.StopReason != "" {
			p.recordMeta(model.MetaStopReason, string(ev.Value.StopReason))
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		var usage model.TokenUsage
		if t := ev.Value.Usage.InputTokens; t != nil {
			usage.InputTokens = int(*t)
		}
		if t := ev.Value.Usage.OutputTokens; t != nil {
			usage.OutputTokens = int(*t)
		}
		if t := ev.Value.Usage.TotalTokens; t != nil {
			usage.TotalTokens = int(*t)
		}
		p.recordMeta(model.MetaUsage, usage)
	}
	return nil
}

func (p *chunkProcessor) canonicalName(name string) string {
	if canonical, ok := p.nameMap[name]; ok {
		return canonical
	}
	return name
}

var errMissingIndex = errors.New("bedrock: content block index missing")

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, errMissingIndex
	}
	if *idx < 0 {
		return 0, fmt.Errorf("bedrock: invalid content block index %d", *idx)
	}
	return int(*idx), nil
}
