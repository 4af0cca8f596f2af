package bedrock_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"goa.design/lackey/features/model/bedrock"
	"goa.design/lackey/runtime/chat/model"
)

type mockRuntime struct {
	streamInput  *bedrockruntime.ConverseStreamInput
	streamOutput bedrock.StreamOutput
	streamErr    error
}

func (m *mockRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput,
	_ ...func(*bedrockruntime.Options)) (bedrock.StreamOutput, error) {
	m.streamInput = params
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.streamOutput, nil
}

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (f *fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream {
	return f.stream
}

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                                { return nil }
func (r *fakeStreamReader) Err() error                                  { return r.err }

func newFakeStreamOutput(events []brtypes.ConverseStreamOutput, err error) *fakeStreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
	return &fakeStreamOutput{stream: stream}
}

func textDelta(idx int32, text string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(idx),
		Delta:             &brtypes.ContentBlockDeltaMemberText{Value: text},
	}}
}

func toolStart(idx int32, id, name string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
		ContentBlockIndex: aws.Int32(idx),
		Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
			ToolUseId: aws.String(id),
			Name:      aws.String(name),
		}},
	}}
}

func toolDelta(idx int32, input string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(idx),
		Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(input)}},
	}}
}

func blockStop(idx int32) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(idx)}}
}

func drain(t *testing.T, s model.Streamer) ([]model.Chunk, error) {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, ch)
	}
}

func TestStreamTranslatesEvents(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		textDelta(0, "Looking"),
		textDelta(0, ""),
		textDelta(0, " around."),
		blockStop(0),
		toolStart(1, "tu-1", "files_read"),
		toolDelta(1, `{"path":`),
		toolDelta(1, `"go.mod"}`),
		blockStop(1),
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{Usage: &brtypes.TokenUsage{
			InputTokens: aws.Int32(10), OutputTokens: aws.Int32(4), TotalTokens: aws.Int32(14),
		}}},
	}
	rt := &mockRuntime{streamOutput: newFakeStreamOutput(events, nil)}
	cl, err := bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: "anthropic.claude", MaxTokens: 512})
	require.NoError(t, err)

	s, err := cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "read go.mod"}},
		Tools: []*model.ToolDefinition{{
			Name:        "files.read",
			Description: "Read a file",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	require.Equal(t, []model.Chunk{
		model.TextDelta{Text: "Looking"},
		model.TextDelta{Text: " around."},
		model.ToolCallAnnounced{ID: "tu-1", Name: "files.read"},
		model.ToolArgsFragment{Text: `{"path":`},
		model.ToolArgsFragment{Text: `"go.mod"}`},
	}, chunks)

	meta := s.Metadata()
	require.Equal(t, "bedrock", meta[model.MetaProvider])
	require.Equal(t, "anthropic.claude", meta[model.MetaModel])
	require.Equal(t, "tool_use", meta[model.MetaStopReason])
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}, meta[model.MetaUsage])

	in := rt.streamInput
	require.NotNil(t, in)
	require.Equal(t, "anthropic.claude", aws.ToString(in.ModelId))
	require.NotNil(t, in.InferenceConfig)
	require.Equal(t, int32(512), aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.NotNil(t, in.ToolConfig)
	require.Len(t, in.ToolConfig.Tools, 1)
	spec, ok := in.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	require.Equal(t, "files_read", aws.ToString(spec.Value.Name))
}

func TestStreamEncodesToolHistory(t *testing.T) {
	rt := &mockRuntime{streamOutput: newFakeStreamOutput(nil, nil)}
	cl, err := bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)

	s, err := cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "weather in Paris and Rome?"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolUse{
				{ID: "t1", Name: "get_weather", Args: map[string]any{"city": "Paris"}},
				{ID: "t2", Name: "get_weather", Args: map[string]any{"city": "Rome"}},
			}},
			{Role: model.RoleTool, ToolCallID: "t1", Content: "sunny"},
			{Role: model.RoleTool, ToolCallID: "t2", Content: "boom", IsError: true},
		},
	})
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)

	in := rt.streamInput
	require.Len(t, in.System, 1)
	require.Nil(t, in.InferenceConfig)
	require.Len(t, in.Messages, 3)
	require.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	require.Len(t, in.Messages[1].Content, 2)
	use, ok := in.Messages[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	require.Equal(t, "t1", aws.ToString(use.Value.ToolUseId))

	results := in.Messages[2]
	require.Equal(t, brtypes.ConversationRoleUser, results.Role)
	require.Len(t, results.Content, 2)
	failed, ok := results.Content[1].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	require.Equal(t, "t2", aws.ToString(failed.Value.ToolUseId))
	require.Equal(t, brtypes.ToolResultStatusError, failed.Value.Status)
}

func TestStreamWrapsRateLimitedErrors(t *testing.T) {
	rt := &mockRuntime{streamErr: &brtypes.ThrottlingException{Message: aws.String("slow down")}}
	cl, err := bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "ThrottlingException", pe.Code)
}

func TestStreamSurfacesMidStreamError(t *testing.T) {
	rt := &mockRuntime{streamOutput: newFakeStreamOutput(
		[]brtypes.ConverseStreamOutput{textDelta(0, "partial")},
		&brtypes.ThrottlingException{Message: aws.String("slow down")},
	)}
	cl, err := bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)

	s, err := cl.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks, err := drain(t, s)
	require.Equal(t, []model.Chunk{model.TextDelta{Text: "partial"}}, chunks)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestNewAndRequestValidation(t *testing.T) {
	_, err := bedrock.New(bedrock.Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = bedrock.New(bedrock.Options{Runtime: &mockRuntime{}})
	require.Error(t, err)

	cl, err := bedrock.New(bedrock.Options{Runtime: &mockRuntime{}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Stream(context.Background(), &model.Request{})
	require.Error(t, err)
	_, err = cl.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleSystem, Content: "x"}}})
	require.Error(t, err)
	_, err = cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "x"}},
		Tools:    []*model.ToolDefinition{{Name: "undocumented"}},
	})
	require.Error(t, err)
}
