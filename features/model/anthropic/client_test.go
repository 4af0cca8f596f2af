package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/lackey/runtime/chat/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
	err        error
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.err != nil {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](nil, s.err)
	}
	if s.stream == nil {
		s.stream = newTestStream(nil)
	}
	return s.stream
}

func TestStreamEncodesRequest(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "weather in Paris and Rome?"},
			{Role: model.RoleAssistant, Content: "checking", ToolCalls: []model.ToolUse{
				{ID: "t1", Name: "get_weather", Args: map[string]any{"city": "Paris"}},
				{ID: "t2", Name: "get_weather", Args: map[string]any{"city": "Rome"}},
			}},
			{Role: model.RoleTool, ToolCallID: "t1", Content: "sunny"},
			{Role: model.RoleTool, ToolCallID: "t2", Content: "boom", IsError: true},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "get_weather",
			Description: "Get the weather",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		}},
		Temperature: 0.5,
	}

	s, err := cl.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	p := stub.lastParams
	if p.Model != "claude-sonnet" || p.MaxTokens != 128 {
		t.Fatalf("unexpected model %q or max tokens %d", p.Model, p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "be brief" {
		t.Fatalf("unexpected system blocks %+v", p.System)
	}
	if len(p.Messages) != 3 {
		t.Fatalf("expected user, assistant and grouped tool results, got %d messages", len(p.Messages))
	}
	if p.Messages[0].Role != sdk.MessageParamRoleUser || p.Messages[1].Role != sdk.MessageParamRoleAssistant || p.Messages[2].Role != sdk.MessageParamRoleUser {
		t.Fatalf("unexpected roles %q %q %q", p.Messages[0].Role, p.Messages[1].Role, p.Messages[2].Role)
	}
	assistant := p.Messages[1].Content
	if len(assistant) != 3 || assistant[1].OfToolUse == nil || assistant[1].OfToolUse.ID != "t1" || assistant[2].OfToolUse.Name != "get_weather" {
		t.Fatalf("unexpected assistant blocks %+v", assistant)
	}
	results := p.Messages[2].Content
	if len(results) != 2 || results[0].OfToolResult == nil || results[0].OfToolResult.ToolUseID != "t1" {
		t.Fatalf("unexpected tool result blocks %+v", results)
	}
	if !results[1].OfToolResult.IsError.Value {
		t.Fatalf("expected second tool result to be flagged as error")
	}
	if len(p.Tools) != 1 || p.Tools[0].OfTool == nil || p.Tools[0].OfTool.Name != "get_weather" {
		t.Fatalf("unexpected tools %+v", p.Tools)
	}
	if !p.Temperature.Valid() || p.Temperature.Value != 0.5 {
		t.Fatalf("unexpected temperature %+v", p.Temperature)
	}
}

func TestStreamRequestModelWins(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Stream(context.Background(), &model.Request{
		Model:     "claude-opus",
		MaxTokens: 32,
		Messages:  []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if stub.lastParams.Model != "claude-opus" || stub.lastParams.MaxTokens != 32 {
		t.Fatalf("unexpected params %q %d", stub.lastParams.Model, stub.lastParams.MaxTokens)
	}
}

func TestStreamValidation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := map[string]*model.Request{
		"no model":      {Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}},
		"only system":   {Model: "m", Messages: []*model.Message{{Role: model.RoleSystem, Content: "x"}}},
		"orphan result": {Model: "m", Messages: []*model.Message{{Role: model.RoleTool, Content: "x"}}},
		"unknown role":  {Model: "m", Messages: []*model.Message{{Role: "robot", Content: "x"}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := cl.Stream(context.Background(), req); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil messages client")
	}
}

func TestStreamStartError(t *testing.T) {
	cause := errors.New("connection refused")
	cl, err := New(&stubMessagesClient{err: cause}, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Provider != "anthropic" {
		t.Fatalf("expected provider error, got %v", err)
	}
}
