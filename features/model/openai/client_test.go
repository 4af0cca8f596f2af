package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/lackey/features/model/openai"
	"goa.design/lackey/runtime/chat/model"
)

// sseServer replies to chat completion requests with the given data frames
// and records the decoded request body.
func sseServer(t *testing.T, frames ...string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func newClient(t *testing.T, srv *httptest.Server) *openaimodel.Client {
	t.Helper()
	c, err := openaimodel.NewFromAPIKey("test-key", srv.URL, "deepseek-chat", option.WithMaxRetries(0))
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}
}

func TestStreamTextAndToolCalls(t *testing.T) {
	srv, body := sseServer(t,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"content":"check."}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)
	c := newClient(t, srv)

	s, err := c.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "weather in Paris?"},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "get_weather",
			Description: "Get the weather",
			InputSchema: map[string]any{"type": "object"},
		}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	assert.Equal(t, []model.Chunk{
		model.TextDelta{Text: "Let me "},
		model.TextDelta{Text: "check."},
		model.ToolCallAnnounced{ID: "call_1", Name: "get_weather"},
		model.ToolArgsFragment{Text: `{"city":`},
		model.ToolArgsFragment{Text: `"Paris"}`},
	}, chunks)

	meta := s.Metadata()
	assert.Equal(t, "openai", meta[model.MetaProvider])
	assert.Equal(t, "deepseek-chat", meta[model.MetaModel])
	assert.Equal(t, "tool_calls", meta[model.MetaStopReason])
	assert.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, meta[model.MetaUsage])

	req := *body
	assert.Equal(t, "deepseek-chat", req["model"])
	assert.Equal(t, true, req["stream"])
	assert.EqualValues(t, 256, req["max_tokens"])
	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	tools, ok := req["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
}

func TestStreamEncodesToolHistory(t *testing.T) {
	srv, body := sseServer(t,
		`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"content":"Sunny."},"finish_reason":"stop"}]}`,
	)
	c := newClient(t, srv)

	s, err := c.Stream(context.Background(), &model.Request{
		Model: "deepseek-reasoner",
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "weather?"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolUse{{ID: "call_1", Name: "get_weather", Args: map[string]any{"city": "Paris"}}}},
			{Role: model.RoleTool, ToolCallID: "call_1", Content: "sunny"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Chunk{model.TextDelta{Text: "Sunny."}}, drain(t, s))

	req := *body
	assert.Equal(t, "deepseek-reasoner", req["model"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 3)
	assistant := msgs[1].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	assert.Equal(t, "call_1", call["id"])
	assert.JSONEq(t, `{"city":"Paris"}`, call["function"].(map[string]any)["arguments"].(string))
	tool := msgs[2].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_1", tool["tool_call_id"])
}

func TestStreamSynthesizesMissingCallID(t *testing.T) {
	srv, _ := sseServer(t,
		`{"id":"c3","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"get_folder_structure","arguments":"{}"}}]}}]}`,
	)
	c := newClient(t, srv)
	s, err := c.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "ls"}}})
	require.NoError(t, err)

	chunks := drain(t, s)
	require.Len(t, chunks, 2)
	ann, ok := chunks[0].(model.ToolCallAnnounced)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ann.ID, "call_"))
	assert.Equal(t, "get_folder_structure", ann.Name)
	assert.Equal(t, model.ToolArgsFragment{Text: "{}"}, chunks[1])
}

func TestStreamRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()
	c := newClient(t, srv)

	_, err := c.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus)
}

func TestNewValidation(t *testing.T) {
	_, err := openaimodel.New(openaimodel.Options{DefaultModel: "m"})
	assert.Error(t, err)
	_, err = openaimodel.NewFromAPIKey("", "", "m")
	assert.Error(t, err)

	srv, _ := sseServer(t)
	c := newClient(t, srv)
	_, err = c.Stream(context.Background(), &model.Request{})
	assert.Error(t, err)
	_, err = c.Stream(context.Background(), &model.Request{Messages: []*model.Message{{Role: model.RoleTool, Content: "x"}}})
	assert.Error(t, err)
}
