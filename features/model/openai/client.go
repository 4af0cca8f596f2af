// Package openai provides a model.Client backed by OpenAI compatible Chat
// Completions streaming endpoints (github.com/openai/openai-go). DeepSeek is
// reached through the same adapter by overriding the base URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/lackey/runtime/chat/model"
)

const providerName = "openai"

// ChatClient captures the subset of *sdk.ChatCompletionService used by the
// adapter.
type ChatClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// MaxTokens caps completions when the request does not. Zero leaves the
	// provider default.
	MaxTokens int
}

// Client implements model.Client via the Chat Completions streaming API.
type Client struct {
	chat      ChatClient
	model     string
	maxTokens int
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default HTTP client. baseURL
// selects an OpenAI compatible endpoint such as https://api.deepseek.com and
// may be empty.
func NewFromAPIKey(apiKey, baseURL, defaultModel string, reqOpts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(append(opts, reqOpts...)...)
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Stream starts a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	st := c.chat.NewStreaming(ctx, params)
	if err := st.Err(); err != nil {
		return nil, wrapError("chat.completions.stream", err)
	}
	return newStreamer(ctx, st, string(params.Model)), nil
}

func (c *Client) prepareRequest(req *model.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
		Tools:    tools,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			msg := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				msg.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call %s arguments: %w", tc.ID, err)
				}
				if tc.Args == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("tool message without tool call id")
			}
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := schemaParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name, Parameters: params}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools, nil
}

func schemaParameters(schema any) (sdk.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var params sdk.FunctionParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func wrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		pe := model.NewProviderError(providerName, op, apiErr.StatusCode, err)
		pe.Code = apiErr.Code
		pe.Message = apiErr.Message
		return pe
	}
	return model.NewProviderError(providerName, op, 0, err)
}
