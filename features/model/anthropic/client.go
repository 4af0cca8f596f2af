// Package anthropic provides a model.Client backed by the Anthropic Messages
// streaming API (github.com/anthropics/anthropic-sdk-go). Text deltas, tool
// use blocks and their partial JSON input are translated into model chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/lackey/runtime/chat/model"
)

const (
	providerName = "anthropic"
	// DefaultMaxTokens is used when neither the request nor the options set
	// a completion cap; the Messages API requires one.
	DefaultMaxTokens = 4096
)

type (
	// MessagesClient is the subset of *sdk.MessageService used by the
	// adapter.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when the request names no model.
		DefaultModel string
		// MaxTokens caps completions when the request does not.
		MaxTokens int
		// Temperature applies when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New returns a Client using msg.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey returns a Client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Stream starts a streaming Messages call.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	st := c.msg.NewStreaming(ctx, params)
	if err := st.Err(); err != nil {
		return nil, wrapError("messages.stream", err)
	}
	return newStreamer(ctx, st, string(params.Model)), nil
}

func (c *Client) prepareRequest(req *model.Request) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: model identifier is required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return params, nil
}

// encodeMessages splits system prompts out of the conversation and groups
// consecutive tool results into a single user turn as the Messages API
// requires.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		results      []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool result without tool call id")
			}
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case model.RoleUser:
			flush()
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := inputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func inputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// wrapError converts SDK errors into *model.ProviderError so callers can
// detect throttling with errors.Is(err, model.ErrRateLimited).
func wrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, op, apiErr.StatusCode, err)
	}
	return model.NewProviderError(providerName, op, 0, err)
}
