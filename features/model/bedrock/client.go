// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock ConverseStream API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration and translates stream
// events (text and tool_use blocks) into model chunks.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
)

const providerName = "bedrock"

type (
	// RuntimeClient is the subset of the Bedrock runtime used by the adapter.
	// Use NewRuntime to adapt *bedrockruntime.Client.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the ConverseStream output required by the
	// adapter. It is satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is the model identifier used when the request names
		// none.
		DefaultModel string
		// MaxTokens sets the completion cap when a request does not. When
		// zero the field is omitted and Bedrock applies its default.
		MaxTokens int
		// Temperature is used when a request does not specify one.
		Temperature float32
		// Logger receives non-fatal diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Client implements model.Client on top of AWS Bedrock ConverseStream.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		logger       telemetry.Logger
	}

	runtimeAdapter struct {
		c *bedrockruntime.Client
	}

	requestParts struct {
		modelID    string
		messages   []brtypes.Message
		system     []brtypes.SystemContentBlock
		toolConfig *brtypes.ToolConfiguration
		// provToCanon maps sanitized tool names back to the names the
		// runtime registered.
		provToCanon map[string]string
	}
)

// NewRuntime adapts the AWS SDK client to RuntimeClient.
func NewRuntime(c *bedrockruntime.Client) RuntimeClient {
	return runtimeAdapter{c: c}
}

func (r runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.c.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New initializes a Bedrock-powered streaming model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// Stream invokes ConverseStream and adapts the event stream.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		InferenceConfig: c.inferenceConfig(c.effectiveMaxTokens(req.MaxTokens), c.effectiveTemperature(req.Temperature)),
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapBedrockError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newBedrockStreamer(ctx, stream, parts.modelID, parts.provToCanon), nil
}

func (c *Client) prepareRequest(req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: provToCanon,
	}, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	if maxTokens <= 0 && temp <= 0 {
		return nil
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	return cfg
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// encodeMessages converts the conversation into Bedrock messages. Adjacent
// messages with the same Bedrock role are merged since Converse rejects
// consecutive turns from one role; tool results travel as user content.
func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
	)
	appendBlocks := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, blocks...)
			return
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			if m.Content != "" {
				appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
		case model.RoleAssistant:
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				name := tc.Name
				if prov, ok := nameMap[name]; ok {
					name = prov
				} else {
					name = SanitizeToolName(name)
				}
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(name),
					Input:     lazyDocument(args),
				}})
			}
			appendBlocks(brtypes.ConversationRoleAssistant, blocks...)
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("bedrock: tool result without tool call id")
			}
			result := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			if m.IsError {
				result.Status = brtypes.ToolResultStatusError
			}
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: result})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := def.Name
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q is missing description", canonical)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

func toDocument(schema any) document.Interface {
	if schema == nil {
		return lazyDocument(map[string]any{"type": "object"})
	}
	if doc, ok := schema.(document.Interface); ok {
		return doc
	}
	return lazyDocument(schema)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(v)
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func wrapBedrockError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var status int
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if isRateLimited(err) {
		status = http.StatusTooManyRequests
	}
	pe := model.NewProviderError(providerName, operation, status, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
	}
	return pe
}
