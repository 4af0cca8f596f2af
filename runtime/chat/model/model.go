// Package model defines the provider-agnostic contract between the chat
// runtime and hosted LLM providers. Provider adapters translate SDK streaming
// events into the five Chunk variants declared here so downstream consumers
// classify chunks with a single exhaustive type switch.
package model

import (
	"context"
	"errors"
)

type (
	// Client starts streaming completions. Implementations wrap provider SDKs
	// (Anthropic, OpenAI compatible endpoints, Bedrock) and must be safe for
	// concurrent use by multiple requests.
	Client interface {
		// Stream sends the request and returns a Streamer yielding the model
		// output as chunks. Callers must close the returned Streamer.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return chunks until io.EOF. Implementations must be safe to call from a
	// single goroutine and release their resources when Close is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider defined metadata such as "provider",
		// "model", "usage" and "stop_reason". Contents are optional.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider specific model identifier (for example
		// "deepseek-chat" or "claude-sonnet-4-20250514").
		Model string
		// Messages is the ordered chat history including system prompts.
		Messages []*Message
		// Tools lists the tools the model may call. Empty disables tool calling.
		Tools []*ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling temperature.
		Temperature float32
	}

	// Message is one entry of the conversation sent to the model.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
		Role Role
		// Content is the message text. It may be empty for assistant messages
		// that only carry tool calls.
		Content string
		// ToolCalls lists the tool invocations requested by an assistant message.
		ToolCalls []ToolUse
		// ToolCallID identifies the call a RoleTool message answers.
		ToolCallID string
		// IsError marks a RoleTool message carrying a failed tool execution.
		IsError bool
	}

	// Role identifies the author of a Message.
	Role string

	// ToolUse is a tool invocation previously requested by the model, replayed
	// in the history of subsequent turns.
	ToolUse struct {
		ID   string
		Name string
		Args map[string]any
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool arguments,
		// typically a map[string]any with "type": "object".
		InputSchema any
	}

	// TokenUsage records prompt and completion token counts when reported.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Well-known Streamer metadata keys.
const (
	MetaProvider   = "provider"
	MetaModel      = "model"
	MetaUsage      = "usage"
	MetaStopReason = "stop_reason"
)

var (
	// ErrStreamingUnsupported indicates the provider cannot stream the
	// requested model.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")
)
