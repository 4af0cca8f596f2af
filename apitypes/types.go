// Package apitypes defines the JSON bodies exchanged over the chat HTTP API
// and their conversions to runtime types.
package apitypes

import (
	"strings"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/transcript"
)

type (
	// ChatRequest is the body of POST /api/chat. At least one of Message or
	// Messages must be set. When both are set Message is appended to
	// Messages as the final user turn.
	ChatRequest struct {
		// Message is a single user turn.
		Message *string `json:"message,omitempty"`
		// Messages is the full turn history.
		Messages []*ChatMessage `json:"messages,omitempty"`
		// Model selects a configured model. Empty uses the default.
		Model string `json:"model,omitempty"`
		// SessionID correlates requests of one conversation. Used as the
		// mirror stream key when event mirroring is enabled.
		SessionID string `json:"session_id,omitempty"`
	}

	// ChatMessage is one turn of history.
	ChatMessage struct {
		// Role is "user" or "assistant". "human" and "ai" are accepted as
		// aliases.
		Role string `json:"role"`
		// Content is the turn text.
		Content string `json:"content"`
	}

	// ModelInfo describes a model selectable by clients.
	ModelInfo struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
		Default  bool   `json:"default,omitempty"`
	}
)

// HasInput reports whether the request carries a message or history. An
// empty message counts as missing.
func (r *ChatRequest) HasInput() bool {
	return r != nil && (r.hasMessage() || len(r.Messages) > 0)
}

func (r *ChatRequest) hasMessage() bool {
	return r.Message != nil && *r.Message != ""
}

// ToModelMessages returns the conversation carried by the request as model
// messages. Turns with an unknown role are dropped.
func (r *ChatRequest) ToModelMessages() []*model.Message {
	msgs := make([]*model.Message, 0, len(r.Messages)+1)
	for _, m := range r.Messages {
		if m == nil {
			continue
		}
		role, ok := parseRole(m.Role)
		if !ok {
			continue
		}
		msgs = append(msgs, &model.Message{Role: role, Content: m.Content})
	}
	if r.hasMessage() {
		msgs = append(msgs, &model.Message{Role: model.RoleUser, Content: *r.Message})
	}
	return msgs
}

// FromTranscript converts the prose entries of a transcript into history.
// Tool entries are not replayed.
func FromTranscript(t transcript.Transcript) []*ChatMessage {
	msgs := make([]*ChatMessage, 0, len(t))
	for _, m := range t {
		nm, ok := m.(transcript.NormalMessage)
		if !ok {
			continue
		}
		role := "user"
		if nm.Author == transcript.RoleAI {
			role = "assistant"
		}
		msgs = append(msgs, &ChatMessage{Role: role, Content: nm.Content})
	}
	return msgs
}

func parseRole(r string) (model.Role, bool) {
	switch strings.ToLower(r) {
	case "user", "human":
		return model.RoleUser, true
	case "assistant", "ai":
		return model.RoleAssistant, true
	case "system":
		return model.RoleSystem, true
	default:
		return "", false
	}
}
