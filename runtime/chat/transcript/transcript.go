// Package transcript holds the UI facing conversation and the reducer that
// folds decoded wire events into it.
package transcript

import "goa.design/lackey/runtime/chat/stream"

type (
	// Role identifies the author of a transcript entry.
	Role string

	// Message is a transcript entry: a NormalMessage or a ToolMessage.
	Message interface {
		Role() Role
	}

	// NormalMessage is human or assistant prose.
	NormalMessage struct {
		Author  Role
		Content string
	}

	// ToolMessage is the current snapshot of one tool call.
	ToolMessage struct {
		Call stream.ToolCallRecord
	}

	// Transcript is the ordered conversation.
	Transcript []Message
)

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
	RoleTool  Role = "tool"
)

func (m NormalMessage) Role() Role { return m.Author }
func (ToolMessage) Role() Role     { return RoleTool }

// Human returns a human authored message.
func Human(text string) NormalMessage { return NormalMessage{Author: RoleHuman, Content: text} }

// AI returns an assistant authored message.
func AI(text string) NormalMessage { return NormalMessage{Author: RoleAI, Content: text} }

// Last returns the tail entry, or nil for an empty transcript.
func (t Transcript) Last() Message {
	if len(t) == 0 {
		return nil
	}
	return t[len(t)-1]
}

// ToolByID returns the index of the last tool entry with the given call id,
// or -1.
func (t Transcript) ToolByID(id string) int {
	for i := len(t) - 1; i >= 0; i-- {
		if tm, ok := t[i].(ToolMessage); ok && tm.Call.ID == id {
			return i
		}
	}
	return -1
}
