package transcript

import (
	"slices"

	"goa.design/lackey/runtime/chat/stream"
)

// Reduce folds one wire event into t and returns the new transcript. t is
// never modified.
//
// A message event appends its text to the reply buffer of the current
// request: the assistant text written since the last human entry. The tail
// assistant entry is replaced with the extended buffer, or a new assistant
// entry holding it is appended when the tail is not an assistant message. A tool event replaces the entry holding
// the same call id wherever it sits, or appends a new entry. Events of other
// types and payloads of the wrong shape leave the transcript unchanged.
func Reduce(t Transcript, ev stream.Event) Transcript {
	switch ev.Type {
	case stream.EventMessage:
		text, ok := ev.Text()
		if !ok {
			return t
		}
		reply := t.replyText() + text
		if tail, ok := t.Last().(NormalMessage); ok && tail.Author == RoleAI {
			next := slices.Clone(t)
			next[len(next)-1] = AI(reply)
			return next
		}
		return append(slices.Clip(t), AI(reply))

	case stream.EventTool:
		rec, ok := ev.ToolCall()
		if !ok {
			return t
		}
		if i := t.ToolByID(rec.ID); i >= 0 {
			next := slices.Clone(t)
			next[i] = ToolMessage{Call: rec}
			return next
		}
		return append(slices.Clip(t), ToolMessage{Call: rec})

	default:
		return t
	}
}

// replyText returns the reply buffer of the current request. Every
// assistant entry written for a request holds the whole buffer at the time,
// so it is the latest assistant entry following the last human entry.
func (t Transcript) replyText() string {
	for i := len(t) - 1; i >= 0; i-- {
		m, ok := t[i].(NormalMessage)
		if !ok {
			continue
		}
		switch m.Author {
		case RoleAI:
			return m.Content
		case RoleHuman:
			return ""
		}
	}
	return ""
}

// ReduceAll folds events into t in order.
func ReduceAll(t Transcript, events ...stream.Event) Transcript {
	for _, ev := range events {
		t = Reduce(t, ev)
	}
	return t
}
