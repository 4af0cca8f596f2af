// Package session drives one chat conversation from the client side: it
// sends requests, decodes the response stream into the transcript and
// exposes loading and streaming status.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/runtime/chat/stream"
	"goa.design/lackey/runtime/chat/telemetry"
	"goa.design/lackey/runtime/chat/transcript"
)

// State is the request lifecycle state of a Session.
type State string

const (
	// StateIdle means no request is in flight.
	StateIdle State = "idle"
	// StateSending means the request was issued and no response body has
	// been read yet.
	StateSending State = "sending"
	// StateStreaming means the response body is being decoded.
	StateStreaming State = "streaming"
)

const (
	eventSend   = "send"
	eventStream = "stream"
	eventFinish = "finish"
	eventFail   = "fail"
	eventAbort  = "abort"
)

type (
	// Session owns a transcript and runs at most one request at a time.
	Session struct {
		transport Transport
		model     string
		id        string
		onChange  func(Snapshot)
		onError   func(error)
		tel       telemetry.Telemetry

		mu         sync.Mutex
		notifyMu   sync.Mutex
		sm         *fsm.FSM
		transcript transcript.Transcript
		gen        uint64
		cancel     context.CancelFunc
		handle     *stream.Handle
	}

	// Snapshot is a consistent view of the session.
	Snapshot struct {
		Transcript  transcript.Transcript
		State       State
		IsLoading   bool
		IsStreaming bool
	}

	// Option configures a Session.
	Option func(*Session)
)

// WithHistory seeds the transcript.
func WithHistory(t transcript.Transcript) Option {
	return func(s *Session) { s.transcript = slices.Clone(t) }
}

// WithModel selects the model sent with every request.
func WithModel(id string) Option {
	return func(s *Session) { s.model = id }
}

// WithID sets the session id sent with every request. Defaults to a random
// UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithOnChange registers a function called after every state or transcript
// change, in change order. It must not call back into the Session; the
// snapshot carries everything it needs.
func WithOnChange(f func(Snapshot)) Option {
	return func(s *Session) { s.onChange = f }
}

// WithOnError registers a function called when a request fails. It is not
// called when a request is stopped.
func WithOnError(f func(error)) Option {
	return func(s *Session) { s.onError = f }
}

// WithTelemetry sets the session logger and decoder telemetry.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Session) { s.tel = tel }
}

// New returns an idle session using transport.
func New(transport Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		sm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: eventSend, Src: []string{string(StateIdle)}, Dst: string(StateSending)},
				{Name: eventStream, Src: []string{string(StateSending)}, Dst: string(StateStreaming)},
				{Name: eventFinish, Src: []string{string(StateSending), string(StateStreaming)}, Dst: string(StateIdle)},
				{Name: eventFail, Src: []string{string(StateSending), string(StateStreaming)}, Dst: string(StateIdle)},
				{Name: eventAbort, Src: []string{string(StateSending), string(StateStreaming)}, Dst: string(StateIdle)},
			},
			fsm.Callbacks{},
		),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.tel = s.tel.WithDefaults()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SendMessage appends input to the transcript as a human message and runs
// the request until the response stream ends, fails or is stopped. It is a
// no-op when input is blank or a request is already in flight. Failures are
// recorded in the transcript as an assistant message and returned; a stopped
// request returns nil.
func (s *Session) SendMessage(ctx context.Context, input string) error {
	s.mu.Lock()
	if strings.TrimSpace(input) == "" || !s.sm.Is(string(StateIdle)) {
		s.mu.Unlock()
		return nil
	}
	s.transcript = append(slices.Clip(s.transcript), transcript.Human(input))
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.fire(eventSend)
	req := &apitypes.ChatRequest{
		Messages:  apitypes.FromTranscript(s.transcript),
		Model:     s.model,
		SessionID: s.id,
	}
	s.unlockAndNotify()
	defer cancel()

	body, err := s.transport.Open(ctx, req)
	if err != nil {
		return s.fail(ctx, gen, err)
	}
	defer func() { _ = body.Close() }()

	err = stream.Decode(ctx, body, stream.Callbacks{
		OnStart: func(h *stream.Handle) {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				h.Cancel()
				return
			}
			s.handle = h
			s.fire(eventStream)
			s.unlockAndNotify()
		},
		OnEvent: func(ev stream.Event) {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			s.transcript = transcript.Reduce(s.transcript, ev)
			s.unlockAndNotify()
		},
		OnEnd: func() { s.finish(gen) },
	}, stream.WithTelemetry(s.tel))
	if err != nil {
		return s.fail(ctx, gen, err)
	}
	s.finish(gen)
	return nil
}

// Stop cancels the request in flight, if any, and returns the session to
// idle immediately. Entries already added to the transcript are kept.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.sm.Is(string(StateIdle)) {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	if s.handle != nil {
		s.handle.Cancel()
	}
	s.fire(eventAbort)
	s.unlockAndNotify()
}

// SetModel selects the model used by subsequent requests. The request in
// flight, if any, keeps its model.
func (s *Session) SetModel(id string) {
	s.mu.Lock()
	s.model = id
	s.mu.Unlock()
}

// Model returns the selected model id. Empty means the server default.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Snapshot returns the current transcript and status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() transcript.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// SetMessages replaces the transcript. It is ignored while a request is in
// flight.
func (s *Session) SetMessages(t transcript.Transcript) {
	s.mu.Lock()
	if !s.sm.Is(string(StateIdle)) {
		s.mu.Unlock()
		return
	}
	s.transcript = slices.Clone(t)
	s.unlockAndNotify()
}

// IsLoading reports whether a request was sent and no response body has
// been read yet.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Is(string(StateSending))
}

// IsStreaming reports whether a response body is being decoded.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Is(string(StateStreaming))
}

// finish returns the request identified by gen to idle.
func (s *Session) finish(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.sm.Is(string(StateIdle)) {
		s.mu.Unlock()
		return
	}
	s.clearRequest()
	s.fire(eventFinish)
	s.unlockAndNotify()
}

// fail records err unless the request was stopped or canceled.
func (s *Session) fail(ctx context.Context, gen uint64, err error) error {
	s.mu.Lock()
	if s.gen != gen || s.sm.Is(string(StateIdle)) {
		s.mu.Unlock()
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		s.clearRequest()
		s.fire(eventAbort)
		s.unlockAndNotify()
		return nil
	}
	s.transcript = append(slices.Clip(s.transcript), transcript.AI(ErrorText(err)))
	s.clearRequest()
	s.fire(eventFail)
	s.unlockAndNotify()

	s.tel.Logger.Error(ctx, "chat request failed", "session_id", s.id, "err", err)
	if s.onError != nil {
		s.onError(err)
	}
	return err
}

// ErrorText is the assistant message recorded for a failed request.
func ErrorText(err error) string {
	return fmt.Sprintf("Sorry, something went wrong: %s. Please try again later.", err)
}

func (s *Session) clearRequest() {
	s.cancel = nil
	s.handle = nil
}

// fire applies a transition. Callers hold s.mu and only fire events valid
// in the current state.
func (s *Session) fire(event string) {
	if err := s.sm.Event(context.Background(), event); err != nil {
		panic(fmt.Sprintf("session: %s from %s: %v", event, s.sm.Current(), err))
	}
}

func (s *Session) snapshot() Snapshot {
	state := State(s.sm.Current())
	return Snapshot{
		Transcript:  slices.Clone(s.transcript),
		State:       state,
		IsLoading:   state == StateSending,
		IsStreaming: state == StateStreaming,
	}
}

// unlockAndNotify releases s.mu and publishes a snapshot taken under it.
// notifyMu is acquired before s.mu is released so snapshots are delivered in
// change order.
func (s *Session) unlockAndNotify() {
	if s.onChange == nil {
		s.mu.Unlock()
		return
	}
	snap := s.snapshot()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	s.onChange(snap)
}
