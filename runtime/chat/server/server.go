// Package server exposes the chat runtime over HTTP: POST /api/chat streams
// the encoded reply of the selected model, GET /api/models lists the models
// and GET /api/sessions/{id}/events replays mirrored session events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"
	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/runtime/chat/config"
	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/stream"
	"goa.design/lackey/runtime/chat/telemetry"
	"goa.design/lackey/runtime/chat/workspace"
)

// Route patterns mounted by Mount.
const (
	ChatPath   = "/api/chat"
	ModelsPath = "/api/models"
	EventsPath = "/api/sessions/{id}/events"
)

type (
	// Replayer reads back the mirrored events of a session.
	Replayer interface {
		Replay(ctx context.Context, sessionID string, fn func(stream.Event) error) error
	}

	// Server serves the chat API.
	Server struct {
		client       model.Client
		models       []apitypes.ModelInfo
		defaultModel string
		systemPrompt string
		workspace    string
		sink         stream.Sink
		replayer     Replayer
		tel          telemetry.Telemetry
		now          func() time.Time
	}

	// Option configures a Server.
	Option func(*Server)
)

// ErrMessageRequired is returned for requests without message or history.
var ErrMessageRequired = goa.PermanentError("missing_message", "Message is required")

// WithModels declares the selectable models. The first model flagged
// Default, or the first model, is used when a request names none. Without
// models any model id is forwarded as is.
func WithModels(models ...apitypes.ModelInfo) Option {
	return func(s *Server) { s.models = models }
}

// WithSystemPrompt overrides config.DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(s *Server) { s.systemPrompt = prompt }
}

// WithWorkspaceContext prepends the folder structure and environment of dir
// to every conversation.
func WithWorkspaceContext(dir string) Option {
	return func(s *Server) { s.workspace = dir }
}

// WithMirror mirrors encoded events of requests carrying a session id to
// sink and serves replays from replayer.
func WithMirror(sink stream.Sink, replayer Replayer) Option {
	return func(s *Server) {
		s.sink = sink
		s.replayer = replayer
	}
}

// WithTelemetry sets the server logger, metrics and tracer.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = tel }
}

// WithClock overrides the clock used for the environment context.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns a Server streaming replies from client.
func New(client model.Client, opts ...Option) *Server {
	s := &Server{client: client, systemPrompt: config.DefaultSystemPrompt, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.tel = s.tel.WithDefaults()
	for _, m := range s.models {
		if m.Default {
			s.defaultModel = m.ID
			break
		}
	}
	if s.defaultModel == "" && len(s.models) > 0 {
		s.defaultModel = s.models[0].ID
	}
	return s
}

// Mount registers the HTTP handlers on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, ChatPath, s.HandleChat)
	mux.Handle(http.MethodGet, ModelsPath, s.HandleModels)
	if s.replayer != nil {
		mux.Handle(http.MethodGet, EventsPath, func(w http.ResponseWriter, r *http.Request) {
			s.HandleEvents(w, r, mux.Vars(r)["id"])
		})
	}
}

// OpenStream validates req, assembles the conversation and starts the
// model stream. Validation failures are *goa.ServiceError values.
func (s *Server) OpenStream(ctx context.Context, req *apitypes.ChatRequest) (model.Streamer, error) {
	if !req.HasInput() {
		return nil, ErrMessageRequired
	}
	id := req.Model
	if id == "" {
		id = s.defaultModel
	}
	if len(s.models) > 0 && !slices.ContainsFunc(s.models, func(m apitypes.ModelInfo) bool { return m.ID == id }) {
		allowed := make([]any, len(s.models))
		for i, m := range s.models {
			allowed[i] = m.ID
		}
		return nil, goa.InvalidEnumValueError("model", id, allowed)
	}
	st, err := s.client.Stream(ctx, &model.Request{Model: id, Messages: s.conversation(ctx, req)})
	if err != nil {
		return nil, fmt.Errorf("start model stream: %w", err)
	}
	return st, nil
}

// HandleChat streams the reply to a chat request.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tel.Tracer.Start(r.Context(), "chat.request")
	defer span.End()
	start := time.Now()

	var body apitypes.ChatRequest
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.tel.Logger.Warn(ctx, "invalid chat request body", "err", err)
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, err := s.OpenStream(ctx, &body)
	if err != nil {
		var serr *goa.ServiceError
		if errors.As(err, &serr) {
			writeText(w, http.StatusBadRequest, serr.Message)
			return
		}
		s.fail(ctx, span, "chat setup failed", err)
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer func() { _ = st.Close() }()

	opts := []stream.Option{stream.WithTelemetry(s.tel)}
	if s.sink != nil && body.SessionID != "" {
		opts = append(opts, stream.WithSink(s.sink, body.SessionID))
	}
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := stream.Encode(ctx, st, w, opts...); err != nil {
		if ctx.Err() != nil {
			s.tel.Logger.Info(ctx, "client disconnected", "session_id", body.SessionID)
			return
		}
		s.fail(ctx, span, "chat stream failed", err)
		// Abort so the client sees a broken stream instead of a clean end.
		panic(http.ErrAbortHandler)
	}
	s.tel.Metrics.RecordTimer(telemetry.MetricChatDuration, time.Since(start), "handler", "chat")
}

// HandleModels lists the selectable models.
func (s *Server) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := make([]apitypes.ModelInfo, len(s.models))
	for i, m := range s.models {
		m.Default = m.ID == s.defaultModel
		models[i] = m
	}
	w.Header().Set("Content-Type", "application/json")
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(models); err != nil {
		s.tel.Logger.Error(r.Context(), "encode models", "err", err)
	}
}

// HandleEvents replays the mirrored events of session id with the chat
// framing, ending with the sentinel once the replay caught up.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	if s.replayer == nil {
		http.NotFound(w, r)
		return
	}
	if id == "" {
		writeText(w, http.StatusBadRequest, "Session id is required")
		return
	}
	fl, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	err := s.replayer.Replay(ctx, id, func(ev stream.Event) error {
		if err := stream.WriteFrame(w, ev); err != nil {
			return err
		}
		if fl != nil {
			fl.Flush()
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			s.tel.Logger.Error(ctx, "replay failed", "session_id", id, "err", err)
			panic(http.ErrAbortHandler)
		}
		return
	}
	_ = stream.WriteDone(w)
}

// conversation builds the model messages: system prompt, optional workspace
// context turns, then the request history and message.
func (s *Server) conversation(ctx context.Context, req *apitypes.ChatRequest) []*model.Message {
	msgs := []*model.Message{{Role: model.RoleSystem, Content: s.systemPrompt}}
	if s.workspace != "" {
		files, err := workspace.Discover(s.workspace, workspace.DiscoverOptions{})
		if err != nil && !errors.Is(err, workspace.ErrTooManyEntries) {
			s.tel.Logger.Warn(ctx, "workspace context unavailable", "dir", s.workspace, "err", err)
		} else {
			for _, t := range workspace.InitialHistory(s.workspace, files, s.now()) {
				role := model.RoleUser
				if t.Role == "assistant" {
					role = model.RoleAssistant
				}
				msgs = append(msgs, &model.Message{Role: role, Content: t.Content})
			}
		}
	}
	return append(msgs, req.ToModelMessages()...)
}

func (s *Server) fail(ctx context.Context, span telemetry.Span, msg string, err error) {
	s.tel.Logger.Error(ctx, msg, "err", err)
	s.tel.Metrics.IncCounter(telemetry.MetricChatFailures, 1, "stage", msg)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
