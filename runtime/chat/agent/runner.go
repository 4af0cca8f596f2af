// Package agent runs the tool calling loop: it streams a model turn,
// executes the tools the model called, feeds the results back and streams
// the next turn until the model answers without calling tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
	"goa.design/lackey/runtime/chat/tools"
)

// DefaultMaxTurns bounds the number of tool rounds of one request.
const DefaultMaxTurns = 10

type (
	// Runner wraps a model client with tool execution. It implements
	// model.Client so it can be used wherever a plain model is expected.
	Runner struct {
		client   model.Client
		tools    *tools.Registry
		maxTurns int
		tel      telemetry.Telemetry
	}

	// Option configures a Runner.
	Option func(*Runner)

	run struct {
		ctx context.Context
		r   *Runner
		req *model.Request
		// cur is the stream of the turn in progress, nil between turns and
		// once the run ended.
		cur    model.Streamer
		err    error
		rounds int
		text   strings.Builder
		calls  []*call
		queue  []model.Chunk
		done   bool
		meta   map[string]any
		usage  model.TokenUsage
	}

	call struct {
		id   string
		name string
		args map[string]any
		buf  strings.Builder
	}
)

// WithMaxTurns bounds the number of tool rounds. Values below one are
// ignored.
func WithMaxTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithTelemetry sets the runner logger and metrics.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(r *Runner) { r.tel = tel }
}

// New returns a Runner executing tools from registry. A nil registry
// disables tool calling.
func New(client model.Client, registry *tools.Registry, opts ...Option) *Runner {
	r := &Runner{client: client, tools: registry, maxTurns: DefaultMaxTurns}
	for _, o := range opts {
		o(r)
	}
	r.tel = r.tel.WithDefaults()
	return r
}

// Stream starts the first model turn. Errors starting it are returned
// directly; errors of later turns surface from Recv.
func (r *Runner) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	next := *req
	next.Messages = slices.Clone(req.Messages)
	if r.tools != nil && len(next.Tools) == 0 {
		next.Tools = r.tools.Definitions()
	}
	st, err := r.client.Stream(ctx, &next)
	if err != nil {
		return nil, err
	}
	return &run{ctx: ctx, r: r, req: &next, cur: st, meta: map[string]any{}}, nil
}

func (s *run) Recv() (model.Chunk, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			return c, nil
		}
		if s.done {
			return nil, io.EOF
		}
		c, err := s.cur.Recv()
		if errors.Is(err, io.EOF) {
			if err := s.endTurn(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		s.observe(c)
		return c, nil
	}
}

func (s *run) Close() error {
	if s.cur == nil {
		return nil
	}
	return s.cur.Close()
}

func (s *run) Metadata() map[string]any {
	meta := maps.Clone(s.meta)
	meta[model.MetaUsage] = s.usage
	meta["tool_rounds"] = s.rounds
	return meta
}

// observe tracks the assistant output of the current turn. Argument
// fragments belong to the most recently announced call.
func (s *run) observe(c model.Chunk) {
	switch c := c.(type) {
	case model.TextDelta:
		s.text.WriteString(c.Text)
	case model.ToolCallAnnounced:
		s.calls = append(s.calls, &call{id: c.ID, name: c.Name, args: maps.Clone(c.Args)})
	case model.ToolArgsFragment:
		if n := len(s.calls); n > 0 {
			s.calls[n-1].buf.WriteString(c.Text)
		}
	}
}

// endTurn closes the current model stream and, when the model called
// tools, runs them and starts the next turn.
func (s *run) endTurn() error {
	s.collectMeta()
	_ = s.cur.Close()
	s.cur = nil
	if len(s.calls) == 0 {
		s.done = true
		return nil
	}
	s.rounds++

	assistant := &model.Message{Role: model.RoleAssistant, Content: s.text.String()}
	var results []*model.Message
	for _, c := range s.calls {
		args, err := c.arguments()
		assistant.ToolCalls = append(assistant.ToolCalls, model.ToolUse{ID: c.id, Name: c.name, Args: args})
		var out any
		if err == nil {
			out, err = s.execute(c.name, args)
		}
		msg := &model.Message{Role: model.RoleTool, ToolCallID: c.id}
		if err != nil {
			out = "Error: " + err.Error()
			msg.IsError = true
		}
		msg.Content = resultText(out)
		results = append(results, msg)
		s.queue = append(s.queue, model.ToolResult{ToolCallID: c.id, Result: out})
	}
	s.req.Messages = append(s.req.Messages, assistant)
	s.req.Messages = append(s.req.Messages, results...)
	s.text.Reset()
	s.calls = nil

	if s.rounds >= s.r.maxTurns {
		s.r.tel.Logger.Warn(s.ctx, "tool round limit reached", "rounds", s.rounds)
		s.queue = append(s.queue, model.GenericText{Text: fmt.Sprintf("\n\nStopped after %d tool rounds.", s.rounds)})
		s.done = true
		return nil
	}
	st, err := s.r.client.Stream(s.ctx, s.req)
	if err != nil {
		s.err = fmt.Errorf("start turn %d: %w", s.rounds+1, err)
		return s.err
	}
	s.cur = st
	return nil
}

func (s *run) execute(name string, args map[string]any) (any, error) {
	if s.r.tools == nil {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)
	}
	start := time.Now()
	out, err := s.r.tools.Execute(s.ctx, name, args)
	status := "ok"
	if err != nil {
		status = "error"
		s.r.tel.Logger.Warn(s.ctx, "tool failed", "tool", name, "err", err)
	}
	s.r.tel.Metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", name, "status", status)
	s.r.tel.Metrics.RecordTimer(telemetry.MetricToolDuration, time.Since(start), "tool", name)
	return out, err
}

func (s *run) collectMeta() {
	meta := s.cur.Metadata()
	for k, v := range meta {
		if k == model.MetaUsage {
			if u, ok := v.(model.TokenUsage); ok {
				s.usage.InputTokens += u.InputTokens
				s.usage.OutputTokens += u.OutputTokens
				s.usage.TotalTokens += u.TotalTokens
			}
			continue
		}
		s.meta[k] = v
	}
}

// arguments returns the streamed arguments when any were received,
// otherwise the arguments given with the announcement.
func (c *call) arguments() (map[string]any, error) {
	raw := strings.TrimSpace(c.buf.String())
	if raw == "" {
		if c.args == nil {
			return map[string]any{}, nil
		}
		return c.args, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Errorf("invalid arguments for %s: %w", c.name, err)
	}
	return args, nil
}

func resultText(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
