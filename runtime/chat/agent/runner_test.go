package agent

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/model/modeltest"
	"goa.design/lackey/runtime/chat/tools"
)

func drain(t *testing.T, st model.Streamer) ([]model.Chunk, error) {
	t.Helper()
	var out []model.Chunk
	for {
		c, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func weatherRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r, err := tools.NewRegistry(tools.Weather())
	require.NoError(t, err)
	return r
}

func TestRunnerWithoutToolCalls(t *testing.T) {
	client := modeltest.NewClient(modeltest.NewStreamer(model.TextDelta{Text: "Hi"}, model.TextDelta{Text: "!"}))
	r := New(client, weatherRegistry(t))

	st, err := r.Stream(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	chunks, err := drain(t, st)

	require.NoError(t, err)
	require.Equal(t, []model.Chunk{model.TextDelta{Text: "Hi"}, model.TextDelta{Text: "!"}}, chunks)
	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	require.Equal(t, "get_weather", reqs[0].Tools[0].Name)
}

func TestRunnerExecutesToolAndContinues(t *testing.T) {
	first := modeltest.NewStreamer(
		model.TextDelta{Text: "Checking"},
		model.ToolCallAnnounced{ID: "c1", Name: "get_weather"},
		model.ToolArgsFragment{Text: `{"location":`},
		model.ToolArgsFragment{Text: `"Paris"}`},
	)
	second := modeltest.NewStreamer(model.TextDelta{Text: "It is sunny."})
	client := modeltest.NewClient(first, second)
	r := New(client, weatherRegistry(t))

	st, err := r.Stream(context.Background(), &model.Request{
		Model:    "m",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)
	chunks, err := drain(t, st)
	require.NoError(t, err)

	require.Equal(t, []model.Chunk{
		model.TextDelta{Text: "Checking"},
		model.ToolCallAnnounced{ID: "c1", Name: "get_weather"},
		model.ToolArgsFragment{Text: `{"location":`},
		model.ToolArgsFragment{Text: `"Paris"}`},
		model.ToolResult{ToolCallID: "c1", Result: "Weather in Paris: sunny, 72°F"},
		model.TextDelta{Text: "It is sunny."},
	}, chunks)
	require.True(t, first.Closed())

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Checking", msgs[1].Content)
	require.Equal(t, []model.ToolUse{{ID: "c1", Name: "get_weather", Args: map[string]any{"location": "Paris"}}}, msgs[1].ToolCalls)
	require.Equal(t, &model.Message{Role: model.RoleTool, ToolCallID: "c1", Content: "Weather in Paris: sunny, 72°F"}, msgs[2])
}

func TestRunnerUsesAnnouncedArgs(t *testing.T) {
	client := modeltest.NewClient(
		modeltest.NewStreamer(model.ToolCallAnnounced{ID: "c1", Name: "get_weather", Args: map[string]any{"location": "Oslo"}}),
		modeltest.NewStreamer(),
	)
	st, err := New(client, weatherRegistry(t)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	chunks, err := drain(t, st)

	require.NoError(t, err)
	require.Contains(t, chunks, model.Chunk(model.ToolResult{ToolCallID: "c1", Result: "Weather in Oslo: sunny, 72°F"}))
}

func TestRunnerReportsToolErrors(t *testing.T) {
	client := modeltest.NewClient(
		modeltest.NewStreamer(
			model.ToolCallAnnounced{ID: "c1", Name: "get_weather"},
			model.ToolArgsFragment{Text: `{"location":`},
			model.ToolCallAnnounced{ID: "c2", Name: "launch_rockets"},
		),
		modeltest.NewStreamer(model.TextDelta{Text: "sorry"}),
	)
	st, err := New(client, weatherRegistry(t)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	chunks, err := drain(t, st)
	require.NoError(t, err)

	var results []model.ToolResult
	for _, c := range chunks {
		if r, ok := c.(model.ToolResult); ok {
			results = append(results, r)
		}
	}
	require.Len(t, results, 2)
	require.Contains(t, results[0].Result, "invalid arguments")
	require.Contains(t, results[1].Result, "unknown tool")

	msgs := client.Requests()[1].Messages
	require.True(t, msgs[1].IsError)
	require.True(t, msgs[2].IsError)
}

func TestRunnerStopsAtMaxTurns(t *testing.T) {
	call := func() *modeltest.Streamer {
		return modeltest.NewStreamer(model.ToolCallAnnounced{ID: "c", Name: "get_weather", Args: map[string]any{"location": "X"}})
	}
	client := modeltest.NewClient(call(), call(), call())
	st, err := New(client, weatherRegistry(t), WithMaxTurns(2)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	chunks, err := drain(t, st)

	require.NoError(t, err)
	require.Len(t, client.Requests(), 2)
	require.Equal(t, model.GenericText{Text: "\n\nStopped after 2 tool rounds."}, chunks[len(chunks)-1])
	require.Equal(t, 2, st.Metadata()["tool_rounds"])
}

func TestRunnerStartError(t *testing.T) {
	client := &modeltest.Client{StartErr: errors.New("boom")}
	_, err := New(client, nil).Stream(context.Background(), &model.Request{})
	require.EqualError(t, err, "boom")
}

func TestRunnerMidStreamError(t *testing.T) {
	failing := modeltest.NewStreamer(model.TextDelta{Text: "a"})
	failing.Err = errors.New("connection reset")
	st, err := New(modeltest.NewClient(failing), nil).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)

	chunks, err := drain(t, st)
	require.EqualError(t, err, "connection reset")
	require.Equal(t, []model.Chunk{model.TextDelta{Text: "a"}}, chunks)
}

func TestRunnerSumsUsage(t *testing.T) {
	first := modeltest.NewStreamer(model.ToolCallAnnounced{ID: "c", Name: "get_weather", Args: map[string]any{"location": "X"}})
	first.Meta = map[string]any{model.MetaProvider: "openai", model.MetaUsage: model.TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}}
	second := modeltest.NewStreamer()
	second.Meta = map[string]any{model.MetaUsage: model.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}}
	st, err := New(modeltest.NewClient(first, second), weatherRegistry(t)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	_, err = drain(t, st)
	require.NoError(t, err)

	meta := st.Metadata()
	require.Equal(t, "openai", meta[model.MetaProvider])
	require.Equal(t, model.TokenUsage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}, meta[model.MetaUsage])
}

// countingStreamer records how many times it was closed.
type countingStreamer struct {
	*modeltest.Streamer
	closes int
}

func (s *countingStreamer) Close() error {
	s.closes++
	return s.Streamer.Close()
}

// turnClient serves the given streamers in order, then fails.
type turnClient struct {
	turns []model.Streamer
	err   error
}

func (c *turnClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	if len(c.turns) == 0 {
		return nil, c.err
	}
	st := c.turns[0]
	c.turns = c.turns[1:]
	return st, nil
}

func TestRunnerClosesEachTurnOnce(t *testing.T) {
	first := &countingStreamer{Streamer: modeltest.NewStreamer(model.ToolCallAnnounced{ID: "c", Name: "get_weather", Args: map[string]any{"location": "X"}})}
	last := &countingStreamer{Streamer: modeltest.NewStreamer(model.TextDelta{Text: "done"})}
	st, err := New(&turnClient{turns: []model.Streamer{first, last}}, weatherRegistry(t)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	_, err = drain(t, st)
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.Equal(t, 1, first.closes)
	require.Equal(t, 1, last.closes)
}

func TestRunnerCloseMidTurn(t *testing.T) {
	cur := &countingStreamer{Streamer: modeltest.NewStreamer(model.TextDelta{Text: "a"}, model.TextDelta{Text: "b"})}
	st, err := New(&turnClient{turns: []model.Streamer{cur}}, nil).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)
	_, err = st.Recv()
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.Equal(t, 1, cur.closes)
}

func TestRunnerNextTurnStartError(t *testing.T) {
	first := &countingStreamer{Streamer: modeltest.NewStreamer(model.ToolCallAnnounced{ID: "c", Name: "get_weather", Args: map[string]any{"location": "X"}})}
	st, err := New(&turnClient{turns: []model.Streamer{first}, err: errors.New("overloaded")}, weatherRegistry(t)).Stream(context.Background(), &model.Request{})
	require.NoError(t, err)

	_, err = drain(t, st)
	require.EqualError(t, err, "start turn 2: overloaded")
	_, err = st.Recv()
	require.EqualError(t, err, "start turn 2: overloaded")
	require.NoError(t, st.Close())
	require.Equal(t, 1, first.closes)
}
