// Package modeltest provides in-memory model clients and streamers for tests.
package modeltest

import (
	"context"
	"io"
	"sync"

	"goa.design/lackey/runtime/chat/model"
)

type (
	// Streamer replays a fixed list of chunks, then returns Err (io.EOF when
	// Err is nil).
	Streamer struct {
		Chunks []model.Chunk
		Err    error
		Meta   map[string]any

		mu     sync.Mutex
		pos    int
		closed bool
	}

	// Client returns one scripted Streamer per Stream call, in order, and
	// records the requests it received.
	Client struct {
		// Turns are served in order; extra calls get an empty stream.
		Turns []*Streamer
		// StartErr, when set, is returned by Stream instead of a Streamer.
		StartErr error

		mu       sync.Mutex
		requests []*model.Request
	}
)

// NewStreamer returns a Streamer replaying chunks followed by io.EOF.
func NewStreamer(chunks ...model.Chunk) *Streamer {
	return &Streamer{Chunks: chunks}
}

func (s *Streamer) Recv() (model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Streamer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Streamer) Metadata() map[string]any { return s.Meta }

// NewClient returns a Client serving the given turns.
func NewClient(turns ...*Streamer) *Client {
	return &Client{Turns: turns}
}

func (c *Client) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	n := len(c.requests) - 1
	if n < len(c.Turns) {
		return c.Turns[n], nil
	}
	return NewStreamer(), nil
}

// Requests returns the requests received so far.
func (c *Client) Requests() []*model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Request(nil), c.requests...)
}
