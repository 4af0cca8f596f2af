package gateway

import (
	"context"
	"io"

	"goa.design/lackey/runtime/chat/model"
)

type (
	// RemoteClient implements model.Client using a caller-supplied function,
	// keeping callers agnostic of how the stream is produced.
	RemoteClient struct {
		doStream func(ctx context.Context, req *model.Request) (model.Streamer, error)
	}

	// pushStreamer exposes a push based StreamHandler run as a pull based
	// model.Streamer.
	pushStreamer struct {
		chunks  chan model.Chunk
		done    chan struct{}
		pending model.Chunk
		err     error
		cancel  context.CancelFunc
		meta    *metadataHolder
	}
)

// NewRemoteClient constructs a model.Client from stream.
func NewRemoteClient(stream func(ctx context.Context, req *model.Request) (model.Streamer, error)) *RemoteClient {
	return &RemoteClient{doStream: stream}
}

func (c *RemoteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return c.doStream(ctx, req)
}

// open runs the handler chain in a goroutine. It returns once the first
// chunk is available or the chain returned, so that failures to start the
// provider stream are reported by Stream rather than Recv.
func (s *Server) open(ctx context.Context, req *model.Request) (model.Streamer, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := &pushStreamer{
		chunks: make(chan model.Chunk),
		done:   make(chan struct{}),
		cancel: cancel,
		meta:   &metadataHolder{},
	}
	ctx = context.WithValue(ctx, metadataKey{}, ps.meta)
	go func() {
		defer close(ps.done)
		ps.err = s.Stream(ctx, req, func(c model.Chunk) error {
			select {
			case ps.chunks <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	select {
	case c := <-ps.chunks:
		ps.pending = c
		return ps, nil
	case <-ps.done:
		if ps.err != nil {
			cancel()
			return nil, ps.err
		}
		return ps, nil
	}
}

func (s *pushStreamer) Recv() (model.Chunk, error) {
	if c := s.pending; c != nil {
		s.pending = nil
		return c, nil
	}
	select {
	case c := <-s.chunks:
		return c, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
}

// Close cancels the chain and waits for it to return.
func (s *pushStreamer) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *pushStreamer) Metadata() map[string]any {
	select {
	case <-s.done:
		return s.meta.get()
	default:
		return nil
	}
}
