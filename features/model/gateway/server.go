package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
)

type (
	// Server adapts a model.Client into a composable streaming handler.
	//
	// Middleware is applied in registration order: the first middleware
	// registered wraps all subsequent ones, forming an onion structure where
	// the innermost layer invokes the provider client.
	Server struct {
		provider model.Client
		stream   StreamHandler
	}

	// StreamHandler processes a streaming request by invoking send for each
	// chunk produced by the model. send must be called sequentially; an
	// error returned by send aborts the stream. A nil return means the model
	// finished normally.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error

	// StreamMiddleware wraps a StreamHandler to add behavior around
	// streaming completions. It may intercept or transform chunks via send
	// but must preserve its sequential semantics.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures a Server during construction.
	Option func(*serverConfig)

	serverConfig struct {
		provider model.Client
		streamMW []StreamMiddleware
	}

	// metadataHolder carries provider metadata from the innermost handler
	// back to the bridging Streamer.
	metadataHolder struct {
		mu   sync.Mutex
		meta map[string]any
	}

	metadataKey struct{}
)

// WithProvider sets the model client forming the innermost layer of the
// chain. Required.
func WithProvider(p model.Client) Option {
	return func(c *serverConfig) { c.provider = p }
}

// WithStream appends middleware to the streaming chain.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer builds the middleware chain around the provider. It returns
// ErrProviderRequired when no provider is configured.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}
	base := func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
		st, err := cfg.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer func() {
			if h, ok := ctx.Value(metadataKey{}).(*metadataHolder); ok {
				h.set(st.Metadata())
			}
			_ = st.Close()
		}()
		for {
			ch, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := send(ch); err != nil {
				return err
			}
		}
	}
	stream := StreamHandler(base)
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}
	return &Server{provider: cfg.provider, stream: stream}, nil
}

// Stream runs req through the middleware chain, invoking send for each
// chunk.
func (s *Server) Stream(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
	return s.stream(ctx, req, send)
}

// Client returns the middleware chain as a model.Client.
func (s *Server) Client() model.Client {
	return NewRemoteClient(s.open)
}

// Logging returns middleware logging the start and outcome of every
// stream and recording request metrics.
func Logging(tel telemetry.Telemetry) StreamMiddleware {
	tel = tel.WithDefaults()
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
			start := time.Now()
			chunks := 0
			tel.Logger.Debug(ctx, "model stream started", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))
			err := next(ctx, req, func(c model.Chunk) error {
				chunks++
				return send(c)
			})
			status := "ok"
			switch {
			case err == nil:
				tel.Logger.Info(ctx, "model stream completed", "model", req.Model, "chunks", chunks, "duration", time.Since(start))
			case errors.Is(err, context.Canceled):
				status = "canceled"
				tel.Logger.Info(ctx, "model stream canceled", "model", req.Model, "chunks", chunks)
			default:
				status = "error"
				tel.Logger.Error(ctx, "model stream failed", "model", req.Model, "chunks", chunks, "err", err)
			}
			tel.Metrics.IncCounter(telemetry.MetricChatRequests, 1, "model", req.Model, "status", status)
			tel.Metrics.RecordTimer(telemetry.MetricChatDuration, time.Since(start), "model", req.Model)
			return err
		}
	}
}

func (h *metadataHolder) set(meta map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta = meta
}

func (h *metadataHolder) get() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta
}
