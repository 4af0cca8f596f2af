package gateway

import (
	"context"
	"fmt"

	"goa.design/lackey/runtime/chat/model"
)

type (
	// Route maps a client facing model id to a provider client.
	Route struct {
		// ID is the model id clients send.
		ID string
		// Name is the provider model name. Defaults to ID.
		Name string
		// Provider labels the route in logs and model listings.
		Provider string
		// Client streams completions for the route.
		Client model.Client
		// MaxTokens and Temperature apply when the request leaves them unset.
		MaxTokens   int
		Temperature float32
	}

	// Router is a model.Client dispatching requests by model id.
	Router struct {
		routes map[string]Route
		order  []string
	}
)

// NewRouter returns a Router serving routes. Route ids must be unique.
func NewRouter(routes ...Route) (*Router, error) {
	r := &Router{routes: make(map[string]Route, len(routes))}
	for _, rt := range routes {
		if rt.Client == nil {
			return nil, fmt.Errorf("%w: route %q", ErrProviderRequired, rt.ID)
		}
		if _, dup := r.routes[rt.ID]; dup {
			return nil, fmt.Errorf("model gateway: duplicate route %q", rt.ID)
		}
		if rt.Name == "" {
			rt.Name = rt.ID
		}
		r.routes[rt.ID] = rt
		r.order = append(r.order, rt.ID)
	}
	return r, nil
}

// Stream forwards req to the route of req.Model with the provider model
// name substituted.
func (r *Router) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	rt, ok := r.routes[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
	}
	fwd := *req
	fwd.Model = rt.Name
	if fwd.MaxTokens == 0 {
		fwd.MaxTokens = rt.MaxTokens
	}
	if fwd.Temperature == 0 {
		fwd.Temperature = rt.Temperature
	}
	return rt.Client.Stream(ctx, &fwd)
}

// Routes returns the routes in registration order.
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.routes[id])
	}
	return out
}

// Has reports whether id is routed.
func (r *Router) Has(id string) bool {
	_, ok := r.routes[id]
	return ok
}
