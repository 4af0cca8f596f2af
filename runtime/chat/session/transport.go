package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/stream"
)

type (
	// Transport issues a chat request and returns the encoded response
	// stream. The returned body is closed by the caller.
	Transport interface {
		Open(ctx context.Context, req *apitypes.ChatRequest) (io.ReadCloser, error)
	}

	// HTTPTransport posts requests to a chat endpoint.
	HTTPTransport struct {
		// URL is the chat endpoint, for example http://localhost:3000/api/chat.
		URL string
		// Client defaults to http.DefaultClient.
		Client *http.Client
	}

	// StreamOpener starts a model stream for a chat request in process.
	StreamOpener interface {
		OpenStream(ctx context.Context, req *apitypes.ChatRequest) (model.Streamer, error)
	}

	// LocalTransport encodes an in-process model stream without HTTP.
	LocalTransport struct {
		Opener  StreamOpener
		Options []stream.Option
	}

	// StatusError reports a non-2xx response.
	StatusError struct {
		StatusCode int
		Body       string
	}
)

func (t *HTTPTransport) Open(ctx context.Context, req *apitypes.ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", stream.ContentType)
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

func (t *LocalTransport) Open(ctx context.Context, req *apitypes.ChatRequest) (io.ReadCloser, error) {
	st, err := t.Opener.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream.Pipe(ctx, st, t.Options...), nil
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("chat request failed with status %d", e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}
