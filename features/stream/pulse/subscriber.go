package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/lackey/features/stream/pulse/clients/pulse"
	"goa.design/lackey/runtime/chat/stream"
)

type (
	// EnvelopeDecoder converts raw Pulse payloads into wire events.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads from Pulse. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "lackey_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder defaults to the JSON envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber reads mirrored events from Pulse streams.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber returns a Subscriber reading through opts.Client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, buffer: opts.Buffer, name: opts.SinkName, decode: opts.Decoder}
	if s.name == "" {
		s.name = "lackey_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEnvelope
	}
	return s, nil
}

// Subscribe opens a consumer group on streamName and returns the decoded
// events and the first consumption error. The returned cancel function stops
// consumption, closes the Pulse sink and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, streamName string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	return s.subscribe(ctx, streamName, s.name, opts...)
}

func (s *Subscriber) subscribe(ctx context.Context, streamName, sinkName string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamName)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, sinkName, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.consume(runCtx, sink, events, errs)
	}()
	stop := func() {
		cancel()
		<-done
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	if env.Type == "" {
		return stream.Event{}, errors.New("envelope without type")
	}
	return stream.Event{Type: stream.EventType(env.Type), Data: env.Payload}, nil
}
