package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/lackey/features/stream/pulse/clients/pulse"
	mockpulse "goa.design/lackey/features/stream/pulse/clients/pulse/mocks"
	"goa.design/lackey/runtime/chat/stream"
)

func envelopeBytes(t *testing.T, typ, data string) []byte {
	t.Helper()
	b, err := json.Marshal(envelope{Type: typ, SessionID: "s-1", Timestamp: fixedNow, Payload: json.RawMessage(data)})
	require.NoError(t, err)
	return b
}

// mockSession wires a client, stream and sink mock serving eventCh.
func mockSession(t *testing.T, eventCh chan *streaming.Event, wantSink func(string)) (*mockpulse.Client, *mockpulse.Sink) {
	t.Helper()
	client := mockpulse.NewClient(t)
	str := mockpulse.NewStream(t)
	sink := mockpulse.NewSink(t)
	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "session/s-1", name)
		return str, nil
	})
	str.AddNewSink(func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
		if wantSink != nil {
			wantSink(name)
		}
		return sink, nil
	})
	sink.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sink.SetAck(func(context.Context, *streaming.Event) error { return nil })
	sink.AddClose(func(context.Context) {})
	return client, sink
}

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	client, _ := mockSession(t, eventCh, func(name string) { require.Equal(t, "lackey_subscriber", name) })

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/s-1")
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{ID: "1-0", Payload: envelopeBytes(t, "message", `"hi"`)}
	close(eventCh)

	e := <-events
	require.Equal(t, stream.EventMessage, e.Type)
	text, ok := e.Text()
	require.True(t, ok)
	require.Equal(t, "hi", text)
	_, open := <-events
	require.False(t, open)
	require.NoError(t, <-errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	client, _ := mockSession(t, eventCh, nil)

	sub, err := NewSubscriber(SubscriberOptions{
		Client:  client,
		Decoder: func([]byte) (stream.Event, error) { return stream.Event{}, errors.New("decode error") },
	})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/s-1")
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.EqualError(t, <-errs, "pulse decode payload: decode error")
	_, open := <-events
	require.False(t, open)
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"payload":"x"}`))
	require.Error(t, err)
	_, err = decodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestReplayStopsWhenIdle(t *testing.T) {
	eventCh := make(chan *streaming.Event, 2)
	client, _ := mockSession(t, eventCh, func(name string) { require.Contains(t, name, "replay-") })
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	eventCh <- &streaming.Event{ID: "1-0", Payload: envelopeBytes(t, "message", `"a"`)}
	eventCh <- &streaming.Event{ID: "2-0", Payload: envelopeBytes(t, "tool", `{"id":"c1","name":"x","args":{}}`)}

	var got []stream.EventType
	err = NewReplayer(sub, 50*time.Millisecond).Replay(context.Background(), "s-1", func(ev stream.Event) error {
		got = append(got, ev.Type)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, []stream.EventType{stream.EventMessage, stream.EventTool}, got)
}

func TestReplayCallbackError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	client, _ := mockSession(t, eventCh, nil)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: envelopeBytes(t, "message", `"a"`)}

	err = NewReplayer(sub, time.Second).Replay(context.Background(), "s-1", func(stream.Event) error {
		return errors.New("client gone")
	})
	require.EqualError(t, err, "client gone")
}

func TestReplayRequiresSession(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: mockpulse.NewClient(t)})
	require.NoError(t, err)
	err = NewReplayer(sub, 0).Replay(context.Background(), "", func(stream.Event) error { return nil })
	require.ErrorIs(t, err, ErrSessionRequired)
}
