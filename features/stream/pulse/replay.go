package pulse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/pulse/streaming/options"

	"goa.design/lackey/runtime/chat/stream"
)

// DefaultIdleTimeout is how long Replay waits for a further event before
// considering the stream caught up.
const DefaultIdleTimeout = time.Second

// Replayer reads back the mirrored events of a session from the oldest
// entry. Every replay uses its own consumer group so concurrent readers all
// receive every event.
type Replayer struct {
	sub        *Subscriber
	streamName func(string) (string, error)
	idle       time.Duration
}

// NewReplayer returns a Replayer reading through sub. A non-positive idle
// uses DefaultIdleTimeout.
func NewReplayer(sub *Subscriber, idle time.Duration) *Replayer {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Replayer{sub: sub, streamName: StreamName, idle: idle}
}

// Replay calls fn for each mirrored event of sessionID in order. It returns
// nil once no event arrived for the idle timeout, or the first error of fn,
// of the subscription or of ctx.
func (r *Replayer) Replay(ctx context.Context, sessionID string, fn func(stream.Event) error) error {
	name, err := r.streamName(sessionID)
	if err != nil {
		return err
	}
	events, errs, stop, err := r.sub.subscribe(ctx, name, "replay-"+uuid.NewString(), options.WithSinkStartAtOldest())
	if err != nil {
		return err
	}
	defer stop()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case ev, ok := <-events:
			if !ok {
				if err := <-errs; err != nil {
					return err
				}
				return nil
			}
			if err := fn(ev); err != nil {
				return err
			}
			timer.Reset(r.idle)
		}
	}
}
