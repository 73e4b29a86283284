package relay

import (
	"context"
	"errors"
	"io"
)

// Source is a pull-based incremental token producer. Next returns io.EOF when
// the upstream completes normally.
type Source interface {
	Next() (string, error)
	Close() error
}

// Event is one frame delivered to the caller: a single token, a terminal end
// marker (Done), or a terminal error. After a Done or Err event the channel is
// closed; the sequence is one-directional and non-restartable.
type Event struct {
	Token string
	Err   error
	Done  bool
}

// Run relays tokens from src to the returned channel in upstream order, one
// token per event. When ctx is cancelled the relay stops pulling from src and
// closes it; no events are emitted after cancellation. A mid-stream upstream
// failure is surfaced as a terminal Err event so the caller can distinguish
// interruption from normal completion.
func Run(ctx context.Context, src Source) <-chan Event {
	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer src.Close()

		for {
			tok, err := src.Next()

			var ev Event
			switch {
			case errors.Is(err, io.EOF):
				ev = Event{Done: true}
			case err != nil:
				ev = Event{Err: err}
			default:
				ev = Event{Token: tok}
			}

			// Cancellation takes priority over a ready receiver.
			select {
			case <-ctx.Done():
				return
			default:
			}

			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}

			if ev.Done || ev.Err != nil {
				return
			}
		}
	}()

	return ch
}
