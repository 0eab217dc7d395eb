package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Handler processes one event. A returned error is logged; it does not stop
// the consumer.
type Handler[T any] func(ctx context.Context, env Envelope[T]) error

// Consume drives sub until ctx is done or the topic is closed. Handler
// errors and panics are logged and the loop moves on, so one failing event
// never takes down the subscriber or its siblings.
func Consume[T any](ctx context.Context, sub *Subscriber[T], handle Handler[T]) error {
	defer sub.Unsubscribe()
	for {
		env, _, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := safeHandle(ctx, handle, env); err != nil {
			log.Error().
				Err(err).
				Str("topic", sub.topic.name).
				Str("subscriber", sub.name).
				Uint64("seq", env.Seq).
				Msg("bus: handler failed")
		}
	}
}

func safeHandle[T any](ctx context.Context, handle Handler[T], env Envelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handle(ctx, env)
}
