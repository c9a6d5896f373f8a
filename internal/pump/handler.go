package pump

import (
	"context"
	"fmt"

	"github.com/storacha/queuepump/internal/servicebus"
)

// Handler processes one message. Returning nil deletes the message, returning
// an error leaves it on the queue for redelivery. Handlers must be idempotent:
// a message whose delete fails is delivered again.
type Handler func(ctx context.Context, msg *servicebus.PeekedMessage) error

// JSON adapts a handler of decoded content. Content that does not decode
// into T fails the attempt like any other handler error.
func JSON[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, msg *servicebus.PeekedMessage) error {
		var v T
		if err := msg.Decode(&v); err != nil {
			return err
		}
		return fn(ctx, v)
	}
}

func safeCall(ctx context.Context, h Handler, msg *servicebus.PeekedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}
