package channels

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Dispatcher is the single consumer of a Source's live stream. Messages are
// handed to the InboundHandler one at a time, in the order the source
// delivered them, so classification never interleaves.
type Dispatcher struct {
	source  Source
	handler InboundHandler
	logger  *slog.Logger

	handled atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher feeding src's live messages to handler.
func NewDispatcher(src Source, handler InboundHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		source:  src,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run blocks until ctx is cancelled or the source's listen channel closes.
// A panicking handler is logged and the loop continues with the next message.
func (d *Dispatcher) Run(ctx context.Context) {
	msgs := d.source.Listen(ctx)
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case msg, ok := <-msgs:
			if !ok {
				d.logger.Info("source listen closed")
				return
			}
			d.dispatch(ctx, msg)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("inbound handler panicked",
				"channel", msg.ChannelID, "message_id", msg.ID, "panic", r)
		}
	}()
	d.handler(ctx, msg)
	d.handled.Add(1)
}

// Handled returns the number of messages passed to the handler so far.
func (d *Dispatcher) Handled() int64 { return d.handled.Load() }
