package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
)

const (
	OutcomeHandled   = "handled"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

// Handler executes the writes for one routed event.
type Handler interface {
	Handle(ctx context.Context, event protocol.Event) error
}

type HandlerFunc func(ctx context.Context, event protocol.Event) error

func (f HandlerFunc) Handle(ctx context.Context, event protocol.Event) error { return f(ctx, event) }

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error that redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Consumer runs a handler over broker messages, one message at a time per
// queue.
type Consumer struct {
	handler Handler
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewConsumer(handler Handler, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = observability.NewLogger("consumer")
	}
	return &Consumer{handler: handler, metrics: metrics, logger: logger}
}

// Run consumes every queue on its own goroutine until ctx is done or the
// queues are closed.
func (c *Consumer) Run(ctx context.Context, queues []*Queue) {
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			c.consume(ctx, q)
		}(q)
	}
	wg.Wait()
}

func (c *Consumer) consume(ctx context.Context, q *Queue) {
	logger := c.logger.With("queue", q.Name())
	logger.Info("queue consumer started", "event", "queue_consumer_started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.Messages():
			if !ok {
				logger.Info("queue closed", "event", "queue_consumer_stopped")
				return
			}
			// Failures are logged and counted inside Dispatch; the lane keeps going.
			_ = c.Dispatch(ctx, msg)
		}
	}
}

// Dispatch decodes and handles a single message. A non-nil error that is
// not permanent means the message may be redelivered.
func (c *Consumer) Dispatch(ctx context.Context, msg Message) error {
	requestType := msg.Headers[protocol.HeaderRequestType]
	logger := observability.WithRequest(c.logger, requestType, msg.HashKey())

	ctx, span := observability.Tracer("routing").Start(ctx, "routing.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_type", requestType),
		attribute.String("hash_on", msg.HashKey()),
	)

	event, err := protocol.DecodeEvent(msg.Headers, msg.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		c.metrics.IncConsumed(requestType, OutcomeMalformed)
		logger.Error("malformed message", "event", "event_malformed", "error", err)
		return Permanent(err)
	}

	err = c.safeHandle(ctx, event)
	switch {
	case err == nil:
		c.metrics.IncConsumed(requestType, OutcomeHandled)
		return nil
	case IsPermanent(err):
		span.RecordError(err)
		c.metrics.IncConsumed(requestType, OutcomeRejected)
		logger.Warn("event rejected", "event", "event_rejected", "error", err)
		return err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "handle failed")
		c.metrics.IncConsumed(requestType, OutcomeFailed)
		logger.Error("event handling failed", "event", "event_handle_failed", "error", err)
		return err
	}
}

func (c *Consumer) safeHandle(ctx context.Context, event protocol.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return c.handler.Handle(ctx, event)
}
