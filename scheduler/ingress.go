package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Ingress binds durable JetStream consumers for the task-completed and
// task-failed subjects, decodes each message into an Event, and hands it to
// the Dispatcher. It acks on successful dispatch, naks on a transient
// failure (so JetStream redelivers), and also acks on a protocol violation
// since redelivery can never fix a malformed payload.
type Ingress struct {
	completed jetstream.Consumer
	failed    jetstream.Consumer
	fetchWait time.Duration
	workers   int
	dispatch  *Dispatcher
	logger    *slog.Logger
	metrics   *Metrics
	sem       chan struct{}
}

// NewIngress constructs an Ingress around the given consumers.
func NewIngress(completed, failed jetstream.Consumer, fetchWait time.Duration, workers int, dispatch *Dispatcher, logger *slog.Logger, metrics *Metrics) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Ingress{
		completed: completed,
		failed:    failed,
		fetchWait: fetchWait,
		workers:   workers,
		dispatch:  dispatch,
		logger:    logger,
		metrics:   metrics,
		sem:       make(chan struct{}, workers),
	}
}

// Run drives both consume loops until ctx is cancelled, blocking until both
// have returned.
func (in *Ingress) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { in.consumeLoop(ctx, in.completed, decodeCompleted); done <- struct{}{} }()
	go func() { in.consumeLoop(ctx, in.failed, decodeFailed); done <- struct{}{} }()
	<-done
	<-done
}

// decoder parses a raw message body into a normalized Event.
type decoder func([]byte) (Event, error)

func (in *Ingress) consumeLoop(ctx context.Context, consumer jetstream.Consumer, decode decoder) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(in.workers, jetstream.FetchMaxWait(in.fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.logger.DebugContext(ctx, "fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			in.sem <- struct{}{}
			msg := msg
			go func() {
				defer func() { <-in.sem }()
				in.handle(ctx, msg, decode)
			}()
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			in.logger.WarnContext(ctx, "message fetch error", "error", msgs.Error())
		}
	}
}

func (in *Ingress) handle(ctx context.Context, msg jetstream.Msg, decode decoder) {
	evt, err := decode(msg.Data())
	if err != nil {
		in.logger.ErrorContext(ctx, "malformed event, acking to drop", "error", err)
		in.metrics.observeError("decode")
		if ackErr := msg.Ack(); ackErr != nil {
			in.logger.WarnContext(ctx, "failed to ack malformed message", "error", ackErr)
		}
		return
	}

	if err := in.dispatch.Dispatch(ctx, evt); err != nil {
		if IsProtocolViolation(err) {
			in.logger.ErrorContext(ctx, "protocol violation dispatching event, acking to drop",
				"graph_id", evt.TaskGraphID, "task_id", evt.TaskID, "error", err)
			if ackErr := msg.Ack(); ackErr != nil {
				in.logger.WarnContext(ctx, "failed to ack message", "error", ackErr)
			}
			return
		}

		in.logger.WarnContext(ctx, "dispatch failed, nak for redelivery",
			"graph_id", evt.TaskGraphID, "task_id", evt.TaskID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			in.logger.WarnContext(ctx, "failed to nak message", "error", nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		in.logger.WarnContext(ctx, "failed to ack message", "error", err)
	}
}
