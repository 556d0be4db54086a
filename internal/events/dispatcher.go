package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailmirror/internal/metrics"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// Publisher is the bus the dispatcher hands events to
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Outbox is the part of the mirror store the dispatcher drains
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher moves outbox entries to the bus
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batch     int
	backoff   retry.BackoffConfig
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher polling every interval
func NewDispatcher(outbox Outbox, publisher Publisher, interval time.Duration, logger zerolog.Logger) *Dispatcher {
	backoff := retry.DefaultBackoffConfig()
	backoff.InitialInterval = 10 * time.Second
	backoff.MaxInterval = 10 * time.Minute
	backoff.Jitter = false
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batch:     100,
		backoff:   backoff,
		log:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("error dequeuing outbox")
		}

		wait := d.interval
		if err != nil {
			wait = time.Second
		} else if n == d.batch {
			// more may be waiting
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries it saw
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			d.log.Warn().Err(err).Int64("outbox_id", msg.ID).Str("msg_id", msg.MsgID).Int("retries", msg.Retries).Msg("error publishing event")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.backoff.Delay(msg.Retries+1)); err != nil {
				d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error scheduling retry")
			}
			continue
		}

		metrics.EventsPublished.WithLabelValues("ok").Inc()
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error marking event published")
		}
	}
	return len(messages), nil
}
