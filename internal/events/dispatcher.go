package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailnotes/internal/archive/sqlite"
)

// Dispatcher drains the archive outbox into NATS. Events stay in the
// outbox until publication succeeds, so a broker outage only delays them.
type Dispatcher struct {
	store     *sqlite.Store
	publisher *Publisher
	log       *logrus.Entry
}

// NewDispatcher creates a dispatcher over the archive outbox.
func NewDispatcher(store *sqlite.Store, publisher *Publisher, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{store: store, publisher: publisher, log: log}
}

// Run loops until ctx is cancelled, publishing due outbox events.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.WithError(err).Error("failed to dequeue outbox")
			sleepCtx(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleepCtx(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("publish failed, scheduling retry")
				_ = d.store.MarkRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to mark published")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
