package infrastructure

import (
	"context"
	"time"

	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UnpublishedSource lists outbox events the broker has not acknowledged.
type UnpublishedSource interface {
	FindUnpublished(ctx context.Context, recordedBefore time.Time, limit int) ([]*events.Event, error)
	MarkPublished(ctx context.Context, ids []models.ID) error
}

// EventRelay republishes outbox events whose broker delivery never got
// confirmed. Together with the consumer-side deduplicator this closes the
// at-least-once loop: a publish that failed after the saga state was saved
// is retried here instead of being lost.
type EventRelay struct {
	source    UnpublishedSource
	publisher events.Publisher

	interval time.Duration
	grace    time.Duration
	batch    int
}

// RelayOption configures the relay
type RelayOption func(*EventRelay)

// WithRelayInterval sets the sweep period
func WithRelayInterval(d time.Duration) RelayOption {
	return func(r *EventRelay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRelayGrace sets how old an unpublished event must be before the relay
// touches it, leaving in-progress first attempts alone.
func WithRelayGrace(d time.Duration) RelayOption {
	return func(r *EventRelay) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithRelayBatch sets the per-sweep event limit
func WithRelayBatch(n int) RelayOption {
	return func(r *EventRelay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// NewEventRelay creates a relay over the outbox source. The publisher must
// be the raw broker publisher, not the auditing one, or every sweep would
// re-append its own events.
func NewEventRelay(source UnpublishedSource, publisher events.Publisher, opts ...RelayOption) *EventRelay {
	r := &EventRelay{
		source:    source,
		publisher: publisher,
		interval:  30 * time.Second,
		grace:     30 * time.Second,
		batch:     100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps the outbox until the context is cancelled.
func (r *EventRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := r.Sweep(ctx); err != nil {
				logger.L().Error("outbox sweep failed", zap.Error(err))
			} else if count > 0 {
				logger.L().Info("republished unconfirmed events", zap.Int("count", count))
			}
		}
	}
}

// Sweep republishes one batch of unconfirmed events and marks the delivered
// ones. Returns how many events went out.
func (r *EventRelay) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.grace)
	evts, err := r.source.FindUnpublished(ctx, cutoff, r.batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load unpublished events")
	}
	if len(evts) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, evts...); err != nil {
		return 0, errors.Wrap(err, "failed to republish events")
	}

	if err := r.source.MarkPublished(ctx, eventIDs(evts)); err != nil {
		// Worst case the next sweep republishes; consumers deduplicate.
		return len(evts), errors.Wrap(err, "failed to mark republished events")
	}
	return len(evts), nil
}
