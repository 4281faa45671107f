package infrastructure

import (
	"context"

	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventOutbox is the durable record backing at-least-once delivery: events
// are appended before the broker publish and marked once the broker acks.
type EventOutbox interface {
	Append(ctx context.Context, evts []*events.Event) error
	MarkPublished(ctx context.Context, ids []models.ID) error
}

// AuditingPublisher writes events to the outbox before handing them to the
// broker. A broker failure is not an error: the outbox row stays unpublished
// and the relay redelivers it. Publish fails only when neither the outbox
// nor the broker accepted the event.
type AuditingPublisher struct {
	inner  events.Publisher
	outbox EventOutbox
}

// NewAuditingPublisher creates a new AuditingPublisher
func NewAuditingPublisher(inner events.Publisher, outbox EventOutbox) *AuditingPublisher {
	return &AuditingPublisher{inner: inner, outbox: outbox}
}

// Publish implements events.Publisher
func (p *AuditingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	appended := true
	if err := p.outbox.Append(ctx, evts); err != nil {
		appended = false
		logger.L().Warn("failed to append events to outbox", zap.Error(err))
	}

	if err := p.inner.Publish(ctx, evts...); err != nil {
		if !appended {
			// No durable record anywhere; the caller must treat this as a
			// hard failure.
			return errors.Wrap(err, "event neither recorded nor published")
		}
		// Recorded but not delivered; the relay picks it up.
		logger.L().Warn("broker publish failed, deferring to outbox relay", zap.Error(err))
		return nil
	}

	if appended {
		if err := p.outbox.MarkPublished(ctx, eventIDs(evts)); err != nil {
			// The relay will republish; consumers deduplicate.
			logger.L().Warn("failed to mark events published", zap.Error(err))
		}
	}
	return nil
}

func eventIDs(evts []*events.Event) []models.ID {
	ids := make([]models.ID, len(evts))
	for i, event := range evts {
		ids[i] = event.ID
	}
	return ids
}

var _ events.Publisher = (*AuditingPublisher)(nil)
