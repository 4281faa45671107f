package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// dedup:{consumer}:{topic}:{correlation_id}
const dedupKeyFormat = "dedup:%s:%s:%s"

// DedupTTL bounds how long a processed marker is kept. Redelivery past this
// window is handled by downstream idempotency instead.
var DedupTTL = 48 * time.Hour

// DedupStore acquires and releases processed-markers for messages.
type DedupStore interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDedupStore implements DedupStore using SETNX with a TTL.
type RedisDedupStore struct {
	client *redis.Client
}

// NewRedisDedupStore creates a dedup store on an existing client
func NewRedisDedupStore(client *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

// Acquire implements DedupStore
func (s *RedisDedupStore) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", DedupTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire dedup marker")
	}
	return ok, nil
}

// Release implements DedupStore
func (s *RedisDedupStore) Release(ctx context.Context, key string) error {
	err := s.client.Del(ctx, key).Err()
	return errors.Wrap(err, "failed to release dedup marker")
}

// DeduplicatingHandler wraps an events.EventHandler so that a redelivered
// message (same topic and correlation ID) is acknowledged without invoking
// the inner handler again. When the inner handler fails, the marker is
// released so the broker's redelivery gets another attempt.
type DeduplicatingHandler struct {
	consumer string
	store    DedupStore
	inner    events.EventHandler
}

// NewDeduplicatingHandler wraps handler with correlation-ID deduplication
func NewDeduplicatingHandler(consumer string, store DedupStore, inner events.EventHandler) *DeduplicatingHandler {
	return &DeduplicatingHandler{
		consumer: consumer,
		store:    store,
		inner:    inner,
	}
}

// Handle implements events.EventHandler
func (h *DeduplicatingHandler) Handle(ctx context.Context, event *events.Event) error {
	key := h.dedupKey(event)

	fresh, err := h.store.Acquire(ctx, key)
	if err != nil {
		// Dedup store unavailable: process anyway, downstream idempotency
		// keys absorb the duplicate.
		logger.L().Warn("dedup store unavailable, processing without marker",
			zap.String("topic", event.Topic.String()),
			zap.Error(err),
		)
		return h.inner.Handle(ctx, event)
	}

	if !fresh {
		logger.L().Debug("duplicate event skipped",
			zap.String("topic", event.Topic.String()),
			zap.String("correlation_id", event.CorrelationID.String()),
		)
		return nil
	}

	if err := h.inner.Handle(ctx, event); err != nil {
		if releaseErr := h.store.Release(ctx, key); releaseErr != nil {
			logger.L().Error("failed to release dedup marker after handler error",
				zap.String("topic", event.Topic.String()),
				zap.Error(releaseErr),
			)
		}
		return err
	}

	return nil
}

func (h *DeduplicatingHandler) dedupKey(event *events.Event) string {
	discriminator := event.CorrelationID.String()
	if discriminator == "" {
		discriminator = event.ID.String()
	}
	return fmt.Sprintf(dedupKeyFormat, h.consumer, event.Topic.String(), discriminator)
}
