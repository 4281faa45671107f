package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	appended  []*events.Event
	published map[models.ID]bool

	appendErr error
	markErr   error
	findErr   error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{published: make(map[models.ID]bool)}
}

func (o *fakeOutbox) Append(_ context.Context, evts []*events.Event) error {
	if o.appendErr != nil {
		return o.appendErr
	}
	o.appended = append(o.appended, evts...)
	return nil
}

func (o *fakeOutbox) MarkPublished(_ context.Context, ids []models.ID) error {
	if o.markErr != nil {
		return o.markErr
	}
	for _, id := range ids {
		o.published[id] = true
	}
	return nil
}

func (o *fakeOutbox) FindUnpublished(_ context.Context, recordedBefore time.Time, limit int) ([]*events.Event, error) {
	if o.findErr != nil {
		return nil, o.findErr
	}
	var out []*events.Event
	for _, event := range o.appended {
		if o.published[event.ID] || event.Timestamp.After(recordedBefore) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeBroker struct {
	published []*events.Event
	err       error
}

func (b *fakeBroker) Publish(_ context.Context, evts ...*events.Event) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, evts...)
	return nil
}

func lifecycleEvent() *events.Event {
	orderID := models.GenerateUUID()
	return events.NewEvent(orderID, events.SagaStartedEvent, events.StepOutcomeData{
		OrderID: orderID.String(),
		Outcome: "accepted",
	}).WithCorrelationID(orderID)
}

func TestAuditingPublisher_MarksDeliveredEvents(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	broker := &fakeBroker{}
	publisher := NewAuditingPublisher(broker, outbox)

	event := lifecycleEvent()
	require.NoError(t, publisher.Publish(ctx, event))

	assert.Len(t, outbox.appended, 1)
	assert.Len(t, broker.published, 1)
	assert.True(t, outbox.published[event.ID])
}

func TestAuditingPublisher_BrokerFailureLeavesEventInOutbox(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	broker := &fakeBroker{err: errors.New("sns unavailable")}
	publisher := NewAuditingPublisher(broker, outbox)

	event := lifecycleEvent()
	// Not an error: the outbox row is the durable handoff and the relay
	// finishes the delivery.
	require.NoError(t, publisher.Publish(ctx, event))

	assert.Len(t, outbox.appended, 1)
	assert.False(t, outbox.published[event.ID])
}

func TestAuditingPublisher_BothFailuresSurface(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	outbox.appendErr = errors.New("db down")
	broker := &fakeBroker{err: errors.New("sns unavailable")}
	publisher := NewAuditingPublisher(broker, outbox)

	assert.Error(t, publisher.Publish(ctx, lifecycleEvent()))
}

func TestAuditingPublisher_AppendFailureStillPublishes(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	outbox.appendErr = errors.New("db down")
	broker := &fakeBroker{}
	publisher := NewAuditingPublisher(broker, outbox)

	require.NoError(t, publisher.Publish(ctx, lifecycleEvent()))
	assert.Len(t, broker.published, 1)
}

func TestEventRelay_RepublishesUnconfirmedEvents(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	downBroker := &fakeBroker{err: errors.New("sns unavailable")}
	publisher := NewAuditingPublisher(downBroker, outbox)

	first := lifecycleEvent()
	second := lifecycleEvent()
	require.NoError(t, publisher.Publish(ctx, first))
	require.NoError(t, publisher.Publish(ctx, second))

	// The broker comes back; the relay finishes the delivery.
	recoveredBroker := &fakeBroker{}
	relay := NewEventRelay(outbox, recoveredBroker, WithRelayGrace(time.Nanosecond), WithRelayBatch(10))

	time.Sleep(time.Millisecond)
	count, err := relay.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, count)
	assert.Len(t, recoveredBroker.published, 2)
	assert.True(t, outbox.published[first.ID])
	assert.True(t, outbox.published[second.ID])

	// A second sweep finds nothing left.
	count, err = relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEventRelay_LeavesFreshEventsAlone(t *testing.T) {
	ctx := context.Background()
	outbox := newFakeOutbox()
	require.NoError(t, outbox.Append(ctx, []*events.Event{lifecycleEvent()}))

	broker := &fakeBroker{}
	relay := NewEventRelay(outbox, broker, WithRelayGrace(time.Hour))

	count, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, broker.published)
}
