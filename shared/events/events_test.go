package events

import (
	"encoding/json"
	"testing"

	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"exact match", "payment.created", "payment.created", true},
		{"exact mismatch", "payment.created", "payment.failed", false},
		{"single wildcard", "payment.created", "payment.*", true},
		{"single wildcard mismatch length", "payment.refund.completed", "payment.*", false},
		{"leading wildcard", "financing.approved", "*.approved", true},
		{"hash matches everything", "insurance.purchased", "#", true},
		{"prefix hash", "saga.failed", "#.failed", true},
		{"suffix hash", "saga.failed", "saga.#", true},
		{"contains hash", "saga.compensated", "#compensat#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestNewTopic(t *testing.T) {
	_, err := NewTopic("")
	assert.ErrorIs(t, err, ErrInvalidTopic)

	topic, err := NewTopic("payment.created")
	require.NoError(t, err)
	assert.Equal(t, "payment.created", topic.String())
}

func TestEventPayloadRoundTrip(t *testing.T) {
	orderID := models.GenerateUUID()
	event := NewEvent(orderID, PaymentCreatedEvent, StepOutcomeData{
		OrderID:       orderID.String(),
		StepName:      "payment",
		Outcome:       "accepted",
		CorrelationID: orderID.String(),
	}).WithCorrelationID(orderID)

	raw, err := event.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, Topic(PaymentCreatedEvent), decoded.Topic)
	assert.Equal(t, orderID, decoded.CorrelationID)

	var data StepOutcomeData
	require.NoError(t, decoded.UnmarshalPayload(&data))
	assert.Equal(t, "payment", data.StepName)
	assert.Equal(t, "accepted", data.Outcome)
}

func TestUnmarshalPayloadRequiresPointer(t *testing.T) {
	event := NewEvent(models.GenerateUUID(), SagaStartedEvent, map[string]string{"k": "v"})

	var data map[string]string
	assert.ErrorIs(t, event.UnmarshalPayload(data), ErrInvalidReceiver)
}

func TestUnmarshalPayloadFromRawMessage(t *testing.T) {
	event := NewEvent(models.GenerateUUID(), SagaStartedEvent, json.RawMessage(`{"order_id":"o1"}`))

	var data struct {
		OrderID string `json:"order_id"`
	}
	require.NoError(t, event.UnmarshalPayload(&data))
	assert.Equal(t, "o1", data.OrderID)
}

func TestMetadataMerge(t *testing.T) {
	m := Metadata{"a": "1"}
	merged := m.Merge(Metadata{"b": "2"})

	assert.True(t, merged.Has("a"))
	assert.True(t, merged.Has("b"))
	assert.True(t, merged.Matches(Metadata{"a": "1"}))
	assert.False(t, merged.Matches(Metadata{"a": "x"}))
}
