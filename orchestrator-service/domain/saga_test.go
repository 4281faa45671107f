package domain

import (
	"testing"

	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()

	order, err := NewOrder("", models.GenerateUUID(), models.NewMoney(2_500_000_00, "RUB"), PurchaseDetails{
		PaymentMethod: "card",
		InsuranceType: "kasko",
	})
	require.NoError(t, err)
	return order
}

func newRunningSaga(t *testing.T) *Saga {
	t.Helper()

	saga, err := NewSaga(newTestOrder(t), PurchaseStepNames())
	require.NoError(t, err)
	require.NoError(t, saga.Start())
	return saga
}

func recordedTopics(saga *Saga) []string {
	topics := make([]string, 0, len(saga.Events()))
	for _, event := range saga.Events() {
		topics = append(topics, event.Topic.String())
	}
	return topics
}

func TestNewSaga(t *testing.T) {
	tests := []struct {
		name      string
		order     *Order
		steps     []string
		expectErr string
	}{
		{
			name:  "valid",
			order: newTestOrder(t),
			steps: PurchaseStepNames(),
		},
		{
			name:      "nil order",
			order:     nil,
			steps:     PurchaseStepNames(),
			expectErr: "order is required",
		},
		{
			name:      "no steps",
			order:     newTestOrder(t),
			steps:     nil,
			expectErr: "at least one step",
		},
		{
			name:      "unknown step",
			order:     newTestOrder(t),
			steps:     []string{"detailing"},
			expectErr: "unknown step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saga, err := NewSaga(tt.order, tt.steps)
			if tt.expectErr != "" {
				assert.ErrorContains(t, err, tt.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.order.ID, saga.ID)
			assert.Equal(t, StatusPending, saga.Status)
			assert.Equal(t, 0, saga.CurrentStep)
			for _, step := range saga.Steps {
				assert.Equal(t, StepNotStarted, step.Status)
				assert.False(t, step.IdempotencyKey.IsEmpty())
			}
		})
	}
}

func TestSaga_IdempotencyKeysAreDeterministic(t *testing.T) {
	order := newTestOrder(t)

	first, err := NewSaga(order, PurchaseStepNames())
	require.NoError(t, err)
	second, err := NewSaga(order, PurchaseStepNames())
	require.NoError(t, err)

	for i := range first.Steps {
		assert.Equal(t, first.Steps[i].IdempotencyKey, second.Steps[i].IdempotencyKey)
	}

	// Keys differ across steps of the same saga.
	assert.NotEqual(t, first.Steps[0].IdempotencyKey, first.Steps[1].IdempotencyKey)
}

func TestSaga_HappyPath(t *testing.T) {
	saga := newRunningSaga(t)

	for _, name := range PurchaseStepNames() {
		require.NoError(t, saga.BeginStep(name))
		require.NoError(t, saga.CompleteStep(name))
	}

	assert.Equal(t, StatusCompleted, saga.Status)
	assert.Equal(t, OrderStateCompleted, saga.Order.State)
	assert.True(t, saga.IsTerminal())

	assert.Equal(t, []string{
		events.SagaStartedEvent,
		events.PaymentCreatedEvent,
		events.FinancingApprovedEvent,
		events.InsurancePurchasedEvent,
		events.SagaCompletedEvent,
	}, recordedTopics(saga))
}

func TestSaga_StepIndexOnlyMovesForward(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.Equal(t, 0, saga.CurrentStep)
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	assert.Equal(t, 1, saga.CurrentStep)

	// A duplicate outcome for an earlier step must not rewind the index.
	assert.ErrorIs(t, saga.CompleteStep(contracts.StepPayment), ErrStepAlreadyTerminal)
	assert.Equal(t, 1, saga.CurrentStep)
}

func TestSaga_ReattemptInFlightStepKeepsKey(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	step, err := saga.StepByName(contracts.StepPayment)
	require.NoError(t, err)
	key := step.IdempotencyKey

	// Recovery after a crash re-attempts the in-flight step.
	require.NoError(t, saga.BeginStep(contracts.StepPayment))

	assert.Equal(t, key, step.IdempotencyKey)
	assert.Equal(t, 2, step.Attempts)
	assert.Equal(t, StepInFlight, step.Status)
}

func TestSaga_FailureTriggersReverseCompensation(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	require.NoError(t, saga.BeginStep(contracts.StepFinancing))
	require.NoError(t, saga.CompleteStep(contracts.StepFinancing))
	require.NoError(t, saga.BeginStep(contracts.StepInsurance))
	require.NoError(t, saga.FailStep(contracts.StepInsurance, "no kasko for this vehicle"))

	assert.Equal(t, StatusCompensating, saga.Status)
	assert.False(t, saga.IsTerminal())

	// Deepest succeeded step is undone first.
	next, ok := saga.NextCompensation()
	require.True(t, ok)
	assert.Equal(t, contracts.StepFinancing, next.Name)

	require.NoError(t, saga.BeginCompensation(contracts.StepFinancing))
	require.NoError(t, saga.CompensateStep(contracts.StepFinancing))

	next, ok = saga.NextCompensation()
	require.True(t, ok)
	assert.Equal(t, contracts.StepPayment, next.Name)

	require.NoError(t, saga.BeginCompensation(contracts.StepPayment))
	require.NoError(t, saga.CompensateStep(contracts.StepPayment))

	assert.Equal(t, StatusFailed, saga.Status)
	assert.Equal(t, FailureBusiness, saga.FailureKind)
	assert.Equal(t, OrderStateCompensated, saga.Order.State)

	topics := recordedTopics(saga)
	assert.Contains(t, topics, events.InsuranceFailedEvent)
	assert.Contains(t, topics, events.SagaCompensatingEvent)
	assert.Contains(t, topics, events.FinancingReleasedEvent)
	assert.Contains(t, topics, events.PaymentRefundedEvent)
	assert.Contains(t, topics, events.SagaCompensatedEvent)
	assert.Contains(t, topics, events.SagaFailedEvent)
}

func TestSaga_FirstStepFailureHasNothingToCompensate(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.FailStep(contracts.StepPayment, "card declined"))

	assert.Equal(t, StatusFailed, saga.Status)
	assert.Equal(t, FailureBusiness, saga.FailureKind)
	assert.Equal(t, OrderStateFailed, saga.Order.State)
	assert.Equal(t, "card declined", saga.FailureReason)

	_, ok := saga.NextCompensation()
	assert.False(t, ok)
}

func TestSaga_DuplicateOutcomeIsNoOp(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))

	eventsBefore := len(saga.Events())
	versionBefore := saga.Version.Value

	assert.ErrorIs(t, saga.CompleteStep(contracts.StepPayment), ErrStepAlreadyTerminal)
	assert.ErrorIs(t, saga.FailStep(contracts.StepPayment, "late failure"), ErrStepAlreadyTerminal)

	assert.Len(t, saga.Events(), eventsBefore)
	assert.Equal(t, versionBefore, saga.Version.Value)
}

func TestSaga_InvalidTransitionsSurface(t *testing.T) {
	saga := newRunningSaga(t)

	// Outcome for a step that was never started.
	err := saga.CompleteStep(contracts.StepPayment)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Compensating while still running.
	assert.ErrorIs(t, saga.CompensateStep(contracts.StepPayment), ErrInvalidTransition)

	// Starting twice.
	assert.ErrorIs(t, saga.Start(), ErrInvalidTransition)
}

func TestSaga_CancelLetsInFlightStepFinish(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	require.NoError(t, saga.BeginStep(contracts.StepFinancing))

	require.NoError(t, saga.Cancel("client changed mind"))
	assert.Equal(t, StatusCompensating, saga.Status)
	assert.True(t, saga.HasInFlightStep())

	// The in-flight step finishes with its existing idempotency key and is
	// then compensated like any other succeeded step.
	require.NoError(t, saga.CompleteStep(contracts.StepFinancing))
	assert.Equal(t, StatusCompensating, saga.Status)
	assert.Equal(t, 1, saga.CurrentStep)

	next, ok := saga.NextCompensation()
	require.True(t, ok)
	assert.Equal(t, contracts.StepFinancing, next.Name)

	require.NoError(t, saga.CompensateStep(contracts.StepFinancing))
	require.NoError(t, saga.CompensateStep(contracts.StepPayment))

	assert.Equal(t, StatusFailed, saga.Status)
	assert.Equal(t, OrderStateCompensated, saga.Order.State)
}

func TestSaga_CancelBeforeAnyStep(t *testing.T) {
	saga, err := NewSaga(newTestOrder(t), PurchaseStepNames())
	require.NoError(t, err)

	require.NoError(t, saga.Cancel("duplicate order"))
	assert.Equal(t, StatusCompensating, saga.Status)

	require.NoError(t, saga.FinishCompensation())
	assert.Equal(t, StatusFailed, saga.Status)
	assert.Equal(t, FailureBusiness, saga.FailureKind)
}

func TestSaga_FinishCompensationGuardsRemainingSteps(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	require.NoError(t, saga.Cancel("cancelled"))

	assert.ErrorContains(t, saga.FinishCompensation(), "succeeded steps remain")
}

func TestSaga_MarkPoisoned(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	require.NoError(t, saga.BeginStep(contracts.StepFinancing))
	require.NoError(t, saga.FailStep(contracts.StepFinancing, "credit rejected"))
	require.Equal(t, StatusCompensating, saga.Status)

	require.NoError(t, saga.MarkPoisoned("payment refund exhausted retries"))

	assert.Equal(t, StatusFailed, saga.Status)
	assert.Equal(t, FailurePoison, saga.FailureKind)
	assert.Equal(t, OrderStateFailed, saga.Order.State)
	assert.True(t, saga.IsTerminal())

	// Terminal sagas reject further operations.
	assert.ErrorIs(t, saga.CompleteStep(contracts.StepPayment), ErrSagaTerminal)
	assert.ErrorIs(t, saga.Cancel("too late"), ErrInvalidTransition)
	assert.ErrorIs(t, saga.MarkPoisoned("again"), ErrSagaTerminal)
}

func TestSaga_VersionGrowsWithMutations(t *testing.T) {
	saga := newRunningSaga(t)
	v := saga.Version.Value

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	assert.Greater(t, saga.Version.Value, v)
	v = saga.Version.Value

	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	assert.Greater(t, saga.Version.Value, v)
}

func TestSaga_StepHistoryIsAppendOnly(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	require.NoError(t, saga.FailStep(contracts.StepPayment, "declined"))

	step, err := saga.StepByName(contracts.StepPayment)
	require.NoError(t, err)
	require.Len(t, step.History, 2)
	assert.Equal(t, StepNotStarted, step.History[0].From)
	assert.Equal(t, StepInFlight, step.History[0].To)
	assert.Equal(t, StepInFlight, step.History[1].From)
	assert.Equal(t, StepFailed, step.History[1].To)
	assert.Equal(t, "declined", step.History[1].Reason)
}
