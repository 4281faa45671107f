package application

import (
	"context"
	"testing"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/orchestrator-service/mocks"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testOrder(t *testing.T) *domain.Order {
	t.Helper()

	order, err := domain.NewOrder("", models.GenerateUUID(), models.NewMoney(1_000_000_00, "RUB"), domain.PurchaseDetails{
		PaymentMethod: "card",
		InsuranceType: "osago",
	})
	require.NoError(t, err)
	return order
}

// sagaWithPaymentInFlight builds a running saga whose payment step awaits
// its outcome.
func sagaWithPaymentInFlight(t *testing.T) *domain.Saga {
	t.Helper()

	saga, err := domain.NewSaga(testOrder(t), domain.PurchaseStepNames())
	require.NoError(t, err)
	require.NoError(t, saga.Start())
	require.NoError(t, saga.BeginStep(contracts.StepPayment))
	saga.ClearEvents()
	return saga
}

func TestHandleStepOutcome_AcceptedAdvancesSaga(t *testing.T) {
	saga := sagaWithPaymentInFlight(t)

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()
	store.EXPECT().Save(mock.Anything, saga).Return(nil).Once()
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err := useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   saga.ID.String(),
		StepName: contracts.StepPayment,
		Outcome:  string(contracts.OutcomeAccepted),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, saga.Status)
	assert.Equal(t, 1, saga.CurrentStep)
	assert.Equal(t, []models.ID{saga.ID}, dispatcher.dispatched)
}

func TestHandleStepOutcome_RejectionFlipsToCompensating(t *testing.T) {
	saga := sagaWithPaymentInFlight(t)
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	require.NoError(t, saga.BeginStep(contracts.StepFinancing))
	saga.ClearEvents()

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()
	store.EXPECT().Save(mock.Anything, saga).Return(nil).Once()
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err := useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   saga.ID.String(),
		StepName: contracts.StepFinancing,
		Outcome:  string(contracts.OutcomeRejected),
		Reason:   "scoring refused",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensating, saga.Status)
	assert.Equal(t, "scoring refused", saga.FailureReason)
	assert.Equal(t, []models.ID{saga.ID}, dispatcher.dispatched)
}

func TestHandleStepOutcome_DuplicateIsNoOp(t *testing.T) {
	saga := sagaWithPaymentInFlight(t)
	require.NoError(t, saga.CompleteStep(contracts.StepPayment))
	saga.ClearEvents()

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	// No Save, no Publish, no Dispatch.
	store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err := useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   saga.ID.String(),
		StepName: contracts.StepPayment,
		Outcome:  string(contracts.OutcomeAccepted),
	})

	require.NoError(t, err)
	assert.Empty(t, dispatcher.dispatched)
}

func TestHandleStepOutcome_TerminalSagaIgnoresOutcome(t *testing.T) {
	saga := sagaWithPaymentInFlight(t)
	require.NoError(t, saga.FailStep(contracts.StepPayment, "declined"))
	require.True(t, saga.IsTerminal())
	saga.ClearEvents()

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err := useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   saga.ID.String(),
		StepName: contracts.StepPayment,
		Outcome:  string(contracts.OutcomeAccepted),
	})

	require.NoError(t, err)
	assert.Empty(t, dispatcher.dispatched)
}

func TestHandleStepOutcome_RetriesOnOptimisticConflict(t *testing.T) {
	first := sagaWithPaymentInFlight(t)

	// The reloaded copy the retry sees, same logical saga.
	second, err := domain.NewSaga(first.Order, domain.PurchaseStepNames())
	require.NoError(t, err)
	require.NoError(t, second.Start())
	require.NoError(t, second.BeginStep(contracts.StepPayment))
	second.ClearEvents()

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	store.EXPECT().FindByID(mock.Anything, first.ID).Return(first, nil).Once()
	store.EXPECT().Save(mock.Anything, first).Return(domain.ErrConcurrentModification).Once()
	store.EXPECT().FindByID(mock.Anything, first.ID).Return(second, nil).Once()
	store.EXPECT().Save(mock.Anything, second).Return(nil).Once()
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err = useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   first.ID.String(),
		StepName: contracts.StepPayment,
		Outcome:  string(contracts.OutcomeAccepted),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, second.CurrentStep)
}

func TestHandleStepOutcome_UnknownOutcome(t *testing.T) {
	saga := sagaWithPaymentInFlight(t)

	store := mocks.NewMockSagaStore(t)
	publisher := mocks.NewMockPublisher(t)
	dispatcher := &fakeDispatcher{}

	store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

	useCase := NewHandleStepOutcome(store, publisher, dispatcher)
	err := useCase.Execute(context.Background(), &HandleStepOutcomeCommand{
		SagaID:   saga.ID.String(),
		StepName: contracts.StepPayment,
		Outcome:  "maybe",
	})

	assert.ErrorContains(t, err, "unknown outcome")
}
