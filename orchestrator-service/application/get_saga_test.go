package application

import (
	"context"
	"testing"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/orchestrator-service/mocks"
	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func claimsFor(subject string, role auth.Role) *auth.Claims {
	return &auth.Claims{Subject: subject, Role: role}
}

func TestGetSaga_Execute(t *testing.T) {
	saga := runningSaga(t)
	owner := saga.Order.ClientID.String()

	tests := []struct {
		name      string
		claims    *auth.Claims
		expectErr error
	}{
		{name: "owner reads own saga", claims: claimsFor(owner, auth.RoleClient)},
		{name: "manager reads any saga", claims: claimsFor("7c9e6679-7425-40de-944b-e07fc1f90ae7", auth.RoleManager)},
		{name: "admin reads any saga", claims: claimsFor("7c9e6679-7425-40de-944b-e07fc1f90ae7", auth.RoleAdmin)},
		{
			name:      "stranger client is denied",
			claims:    claimsFor("7c9e6679-7425-40de-944b-e07fc1f90ae7", auth.RoleClient),
			expectErr: ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mocks.NewMockSagaStore(t)
			store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

			useCase := NewGetSaga(store)
			view, err := useCase.Execute(context.Background(), saga.ID.String(), tt.claims)

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, saga.ID.String(), view.SagaID)
			assert.Equal(t, string(domain.StatusRunning), view.Status)
			assert.Equal(t, contracts.StepPayment, view.CurrentStep)
			assert.Len(t, view.Steps, 3)
		})
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	store := mocks.NewMockSagaStore(t)
	store.EXPECT().FindByID(mock.Anything, mock.Anything).
		Return(nil, domain.ErrSagaNotFound).Once()

	useCase := NewGetSaga(store)
	_, err := useCase.Execute(context.Background(),
		"550e8400-e29b-41d4-a716-446655440099",
		claimsFor("550e8400-e29b-41d4-a716-446655440010", auth.RoleAdmin))

	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestGetSaga_ListPoisonRequiresElevatedRole(t *testing.T) {
	store := mocks.NewMockSagaStore(t)
	useCase := NewGetSaga(store)

	_, err := useCase.ListPoison(context.Background(),
		claimsFor("550e8400-e29b-41d4-a716-446655440010", auth.RoleClient), 0, 20)
	assert.ErrorIs(t, err, ErrForbidden)

	store.EXPECT().ListPoison(mock.Anything, 0, 20).
		Return([]domain.PoisonRecord{}, nil).Once()
	_, err = useCase.ListPoison(context.Background(),
		claimsFor("550e8400-e29b-41d4-a716-446655440010", auth.RoleManager), 0, 20)
	assert.NoError(t, err)
}

func TestCancelSaga_Execute(t *testing.T) {
	t.Run("owner cancels own saga", func(t *testing.T) {
		saga := runningSaga(t)

		store := mocks.NewMockSagaStore(t)
		publisher := mocks.NewMockPublisher(t)
		dispatcher := &fakeDispatcher{}

		store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()
		store.EXPECT().Save(mock.Anything, saga).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

		useCase := NewCancelSaga(store, publisher, dispatcher)
		err := useCase.Execute(context.Background(),
			&CancelSagaCommand{SagaID: saga.ID.String(), Reason: "changed mind"},
			claimsFor(saga.Order.ClientID.String(), auth.RoleClient))

		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompensating, saga.Status)
		assert.Equal(t, []string{saga.ID.String()}, idsToStrings(dispatcher.dispatched))
	})

	t.Run("stranger client is denied", func(t *testing.T) {
		saga := runningSaga(t)

		store := mocks.NewMockSagaStore(t)
		publisher := mocks.NewMockPublisher(t)
		dispatcher := &fakeDispatcher{}

		store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

		useCase := NewCancelSaga(store, publisher, dispatcher)
		err := useCase.Execute(context.Background(),
			&CancelSagaCommand{SagaID: saga.ID.String()},
			claimsFor("7c9e6679-7425-40de-944b-e07fc1f90ae7", auth.RoleClient))

		assert.ErrorIs(t, err, ErrForbidden)
		assert.Equal(t, domain.StatusRunning, saga.Status)
	})

	t.Run("terminal saga cannot be cancelled", func(t *testing.T) {
		saga := runningSaga(t)
		require.NoError(t, saga.BeginStep(contracts.StepPayment))
		require.NoError(t, saga.FailStep(contracts.StepPayment, "declined"))
		saga.ClearEvents()

		store := mocks.NewMockSagaStore(t)
		publisher := mocks.NewMockPublisher(t)
		dispatcher := &fakeDispatcher{}

		store.EXPECT().FindByID(mock.Anything, saga.ID).Return(saga, nil).Once()

		useCase := NewCancelSaga(store, publisher, dispatcher)
		err := useCase.Execute(context.Background(),
			&CancelSagaCommand{SagaID: saga.ID.String()},
			claimsFor(saga.Order.ClientID.String(), auth.RoleAdmin))

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func idsToStrings(ids []models.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
