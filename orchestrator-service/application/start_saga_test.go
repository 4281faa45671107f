package application

import (
	"context"
	"testing"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/orchestrator-service/mocks"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// fakeDispatcher records dispatched saga IDs
type fakeDispatcher struct {
	dispatched []models.ID
}

func (d *fakeDispatcher) Dispatch(sagaID models.ID) {
	d.dispatched = append(d.dispatched, sagaID)
}

func validStartCommand() *StartSagaCommand {
	return &StartSagaCommand{
		ClientID:      "550e8400-e29b-41d4-a716-446655440010",
		TotalAmount:   2_500_000_00,
		Currency:      "RUB",
		PaymentMethod: "credit",
		DownPayment:   500_000_00,
		TermMonths:    36,
		InsuranceType: "kasko",
	}
}

func TestStartSaga_Execute(t *testing.T) {
	tests := []struct {
		name          string
		command       *StartSagaCommand
		setupMocks    func(*mocks.MockSagaStore, *mocks.MockPublisher)
		expectedError string
	}{
		{
			name:    "successful start",
			command: validStartCommand(),
			setupMocks: func(store *mocks.MockSagaStore, publisher *mocks.MockPublisher) {
				// Once pending, once running.
				store.EXPECT().Save(mock.Anything, mock.AnythingOfType("*domain.Saga")).Return(nil).Times(2)
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()
			},
		},
		{
			name: "missing client ID",
			command: &StartSagaCommand{
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "card",
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "client ID is required",
		},
		{
			name: "non-positive amount",
			command: &StartSagaCommand{
				ClientID:      "550e8400-e29b-41d4-a716-446655440010",
				TotalAmount:   0,
				Currency:      "RUB",
				PaymentMethod: "card",
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "total amount must be positive",
		},
		{
			name: "unknown payment method",
			command: &StartSagaCommand{
				ClientID:      "550e8400-e29b-41d4-a716-446655440010",
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "crypto",
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "invalid payment method",
		},
		{
			name: "unknown insurance type",
			command: &StartSagaCommand{
				ClientID:      "550e8400-e29b-41d4-a716-446655440010",
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "card",
				InsuranceType: "life",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "invalid insurance type",
		},
		{
			name: "credit without term",
			command: &StartSagaCommand{
				ClientID:      "550e8400-e29b-41d4-a716-446655440010",
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "credit",
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "term months is required",
		},
		{
			name: "down payment exceeds total",
			command: &StartSagaCommand{
				ClientID:      "550e8400-e29b-41d4-a716-446655440010",
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "card",
				DownPayment:   200,
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "down payment must be between",
		},
		{
			name: "malformed client ID",
			command: &StartSagaCommand{
				ClientID:      "not-a-uuid",
				TotalAmount:   100,
				Currency:      "RUB",
				PaymentMethod: "card",
				InsuranceType: "osago",
			},
			setupMocks:    func(*mocks.MockSagaStore, *mocks.MockPublisher) {},
			expectedError: "invalid client ID",
		},
		{
			name:    "duplicate order",
			command: validStartCommand(),
			setupMocks: func(store *mocks.MockSagaStore, publisher *mocks.MockPublisher) {
				store.EXPECT().Save(mock.Anything, mock.Anything).Return(domain.ErrOrderExists).Once()
			},
			expectedError: "order already exists",
		},
		{
			name:    "store failure",
			command: validStartCommand(),
			setupMocks: func(store *mocks.MockSagaStore, publisher *mocks.MockPublisher) {
				store.EXPECT().Save(mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()
			},
			expectedError: "failed to save saga",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mocks.NewMockSagaStore(t)
			publisher := mocks.NewMockPublisher(t)
			dispatcher := &fakeDispatcher{}
			tt.setupMocks(store, publisher)

			useCase := NewStartSaga(store, publisher, dispatcher)
			result, err := useCase.Execute(context.Background(), tt.command)

			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				assert.Nil(t, result)
				assert.Empty(t, dispatcher.dispatched)
				return
			}

			assert.NoError(t, err)
			assert.NotNil(t, result)
			assert.NotEmpty(t, result.SagaID)

			_, err = models.NewID(result.SagaID)
			assert.NoError(t, err)

			assert.Equal(t, []models.ID{models.ID(result.SagaID)}, dispatcher.dispatched)
		})
	}
}
