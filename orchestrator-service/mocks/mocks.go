// Package mocks provides testify mocks for the orchestrator ports.
package mocks

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/orchestrator-service/infrastructure"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/mock"
)

type testingT interface {
	mock.TestingT
	Cleanup(func())
}

// MockSagaStore is a mock of domain.SagaStore
type MockSagaStore struct {
	mock.Mock
}

// NewMockSagaStore creates a new MockSagaStore that asserts its expectations
// at the end of the test.
func NewMockSagaStore(t testingT) *MockSagaStore {
	m := &MockSagaStore{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

type MockSagaStoreExpecter struct {
	mock *mock.Mock
}

func (m *MockSagaStore) EXPECT() *MockSagaStoreExpecter {
	return &MockSagaStoreExpecter{mock: &m.Mock}
}

func (m *MockSagaStore) Save(ctx context.Context, saga *domain.Saga) error {
	args := m.Called(ctx, saga)
	return args.Error(0)
}

func (e *MockSagaStoreExpecter) Save(ctx, saga interface{}) *mock.Call {
	return e.mock.On("Save", ctx, saga)
}

func (m *MockSagaStore) FindByID(ctx context.Context, id models.ID) (*domain.Saga, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Saga), args.Error(1)
}

func (e *MockSagaStoreExpecter) FindByID(ctx, id interface{}) *mock.Call {
	return e.mock.On("FindByID", ctx, id)
}

func (m *MockSagaStore) FindNonTerminal(ctx context.Context) ([]*domain.Saga, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Saga), args.Error(1)
}

func (e *MockSagaStoreExpecter) FindNonTerminal(ctx interface{}) *mock.Call {
	return e.mock.On("FindNonTerminal", ctx)
}

func (m *MockSagaStore) FindByClient(ctx context.Context, clientID models.ID, offset, limit int) ([]*domain.Saga, error) {
	args := m.Called(ctx, clientID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Saga), args.Error(1)
}

func (e *MockSagaStoreExpecter) FindByClient(ctx, clientID, offset, limit interface{}) *mock.Call {
	return e.mock.On("FindByClient", ctx, clientID, offset, limit)
}

func (m *MockSagaStore) SavePoison(ctx context.Context, record domain.PoisonRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (e *MockSagaStoreExpecter) SavePoison(ctx, record interface{}) *mock.Call {
	return e.mock.On("SavePoison", ctx, record)
}

func (m *MockSagaStore) ListPoison(ctx context.Context, offset, limit int) ([]domain.PoisonRecord, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PoisonRecord), args.Error(1)
}

func (e *MockSagaStoreExpecter) ListPoison(ctx, offset, limit interface{}) *mock.Call {
	return e.mock.On("ListPoison", ctx, offset, limit)
}

var _ domain.SagaStore = (*MockSagaStore)(nil)

// MockPublisher is a mock of events.Publisher
type MockPublisher struct {
	mock.Mock
}

// NewMockPublisher creates a new MockPublisher that asserts its expectations
// at the end of the test.
func NewMockPublisher(t testingT) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

type MockPublisherExpecter struct {
	mock *mock.Mock
}

func (m *MockPublisher) EXPECT() *MockPublisherExpecter {
	return &MockPublisherExpecter{mock: &m.Mock}
}

func (m *MockPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	args := m.Called(ctx, evts)
	return args.Error(0)
}

// Publish matches on the full event slice; use mock.MatchedBy with a
// func([]*events.Event) bool to inspect contents.
func (e *MockPublisherExpecter) Publish(ctx, evts interface{}) *mock.Call {
	return e.mock.On("Publish", ctx, evts)
}

var _ events.Publisher = (*MockPublisher)(nil)

// MockInvoker is a mock of infrastructure.Invoker
type MockInvoker struct {
	mock.Mock
}

// NewMockInvoker creates a new MockInvoker that asserts its expectations at
// the end of the test.
func NewMockInvoker(t testingT) *MockInvoker {
	m := &MockInvoker{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

type MockInvokerExpecter struct {
	mock *mock.Mock
}

func (m *MockInvoker) EXPECT() *MockInvokerExpecter {
	return &MockInvokerExpecter{mock: &m.Mock}
}

func (m *MockInvoker) Invoke(ctx context.Context, op contracts.Operation, req contracts.Request) (*contracts.Response, error) {
	args := m.Called(ctx, op, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contracts.Response), args.Error(1)
}

func (e *MockInvokerExpecter) Invoke(ctx, op, req interface{}) *mock.Call {
	return e.mock.On("Invoke", ctx, op, req)
}

var _ infrastructure.Invoker = (*MockInvoker)(nil)
