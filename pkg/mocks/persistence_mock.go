package mocks

import (
	"context"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockFlowStateRepository is a mock implementation of persistence.FlowStateRepository interface.
type MockFlowStateRepository struct {
	mock.Mock
}

func (m *MockFlowStateRepository) Create(ctx context.Context, state *models.FlowState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

func (m *MockFlowStateRepository) Get(ctx context.Context, id string) (*models.FlowState, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowState), args.Error(1)
}

func (m *MockFlowStateRepository) Update(ctx context.Context, state *models.FlowState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

func (m *MockFlowStateRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockFlowStateRepository) Find(ctx context.Context, filter persistence.FlowStateFilter) ([]*models.FlowState, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowState), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	FlowStates *MockFlowStateRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{FlowStates: &MockFlowStateRepository{}}
}

func (m *MockPersistence) FlowStateRepository() persistence.FlowStateRepository {
	return m.FlowStates
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
