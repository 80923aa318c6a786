package mocks

import (
	"commerce-reconciler/internal/client"
	"commerce-reconciler/internal/dto"
	"context"

	"github.com/stretchr/testify/mock"
)

type MockPGClient struct {
	mock.Mock
}

type MockPaymentCancelClient struct {
	mock.Mock
}

type MockOrderCanceller struct {
	mock.Mock
}

func (m *MockPGClient) GetPayment(ctx context.Context, impUID string) (*client.PGPayment, error) {
	args := m.Called(ctx, impUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.PGPayment), args.Error(1)
}

func (m *MockPGClient) PreparePayment(ctx context.Context, merchantUID string, amount int64) error {
	args := m.Called(ctx, merchantUID, amount)
	return args.Error(0)
}

func (m *MockPGClient) CancelPayment(ctx context.Context, req client.PGCancelRequest) (*client.PGCancelResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.PGCancelResult), args.Error(1)
}

func (m *MockPaymentCancelClient) CancelPayment(ctx context.Context, req dto.CancelPaymentRequest) *dto.CancelPaymentResult {
	args := m.Called(ctx, req)
	return args.Get(0).(*dto.CancelPaymentResult)
}

func (m *MockOrderCanceller) CancelUserOrders(ctx context.Context, userID, reason string) (int, error) {
	args := m.Called(ctx, userID, reason)
	return args.Int(0), args.Error(1)
}
