package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/sunsynk/pkg/storage"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) Publish(ctx context.Context, serial string, values []types.ChannelValue) error {
	args := m.Called(ctx, serial, values)
	return args.Error(0)
}

func (m *MockDatabase) MarkOnline(ctx context.Context, serial string) error {
	args := m.Called(ctx, serial)
	return args.Error(0)
}

func (m *MockDatabase) MarkOffline(ctx context.Context, serial string, reason string) error {
	args := m.Called(ctx, serial, reason)
	return args.Error(0)
}

func (m *MockDatabase) RequestReauthentication(ctx context.Context, serial string) error {
	args := m.Called(ctx, serial)
	return args.Error(0)
}

func (m *MockDatabase) GetStatus(ctx context.Context, serial string) (types.InverterStatus, error) {
	args := m.Called(ctx, serial)
	if len(args) > 0 {
		return args.Get(0).(types.InverterStatus), args.Error(1)
	}
	return types.InverterStatus{}, nil
}

func (m *MockDatabase) GetHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Record, error) {
	args := m.Called(ctx, serial, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Record), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
