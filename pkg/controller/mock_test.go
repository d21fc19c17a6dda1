package controller

import (
	"context"
	"fmt"

	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockSession struct {
	mock.Mock
}

func (m *mockSession) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockSession) Reauthenticate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockClient struct {
	mock.Mock
}

var _ Client = (*mockClient)(nil)

func (m *mockClient) FetchSettings(ctx context.Context, serial, token string) (types.Settings, error) {
	args := m.Called(ctx, serial, token)
	return args.Get(0).(types.Settings), args.Error(1)
}

func (m *mockClient) FetchTelemetry(ctx context.Context, serial, token string) (types.Telemetry, error) {
	args := m.Called(ctx, serial, token)
	return args.Get(0).(types.Telemetry), args.Error(1)
}

func (m *mockClient) PushSettings(ctx context.Context, settings types.Settings, token string) error {
	args := m.Called(ctx, settings, token)
	return args.Error(0)
}

func (m *mockClient) ListInverters(ctx context.Context, token string) ([]types.Inverter, error) {
	args := m.Called(ctx, token)
	return args.Get(0).([]types.Inverter), args.Error(1)
}

type mockObserver struct {
	mock.Mock
}

var _ Observer = (*mockObserver)(nil)

func (m *mockObserver) Publish(ctx context.Context, serial string, values []types.ChannelValue) {
	m.Called(ctx, serial, values)
}

func (m *mockObserver) MarkOnline(ctx context.Context, serial string) {
	m.Called(ctx, serial)
}

func (m *mockObserver) MarkOffline(ctx context.Context, serial string, reason string) {
	m.Called(ctx, serial, reason)
}

func (m *mockObserver) RequestReauthentication(ctx context.Context, serial string) {
	m.Called(ctx, serial)
}

// allowObserver accepts any observer call.
func allowObserver(o *mockObserver) {
	o.On("Publish", mock.Anything, mock.Anything, mock.Anything).Maybe()
	o.On("MarkOnline", mock.Anything, mock.Anything).Maybe()
	o.On("MarkOffline", mock.Anything, mock.Anything, mock.Anything).Maybe()
	o.On("RequestReauthentication", mock.Anything, mock.Anything).Maybe()
}

func testSettings(serial string) types.Settings {
	s := types.Settings{SerialNumber: serial, Token: "tok"}
	for i := range s.Intervals {
		s.Intervals[i] = types.ChargeInterval{
			StartTime:       fmt.Sprintf("%02d:00", i*4),
			CapacityPercent: 20,
			PowerLimitWatts: 5000,
		}
	}
	return s
}

func testTelemetry() types.Telemetry {
	return types.Telemetry{
		Grid:    types.Grid{Power: 1200, Voltage: 230, Current: 5.2},
		Battery: types.Battery{Voltage: 52, Current: -3, Power: -150, SOC: 76, Temperature: 24},
		Solar:   types.Solar{EnergyToday: 12, EnergyTotal: 4567, Power: 3000},
		Temperatures: types.Temperatures{
			AC:     41,
			DC:     37,
			Status: types.TemperatureStatusOK,
		},
	}
}
