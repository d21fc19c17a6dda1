package sunsynk

import (
	"context"
	"errors"
	"testing"

	"github.com/raterudder/sunsynk/pkg/sunsynk/sunsynktest"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) (*sunsynktest.Server, *Client, string) {
	ts := sunsynktest.NewServer("u", "p")
	t.Cleanup(ts.Close)
	ts.AddInverter(sunsynktest.Inverter{
		Serial:        "2211229948",
		Alias:         "Garage",
		GridPower:     1200,
		GridVoltage:   230.5,
		BatterySOC:    76,
		BatteryPower:  -850,
		SolarPower:    3000,
		ACTemperature: 41.5,
		DCTemperature: 37,
	})

	shared := &api{client: ts.Client(), baseURL: ts.URL}
	cred, err := newAccount(shared).Authenticate(context.Background(), "u", "p")
	require.NoError(t, err)
	return ts, newClient(shared), cred.AccessToken
}

func TestClientSettings(t *testing.T) {
	t.Run("Fetch", func(t *testing.T) {
		_, c, token := testClient(t)

		s, err := c.FetchSettings(context.Background(), "2211229948", token)
		require.NoError(t, err)
		assert.Equal(t, "2211229948", s.SerialNumber)
		assert.Equal(t, token, s.Token)
		assert.Equal(t, "04:00", s.Intervals[1].StartTime)
		assert.Equal(t, 20, s.Intervals[5].CapacityPercent)
		assert.Equal(t, 5000, s.Intervals[0].PowerLimitWatts)
	})

	t.Run("EmptyTokenNoCall", func(t *testing.T) {
		ts, c, _ := testClient(t)

		_, err := c.FetchSettings(context.Background(), "2211229948", "")
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.Equal(t, 0, ts.Counters().SettingsReads)
	})

	t.Run("RefusedToken", func(t *testing.T) {
		ts, c, token := testClient(t)
		ts.RevokeTokens()

		_, err := c.FetchSettings(context.Background(), "2211229948", token)
		assert.ErrorIs(t, err, ErrAuthFailure)
	})

	t.Run("PushAllSlots", func(t *testing.T) {
		ts, c, token := testClient(t)

		s, err := c.FetchSettings(context.Background(), "2211229948", token)
		require.NoError(t, err)
		require.NoError(t, s.SetTime(2, "05:30"))
		require.NoError(t, s.SetGridCharge(4, true))

		require.NoError(t, c.PushSettings(context.Background(), s, token))

		pushes := ts.Pushes()
		require.Len(t, pushes, 1)
		assert.Len(t, pushes[0], 1+types.IntervalCount*len(types.Fields))
		assert.Equal(t, "2211229948", pushes[0]["sn"])
		assert.Equal(t, "05:30", pushes[0]["sellTime2"])
		assert.Equal(t, "true", pushes[0]["time4on"])
		assert.Equal(t, "16:00", pushes[0]["sellTime5"])

		again, err := c.FetchSettings(context.Background(), "2211229948", token)
		require.NoError(t, err)
		assert.Equal(t, s.Intervals, again.Intervals)
	})

	t.Run("UnknownInverter", func(t *testing.T) {
		_, c, token := testClient(t)

		_, err := c.FetchSettings(context.Background(), "nope", token)
		var re *RequestError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "read settings", re.Op)
		assert.NotErrorIs(t, err, ErrAuthFailure)
	})
}

func TestClientTelemetry(t *testing.T) {
	t.Run("AllSources", func(t *testing.T) {
		_, c, token := testClient(t)

		tm, err := c.FetchTelemetry(context.Background(), "2211229948", token)
		require.NoError(t, err)
		assert.Equal(t, 1200.0, tm.Grid.Power)
		assert.Equal(t, 230.5, tm.Grid.Voltage)
		assert.Equal(t, 1.5, tm.Grid.Current)
		assert.Equal(t, 76.0, tm.Battery.SOC)
		assert.Equal(t, -850.0, tm.Battery.Power)
		assert.Equal(t, 24.5, tm.Battery.Temperature)
		assert.Equal(t, 3000.0, tm.Solar.Power)
		assert.Equal(t, 12.3, tm.Solar.EnergyToday)
		assert.Equal(t, 4567.8, tm.Solar.EnergyTotal)
		assert.Equal(t, types.TemperatureStatusOK, tm.Temperatures.Status)
		assert.Equal(t, 41.5, tm.Temperatures.AC)
		assert.Equal(t, 37.0, tm.Temperatures.DC)
	})

	t.Run("MissingTemperatures", func(t *testing.T) {
		ts, c, token := testClient(t)
		ts.AddInverter(sunsynktest.Inverter{Serial: "cold", NoTemperatures: true})

		tm, err := c.FetchTelemetry(context.Background(), "cold", token)
		require.NoError(t, err)
		assert.NotEqual(t, types.TemperatureStatusOK, tm.Temperatures.Status)
		for _, cv := range tm.Channels() {
			assert.NotContains(t, []string{"inverter-ac-temperature", "inverter-dc-temperature"}, cv.Channel)
		}
	})

	t.Run("AnyFailureFailsAll", func(t *testing.T) {
		ts, c, token := testClient(t)
		ts.FailPath = "/battery/"

		tm, err := c.FetchTelemetry(context.Background(), "2211229948", token)
		var re *RequestError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "read battery", re.Op)
		assert.Equal(t, types.Telemetry{}, tm)
	})

	t.Run("AuthFailure", func(t *testing.T) {
		ts, c, token := testClient(t)
		ts.RevokeTokens()

		_, err := c.FetchTelemetry(context.Background(), "2211229948", token)
		assert.ErrorIs(t, err, ErrAuthFailure)
	})
}

func TestClientListInverters(t *testing.T) {
	_, c, token := testClient(t)

	invs, err := c.ListInverters(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "2211229948", invs[0].SerialNumber)
	assert.Equal(t, "Garage", invs[0].Alias)
	assert.Equal(t, "G2211229948", invs[0].GatewaySN)
	assert.Equal(t, "Home", invs[0].PlantName)
}
