package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSettings() Settings {
	s := Settings{SerialNumber: "2207079903"}
	for i := range s.Intervals {
		s.Intervals[i] = ChargeInterval{
			GridCharge:      i%2 == 0,
			GenCharge:       false,
			StartTime:       fmt.Sprintf("%02d:00", i*4),
			CapacityPercent: 20 + i*10,
			PowerLimitWatts: 5000,
		}
	}
	return s
}

// roundTrip sends the body through JSON the same way it travels to the remote.
func roundTrip(t *testing.T, s Settings) Settings {
	t.Helper()
	raw, err := json.Marshal(s.WireBody())
	require.NoError(t, err)
	var data map[string]any
	require.NoError(t, json.Unmarshal(raw, &data))
	out, err := ParseWireSettings("", data)
	require.NoError(t, err)
	return out
}

func TestSetTimeRoundTrip(t *testing.T) {
	for slot := 1; slot <= IntervalCount; slot++ {
		t.Run(fmt.Sprintf("slot %d", slot), func(t *testing.T) {
			s := sampleSettings()
			before := s

			require.NoError(t, s.SetTime(slot, "13:45"))
			got := roundTrip(t, s)

			assert.Equal(t, "13:45", got.Intervals[slot-1].StartTime)
			for other := 1; other <= IntervalCount; other++ {
				if other == slot {
					continue
				}
				assert.Equal(t, before.Intervals[other-1], got.Intervals[other-1], "slot %d should be untouched", other)
			}
			assert.Equal(t, before.SerialNumber, got.SerialNumber)
		})
	}
}

func TestSetters(t *testing.T) {
	t.Run("Capacity Out Of Range", func(t *testing.T) {
		s := sampleSettings()
		prior := s.Intervals[1].CapacityPercent

		err := s.SetCapacity(2, 150)
		require.ErrorIs(t, err, ErrInvalidFormat)
		assert.Equal(t, prior, s.Intervals[1].CapacityPercent, "slot 2 capacity should be unchanged")
	})

	t.Run("Invalid Slot", func(t *testing.T) {
		s := sampleSettings()
		before := s
		assert.ErrorIs(t, s.SetGridCharge(0, true), ErrInvalidSlot)
		assert.ErrorIs(t, s.SetGenCharge(7, true), ErrInvalidSlot)
		assert.ErrorIs(t, s.SetTime(-1, "01:00"), ErrInvalidSlot)
		assert.Equal(t, before, s)
	})

	t.Run("Bad Time Keeps Value", func(t *testing.T) {
		s := sampleSettings()
		for _, bad := range []string{"24:00", "7:30", "07:60", "0730", "", "07:30:00"} {
			err := s.SetTime(3, bad)
			assert.ErrorIs(t, err, ErrInvalidFormat, "time %q", bad)
		}
		assert.Equal(t, "08:00", s.Intervals[2].StartTime)
	})

	t.Run("Negative Power Limit", func(t *testing.T) {
		s := sampleSettings()
		assert.ErrorIs(t, s.SetPowerLimit(4, -1), ErrInvalidFormat)
		assert.Equal(t, 5000, s.Intervals[3].PowerLimitWatts)
		require.NoError(t, s.SetPowerLimit(4, 0))
		assert.Equal(t, 0, s.Intervals[3].PowerLimitWatts)
	})

	t.Run("Set From Command", func(t *testing.T) {
		s := sampleSettings()
		require.NoError(t, s.Set(2, FieldGridCharge, "ON"))
		require.NoError(t, s.Set(2, FieldGenCharge, "on"))
		require.NoError(t, s.Set(2, FieldTime, " 05:30 "))
		require.NoError(t, s.Set(2, FieldCapacity, "85"))
		require.NoError(t, s.Set(2, FieldPowerLimit, "3000"))
		assert.Equal(t, ChargeInterval{
			GridCharge:      true,
			GenCharge:       true,
			StartTime:       "05:30",
			CapacityPercent: 85,
			PowerLimitWatts: 3000,
		}, s.Intervals[1])

		assert.ErrorIs(t, s.Set(2, FieldCapacity, "lots"), ErrInvalidFormat)
		assert.ErrorIs(t, s.Set(2, FieldGridCharge, "maybe"), ErrInvalidFormat)
		assert.Equal(t, 85, s.Intervals[1].CapacityPercent)
	})
}

func TestWireBody(t *testing.T) {
	s := sampleSettings()
	require.NoError(t, s.SetCapacity(5, 99))

	body := s.WireBody()
	assert.Equal(t, "2207079903", body["sn"])
	for slot := 1; slot <= IntervalCount; slot++ {
		assert.Contains(t, body, fmt.Sprintf("time%don", slot))
		assert.Contains(t, body, fmt.Sprintf("genTime%don", slot))
		assert.Contains(t, body, fmt.Sprintf("sellTime%d", slot))
		assert.Contains(t, body, fmt.Sprintf("cap%d", slot))
		assert.Contains(t, body, fmt.Sprintf("sellTime%dPac", slot))
	}
	assert.Equal(t, "99", body["cap5"])
	assert.Equal(t, "true", body["time1on"])
	assert.Equal(t, "false", body["time2on"])
	assert.Len(t, body, 1+IntervalCount*len(Fields))
}

func TestParseWireSettings(t *testing.T) {
	data := map[string]any{"sn": "2207079903"}
	for slot := 1; slot <= IntervalCount; slot++ {
		data[fmt.Sprintf("time%don", slot)] = slot == 1
		data[fmt.Sprintf("genTime%don", slot)] = "false"
		data[fmt.Sprintf("sellTime%d", slot)] = "01:00"
		data[fmt.Sprintf("cap%d", slot)] = "35"
		data[fmt.Sprintf("sellTime%dPac", slot)] = 4000.0
	}

	s, err := ParseWireSettings("ignored", data)
	require.NoError(t, err)
	assert.Equal(t, "2207079903", s.SerialNumber)
	assert.True(t, s.Intervals[0].GridCharge)
	assert.False(t, s.Intervals[1].GridCharge)
	assert.Equal(t, 35, s.Intervals[5].CapacityPercent)
	assert.Equal(t, 4000, s.Intervals[5].PowerLimitWatts)

	delete(data, "cap4")
	_, err = ParseWireSettings("", data)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestChannels(t *testing.T) {
	slot, f, err := ParseChannel("interval-3-power-limit")
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
	assert.Equal(t, FieldPowerLimit, f)
	assert.Equal(t, "interval-3-power-limit", ChannelName(slot, f))

	_, _, err = ParseChannel("interval-9-time")
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, _, err = ParseChannel("battery-soc")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	_, _, err = ParseChannel("interval-2-colour")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	s := sampleSettings()
	chans := s.Channels()
	require.Len(t, chans, IntervalCount*len(Fields))
	assert.Equal(t, ChannelValue{Channel: "interval-1-grid-charge", Value: true}, chans[0])
	assert.Equal(t, ChannelValue{Channel: "interval-6-power-limit", Value: 5000}, chans[len(chans)-1])
}

func TestTelemetryChannels(t *testing.T) {
	tel := Telemetry{
		Grid:         Grid{Power: 120},
		Temperatures: Temperatures{AC: 41.5, DC: 38.2, Status: "error"},
	}
	assert.Len(t, tel.Channels(), 11, "temperatures should be withheld unless okay")

	tel.Temperatures.Status = TemperatureStatusOK
	chans := tel.Channels()
	require.Len(t, chans, 13)
	assert.Equal(t, ChannelValue{Channel: "inverter-ac-temperature", Value: 41.5}, chans[11])
	assert.Equal(t, ChannelValue{Channel: "inverter-dc-temperature", Value: 38.2}, chans[12])
}

func TestCredentialRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Credential{AccessToken: "a", IssuedAt: now.Add(-time.Hour), ExpiresIn: 2 * time.Hour}
	assert.Equal(t, time.Hour, c.Remaining(now))
	assert.True(t, c.Valid())
	assert.Equal(t, time.Duration(0), Credential{}.Remaining(now))
	assert.False(t, Credential{}.Valid())
}
