package types

// ChannelValue is one published field.
type ChannelValue struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Inverter is one device registered to the account.
type Inverter struct {
	SerialNumber string `json:"sn"`
	Alias        string `json:"alias"`
	GatewaySN    string `json:"gsn"`
	Status       int    `json:"status"`
	PlantName    string `json:"plantName"`
}

// Grid is the real-time grid connection reading.
type Grid struct {
	Power   float64 `json:"power"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// Battery is the real-time battery reading.
type Battery struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	SOC         float64 `json:"soc"`
	Temperature float64 `json:"temperature"`
}

// Solar is the real-time PV input reading.
type Solar struct {
	EnergyToday float64 `json:"energyToday"`
	EnergyTotal float64 `json:"energyTotal"`
	Power       float64 `json:"power"`
}

// TemperatureStatusOK is the status of a complete temperature reading.
const TemperatureStatusOK = "okay"

// Temperatures holds the latest inverter temperatures of the day.
type Temperatures struct {
	AC     float64 `json:"ac"`
	DC     float64 `json:"dc"`
	Status string  `json:"status"`
}

// Telemetry is everything read from an inverter in one poll. It is published
// whole or not at all.
type Telemetry struct {
	Grid         Grid         `json:"grid"`
	Battery      Battery      `json:"battery"`
	Solar        Solar        `json:"solar"`
	Temperatures Temperatures `json:"temperatures"`
}

// Channels flattens the telemetry into publishable values. Temperatures are
// left out unless their status is okay.
func (t Telemetry) Channels() []ChannelValue {
	out := []ChannelValue{
		{Channel: "grid-power", Value: t.Grid.Power},
		{Channel: "grid-voltage", Value: t.Grid.Voltage},
		{Channel: "grid-current", Value: t.Grid.Current},
		{Channel: "battery-voltage", Value: t.Battery.Voltage},
		{Channel: "battery-current", Value: t.Battery.Current},
		{Channel: "battery-power", Value: t.Battery.Power},
		{Channel: "battery-soc", Value: t.Battery.SOC},
		{Channel: "battery-temperature", Value: t.Battery.Temperature},
		{Channel: "solar-energy-today", Value: t.Solar.EnergyToday},
		{Channel: "solar-energy-total", Value: t.Solar.EnergyTotal},
		{Channel: "solar-power", Value: t.Solar.Power},
	}
	if t.Temperatures.Status == TemperatureStatusOK {
		out = append(out,
			ChannelValue{Channel: "inverter-ac-temperature", Value: t.Temperatures.AC},
			ChannelValue{Channel: "inverter-dc-temperature", Value: t.Temperatures.DC},
		)
	}
	return out
}
