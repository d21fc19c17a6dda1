package types

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IntervalCount is the fixed number of charge-interval slots on an inverter.
const IntervalCount = 6

var (
	// ErrInvalidSlot is returned when a slot index is outside 1..IntervalCount.
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrInvalidFormat is returned when a value fails validation for its field.
	ErrInvalidFormat = errors.New("invalid format")
	// ErrUnknownChannel is returned for channel names that do not address an
	// interval field.
	ErrUnknownChannel = errors.New("unknown channel")
)

var startTimeRE = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Field selects one setting inside a charge interval.
type Field int

const (
	FieldGridCharge Field = iota + 1
	FieldGenCharge
	FieldTime
	FieldCapacity
	FieldPowerLimit
)

// Fields lists every interval field in channel order.
var Fields = []Field{FieldGridCharge, FieldGenCharge, FieldTime, FieldCapacity, FieldPowerLimit}

func (f Field) String() string {
	switch f {
	case FieldGridCharge:
		return "grid-charge"
	case FieldGenCharge:
		return "gen-charge"
	case FieldTime:
		return "time"
	case FieldCapacity:
		return "capacity"
	case FieldPowerLimit:
		return "power-limit"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// ParseField is the inverse of Field.String.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown interval field %q", ErrUnknownChannel, s)
}

// ChannelName returns the flat channel id for a slot and field, e.g.
// "interval-3-capacity".
func ChannelName(slot int, f Field) string {
	return fmt.Sprintf("interval-%d-%s", slot, f)
}

// ParseChannel splits a flat channel id back into its slot and field.
func ParseChannel(channel string) (int, Field, error) {
	rest, ok := strings.CutPrefix(channel, "interval-")
	if !ok {
		return 0, 0, fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	num, name, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	slot, err := strconv.Atoi(num)
	if err != nil {
		return 0, 0, fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	if err := checkSlot(slot); err != nil {
		return 0, 0, err
	}
	f, err := ParseField(name)
	if err != nil {
		return 0, 0, err
	}
	return slot, f, nil
}

// ChargeInterval is one battery charging time window.
type ChargeInterval struct {
	GridCharge      bool   `json:"gridCharge"`
	GenCharge       bool   `json:"genCharge"`
	StartTime       string `json:"startTime"`
	CapacityPercent int    `json:"capacityPercent"`
	PowerLimitWatts int    `json:"powerLimitWatts"`
}

// Settings is the complete charge schedule of one inverter. The remote
// overwrites all slots on every write so it is always exchanged whole.
type Settings struct {
	SerialNumber string                        `json:"serialNumber"`
	Intervals    [IntervalCount]ChargeInterval `json:"intervals"`

	// Token is the bearer token the settings were read with and is reused for
	// the following write.
	Token string `json:"-"`
}

func checkSlot(slot int) error {
	if slot < 1 || slot > IntervalCount {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}

// Interval returns a copy of the interval in the given 1-based slot.
func (s *Settings) Interval(slot int) (ChargeInterval, error) {
	if err := checkSlot(slot); err != nil {
		return ChargeInterval{}, err
	}
	return s.Intervals[slot-1], nil
}

// SetGridCharge enables or disables charging from the grid in a slot.
func (s *Settings) SetGridCharge(slot int, on bool) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	s.Intervals[slot-1].GridCharge = on
	return nil
}

// SetGenCharge enables or disables charging from the generator in a slot.
func (s *Settings) SetGenCharge(slot int, on bool) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	s.Intervals[slot-1].GenCharge = on
	return nil
}

// SetTime sets the 24-hour "HH:MM" start time of a slot.
func (s *Settings) SetTime(slot int, hhmm string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if !startTimeRE.MatchString(hhmm) {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidFormat, hhmm)
	}
	s.Intervals[slot-1].StartTime = hhmm
	return nil
}

// SetCapacity sets the target state of charge of a slot in percent.
func (s *Settings) SetCapacity(slot int, percent int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: capacity %d outside 0-100", ErrInvalidFormat, percent)
	}
	s.Intervals[slot-1].CapacityPercent = percent
	return nil
}

// SetPowerLimit sets the charge power limit of a slot in watts.
func (s *Settings) SetPowerLimit(slot int, watts int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if watts < 0 {
		return fmt.Errorf("%w: power limit %d is negative", ErrInvalidFormat, watts)
	}
	s.Intervals[slot-1].PowerLimitWatts = watts
	return nil
}

// Set applies a textual command value to one slot and field.
func (s *Settings) Set(slot int, f Field, value string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	switch f {
	case FieldGridCharge, FieldGenCharge:
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		if f == FieldGridCharge {
			return s.SetGridCharge(slot, on)
		}
		return s.SetGenCharge(slot, on)
	case FieldTime:
		return s.SetTime(slot, value)
	case FieldCapacity, FieldPowerLimit:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s %q is not an integer", ErrInvalidFormat, f, value)
		}
		if f == FieldCapacity {
			return s.SetCapacity(slot, n)
		}
		return s.SetPowerLimit(slot, n)
	default:
		return fmt.Errorf("%w: unknown field %s", ErrInvalidFormat, f)
	}
}

// Value returns the current value of one slot and field for publishing.
func (s *Settings) Value(slot int, f Field) (any, error) {
	in, err := s.Interval(slot)
	if err != nil {
		return nil, err
	}
	switch f {
	case FieldGridCharge:
		return in.GridCharge, nil
	case FieldGenCharge:
		return in.GenCharge, nil
	case FieldTime:
		return in.StartTime, nil
	case FieldCapacity:
		return in.CapacityPercent, nil
	case FieldPowerLimit:
		return in.PowerLimitWatts, nil
	default:
		return nil, fmt.Errorf("%w: unknown field %s", ErrInvalidFormat, f)
	}
}

// Channels flattens the settings into one value per slot and field, in slot
// order.
func (s *Settings) Channels() []ChannelValue {
	out := make([]ChannelValue, 0, IntervalCount*len(Fields))
	for slot := 1; slot <= IntervalCount; slot++ {
		for _, f := range Fields {
			v, _ := s.Value(slot, f)
			out = append(out, ChannelValue{Channel: ChannelName(slot, f), Value: v})
		}
	}
	return out
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not ON or OFF", ErrInvalidFormat, v)
}
