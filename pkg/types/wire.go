package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// wire keys of one slot, e.g. "time3on" and "sellTime3Pac" for slot 3
func wireKeys(slot int) (grid, gen, start, capacity, power string) {
	return fmt.Sprintf("time%don", slot),
		fmt.Sprintf("genTime%don", slot),
		fmt.Sprintf("sellTime%d", slot),
		fmt.Sprintf("cap%d", slot),
		fmt.Sprintf("sellTime%dPac", slot)
}

// WireBody renders the settings in the form the remote expects on a write.
// Every slot is emitted, in ascending order, because the remote overwrites all
// of them.
func (s *Settings) WireBody() map[string]string {
	body := make(map[string]string, 1+IntervalCount*len(Fields))
	body["sn"] = s.SerialNumber
	for i, in := range s.Intervals {
		grid, gen, start, capacity, power := wireKeys(i + 1)
		body[grid] = strconv.FormatBool(in.GridCharge)
		body[gen] = strconv.FormatBool(in.GenCharge)
		body[start] = in.StartTime
		body[capacity] = strconv.Itoa(in.CapacityPercent)
		body[power] = strconv.Itoa(in.PowerLimitWatts)
	}
	return body
}

// ParseWireSettings reads a settings document as returned by the remote. The
// remote is inconsistent about quoting so booleans and numbers are accepted
// either as JSON values or as strings.
func ParseWireSettings(serial string, data map[string]any) (Settings, error) {
	s := Settings{SerialNumber: serial}
	if sn, ok := data["sn"].(string); ok && sn != "" {
		s.SerialNumber = sn
	}
	for slot := 1; slot <= IntervalCount; slot++ {
		grid, gen, start, capacity, power := wireKeys(slot)
		in := &s.Intervals[slot-1]

		var err error
		if in.GridCharge, err = wireBool(data, grid); err != nil {
			return Settings{}, err
		}
		if in.GenCharge, err = wireBool(data, gen); err != nil {
			return Settings{}, err
		}
		if in.CapacityPercent, err = wireInt(data, capacity); err != nil {
			return Settings{}, err
		}
		if in.PowerLimitWatts, err = wireInt(data, power); err != nil {
			return Settings{}, err
		}
		t, ok := data[start].(string)
		if !ok {
			return Settings{}, fmt.Errorf("%w: missing %s", ErrInvalidFormat, start)
		}
		in.StartTime = t
	}
	return s, nil
}

func wireBool(data map[string]any, key string) (bool, error) {
	switch v := data[key].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%w: %s=%q", ErrInvalidFormat, key, v)
		}
		return b, nil
	case float64:
		return v != 0, nil
	case nil:
		return false, fmt.Errorf("%w: missing %s", ErrInvalidFormat, key)
	default:
		return false, fmt.Errorf("%w: %s has type %T", ErrInvalidFormat, key, v)
	}
}

func wireInt(data map[string]any, key string) (int, error) {
	switch v := data[key].(type) {
	case float64:
		return int(math.Round(v)), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q", ErrInvalidFormat, key, v)
		}
		return int(math.Round(f)), nil
	case nil:
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidFormat, key)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidFormat, key, v)
	}
}
