package types

import "time"

// RecordKind says what a history record describes.
type RecordKind string

const (
	RecordValues  RecordKind = "values"
	RecordOnline  RecordKind = "online"
	RecordOffline RecordKind = "offline"
	RecordReauth  RecordKind = "reauth"
)

// Record is one entry in the history of an inverter.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Serial    string         `json:"serial"`
	Kind      RecordKind     `json:"kind"`
	Reason    string         `json:"reason,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// InverterStatus is the last known state of an inverter.
type InverterStatus struct {
	Serial           string         `json:"serial"`
	Online           bool           `json:"online"`
	Reason           string         `json:"reason,omitempty"`
	NeedsCredentials bool           `json:"needsCredentials,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Values           map[string]any `json:"values,omitempty"`
}

// ValueMap turns channel values into a map keyed by channel.
func ValueMap(values []ChannelValue) map[string]any {
	m := make(map[string]any, len(values))
	for _, cv := range values {
		m[cv.Channel] = cv.Value
	}
	return m
}
