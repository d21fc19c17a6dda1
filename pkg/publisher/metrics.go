package publisher

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/sunsynk/pkg/types"
)

// Metrics keeps the latest numeric values of every inverter and exposes them
// as a prometheus collector.
type Metrics struct {
	mu      sync.Mutex
	values  map[string]map[string]float64
	online  map[string]bool
	reauths map[string]int

	value  *prometheus.Desc
	up     *prometheus.Desc
	reauth *prometheus.Desc
}

// NewMetrics returns an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		values:  make(map[string]map[string]float64),
		online:  make(map[string]bool),
		reauths: make(map[string]int),
		value: prometheus.NewDesc(
			"sunsynk_channel_value",
			"Latest value of an inverter channel (switches are 1/0)",
			[]string{"serial", "channel"},
			nil,
		),
		up: prometheus.NewDesc(
			"sunsynk_inverter_online",
			"Whether the last poll of the inverter succeeded",
			[]string{"serial"},
			nil,
		),
		reauth: prometheus.NewDesc(
			"sunsynk_reauthentication_requests_total",
			"Times the account needed new credentials while polling the inverter",
			[]string{"serial"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.value
	ch <- m.up
	ch <- m.reauth
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serial, channels := range m.values {
		for channel, v := range channels {
			ch <- prometheus.MustNewConstMetric(m.value, prometheus.GaugeValue, v, serial, channel)
		}
	}
	for serial, online := range m.online {
		up := 0.0
		if online {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(m.up, prometheus.GaugeValue, up, serial)
	}
	for serial, n := range m.reauths {
		ch <- prometheus.MustNewConstMetric(m.reauth, prometheus.CounterValue, float64(n), serial)
	}
}

func (m *Metrics) Publish(ctx context.Context, serial string, values []types.ChannelValue) error {
	latest := make(map[string]float64, len(values))
	for _, cv := range values {
		if f, ok := numericValue(cv.Value); ok {
			latest[cv.Channel] = f
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[serial] = latest
	return nil
}

func (m *Metrics) MarkOnline(ctx context.Context, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[serial] = true
	return nil
}

func (m *Metrics) MarkOffline(ctx context.Context, serial string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[serial] = false
	return nil
}

func (m *Metrics) RequestReauthentication(ctx context.Context, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauths[serial]++
	return nil
}
