// Package metrics exports engine counters to Prometheus. A nil *Metrics
// records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sdma"

// Metrics holds the engine collectors.
type Metrics struct {
	transfers    *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	interrupts   *prometheus.CounterVec
	errors       *prometheus.CounterVec
	openChannels prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Completed transfers per channel and direction.",
		}, []string{"channel", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved per channel and direction.",
		}, []string{"channel", "direction"}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Acknowledged co-processor interrupts per channel.",
		}, []string{"channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations per error kind.",
		}, []string{"kind"}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Currently open channels.",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// MustNew is New that panics on registration failure.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.transfers, m.bytes, m.interrupts, m.errors, m.openChannels}
}

// Transfer records one completed transfer.
func (m *Metrics) Transfer(channel int, direction string, n int) {
	if m == nil {
		return
	}
	ch := strconv.Itoa(channel)
	m.transfers.WithLabelValues(ch, direction).Inc()
	m.bytes.WithLabelValues(ch, direction).Add(float64(n))
}

// Interrupt records one acknowledged interrupt.
func (m *Metrics) Interrupt(channel int) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// Error records one failed operation.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}
