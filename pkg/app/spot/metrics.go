package spot

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	fills    *prometheus.CounterVec
	volume   *prometheus.CounterVec
}

// NewMetrics creates the app's collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "requests_total",
			Help:      "Units of work by operation and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "request_duration_seconds",
			Help:      "Time to run and commit a unit of work.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "fills_total",
			Help:      "Settled fills by market.",
		}, []string{"market"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "base_volume_total",
			Help:      "Settled base quantity by market.",
		}, []string{"market"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency, m.fills, m.volume} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) fill(f storage.FillRecord) {
	mkt := f.Market.Hex()
	m.fills.WithLabelValues(mkt).Inc()
	m.volume.WithLabelValues(mkt).Add(float64(f.Size))
}
