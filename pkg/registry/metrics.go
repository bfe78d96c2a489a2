package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks registry membership and slave connectivity.
type Metrics struct {
	SlavesRegistered prometheus.Gauge
	SlavesOnline     prometheus.Gauge
	Handshakes       *prometheus.CounterVec // by final handshake state
	VerifyRemovals   prometheus.Counter
	StatusRefreshes  *prometheus.CounterVec // by result
}

// NewMetrics creates and registers the registry metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		SlavesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fsgrid_slaves_registered",
			Help: "Number of slaves with a descriptor",
		}),
		SlavesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fsgrid_slaves_online",
			Help: "Number of slaves with a live control channel",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fsgrid_handshakes_total",
			Help: "Inbound slave connections by final handshake state",
		}, []string{"state"}),
		VerifyRemovals: factory.NewCounter(prometheus.CounterOpts{
			Name: "fsgrid_verify_removals_total",
			Help: "Slaves taken offline by verification",
		}),
		StatusRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fsgrid_status_probes_total",
			Help: "Slave status probes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeRefresh(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StatusRefreshes.WithLabelValues(result).Inc()
}
