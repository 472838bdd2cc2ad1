package report

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the latest cycle as prometheus gauges.
type Metrics struct {
	estimate    *prometheus.GaugeVec
	uncertainty *prometheus.GaugeVec
	reading     *prometheus.GaugeVec
	degraded    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		estimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydro_estimate",
			Help: "Fused estimate of the quantity.",
		}, []string{"quantity"}),
		uncertainty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydro_uncertainty",
			Help: "Variance of the fused estimate.",
		}, []string{"quantity"}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydro_sensor_reading",
			Help: "Last converted reading of a single sensor.",
		}, []string{"quantity", "sensor"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydro_filter_degraded_total",
			Help: "Cycles in which the filter kept its prediction instead of correcting it.",
		}, []string{"quantity"}),
	}

	for _, c := range []prometheus.Collector{m.estimate, m.uncertainty, m.reading, m.degraded} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Publish(c Cycle) error {
	for _, r := range c.Quantities {
		m.estimate.WithLabelValues(r.Name).Set(float64(r.Estimate))
		m.uncertainty.WithLabelValues(r.Name).Set(float64(r.Uncertainty))
		for i, v := range r.Batch {
			sensor := ""
			if i < len(r.Sensors) {
				sensor = r.Sensors[i]
			}
			m.reading.WithLabelValues(r.Name, sensor).Set(float64(v))
		}
		if r.Degraded {
			m.degraded.WithLabelValues(r.Name).Inc()
		}
	}
	return nil
}
