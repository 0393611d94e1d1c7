package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/framewright/shuttle/internal/engine"
)

// metrics holds the collectors the daemon exports. They register against the
// server's own registry, so two servers in one process never fight over
// collector names.
type metrics struct {
	batches *prometheus.CounterVec
	files   *prometheus.CounterVec
	bytes   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, activeUnits func() int64) *metrics {
	m := &metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuttle",
			Name:      "batches_total",
			Help:      "Batches finished, by terminal status.",
		}, []string{"status"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuttle",
			Name:      "files_total",
			Help:      "Mappings finished, by outcome: success or an error kind.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shuttle",
			Name:      "transferred_bytes_total",
			Help:      "Bytes written to destination staging, successful mappings or not.",
		}),
	}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "shuttle",
		Name:      "active_transfer_units",
		Help:      "Transfer units copying right now across both worker pools.",
	}, func() float64 { return float64(activeUnits()) })

	reg.MustRegister(m.batches, m.files, m.bytes, active)
	return m
}

// observe folds one finished batch into the counters.
func (m *metrics) observe(sum engine.Summary) {
	m.batches.WithLabelValues(string(sum.Status)).Inc()
	for _, res := range sum.Results {
		outcome := "success"
		if !res.Success {
			outcome = string(res.ErrorKind)
		}
		m.files.WithLabelValues(outcome).Inc()
		m.bytes.Add(float64(res.BytesTransferred))
	}
}
