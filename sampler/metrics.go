package sampler

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exports chain progress. Collectors are per Sampler so several
// samplers can share a process as long as they use distinct registries.
type metrics struct {
	iterations  *prometheus.CounterVec
	leapfrogs   *prometheus.CounterVec
	divergences *prometheus.CounterVec
	stepSize    *prometheus.GaugeVec
	phase       *prometheus.GaugeVec
	acceptStat  *prometheus.HistogramVec
	failed      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nutsample_iterations_total",
			Help: "Completed iterations per chain, warm-up included",
		}, []string{"chain"}),
		leapfrogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nutsample_leapfrog_steps_total",
			Help: "Leapfrog steps (gradient evaluations) per chain",
		}, []string{"chain"}),
		divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nutsample_divergences_total",
			Help: "Divergent transitions per chain, warm-up included",
		}, []string{"chain"}),
		stepSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nutsample_step_size",
			Help: "Current leapfrog step size per chain",
		}, []string{"chain"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nutsample_chain_phase",
			Help: "Chain phase (0 init, 1 step adaptation, 2 metric adaptation, 3 sampling, 4 done, 5 failed)",
		}, []string{"chain"}),
		acceptStat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nutsample_accept_stat",
			Help:    "Per-iteration acceptance statistic",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"chain"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nutsample_chains_failed_total",
			Help: "Chains stopped by a sampler error",
		}),
	}

	for _, c := range []prometheus.Collector{m.iterations, m.leapfrogs, m.divergences, m.stepSize, m.phase, m.acceptStat, m.failed} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "Could not register sampler metrics")
		}
	}
	return m, nil
}

func (m *metrics) observe(chain int, ph Phase, tr transition, eps float64) {
	id := strconv.Itoa(chain)
	m.iterations.WithLabelValues(id).Inc()
	m.leapfrogs.WithLabelValues(id).Add(float64(tr.leapfrogs))
	if tr.divergent {
		m.divergences.WithLabelValues(id).Inc()
	}
	m.stepSize.WithLabelValues(id).Set(eps)
	m.phase.WithLabelValues(id).Set(float64(ph))
	m.acceptStat.WithLabelValues(id).Observe(tr.accept)
}
