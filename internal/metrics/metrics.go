// Package metrics exposes the control plane's Prometheus counters and
// gauges, registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authctl_mints_total",
		Help: "Total number of token mint attempts by result.",
	}, []string{"result"})

	ValidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authctl_validates_total",
		Help: "Total number of token validate attempts by result.",
	}, []string{"result"})

	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authctl_rotations_total",
		Help: "Total number of secret rotation transitions by phase.",
	}, []string{"phase"})

	OutageMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authctl_outage_mode",
		Help: "1 while auth control plane outage mode is active, 0 otherwise.",
	})

	EnrollmentCodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authctl_enrollment_codes_issued_total",
		Help: "Total number of enrollment codes issued.",
	})

	EnrollmentCodesExchanged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authctl_enrollment_codes_exchanged_total",
		Help: "Total number of enrollment code exchange attempts by result.",
	}, []string{"result"})

	EnrollmentCodesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authctl_enrollment_codes_expired_total",
		Help: "Total number of enrollment codes expired by the maintenance sweeper.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authctl_sweep_duration_seconds",
		Help:    "Duration of maintenance sweep passes.",
		Buckets: prometheus.DefBuckets,
	})

	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authctl_sweeps_total",
		Help: "Total number of maintenance sweep passes performed.",
	})

	InstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authctl_instances_active",
		Help: "Number of instances currently in active status.",
	})
)
