package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServicesProvisioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testfleet_services_provisioned_total",
		Help: "Backend service instances that reached Ready, by service name.",
	}, []string{"service"})

	ServicesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testfleet_services_failed_total",
		Help: "Backend service instances that failed to become ready.",
	}, []string{"service"})

	PhasesRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testfleet_phases_total",
		Help: "Executed test phases, by phase name and outcome.",
	}, []string{"phase", "outcome"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "testfleet_phase_duration_seconds",
		Help:    "Wall-clock duration of each test phase.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"phase"})

	FinalizeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testfleet_finalize_attempts_total",
		Help: "Attempts to post results to the reporting endpoint, by outcome.",
	}, []string{"outcome"})
)
