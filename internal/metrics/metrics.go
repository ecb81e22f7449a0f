// Package metrics registers the sentinel's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sentinel services.
type Metrics struct {
	RequestsScanned *prometheus.CounterVec // vector: reqmod|respmod
	Blocks          *prometheus.CounterVec // reason
	OTTRewrites     prometheus.Counter
	ApprovalCommits *prometheus.CounterVec // outcome: approved|skipped|rejected|failed
	TokensStripped  prometheus.Counter

	ScanDuration  *prometheus.HistogramVec // scanner: clamd
	ScanVerdicts  *prometheus.CounterVec   // verdict: clean|infected|error|fail_open
	BreakerOpen   prometheus.Gauge
	PolicyLevel   prometheus.Gauge // 0 relaxed, 1 balanced, 2 strict
	PolicyErrors  prometheus.Counter
	StoreFailures *prometheus.CounterVec // role
}

// New creates all sentinel metrics, registering them on reg. A nil reg
// leaves them unregistered (tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsScanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_requests_scanned_total",
				Help: "Messages inspected, by ICAP vector",
			},
			[]string{"vector"},
		),
		Blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_blocks_total",
				Help: "Synthesized 403 responses, by reason tag",
			},
			[]string{"reason"},
		),
		OTTRewrites: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polis_ott_rewrites_total",
				Help: "Request ids swapped for one-time tokens",
			},
		),
		ApprovalCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_approval_commits_total",
				Help: "Approval commit attempts, by outcome",
			},
			[]string{"outcome"},
		),
		TokensStripped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polis_tokens_stripped_total",
				Help: "OTT codes overwritten before reaching the client",
			},
		),
		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_av_scan_duration_seconds",
				Help:    "clamd INSTREAM scan duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scanner"},
		),
		ScanVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_av_verdicts_total",
				Help: "AV scan outcomes",
			},
			[]string{"verdict"},
		),
		BreakerOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_av_breaker_open",
				Help: "1 while the clamd circuit breaker is open",
			},
		),
		PolicyLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_security_level",
				Help: "Current security level (0 relaxed, 1 balanced, 2 strict)",
			},
		),
		PolicyErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polis_policy_refresh_failures_total",
				Help: "Failed security-level fetches",
			},
		),
		StoreFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_store_failures_total",
				Help: "Shared-store command failures, by identity",
			},
			[]string{"role"},
		),
	}
}
