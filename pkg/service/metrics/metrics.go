// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for antbs-server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for antbs-server: package builds,
// transactions, repo updates, queue depths, and webhook traffic.
type Metrics struct {
	// Package build metrics
	PackageBuildsTotal          *prometheus.CounterVec
	PackageBuildDurationSeconds *prometheus.HistogramVec
	ActiveBuilds                prometheus.Gauge

	// ISO build metrics (retried a bounded number of times on failure)
	ISOBuildAttemptsTotal *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal          *prometheus.CounterVec
	TransactionDurationSeconds *prometheus.HistogramVec

	// Repo update metrics
	RepoUpdatesTotal          *prometheus.CounterVec
	RepoUpdateDurationSeconds *prometheus.HistogramVec

	// Queue metrics, one gauge per named queue (transactions, update_repo, webhook)
	QueueDepth *prometheus.GaugeVec

	// Webhook metrics
	WebhooksTotal *prometheus.CounterVec

	// Sandbox executor metrics
	SandboxJobsActive prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all series registered against a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PackageBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antbs_package_builds_total",
				Help: "Total number of package builds by outcome",
			},
			[]string{"status"},
		),
		PackageBuildDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "antbs_package_build_duration_seconds",
				Help:    "Duration of package builds in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 18), // 1s to ~36h, covers PackageBuildTimeout
			},
			[]string{"status"},
		),
		ActiveBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "antbs_active_builds",
				Help: "Number of package builds currently running",
			},
		),
		ISOBuildAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antbs_iso_build_attempts_total",
				Help: "Total number of ISO build attempts by outcome",
			},
			[]string{"status"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antbs_transactions_total",
				Help: "Total number of transactions by outcome",
			},
			[]string{"status"},
		),
		TransactionDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "antbs_transaction_duration_seconds",
				Help:    "Duration of transactions in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 17),
			},
			[]string{"status"},
		),
		RepoUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antbs_repo_updates_total",
				Help: "Total number of repo update runs by outcome",
			},
			[]string{"repo", "status"},
		),
		RepoUpdateDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "antbs_repo_update_duration_seconds",
				Help:    "Duration of repo update runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 16), // 0.5s to ~4.5h, covers RepoUpdateTimeout
			},
			[]string{"repo"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "antbs_queue_depth",
				Help: "Number of pending jobs per queue",
			},
			[]string{"queue"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antbs_webhooks_total",
				Help: "Total number of inbound webhook requests by classified kind",
			},
			[]string{"kind"},
		),
		SandboxJobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "antbs_sandbox_jobs_active",
				Help: "Number of sandbox jobs currently running",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.PackageBuildsTotal,
		m.PackageBuildDurationSeconds,
		m.ActiveBuilds,
		m.ISOBuildAttemptsTotal,
		m.TransactionsTotal,
		m.TransactionDurationSeconds,
		m.RepoUpdatesTotal,
		m.RepoUpdateDurationSeconds,
		m.QueueDepth,
		m.WebhooksTotal,
		m.SandboxJobsActive,
	)

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBuildStarted records a package build starting.
func (m *Metrics) RecordBuildStarted() {
	m.ActiveBuilds.Inc()
}

// RecordBuildCompleted records a package build's outcome and duration.
func (m *Metrics) RecordBuildCompleted(status string, durationSeconds float64) {
	m.ActiveBuilds.Dec()
	m.PackageBuildsTotal.WithLabelValues(status).Inc()
	m.PackageBuildDurationSeconds.WithLabelValues(status).Observe(durationSeconds)
}

// RecordISOBuildAttempt records a single ISO build attempt's outcome.
func (m *Metrics) RecordISOBuildAttempt(status string) {
	m.ISOBuildAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordTransaction records a transaction's outcome and total duration.
func (m *Metrics) RecordTransaction(status string, durationSeconds float64) {
	m.TransactionsTotal.WithLabelValues(status).Inc()
	m.TransactionDurationSeconds.WithLabelValues(status).Observe(durationSeconds)
}

// RecordRepoUpdate records a repo update run's outcome and duration.
func (m *Metrics) RecordRepoUpdate(repo, status string, durationSeconds float64) {
	m.RepoUpdatesTotal.WithLabelValues(repo, status).Inc()
	m.RepoUpdateDurationSeconds.WithLabelValues(repo).Observe(durationSeconds)
}

// UpdateQueueDepth sets the pending-job gauge for a named queue.
func (m *Metrics) UpdateQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordWebhook records a classified inbound webhook request.
func (m *Metrics) RecordWebhook(kind string) {
	m.WebhooksTotal.WithLabelValues(kind).Inc()
}

// UpdateSandboxJobsActive sets the currently-running sandbox job count.
func (m *Metrics) UpdateSandboxJobsActive(n int) {
	m.SandboxJobsActive.Set(float64(n))
}
