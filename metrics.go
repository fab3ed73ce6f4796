// Copyright 2025 Matthew Gall <me@matthewgall.dev>
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

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	info                 *prometheus.GaugeVec
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	loginsTotal          *prometheus.CounterVec
	reauthsTotal         *prometheus.CounterVec
	paginationTotal      *prometheus.CounterVec
	paginationCapped     *prometheus.CounterVec
	cyclesTotal          *prometheus.CounterVec
	cycleDuration        prometheus.Histogram
	lastSuccessTimestamp prometheus.Gauge
	missingResources     prometheus.Gauge
	resourcePresent      *prometheus.GaugeVec
	consecutiveFailures  prometheus.Gauge
	unpaidTotal          prometheus.Gauge
	unpaidInvoices       prometheus.Gauge
	meterIndex           *prometheus.GaugeVec
	submissionsTotal     *prometheus.CounterVec
}

// NewMetrics creates a registry with Go runtime and process collectors and the
// application metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		info: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eonwatch_info",
				Help: "Build information",
			},
			[]string{"version", "user_agent"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_api_requests_total",
				Help: "Total number of E·ON API requests by operation and status code",
			},
			[]string{"operation", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eonwatch_api_request_duration_seconds",
				Help:    "E·ON API request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		loginsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),
		reauthsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_reauthentications_total",
				Help: "Total number of re-authentications after a 401 by result",
			},
			[]string{"result"},
		),
		paginationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_pagination_walks_total",
				Help: "Total number of paginated fetches by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
		paginationCapped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_pagination_capped_total",
				Help: "Total number of paginated fetches stopped at the page cap",
			},
			[]string{"resource"},
		),
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_refresh_cycles_total",
				Help: "Total number of refresh cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eonwatch_refresh_cycle_duration_seconds",
				Help:    "Duration of refresh cycles in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		lastSuccessTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eonwatch_last_success_timestamp_seconds",
				Help: "Unix timestamp of the last successful refresh cycle",
			},
		),
		missingResources: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eonwatch_snapshot_missing_resources",
				Help: "Number of resources absent from the current snapshot",
			},
		),
		resourcePresent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eonwatch_snapshot_resource_present",
				Help: "Whether a resource is present in the current snapshot (1=yes, 0=no)",
			},
			[]string{"resource"},
		),
		consecutiveFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eonwatch_consecutive_failures",
				Help: "Number of refresh cycles that failed since the last success",
			},
		),
		unpaidTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eonwatch_unpaid_balance_lei",
				Help: "Total unpaid invoice balance in lei",
			},
		),
		unpaidInvoices: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eonwatch_unpaid_invoices",
				Help: "Number of unpaid invoices",
			},
		),
		meterIndex: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eonwatch_meter_index",
				Help: "Current meter index by device",
			},
			[]string{"device"},
		),
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eonwatch_meter_reading_submissions_total",
				Help: "Total number of meter reading submissions by result",
			},
			[]string{"result"},
		),
	}

	m.info.WithLabelValues(GetVersion(), GetUserAgent()).Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP exchange with the API. code is 0 when no
// response was received.
func (m *Metrics) ObserveRequest(operation string, code int, seconds float64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(code)
	if code == 0 {
		label = "error"
	}
	m.requestsTotal.WithLabelValues(operation, label).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReauth(result string) {
	if m == nil {
		return
	}
	m.reauthsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePagination(resource string, outcome pageOutcome) {
	if m == nil {
		return
	}
	m.paginationTotal.WithLabelValues(resource, outcome.String()).Inc()
	if outcome == pagesCapped {
		m.paginationCapped.WithLabelValues(resource).Inc()
	}
}

// ObserveCycle records the result of a refresh cycle: success, auth_failed or
// data_unavailable
func (m *Metrics) ObserveCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// ObserveSnapshot updates the gauges that describe the current snapshot
func (m *Metrics) ObserveSnapshot(snap *Snapshot, summary SnapshotSummary) {
	if m == nil || snap == nil {
		return
	}
	m.lastSuccessTimestamp.Set(float64(snap.FetchedAt.Unix()))
	m.missingResources.Set(float64(snap.Missing))
	for _, key := range snap.Keys() {
		present := 0.0
		if snap.Present(key) {
			present = 1
		}
		m.resourcePresent.WithLabelValues(string(key)).Set(present)
	}
	if summary.Invoices != nil {
		m.unpaidTotal.Set(summary.Invoices.TotalUnpaid)
		m.unpaidInvoices.Set(float64(len(summary.Invoices.Invoices)))
	}
	if summary.MeterIndex != nil {
		for _, device := range summary.MeterIndex.Devices {
			if device.Value != nil {
				m.meterIndex.WithLabelValues(device.DeviceNumber).Set(*device.Value)
			}
		}
	}
}

func (m *Metrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.Set(float64(n))
}

func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(result).Inc()
}
