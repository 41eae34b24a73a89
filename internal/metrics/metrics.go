// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes the pipeline's operational counters in
// Prometheus text format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsProcessed      prometheus.Counter
	jobsFailed         prometheus.Counter
	filesDeduplicated  prometheus.Counter
	indicatorsFound    prometheus.Counter
	uptimeSeconds      prometheus.GaugeFunc
	processStart       time.Time
)

func init() {
	processStart = time.Now()
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests to
// get a clean registry between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobsProcessed increments the count of jobs that reached COMPLETED with
// the full pipeline run (persist + extract + scan).
func IncJobsProcessed() {
	mu.RLock()
	defer mu.RUnlock()
	jobsProcessed.Inc()
}

// IncJobsFailed increments the count of jobs that ended FAILED.
func IncJobsFailed() {
	mu.RLock()
	defer mu.RUnlock()
	jobsFailed.Inc()
}

// IncFilesDeduplicated increments the count of FileRefs skipped by either
// dedup stage.
func IncFilesDeduplicated() {
	mu.RLock()
	defer mu.RUnlock()
	filesDeduplicated.Inc()
}

// AddIndicatorsFound adds n to the count of indicators found by scans.
func AddIndicatorsFound(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	indicatorsFound.Add(float64(n))
}

// Uptime returns the duration since the metrics package was initialized.
func Uptime() time.Duration {
	return time.Since(processStart)
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total jobs that completed the full ingestion pipeline.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total jobs that ended in the FAILED state.",
	})
	deduped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "files_deduplicated_total",
		Help: "Total FileRefs skipped by remote-id or content dedup.",
	})
	indicators := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indicators_found_total",
		Help: "Total indicators found across all scans.",
	})
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 { return time.Since(processStart).Seconds() })

	registry.MustRegister(processed, failed, deduped, indicators, uptime)

	reg = registry
	jobsProcessed = processed
	jobsFailed = failed
	filesDeduplicated = deduped
	indicatorsFound = indicators
	uptimeSeconds = uptime
}
