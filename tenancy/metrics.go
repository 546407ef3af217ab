// Copyright 2025 MediGrid
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

package tenancy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promScopeBindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_scope_binds_total",
			Help: "Total number of tenant scope bind attempts",
		},
		[]string{"status"},
	)
	promScopeResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_scope_resets_total",
			Help: "Total number of scope resets by outcome",
		},
		[]string{"outcome"},
	)
	promConnectionsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_connections_destroyed_total",
			Help: "Total number of pooled connections destroyed after a failed reset",
		},
	)
	promAcquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medigrid_gateway_acquire_wait_seconds",
			Help:    "Time spent waiting for a pooled connection",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
		},
	)
	promRegistryCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_registry_cache_total",
			Help: "Schema registry cache lookups by result",
		},
		[]string{"result"},
	)
	promStatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_statements_total",
			Help: "Registered statements executed through the facade, by status",
		},
		[]string{"statement", "status"},
	)
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medigrid_gateway_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		},
		[]string{"endpoint", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medigrid_gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(promScopeBindsTotal)
	prometheus.MustRegister(promScopeResetsTotal)
	prometheus.MustRegister(promConnectionsDestroyed)
	prometheus.MustRegister(promAcquireWaitSeconds)
	prometheus.MustRegister(promRegistryCacheTotal)
	prometheus.MustRegister(promStatementsTotal)
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
}
