// Copyright 2024 Kaycloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package okhttp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the client's request
// lifecycle, dispatcher queues, connection pool and cache. It is safe
// for concurrent use. A nil collector is a no-op.
type MetricsCollector struct {
	callsTotal       *prometheus.CounterVec
	callsInFlight    prometheus.Gauge
	dispatcherQueued prometheus.Gauge
	poolConnections  prometheus.Gauge
	connectsTotal    *prometheus.CounterVec
	cacheRequests    prometheus.Counter
	cacheHits        prometheus.Counter
	cacheNetwork     prometheus.Counter
}

// NewMetricsCollector creates a collector registered on the default
// registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		callsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "okhttp_calls_total",
				Help: "Total number of calls completed, by method and status",
			},
			[]string{"method", "status"},
		),
		callsInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "okhttp_calls_in_flight",
				Help: "Number of calls currently running",
			},
		),
		dispatcherQueued: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "okhttp_dispatcher_queued_calls",
				Help: "Number of async calls waiting for admission",
			},
		),
		poolConnections: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "okhttp_pool_connections",
				Help: "Number of connections held by the pool",
			},
		),
		connectsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "okhttp_connects_total",
				Help: "Connection attempts, by result",
			},
			[]string{"result"},
		),
		cacheRequests: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "okhttp_cache_requests_total",
				Help: "Requests that consulted the cache",
			},
		),
		cacheHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "okhttp_cache_hits_total",
				Help: "Requests served from the cache, including validated 304s",
			},
		),
		cacheNetwork: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "okhttp_cache_network_total",
				Help: "Cache-consulting requests that used the network",
			},
		),
	}
}

func (m *MetricsCollector) observeCallStarted() {
	if m == nil {
		return
	}
	m.callsInFlight.Inc()
}

func (m *MetricsCollector) observeCallFinished(method string, code int, err error) {
	if m == nil {
		return
	}
	m.callsInFlight.Dec()
	status := "error"
	if err == nil {
		status = strconv.Itoa(code)
	}
	m.callsTotal.WithLabelValues(method, status).Inc()
}

func (m *MetricsCollector) observeQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.dispatcherQueued.Set(float64(depth))
}

func (m *MetricsCollector) observePoolSize(size int) {
	if m == nil {
		return
	}
	m.poolConnections.Set(float64(size))
}

func (m *MetricsCollector) observeConnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connectsTotal.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) observeCacheRequest() {
	if m == nil {
		return
	}
	m.cacheRequests.Inc()
}

func (m *MetricsCollector) observeCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *MetricsCollector) observeCacheNetwork() {
	if m == nil {
		return
	}
	m.cacheNetwork.Inc()
}
