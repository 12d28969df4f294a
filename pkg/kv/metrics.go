/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const subsystem = "kv"

var (
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Latency of KV operations by backend, operation and result.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.BackendLabel, metrics.OperationLabel, metrics.ResultLabel},
	)
	fallbackServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "fallback_served_total",
			Help:      "Reads answered from the fallback cache because the backend was unavailable.",
		},
		[]string{metrics.BackendLabel},
	)
	watchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "watch_events_total",
			Help:      "Watch events dispatched, by backend and event type.",
		},
		[]string{metrics.BackendLabel, metrics.OperationLabel},
	)
)

func init() {
	prometheus.MustRegister(operationDuration, fallbackServedTotal, watchEventsTotal)
}
