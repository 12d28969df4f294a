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

package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const subsystem = "pipeline"

var (
	heartbeatsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_processed_total",
			Help:      "Heartbeats that made it through diffing to the bulk writes.",
		},
	)
	heartbeatsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_dropped_total",
			Help:      "Heartbeats discarded before the bulk writes, by reason.",
		},
		[]string{metrics.ReasonLabel},
	)
	heartbeatsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_duplicate_total",
			Help:      "Heartbeats superseded by a newer report for the same instance inside one batch window.",
		},
	)
	driftEventsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "drift_events_created_total",
			Help:      "Drift events inserted for instances newly entering drift.",
		},
	)
	driftEventsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "drift_events_resolved_total",
			Help:      "Open drift events auto-resolved by instances leaving drift.",
		},
	)
	unknownServices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "unknown_services_total",
			Help:      "Heartbeats naming a service the registry has never seen.",
		},
	)
)

func init() {
	prometheus.MustRegister(heartbeatsProcessed, heartbeatsDropped, heartbeatsDuplicate,
		driftEventsCreated, driftEventsResolved, unknownServices)
}
