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

package expectation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const subsystem = "expectation"

var (
	configEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "config_events_total",
			Help:      "Keyspace change notifications routed to a rebuild.",
		},
	)
	rebuildsPerformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "rebuilds_total",
			Help:      "Expected-hash recomputations, after coalescing.",
		},
	)
	instancesRetargeted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "instances_updated_total",
			Help:      "Instance rows restamped with a recomputed expected hash.",
		},
	)
)

func init() {
	prometheus.MustRegister(configEvents)
	prometheus.MustRegister(rebuildsPerformed)
	prometheus.MustRegister(instancesRetargeted)
}
