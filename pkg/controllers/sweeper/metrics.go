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

package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const subsystem = "sweeper"

var (
	instancesMarkedUnknown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "instances_marked_unknown_total",
			Help:      "Instances flipped to UNKNOWN after falling silent past the staleness threshold.",
		},
	)
	driftEventsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "drift_events_purged_total",
			Help:      "Resolved drift events hard-deleted after their audit retention passed.",
		},
	)
	sharesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "shares_purged_total",
			Help:      "Expired or revoked shares hard-deleted after their audit retention passed.",
		},
	)
)

func init() {
	prometheus.MustRegister(instancesMarkedUnknown)
	prometheus.MustRegister(driftEventsPurged)
	prometheus.MustRegister(sharesPurged)
}
