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

package approval

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const subsystem = "approval"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Terminal transitions of ownership claims, by outcome.",
		},
		[]string{metrics.OutcomeLabel},
	)
	cascadeFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "cascade_fanout",
			Help:      "Rows retagged and sibling claims settled by a single ownership cascade.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, cascadeFanout)
}
