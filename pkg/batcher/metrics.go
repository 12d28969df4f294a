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

package batcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftplane/driftplane/pkg/metrics"
)

const (
	subsystem    = "batcher"
	batcherLabel = "batcher"
)

var (
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "batch_size",
			Help:      "Number of requests dispatched together in one executor call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{batcherLabel},
	)
	batchWindowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "batch_time_seconds",
			Help:      "Duration a batch window stayed open before dispatch.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{batcherLabel},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Requests waiting in the open batch window.",
		},
		[]string{batcherLabel},
	)
)

func init() {
	prometheus.MustRegister(batchSize, batchWindowDuration, queueDepth)
}
