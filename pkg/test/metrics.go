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

package test

import (
	"github.com/prometheus/client_golang/prometheus"
	prometheusmodel "github.com/prometheus/client_model/go"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck
	. "github.com/onsi/gomega"    //nolint:staticcheck
)

// FindMetricWithLabelValues gathers the default registry and returns the first
// metric under name whose labels carry every given value. Collectors register
// once per process, so specs must assert on deltas rather than absolutes.
func FindMetricWithLabelValues(name string, labelValues map[string]string) (*prometheusmodel.Metric, bool) {
	GinkgoHelper()
	metrics, err := prometheus.DefaultGatherer.Gather()
	Expect(err).To(BeNil())

	mf, found := lo.Find(metrics, func(mf *prometheusmodel.MetricFamily) bool {
		return mf.GetName() == name
	})
	if !found {
		return nil, false
	}
	for _, m := range mf.Metric {
		missing := lo.Assign(labelValues)
		for _, labelPair := range m.Label {
			if v, ok := missing[labelPair.GetName()]; ok && v == labelPair.GetValue() {
				delete(missing, labelPair.GetName())
			}
		}
		if len(missing) == 0 {
			return m, true
		}
	}
	return nil, false
}

// CounterValue reads a counter from the default registry, zero when the
// counter has not fired yet. Capture it before the action under test and
// compare after.
func CounterValue(name string, labelValues map[string]string) float64 {
	GinkgoHelper()
	metric, ok := FindMetricWithLabelValues(name, labelValues)
	if !ok {
		return 0
	}
	return metric.GetCounter().GetValue()
}
