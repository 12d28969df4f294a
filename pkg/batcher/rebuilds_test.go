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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Rebuild Batcher", func() {
	var cancelCtx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		cancelCtx, cancel = context.WithCancel(ctx)
	})
	AfterEach(func() {
		cancel()
	})

	It("should coalesce watch storms for the same service and environment into one rebuild", func() {
		var calls, seen atomic.Int64
		rb := NewRebuildBatcher(cancelCtx, 200*time.Millisecond, 2*time.Second,
			func(_ context.Context, keys []*RebuildKey) []Result[RebuildResult] {
				calls.Add(1)
				seen.Add(int64(len(keys)))
				return lo.Map(keys, func(key *RebuildKey, _ int) Result[RebuildResult] {
					return Result[RebuildResult]{Output: &RebuildResult{
						ExpectedHash: test.Hash(string(key.ServiceID) + "/" + key.Environment),
						Updated:      1,
					}}
				})
			})

		keys := []RebuildKey{
			{ServiceID: v1.ServiceID("billing"), Environment: "prod"},
			{ServiceID: v1.ServiceID("billing"), Environment: "prod"},
			{ServiceID: v1.ServiceID("billing"), Environment: "prod"},
			{ServiceID: v1.ServiceID("billing"), Environment: "staging"},
			{ServiceID: v1.ServiceID("billing"), Environment: "staging"},
		}
		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key RebuildKey) {
				defer GinkgoRecover()
				defer wg.Done()
				result, err := rb.Rebuild(cancelCtx, key)
				Expect(err).To(BeNil())
				Expect(result.ExpectedHash).To(Equal(test.Hash(string(key.ServiceID) + "/" + key.Environment)))
			}(key)
		}
		wg.Wait()

		// Two distinct keys, so two executor calls fan five callers back out
		Expect(calls.Load()).To(BeNumerically("==", 2))
		Expect(seen.Load()).To(BeNumerically("==", 5))
	})
})
