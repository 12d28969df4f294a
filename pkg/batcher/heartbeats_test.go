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
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Heartbeat Batcher", func() {
	var cancelCtx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		cancelCtx, cancel = context.WithCancel(ctx)
	})
	AfterEach(func() {
		cancel()
	})

	It("should land every report of a window in a single executor call", func() {
		var calls atomic.Int64
		hb := NewHeartbeatBatcher(cancelCtx, 500, 400*time.Millisecond, 0,
			func(_ context.Context, reports []*v1.HeartbeatReport) []Result[v1.HeartbeatReceipt] {
				calls.Add(1)
				return lo.Map(reports, func(r *v1.HeartbeatReport, _ int) Result[v1.HeartbeatReceipt] {
					return Result[v1.HeartbeatReceipt]{Output: &v1.HeartbeatReceipt{InstanceID: v1.InstanceID(r.InstanceID), Created: true}}
				})
			})

		reports := lo.RepeatBy(5, func(_ int) *v1.HeartbeatReport { return test.Heartbeat() })
		var wg sync.WaitGroup
		for _, report := range reports {
			wg.Add(1)
			go func(report *v1.HeartbeatReport) {
				defer GinkgoRecover()
				defer wg.Done()
				receipt, err := hb.Submit(cancelCtx, report)
				Expect(err).To(BeNil())
				// Every caller gets the receipt minted for its own report
				Expect(string(receipt.InstanceID)).To(Equal(report.InstanceID))
				Expect(receipt.Created).To(BeTrue())
			}(report)
		}
		wg.Wait()

		Expect(calls.Load()).To(BeNumerically("==", 1))
	})
	It("should fall back to the stock window when no sizing is given", func() {
		hb := NewHeartbeatBatcher(cancelCtx, 0, 0, 0,
			func(_ context.Context, reports []*v1.HeartbeatReport) []Result[v1.HeartbeatReceipt] {
				return lo.Map(reports, func(*v1.HeartbeatReport, int) Result[v1.HeartbeatReceipt] {
					return Result[v1.HeartbeatReceipt]{Output: &v1.HeartbeatReceipt{}}
				})
			})
		Expect(hb.batcher.options.MaxItems).To(Equal(DefaultHeartbeatBatchSize))
		Expect(hb.batcher.options.MaxTimeout).To(Equal(DefaultHeartbeatMaxDelay))
	})
	It("should shed reports beyond the queue depth limit", func() {
		hb := NewHeartbeatBatcher(cancelCtx, 500, time.Minute, 2,
			func(_ context.Context, reports []*v1.HeartbeatReport) []Result[v1.HeartbeatReceipt] {
				return lo.Map(reports, func(*v1.HeartbeatReport, int) Result[v1.HeartbeatReceipt] {
					return Result[v1.HeartbeatReceipt]{Output: &v1.HeartbeatReceipt{}}
				})
			})
		for i := 0; i < 2; i++ {
			go func() {
				hb.Submit(cancelCtx, test.Heartbeat()) //nolint:errcheck
			}()
		}
		Eventually(hb.batcher.pending).Should(BeNumerically("==", 2))

		_, err := hb.Submit(cancelCtx, test.Heartbeat())
		Expect(errors.IsOverloaded(err)).To(BeTrue())
	})
})
