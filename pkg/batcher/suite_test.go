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
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/samber/lo"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context

func TestBatcher(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batcher")
}

var _ = Describe("Batcher", func() {
	var cancelCtx context.Context
	var cancel context.CancelFunc
	var fakeBatcher *FakeBatcher

	BeforeEach(func() {
		cancelCtx, cancel = context.WithCancel(ctx)
	})
	AfterEach(func() {
		// Cancel the context to make sure that we properly clean-up
		cancel()
	})
	Context("Concurrency", func() {
		It("should limit the number of threads that run concurrently from the batcher", func() {
			// This batcher will get canceled at the end of the test run
			fakeBatcher = NewFakeBatcher(cancelCtx, time.Minute, 100)

			// Generate 300 items that add to the batcher
			for i := 0; i < 300; i++ {
				go func() {
					fakeBatcher.batcher.Add(cancelCtx, lo.ToPtr(randomdata.Alphanumeric(20)))
				}()
			}

			// Check that we get to 100 threads, and we stay at 100 threads
			Eventually(fakeBatcher.activeBatches.Load).Should(BeNumerically("==", 100))
			Consistently(fakeBatcher.activeBatches.Load, time.Second*10).Should(BeNumerically("==", 100))
		})
		It("should process 300 items in parallel to get quicker batching", func() {
			// This batcher will get canceled at the end of the test run
			fakeBatcher = NewFakeBatcher(cancelCtx, time.Second, 300)

			// Generate 300 items that add to the batcher
			for i := 0; i < 300; i++ {
				go func() {
					fakeBatcher.batcher.Add(cancelCtx, lo.ToPtr(randomdata.Alphanumeric(20)))
				}()
			}

			Eventually(fakeBatcher.activeBatches.Load).Should(BeNumerically("==", 300))
			Eventually(fakeBatcher.completedBatches.Load, time.Second*3).Should(BeNumerically("==", 300))
		})
	})
	Context("Coalescing", func() {
		It("should fold identical requests into a single executor call", func() {
			var calls, seen atomic.Int64
			b := NewBatcher(cancelCtx, Options[string, string]{
				Name:        "coalescing",
				IdleTimeout: 200 * time.Millisecond,
				MaxTimeout:  2 * time.Second,
				BatchExecutor: func(_ context.Context, items []*string) []Result[string] {
					calls.Add(1)
					seen.Add(int64(len(items)))
					return lo.Map(items, func(i *string, _ int) Result[string] {
						return Result[string]{Output: i}
					})
				},
			})

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					result := b.Add(cancelCtx, lo.ToPtr("same-payload"))
					Expect(result.Err).To(BeNil())
					Expect(lo.FromPtr(result.Output)).To(Equal("same-payload"))
				}()
			}
			wg.Wait()

			Expect(calls.Load()).To(BeNumerically("==", 1))
			Expect(seen.Load()).To(BeNumerically("==", 50))
		})
	})
	Context("Limits", func() {
		It("should fail fast once the queue depth limit is reached", func() {
			// A window this long never closes during the test, so queued
			// requests stay pending
			b := NewBatcher(cancelCtx, Options[string, string]{
				Name:          "bounded",
				IdleTimeout:   time.Minute,
				MaxTimeout:    time.Minute,
				MaxQueueDepth: 10,
				BatchExecutor: func(_ context.Context, items []*string) []Result[string] {
					return lo.Map(items, func(i *string, _ int) Result[string] {
						return Result[string]{Output: i}
					})
				},
			})

			for i := 0; i < 10; i++ {
				go func() {
					b.Add(cancelCtx, lo.ToPtr(randomdata.Alphanumeric(20)))
				}()
			}
			Eventually(b.pending).Should(BeNumerically("==", 10))

			metric, ok := test.FindMetricWithLabelValues("driftplane_batcher_queue_depth", map[string]string{
				"batcher": "bounded",
			})
			Expect(ok).To(BeTrue())
			Expect(metric.GetGauge().GetValue()).To(BeNumerically("==", 10))

			result := b.Add(cancelCtx, lo.ToPtr("overflow"))
			Expect(errors.IsOverloaded(result.Err)).To(BeTrue())
		})
	})
	Context("Failure", func() {
		It("should fail every requestor when the executor returns a mismatched result count", func() {
			b := NewBatcher(cancelCtx, Options[string, string]{
				Name:        "mismatched",
				IdleTimeout: 10 * time.Millisecond,
				MaxTimeout:  time.Second,
				BatchExecutor: func(context.Context, []*string) []Result[string] {
					return nil
				},
			})
			result := b.Add(cancelCtx, lo.ToPtr("orphaned"))
			Expect(errors.IsBackendUnavailable(result.Err)).To(BeTrue())
		})
		It("should release a caller whose context ends before the batch runs", func() {
			b := NewBatcher(cancelCtx, Options[string, string]{
				Name:        "slow",
				IdleTimeout: time.Minute,
				MaxTimeout:  time.Minute,
				BatchExecutor: func(_ context.Context, items []*string) []Result[string] {
					return lo.Map(items, func(i *string, _ int) Result[string] {
						return Result[string]{Output: i}
					})
				},
			})
			callerCtx, callerCancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer callerCancel()
			result := b.Add(callerCtx, lo.ToPtr("abandoned"))
			Expect(errors.IsDeadlineExceeded(result.Err)).To(BeTrue())
		})
		It("should release pending callers when the batcher shuts down", func() {
			shutdownCtx, shutdown := context.WithCancel(ctx)
			b := NewBatcher(shutdownCtx, Options[string, string]{
				Name:        "stopping",
				IdleTimeout: time.Minute,
				MaxTimeout:  time.Minute,
				BatchExecutor: func(_ context.Context, items []*string) []Result[string] {
					return lo.Map(items, func(i *string, _ int) Result[string] {
						return Result[string]{Output: i}
					})
				},
			})
			results := make(chan Result[string], 1)
			go func() {
				results <- b.Add(ctx, lo.ToPtr("stranded"))
			}()
			Eventually(b.pending).Should(BeNumerically("==", 1))
			shutdown()

			var result Result[string]
			Eventually(results).Should(Receive(&result))
			Expect(errors.IsBackendUnavailable(result.Err)).To(BeTrue())
		})
	})
	Context("Metrics", func() {
		It("should create a batch_size metric when a batch is run", func() {
			// This batcher will get canceled at the end of the test run
			fakeBatcher = NewFakeBatcher(cancelCtx, time.Minute, 100)

			// Generate 100 items that add to the batcher
			for i := 0; i < 100; i++ {
				go func() {
					fakeBatcher.batcher.Add(cancelCtx, lo.ToPtr(randomdata.Alphanumeric(20)))
				}()
			}
			Eventually(fakeBatcher.activeBatches.Load).Should(BeNumerically("==", 100))

			metric, ok := test.FindMetricWithLabelValues("driftplane_batcher_batch_size", map[string]string{
				"batcher": "fake",
			})
			Expect(ok).To(BeTrue())
			Expect(metric.GetHistogram().GetSampleCount()).To(BeNumerically(">=", 100))
		})
		It("should create a batch_window_duration metric when a batch is run", func() {
			// This batcher will get canceled at the end of the test run
			fakeBatcher = NewFakeBatcher(cancelCtx, time.Minute, 100)

			// Generate 100 items that add to the batcher
			for i := 0; i < 100; i++ {
				go func() {
					fakeBatcher.batcher.Add(cancelCtx, lo.ToPtr(randomdata.Alphanumeric(20)))
				}()
			}
			Eventually(fakeBatcher.activeBatches.Load).Should(BeNumerically("==", 100))

			_, ok := test.FindMetricWithLabelValues("driftplane_batcher_batch_time_seconds", map[string]string{
				"batcher": "fake",
			})
			Expect(ok).To(BeTrue())
		})
	})
})

// FakeBatcher is a batcher with a mocked request that takes a long time to execute that also ref-counts the number
// of active requests that are running at a given time
type FakeBatcher struct {
	activeBatches    *atomic.Int64
	completedBatches *atomic.Int64
	batcher          *Batcher[string, string]
}

func NewFakeBatcher(ctx context.Context, requestLength time.Duration, maxRequestWorkers int) *FakeBatcher {
	activeBatches := &atomic.Int64{}
	completedBatches := &atomic.Int64{}
	options := Options[string, string]{
		Name:              "fake",
		IdleTimeout:       100 * time.Millisecond,
		MaxTimeout:        1 * time.Second,
		MaxRequestWorkers: maxRequestWorkers,
		RequestHasher:     DefaultHasher[string],
		BatchExecutor: func(ctx context.Context, items []*string) []Result[string] {
			// Keep a ref count of the number of batches that we are currently running
			activeBatches.Add(1)
			defer activeBatches.Add(-1)
			defer completedBatches.Add(1)

			// Wait for an arbitrary request length while running this call
			select {
			case <-ctx.Done():
			case <-time.After(requestLength):
			}

			// Return back request responses
			return lo.Map(items, func(i *string, _ int) Result[string] {
				return Result[string]{
					Output: lo.ToPtr[string](""),
					Err:    nil,
				}
			})
		},
	}
	return &FakeBatcher{
		activeBatches:    activeBatches,
		completedBatches: completedBatches,
		batcher:          NewBatcher(ctx, options),
	}
}
