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
	"time"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

const (
	DefaultHeartbeatBatchSize = 500
	DefaultHeartbeatMaxDelay  = 200 * time.Millisecond
)

// HeartbeatBatcher windows incoming reports so the pipeline writes them in
// bulk. The whole window lands in one executor call regardless of service.
type HeartbeatBatcher struct {
	batcher *Batcher[v1.HeartbeatReport, v1.HeartbeatReceipt]
}

func NewHeartbeatBatcher(ctx context.Context, maxSize int, maxDelay time.Duration, maxQueueDepth int,
	executor BatchExecutor[v1.HeartbeatReport, v1.HeartbeatReceipt]) *HeartbeatBatcher {
	if maxSize <= 0 {
		maxSize = DefaultHeartbeatBatchSize
	}
	if maxDelay <= 0 {
		maxDelay = DefaultHeartbeatMaxDelay
	}
	options := Options[v1.HeartbeatReport, v1.HeartbeatReceipt]{
		Name:          "heartbeats",
		IdleTimeout:   maxDelay / 4,
		MaxTimeout:    maxDelay,
		MaxItems:      maxSize,
		MaxQueueDepth: maxQueueDepth,
		RequestHasher: OneBatchHasher[v1.HeartbeatReport],
		BatchExecutor: executor,
	}
	return &HeartbeatBatcher{batcher: NewBatcher(ctx, options)}
}

// Submit queues one report and blocks until its window has been ingested.
func (b *HeartbeatBatcher) Submit(ctx context.Context, report *v1.HeartbeatReport) (*v1.HeartbeatReceipt, error) {
	result := b.batcher.Add(ctx, report)
	return result.Output, result.Err
}
