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

package operator

import (
	"context"

	"github.com/driftplane/driftplane/pkg/batcher"
	"github.com/driftplane/driftplane/pkg/controllers"
	"github.com/driftplane/driftplane/pkg/controllers/expectation"
	"github.com/driftplane/driftplane/pkg/controllers/heartbeat"
	"github.com/driftplane/driftplane/pkg/controllers/sweeper"
	"github.com/driftplane/driftplane/pkg/operator/options"
)

// NewControllers assembles the control loops around the operator's graph:
// heartbeat ingestion, expected-hash rebuilds off the config watch, and the
// hygiene sweepers. The supplied context owns the batcher; cancel it and the
// in-flight windows drain.
func NewControllers(ctx context.Context, op *Operator) []controllers.Controller {
	opts := options.FromContext(ctx)

	pipeline := heartbeat.NewPipeline(op.Store, op.Severity, op.Clock)
	batch := batcher.NewHeartbeatBatcher(ctx, opts.BatchMaxSize, opts.BatchMaxDelay, opts.BatchQueueDepth, pipeline.Process)

	return []controllers.Controller{
		heartbeat.NewController(op.Source, batch, heartbeat.DefaultWorkers),
		expectation.NewController(op.KV, op.Store, op.PathPolicy, expectation.DefaultCoalesceDelay, expectation.DefaultWorkers),
		sweeper.Staleness(op.Store, op.Clock, sweeper.DefaultStalenessInterval, opts.StalenessThreshold),
		sweeper.Retention(op.Store, op.Clock, sweeper.DefaultRetentionInterval, sweeper.DefaultRetention),
	}
}
