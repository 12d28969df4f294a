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

// RebuildKey identifies one expected-hash recomputation. Watch events for
// the same service and environment inside a window coalesce into a single
// rebuild.
type RebuildKey struct {
	ServiceID   v1.ServiceID
	Environment string
}

// RebuildResult reports one recomputation: the canonical hash now expected
// and how many instance rows were restamped with it.
type RebuildResult struct {
	ExpectedHash string
	Updated      int
}

type RebuildBatcher struct {
	batcher *Batcher[RebuildKey, RebuildResult]
}

func NewRebuildBatcher(ctx context.Context, idle, max time.Duration,
	executor BatchExecutor[RebuildKey, RebuildResult]) *RebuildBatcher {
	options := Options[RebuildKey, RebuildResult]{
		Name:          "rebuilds",
		IdleTimeout:   idle,
		MaxTimeout:    max,
		RequestHasher: DefaultHasher[RebuildKey],
		BatchExecutor: executor,
	}
	return &RebuildBatcher{batcher: NewBatcher(ctx, options)}
}

// Rebuild queues one key and blocks until its recomputation lands.
func (b *RebuildBatcher) Rebuild(ctx context.Context, key RebuildKey) (*RebuildResult, error) {
	result := b.batcher.Add(ctx, &key)
	return result.Output, result.Err
}
