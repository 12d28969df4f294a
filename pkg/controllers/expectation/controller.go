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

// Package expectation keeps ServiceInstance.ExpectedHash in lockstep with
// the shared keyspace. It watches the config root, coalesces change storms
// into per-(service, environment) rebuilds, recomputes the canonical
// snapshot hash and restamps every instance of that service and environment.
//
// The controller only moves the expected side: drift transitions and their
// events materialize on the next processed heartbeat, keeping event emission
// in one place.
package expectation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/batcher"
	"github.com/driftplane/driftplane/pkg/confighash"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/kv"
	"github.com/driftplane/driftplane/pkg/repository"
)

const (
	DefaultWorkers = 8
	// DefaultCoalesceDelay caps how long a config change may wait for its
	// storm to settle before the rebuild fires.
	DefaultCoalesceDelay = time.Second
)

// Controller rebuilds expected hashes. Change notifications land in a dirty
// set (watch callbacks must not block), a pump drains the set through the
// rebuild batcher, and the batcher's window folds repeated touches of the
// same service and environment into one recomputation.
type Controller struct {
	kv       kv.Store
	store    repository.Store
	builder  *confighash.Builder
	policy   kv.PathPolicy
	coalesce time.Duration
	workers  int

	mu            sync.Mutex
	dirtyKeys     map[batcher.RebuildKey]struct{}
	dirtyServices map[v1.ServiceID]struct{}
	trigger       chan struct{}
}

func NewController(kvStore kv.Store, store repository.Store, policy kv.PathPolicy, coalesce time.Duration, workers int) *Controller {
	if coalesce <= 0 {
		coalesce = DefaultCoalesceDelay
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Controller{
		kv:            kvStore,
		store:         store,
		builder:       confighash.NewBuilder(kvStore, policy),
		policy:        policy,
		coalesce:      coalesce,
		workers:       workers,
		dirtyKeys:     map[batcher.RebuildKey]struct{}{},
		dirtyServices: map[v1.ServiceID]struct{}{},
		trigger:       make(chan struct{}, 1),
	}
}

func (c *Controller) Name() string {
	return "expectation.rebuild"
}

// Start watches first and sweeps second: a change landing between the two
// is marked twice and rebuilt twice, which is idempotent, while the reverse
// order would lose it.
func (c *Controller) Start(ctx context.Context) error {
	const op = "expectation.Start"
	rebuilds := batcher.NewRebuildBatcher(ctx, c.coalesce/4, c.coalesce, c.execute)
	watch, err := c.kv.WatchPrefix(ctx, c.policy.Root+"/", &changeRouter{
		controller: c,
		logger:     logr.FromContextOrDiscard(ctx),
	})
	if err != nil {
		return errors.Wrap(errors.BackendUnavailable, op, "watch_failed", err)
	}
	defer watch.Stop()
	if err := c.sweep(ctx); err != nil && ctx.Err() == nil {
		// The watch is already live, so missing the initial pass only leaves
		// hashes stale until their keys next change.
		logr.FromContextOrDiscard(ctx).Error(err, "initial expected-hash sweep failed")
	}
	c.pump(ctx, rebuilds)
	return nil
}

// sweep marks every (service, environment) pair present in the keyspace so
// hashes changed while the controller was down get recomputed.
func (c *Controller) sweep(ctx context.Context) error {
	const op = "expectation.sweep"
	entries, err := c.kv.List(ctx, c.policy.Root+"/", kv.ListOptions{KeysOnly: true})
	if err != nil {
		return errors.Wrap(errors.BackendUnavailable, op, "list_failed", err)
	}
	for _, entry := range entries {
		c.mark(entry.Key)
	}
	return nil
}

// mark routes one full key to its rebuild unit. Keys under the shared
// segment touch every environment of the service, which the pump expands
// through the registry; malformed keys are not ours and are skipped.
func (c *Controller) mark(fullKey string) {
	serviceID, relative, err := c.policy.SplitKey(fullKey)
	if err != nil {
		return
	}
	environment, _, found := strings.Cut(relative, "/")
	if !found {
		return
	}
	c.mu.Lock()
	if environment == confighash.SharedEnvironment {
		c.dirtyServices[serviceID] = struct{}{}
	} else {
		c.dirtyKeys[batcher.RebuildKey{ServiceID: serviceID, Environment: environment}] = struct{}{}
	}
	c.mu.Unlock()
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// pump drains the dirty set into the rebuild batcher with bounded
// parallelism. Marks arriving mid-drain re-arm the trigger and are picked up
// by the next pass.
func (c *Controller) pump(ctx context.Context, rebuilds *batcher.RebuildBatcher) {
	logger := logr.FromContextOrDiscard(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		}
		c.mu.Lock()
		keys := c.dirtyKeys
		services := c.dirtyServices
		c.dirtyKeys = map[batcher.RebuildKey]struct{}{}
		c.dirtyServices = map[v1.ServiceID]struct{}{}
		c.mu.Unlock()

		for serviceID := range services {
			for _, key := range c.expand(ctx, serviceID, logger) {
				keys[key] = struct{}{}
			}
		}

		var group errgroup.Group
		group.SetLimit(c.workers)
		for key := range keys {
			key := key
			group.Go(func() error {
				if _, err := rebuilds.Rebuild(ctx, key); err != nil && ctx.Err() == nil {
					logger.Error(err, "rebuilding expected hash", "service", key.ServiceID, "environment", key.Environment)
				}
				return nil
			})
		}
		group.Wait() //nolint:errcheck
	}
}

// expand turns a shared-segment touch into one rebuild per environment the
// registry knows for the service. A service the registry cannot resolve has
// no instances to restamp, so its keys are ignored.
func (c *Controller) expand(ctx context.Context, serviceID v1.ServiceID, logger logr.Logger) []batcher.RebuildKey {
	service, err := c.store.Services().FindByID(ctx, serviceID)
	if err != nil {
		if !errors.IsNotFound(err) && ctx.Err() == nil {
			logger.Error(err, "resolving service for shared config change", "service", serviceID)
		}
		return nil
	}
	keys := make([]batcher.RebuildKey, 0, len(service.Environments))
	for _, environment := range service.Environments {
		keys = append(keys, batcher.RebuildKey{ServiceID: serviceID, Environment: environment})
	}
	return keys
}

// execute runs one coalesced batch. The hasher groups identical keys, so a
// batch normally holds one distinct key fanned out to many waiters; the
// cache below keeps a stray collision from rebuilding twice.
func (c *Controller) execute(ctx context.Context, keys []*batcher.RebuildKey) []batcher.Result[batcher.RebuildResult] {
	results := make([]batcher.Result[batcher.RebuildResult], len(keys))
	done := map[batcher.RebuildKey]batcher.Result[batcher.RebuildResult]{}
	for i, key := range keys {
		if cached, ok := done[*key]; ok {
			results[i] = cached
			continue
		}
		results[i] = c.rebuild(ctx, *key)
		done[*key] = results[i]
	}
	return results
}

// rebuild recomputes one (service, environment) hash and restamps the
// matching instances. An empty subtree is left alone: wiping ExpectedHash
// would silently turn drift detection off for the whole environment, and an
// absent subtree usually means the config was never migrated.
func (c *Controller) rebuild(ctx context.Context, key batcher.RebuildKey) batcher.Result[batcher.RebuildResult] {
	const op = "expectation.rebuild"
	snapshot, err := c.builder.Build(ctx, key.ServiceID, key.Environment)
	if err != nil {
		return batcher.Result[batcher.RebuildResult]{Err: errors.Wrap(errors.BackendUnavailable, op, "snapshot_failed", err)}
	}
	rebuildsPerformed.Inc()
	if len(snapshot.Effective()) == 0 {
		return batcher.Result[batcher.RebuildResult]{Output: &batcher.RebuildResult{}}
	}
	hash := snapshot.Hash()
	updated, err := c.store.Instances().BulkUpdateExpectedHash(ctx, key.ServiceID, key.Environment, hash)
	if err != nil {
		return batcher.Result[batcher.RebuildResult]{Err: errors.Wrap(errors.BackendUnavailable, op, "expected_hash_update_failed", err)}
	}
	instancesRetargeted.Add(float64(updated))
	logr.FromContextOrDiscard(ctx).Info("rebuilt expected configuration",
		"service", key.ServiceID, "environment", key.Environment, "hash", hash, "instances", updated)
	return batcher.Result[batcher.RebuildResult]{Output: &batcher.RebuildResult{ExpectedHash: hash, Updated: updated}}
}

// changeRouter adapts watch callbacks onto the dirty set. Callbacks run on
// the watch dispatcher routine, so they only flip map entries.
type changeRouter struct {
	controller *Controller
	logger     logr.Logger
}

func (r *changeRouter) OnPut(entry kv.Entry) {
	configEvents.Inc()
	r.controller.mark(entry.Key)
}

func (r *changeRouter) OnDelete(key string, _ uint64) {
	configEvents.Inc()
	r.controller.mark(key)
}

func (r *changeRouter) OnError(err error) {
	r.logger.Error(err, "config watch error")
}
