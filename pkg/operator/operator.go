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

// Package operator assembles the control plane: it turns parsed options into
// the repository, config store, transports and domain services every
// controller draws from. Construction is lazy with respect to backends; use
// Ready to find out whether the config store actually answers.
package operator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/driftplane/driftplane/pkg/approval"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/kv"
	"github.com/driftplane/driftplane/pkg/kv/consul"
	"github.com/driftplane/driftplane/pkg/kv/etcd"
	"github.com/driftplane/driftplane/pkg/operator/options"
	"github.com/driftplane/driftplane/pkg/registry"
	"github.com/driftplane/driftplane/pkg/repository"
	"github.com/driftplane/driftplane/pkg/repository/memory"
	"github.com/driftplane/driftplane/pkg/repository/postgres"
	"github.com/driftplane/driftplane/pkg/severity"
	"github.com/driftplane/driftplane/pkg/transport"
	"github.com/driftplane/driftplane/pkg/transport/inproc"
	"github.com/driftplane/driftplane/pkg/transport/redisstream"
)

// Operator is the assembled dependency graph, injected into the controllers.
type Operator struct {
	Clock      clock.WithTicker
	Store      repository.Store
	KV         kv.Store
	PathPolicy kv.PathPolicy
	Evaluator  *auth.Evaluator
	Registry   *registry.Service
	Approvals  *approval.Service
	Facade     *kv.Facade
	Severity   severity.Policy

	// Source feeds the ingestion controller. Queue is non-nil only when no
	// redis address was configured; embedded producers publish through it.
	Source transport.Source
	Queue  *inproc.Queue

	redis          *redis.Client
	connectTimeout time.Duration
}

func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	clk := clock.RealClock{}

	store, err := newStore(ctx, opts, clk)
	if err != nil {
		return nil, fmt.Errorf("building %s storage, %w", opts.Storage, err)
	}
	backend, err := newKVBackend(opts)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("building %s config store, %w", opts.KVBackend, err), store.Close())
	}
	resilienceOpts := kv.DefaultResilienceOptions()
	resilienceOpts.FallbackTTL = opts.FallbackCacheTTL
	kvStore := kv.WithResilience(backend, resilienceOpts)

	policy := kv.DefaultPathPolicy()
	evaluator := auth.NewEvaluator(store.Services(), store.Shares(), clk)

	op := &Operator{
		Clock:          clk,
		Store:          store,
		KV:             kvStore,
		PathPolicy:     policy,
		Evaluator:      evaluator,
		Registry:       registry.NewService(store, evaluator, clk),
		Approvals:      approval.NewService(store, evaluator, clk).WithMaxRetries(opts.ApprovalMaxRetries),
		Facade:         kv.NewFacade(kvStore, policy, auth.NewServiceAuthorizer(evaluator, store.Services())),
		Severity:       severity.NewEnvironmentPolicy(opts.ProductionEnvs()...),
		connectTimeout: opts.KVConnectTimeout,
	}

	if opts.RedisAddress != "" {
		op.redis = redis.NewClient(&redis.Options{Addr: opts.RedisAddress})
		source, err := redisstream.NewSource(ctx, op.redis, redisstream.Options{})
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("building redis heartbeat source, %w", err), op.Close())
		}
		op.Source = source
	} else {
		op.Queue = inproc.NewQueue(clk, opts.BatchQueueDepth)
		op.Source = op.Queue
	}
	return op, nil
}

// Ready reports whether the authoritative config store answers. It backs the
// readiness probe so a plane that would immediately shed config reads never
// takes traffic.
func (o *Operator) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()
	_, err := o.KV.Get(ctx, o.PathPolicy.Root)
	return err
}

// Close releases every backend connection. Safe to call after a partial
// construction failure.
func (o *Operator) Close() (errs error) {
	if o.redis != nil {
		errs = multierr.Append(errs, o.redis.Close())
	}
	if o.KV != nil {
		errs = multierr.Append(errs, o.KV.Close())
	}
	if o.Store != nil {
		errs = multierr.Append(errs, o.Store.Close())
	}
	return errs
}

func newStore(ctx context.Context, opts *options.Options, clk clock.Clock) (repository.Store, error) {
	switch opts.Storage {
	case options.StoragePostgres:
		return postgres.Open(ctx, postgres.Config{DSN: opts.PostgresDSN}, clk)
	default:
		return memory.NewStore(clk), nil
	}
}

func newKVBackend(opts *options.Options) (kv.Store, error) {
	switch opts.KVBackend {
	case options.KVBackendEtcd:
		client, err := etcd.NewClient(etcd.Config{
			Endpoints:   opts.EtcdEndpointList(),
			DialTimeout: opts.KVConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return etcd.NewStore(client, etcd.Options{OperationTimeout: opts.KVReadTimeout}), nil
	default:
		cfg := api.DefaultConfig()
		cfg.Address = opts.ConsulAddress
		// Blocking queries outlive any sane client timeout, so only the dial
		// is bounded; per-call ceilings live in the store.
		cfg.Transport.DialContext = (&net.Dialer{
			Timeout:   opts.KVConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		client, err := api.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		return consul.NewStore(client, consul.Options{OperationTimeout: opts.KVReadTimeout}), nil
	}
}
