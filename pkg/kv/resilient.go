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

package kv

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/driftplane/driftplane/pkg/cache"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/metrics"
	"github.com/driftplane/driftplane/pkg/resilience"
)

// MinCallBudget is the deadline slack required before starting a backend
// call; thinner budgets fail fast instead of starting I/O they cannot finish.
const MinCallBudget = 50 * time.Millisecond

// ResilienceOptions tunes the decorated store.
type ResilienceOptions struct {
	Retry resilience.RetryOptions
	// Breaker settings; Name is filled from the wrapped store.
	Breaker gobreaker.Settings
	// FallbackSize and FallbackTTL bound the last-known-good read cache.
	FallbackSize int
	FallbackTTL  time.Duration
}

func DefaultResilienceOptions() ResilienceOptions {
	return ResilienceOptions{
		Retry:        resilience.DefaultRetryOptions(),
		FallbackSize: 4096,
		FallbackTTL:  5 * time.Minute,
	}
}

type resilientStore struct {
	inner    Store
	breaker  *resilience.Breaker
	retry    resilience.RetryOptions
	fallback *cache.Fallback[*Entry]
}

// WithResilience wraps a backend store with the standard degradation ladder:
// per-attempt circuit breaker, bounded retry with backoff and jitter for
// retryable failures, fail-fast deadline budget checks, and a last-known-good
// fallback for point reads when the backend stays down.
func WithResilience(inner Store, opts ResilienceOptions) Store {
	return &resilientStore{
		inner:    inner,
		breaker:  resilience.NewBreaker(inner.Name(), opts.Breaker),
		retry:    opts.Retry,
		fallback: cache.NewFallback[*Entry](opts.FallbackSize, opts.FallbackTTL),
	}
}

func (s *resilientStore) Name() string { return s.inner.Name() }

func (s *resilientStore) observe(op string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	operationDuration.With(prometheus.Labels{
		metrics.BackendLabel:   s.inner.Name(),
		metrics.OperationLabel: op,
		metrics.ResultLabel:    result,
	}).Observe(time.Since(start).Seconds())
}

func (s *resilientStore) execute(ctx context.Context, op string, fn func() error) error {
	if err := resilience.CheckBudget(ctx, op, MinCallBudget); err != nil {
		return err
	}
	return resilience.Retry(ctx, op, s.retry, func() error {
		return s.breaker.Execute(op, fn)
	})
}

func (s *resilientStore) Get(ctx context.Context, key string) (*Entry, error) {
	const op = "kv.Get"
	start := time.Now()
	var entry *Entry
	err := s.execute(ctx, op, func() error {
		var innerErr error
		entry, innerErr = s.inner.Get(ctx, key)
		return innerErr
	})
	s.observe("get", start, err)
	if err == nil {
		if entry != nil {
			s.fallback.Remember(key, entry)
		} else {
			s.fallback.Forget(key)
		}
		return entry, nil
	}
	if errors.IsBackendUnavailable(err) {
		if cached, ok := s.fallback.Lookup(key); ok {
			fallbackServedTotal.WithLabelValues(s.inner.Name()).Inc()
			stale := *cached
			stale.Stale = true
			return &stale, nil
		}
	}
	return nil, err
}

func (s *resilientStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) (PutResult, error) {
	const op = "kv.Put"
	start := time.Now()
	var result PutResult
	err := s.execute(ctx, op, func() error {
		var innerErr error
		result, innerErr = s.inner.Put(ctx, key, value, opts)
		return innerErr
	})
	s.observe("put", start, err)
	if err == nil && result.Succeeded {
		s.fallback.Remember(key, &Entry{Key: key, Value: value, ModifyIndex: result.ModifyIndex, Flags: opts.Flags})
	}
	return result, err
}

func (s *resilientStore) Delete(ctx context.Context, key string, expected *uint64) (bool, error) {
	const op = "kv.Delete"
	start := time.Now()
	var deleted bool
	err := s.execute(ctx, op, func() error {
		var innerErr error
		deleted, innerErr = s.inner.Delete(ctx, key, expected)
		return innerErr
	})
	s.observe("delete", start, err)
	if err == nil && deleted {
		s.fallback.Forget(key)
	}
	return deleted, err
}

func (s *resilientStore) List(ctx context.Context, prefix string, opts ListOptions) ([]*Entry, error) {
	const op = "kv.List"
	start := time.Now()
	var entries []*Entry
	err := s.execute(ctx, op, func() error {
		var innerErr error
		entries, innerErr = s.inner.List(ctx, prefix, opts)
		return innerErr
	})
	s.observe("list", start, err)
	return entries, err
}

func (s *resilientStore) Txn(ctx context.Context, ops []TxnOp) ([]bool, error) {
	const op = "kv.Txn"
	start := time.Now()
	var results []bool
	err := s.execute(ctx, op, func() error {
		var innerErr error
		results, innerErr = s.inner.Txn(ctx, ops)
		return innerErr
	})
	s.observe("txn", start, err)
	return results, err
}

// Watches, locks and ephemeral writes pass through undecorated: a watch is
// restarted by its owner, and retrying lock acquisition behind the caller's
// back would stretch the fencing guarantees. Watch traffic is still counted.
func (s *resilientStore) WatchPrefix(ctx context.Context, prefix string, watcher Watcher) (*Watch, error) {
	return s.inner.WatchPrefix(ctx, prefix, &countedWatcher{backend: s.inner.Name(), inner: watcher})
}

type countedWatcher struct {
	backend string
	inner   Watcher
}

func (w *countedWatcher) OnPut(entry Entry) {
	watchEventsTotal.WithLabelValues(w.backend, "put").Inc()
	w.inner.OnPut(entry)
}

func (w *countedWatcher) OnDelete(key string, modifyIndex uint64) {
	watchEventsTotal.WithLabelValues(w.backend, "delete").Inc()
	w.inner.OnDelete(key, modifyIndex)
}

func (w *countedWatcher) OnError(err error) {
	w.inner.OnError(err)
}

func (s *resilientStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := resilience.CheckBudget(ctx, "kv.AcquireLock", MinCallBudget); err != nil {
		return "", err
	}
	return s.inner.AcquireLock(ctx, key, ttl)
}

func (s *resilientStore) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	return s.inner.ReleaseLock(ctx, key, lockID)
}

func (s *resilientStore) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	if err := resilience.CheckBudget(ctx, "kv.PutEphemeral", MinCallBudget); err != nil {
		return "", err
	}
	return s.inner.PutEphemeral(ctx, key, value, ttl)
}

func (s *resilientStore) Close() error { return s.inner.Close() }
