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

// Package batcher turns streams of individual requests into windowed
// batches. A window opens on the first request, stretches while requests
// keep arriving inside the idle timeout, and closes at the max timeout or
// the item cap. Requests hashing alike share one executor call and each
// caller gets its own result back.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/driftplane/driftplane/pkg/errors"
)

// Options configures a Batcher. IdleTimeout and MaxTimeout shape the window;
// MaxItems closes it early; MaxQueueDepth rejects submissions beyond the
// bound with Overloaded; MaxRequestWorkers caps concurrent executor calls.
// Zero values mean unbounded.
type Options[T any, U any] struct {
	Name              string
	IdleTimeout       time.Duration
	MaxTimeout        time.Duration
	MaxItems          int
	MaxQueueDepth     int
	MaxRequestWorkers int
	RequestHasher     RequestHasher[T]
	BatchExecutor     BatchExecutor[T, U]
}

// Result carries one caller's outcome out of a batch execution.
type Result[U any] struct {
	Output *U
	Err    error
}

// BatchExecutor runs one hash group and returns a result per input, in input
// order.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher decides which requests can ride the same executor call.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

type request[T any, U any] struct {
	input     *T
	hash      uint64
	requestor chan Result[U]
}

type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]

	mu       sync.Mutex
	requests []*request[T, U]

	trigger chan struct{}
	workers chan struct{}
}

func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	if options.RequestHasher == nil {
		options.RequestHasher = DefaultHasher[T]
	}
	b := &Batcher[T, U]{
		ctx:     ctx,
		options: options,
		trigger: make(chan struct{}, 1),
	}
	if options.MaxRequestWorkers > 0 {
		b.workers = make(chan struct{}, options.MaxRequestWorkers)
	}
	go b.run()
	return b
}

// Add queues one input into the current window and blocks until its batch
// has executed, the caller's context ends, or the batcher shuts down.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	const op = "batcher.Add"
	r := &request[T, U]{
		input: input,
		hash:  b.options.RequestHasher(ctx, input),
		// Buffered so the dispatcher never blocks on a caller that gave up.
		requestor: make(chan Result[U], 1),
	}
	b.mu.Lock()
	if b.options.MaxQueueDepth > 0 && len(b.requests) >= b.options.MaxQueueDepth {
		b.mu.Unlock()
		return Result[U]{Err: errors.New(errors.Overloaded, op, "queue_full",
			"batcher %q is at its depth limit of %d", b.options.Name, b.options.MaxQueueDepth)}
	}
	b.requests = append(b.requests, r)
	queueDepth.WithLabelValues(b.options.Name).Set(float64(len(b.requests)))
	b.mu.Unlock()

	select {
	case b.trigger <- struct{}{}:
	default:
	}

	select {
	case result := <-r.requestor:
		return result
	case <-ctx.Done():
		return Result[U]{Err: errors.Wrap(errors.DeadlineExceeded, op, "request_abandoned", ctx.Err())}
	case <-b.ctx.Done():
		return Result[U]{Err: errors.New(errors.BackendUnavailable, op, "batcher_stopped", "batcher %q has shut down", b.options.Name)}
	}
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
		}
		start := time.Now()
		b.waitForIdle()
		// Shutdown abandons the open window; blocked callers are released
		// through their own select on the batcher context.
		if b.ctx.Err() != nil {
			return
		}
		batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(start).Seconds())
		b.dispatch()
	}
}

// waitForIdle holds the window open, extending it on every new request,
// until the idle gap passes, the max window elapses, or the item cap fills.
func (b *Batcher[T, U]) waitForIdle() {
	timeout := time.NewTimer(b.options.MaxTimeout)
	defer timeout.Stop()
	idle := time.NewTimer(b.options.IdleTimeout)
	defer idle.Stop()
	for {
		if b.options.MaxItems > 0 && b.pending() >= b.options.MaxItems {
			return
		}
		select {
		case <-b.ctx.Done():
			return
		case <-timeout.C:
			return
		case <-idle.C:
			return
		case <-b.trigger:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(b.options.IdleTimeout)
		}
	}
}

func (b *Batcher[T, U]) dispatch() {
	b.mu.Lock()
	requests := b.requests
	b.requests = nil
	queueDepth.WithLabelValues(b.options.Name).Set(0)
	b.mu.Unlock()
	if len(requests) == 0 {
		return
	}
	for _, group := range lo.GroupBy(requests, func(r *request[T, U]) uint64 { return r.hash }) {
		group := group
		batchSize.WithLabelValues(b.options.Name).Observe(float64(len(group)))
		if b.workers != nil {
			b.workers <- struct{}{}
		}
		go func() {
			if b.workers != nil {
				defer func() { <-b.workers }()
			}
			b.runBatch(group)
		}()
	}
}

func (b *Batcher[T, U]) runBatch(group []*request[T, U]) {
	inputs := lo.Map(group, func(r *request[T, U], _ int) *T { return r.input })
	results := b.options.BatchExecutor(b.ctx, inputs)
	if len(results) != len(group) {
		err := errors.New(errors.BackendUnavailable, "batcher.runBatch", "result_count_mismatch",
			"batcher %q executor returned %d results for %d inputs", b.options.Name, len(results), len(inputs))
		for _, r := range group {
			r.requestor <- Result[U]{Err: err}
		}
		return
	}
	for i, r := range group {
		r.requestor <- results[i]
	}
}

func (b *Batcher[T, U]) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// DefaultHasher groups requests whose whole input hashes identically, so
// duplicate submissions coalesce into one executor call.
func DefaultHasher[T any](ctx context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "hashing batch input")
	}
	return hash
}

// OneBatchHasher folds every request in a window into a single executor
// call.
func OneBatchHasher[T any](context.Context, *T) uint64 {
	return 0
}
