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

// Package kv defines the uniform key-value contract the control plane runs
// on. Two backends implement it (Consul and etcd); everything above it, from
// the expectation controller to the service config facade, programs against
// this interface only.
package kv

import (
	"context"
	"time"
)

// Entry is one stored key with its version metadata. ModifyIndex is monotonic
// per key and is the CAS token for conditional writes.
type Entry struct {
	Key         string
	Value       []byte
	CreateIndex uint64
	ModifyIndex uint64
	Flags       uint64
	// Stale marks an entry served from the fallback cache after the backend
	// failed. Never set on the live path.
	Stale bool
}

// PutOptions tunes a single write.
type PutOptions struct {
	// Expected, when non-nil, makes the write conditional: it succeeds only
	// when the key's current ModifyIndex equals *Expected. Zero means the key
	// must not exist yet.
	Expected *uint64
	// TTL, when positive, schedules automatic deletion.
	TTL   time.Duration
	Flags uint64
}

// PutResult reports a write's outcome. A clean CAS miss is not an error:
// Succeeded is false and the caller re-reads.
type PutResult struct {
	Succeeded   bool
	ModifyIndex uint64
}

// ListOptions tunes a prefix listing. Results are ordered lexicographically
// by key; FromKey is an exclusive lower bound for resuming.
type ListOptions struct {
	Limit    int
	FromKey  string
	KeysOnly bool
}

// TxnOpType enumerates the operations a transaction may carry.
type TxnOpType string

const (
	TxnPut        TxnOpType = "put"
	TxnDelete     TxnOpType = "delete"
	TxnCheckIndex TxnOpType = "check-index"
)

// TxnOp is one operation inside an all-or-nothing transaction. Expected has
// the same meaning as in PutOptions; for TxnCheckIndex it is mandatory.
type TxnOp struct {
	Type     TxnOpType
	Key      string
	Value    []byte
	Expected *uint64
	TTL      time.Duration
	Flags    uint64
}

// Watcher receives events for one watched prefix. Callbacks for the same key
// arrive in the order the writes happened; no ordering is guaranteed across
// keys. Callbacks run on the watch's dispatcher routine and must not block.
type Watcher interface {
	OnPut(entry Entry)
	OnDelete(key string, modifyIndex uint64)
	OnError(err error)
}

// Watch is the cancellation handle for an active prefix watch.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatch(cancel context.CancelFunc) *Watch {
	return &Watch{cancel: cancel, done: make(chan struct{})}
}

// Stop cancels the watch and waits for the dispatcher to drain.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

// Done closes once the dispatcher has exited.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Finish marks the dispatcher as exited. Called by backend implementations
// only.
func (w *Watch) Finish() { close(w.done) }

// Store is the uniform KV contract.
//
// Get returns (nil, nil) for an absent key; errors are reserved for backend
// failures. All blocking calls honor the context deadline.
type Store interface {
	// Name identifies the backend for logs and metrics ("consul", "etcd").
	Name() string

	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (PutResult, error)
	// Delete removes the key, optionally fenced on expected ModifyIndex.
	// Returns false only on a CAS mismatch; deleting an absent key succeeds.
	Delete(ctx context.Context, key string, expected *uint64) (bool, error)
	List(ctx context.Context, prefix string, opts ListOptions) ([]*Entry, error)
	// Txn applies all ops atomically and returns one outcome per op. Any
	// false means the transaction did not apply.
	Txn(ctx context.Context, ops []TxnOp) ([]bool, error)

	WatchPrefix(ctx context.Context, prefix string, watcher Watcher) (*Watch, error)

	// AcquireLock takes a fenced mutual-exclusion lock. A held lock surfaces
	// as Conflict; the TTL bounds how long a crashed holder can block others.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// ReleaseLock releases the lock if lockID still holds it.
	ReleaseLock(ctx context.Context, key string, lockID string) (bool, error)
	// PutEphemeral writes a key bound to a session; the key disappears when
	// the session expires.
	PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error)

	Close() error
}
