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

// Package consul implements kv.Store against the Consul KV API. Conditional
// and unconditional writes both go through KV transactions so the new
// ModifyIndex comes back with the write; TTLs and ephemeral keys ride on
// sessions with delete behavior; prefix watches are blocking-query loops
// diffed against the last observed state.
package consul

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/samber/lo"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/kv"
)

const (
	DefaultOperationTimeout = 10 * time.Second
	DefaultWatchWait        = 5 * time.Minute
	DefaultWatchRetryWait   = 2 * time.Second

	// Consul refuses session TTLs under ten seconds.
	minSessionTTL = 10 * time.Second
)

type Options struct {
	// OperationTimeout bounds calls whose context carries no deadline.
	OperationTimeout time.Duration
	// WatchWait is the blocking-query hold time.
	WatchWait time.Duration
	// WatchRetryWait spaces retries after a failed blocking query.
	WatchRetryWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.WatchWait <= 0 {
		o.WatchWait = DefaultWatchWait
	}
	if o.WatchRetryWait <= 0 {
		o.WatchRetryWait = DefaultWatchRetryWait
	}
	return o
}

type Store struct {
	kv      *api.KV
	session *api.Session
	opts    Options
}

func NewStore(client *api.Client, opts Options) *Store {
	return &Store{
		kv:      client.KV(),
		session: client.Session(),
		opts:    opts.withDefaults(),
	}
}

func (s *Store) Name() string { return "consul" }

func (s *Store) Get(ctx context.Context, key string) (*kv.Entry, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	pair, _, err := s.kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, "kv.Get", "consul_unreachable", err)
	}
	if pair == nil {
		return nil, nil
	}
	return entryFromPair(pair), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts kv.PutOptions) (kv.PutResult, error) {
	const op = "kv.Put"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	if opts.TTL > 0 {
		if opts.Expected != nil {
			return kv.PutResult{}, errors.New(errors.InvalidArgument, op, "ttl_cas_unsupported",
				"consul cannot fence a session-bound write on a modify index")
		}
		sessionID, err := s.createSession(ctx, op, opts.TTL)
		if err != nil {
			return kv.PutResult{}, err
		}
		index, err := s.sessionWrite(ctx, op, key, value, opts.Flags, sessionID)
		if err != nil {
			return kv.PutResult{}, err
		}
		return kv.PutResult{Succeeded: true, ModifyIndex: index}, nil
	}

	txnOp := &api.KVTxnOp{Verb: api.KVSet, Key: key, Value: value, Flags: opts.Flags}
	if opts.Expected != nil {
		txnOp.Verb = api.KVCAS
		txnOp.Index = *opts.Expected
	}
	ok, resp, _, err := s.kv.Txn(api.KVTxnOps{txnOp}, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return kv.PutResult{}, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	if !ok {
		if opts.Expected != nil {
			return kv.PutResult{}, nil
		}
		return kv.PutResult{}, errors.New(errors.BackendUnavailable, op, "txn_rejected", "put rejected, %s", txnErrorString(resp))
	}
	if len(resp.Results) == 0 {
		return kv.PutResult{}, errors.New(errors.BackendUnavailable, op, "txn_no_result", "put committed without a result entry")
	}
	return kv.PutResult{Succeeded: true, ModifyIndex: resp.Results[0].ModifyIndex}, nil
}

func (s *Store) Delete(ctx context.Context, key string, expected *uint64) (bool, error) {
	const op = "kv.Delete"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	wopts := (&api.WriteOptions{}).WithContext(ctx)
	if expected == nil {
		if _, err := s.kv.Delete(key, wopts); err != nil {
			return false, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
		}
		return true, nil
	}
	succeeded, _, err := s.kv.DeleteCAS(&api.KVPair{Key: key, ModifyIndex: *expected}, wopts)
	if err != nil {
		return false, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	return succeeded, nil
}

func (s *Store) List(ctx context.Context, prefix string, opts kv.ListOptions) ([]*kv.Entry, error) {
	const op = "kv.List"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	qopts := (&api.QueryOptions{}).WithContext(ctx)

	if opts.KeysOnly {
		keys, _, err := s.kv.Keys(prefix, "", qopts)
		if err != nil {
			return nil, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
		}
		entries := make([]*kv.Entry, 0, len(keys))
		for _, key := range keys {
			if opts.FromKey != "" && key <= opts.FromKey {
				continue
			}
			entries = append(entries, &kv.Entry{Key: key})
			if opts.Limit > 0 && len(entries) == opts.Limit {
				break
			}
		}
		return entries, nil
	}

	pairs, _, err := s.kv.List(prefix, qopts)
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	entries := make([]*kv.Entry, 0, len(pairs))
	for _, pair := range pairs {
		if opts.FromKey != "" && pair.Key <= opts.FromKey {
			continue
		}
		entries = append(entries, entryFromPair(pair))
		if opts.Limit > 0 && len(entries) == opts.Limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) Txn(ctx context.Context, ops []kv.TxnOp) ([]bool, error) {
	const op = "kv.Txn"
	txnOps := make(api.KVTxnOps, 0, len(ops))
	for i, item := range ops {
		if item.TTL > 0 {
			return nil, errors.New(errors.InvalidArgument, op, "ttl_txn_unsupported",
				"op %d: a session-bound write cannot join a transaction", i)
		}
		converted, err := convertTxnOp(item)
		if err != nil {
			return nil, err
		}
		txnOps = append(txnOps, converted)
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	ok, resp, _, err := s.kv.Txn(txnOps, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	results := make([]bool, len(ops))
	for i := range results {
		results[i] = true
	}
	if ok {
		return results, nil
	}
	if resp != nil {
		for _, txnErr := range resp.Errors {
			if txnErr.OpIndex >= 0 && txnErr.OpIndex < len(results) {
				results[txnErr.OpIndex] = false
			}
		}
	}
	return results, nil
}

func convertTxnOp(item kv.TxnOp) (*api.KVTxnOp, error) {
	switch item.Type {
	case kv.TxnPut:
		converted := &api.KVTxnOp{Verb: api.KVSet, Key: item.Key, Value: item.Value, Flags: item.Flags}
		if item.Expected != nil {
			converted.Verb = api.KVCAS
			converted.Index = *item.Expected
		}
		return converted, nil
	case kv.TxnDelete:
		converted := &api.KVTxnOp{Verb: api.KVDelete, Key: item.Key}
		if item.Expected != nil {
			converted.Verb = api.KVDeleteCAS
			converted.Index = *item.Expected
		}
		return converted, nil
	case kv.TxnCheckIndex:
		if item.Expected == nil {
			return nil, errors.New(errors.InvalidArgument, "kv.Txn", "check_index_required",
				"check-index on %q needs an expected index", item.Key)
		}
		return &api.KVTxnOp{Verb: api.KVCheckIndex, Key: item.Key, Index: *item.Expected}, nil
	default:
		return nil, errors.New(errors.InvalidArgument, "kv.Txn", "txn_op_unknown", "unknown txn op %q", item.Type)
	}
}

func (s *Store) WatchPrefix(ctx context.Context, prefix string, watcher kv.Watcher) (*kv.Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watch := kv.NewWatch(cancel)
	go s.watchLoop(watchCtx, watch, prefix, watcher)
	return watch, nil
}

// watchLoop long-polls the prefix and diffs consecutive snapshots into
// per-key events. The first successful poll primes the known state without
// emitting anything.
func (s *Store) watchLoop(ctx context.Context, watch *kv.Watch, prefix string, watcher kv.Watcher) {
	defer watch.Finish()
	known := map[string]uint64{}
	primed := false
	var waitIndex uint64
	for {
		qopts := (&api.QueryOptions{WaitIndex: waitIndex, WaitTime: s.opts.WatchWait}).WithContext(ctx)
		pairs, meta, err := s.kv.List(prefix, qopts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			watcher.OnError(errors.Wrap(errors.BackendUnavailable, "kv.Watch", "consul_unreachable", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.WatchRetryWait):
			}
			continue
		}
		switch {
		case meta.LastIndex == 0:
			// Blocking on index zero would return immediately forever.
			waitIndex = 1
		case meta.LastIndex < waitIndex:
			// Raft index moved backwards; restart the query from scratch.
			waitIndex = 0
			continue
		case meta.LastIndex == waitIndex:
			continue
		default:
			waitIndex = meta.LastIndex
		}

		next := make(map[string]uint64, len(pairs))
		for _, pair := range pairs {
			next[pair.Key] = pair.ModifyIndex
		}
		if primed {
			for _, pair := range pairs {
				if previous, seen := known[pair.Key]; !seen || previous != pair.ModifyIndex {
					watcher.OnPut(*entryFromPair(pair))
				}
			}
			var removed []string
			for key := range known {
				if _, ok := next[key]; !ok {
					removed = append(removed, key)
				}
			}
			sort.Strings(removed)
			for _, key := range removed {
				watcher.OnDelete(key, known[key])
			}
		}
		known = next
		primed = true
	}
}

func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "kv.AcquireLock"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	sessionID, err := s.createSession(ctx, op, ttl)
	if err != nil {
		return "", err
	}
	acquired, _, err := s.kv.Acquire(&api.KVPair{Key: key, Value: []byte(sessionID), Session: sessionID},
		(&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		s.destroySession(ctx, sessionID)
		return "", errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	if !acquired {
		s.destroySession(ctx, sessionID)
		return "", errors.New(errors.Conflict, op, "lock_held", "lock %q is held", key)
	}
	return sessionID, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	const op = "kv.ReleaseLock"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	wopts := (&api.WriteOptions{}).WithContext(ctx)
	released, _, err := s.kv.Release(&api.KVPair{Key: key, Session: lockID}, wopts)
	if err != nil {
		// A destroyed or expired session cannot hold the lock.
		if strings.Contains(err.Error(), "invalid session") {
			return false, nil
		}
		return false, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	if released {
		// Release detaches the session, so its delete behavior no longer
		// covers the key; clean both up explicitly.
		_, _ = s.kv.Delete(key, wopts)
		s.destroySession(ctx, lockID)
	}
	return released, nil
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	const op = "kv.PutEphemeral"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	sessionID, err := s.createSession(ctx, op, ttl)
	if err != nil {
		return "", err
	}
	if _, err := s.sessionWrite(ctx, op, key, value, 0, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) createSession(ctx context.Context, op string, ttl time.Duration) (string, error) {
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	entry := &api.SessionEntry{
		Name:      "driftplane-kv",
		TTL:       ttl.String(),
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: time.Millisecond,
	}
	sessionID, _, err := s.session.Create(entry, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", errors.Wrap(errors.BackendUnavailable, op, "consul_session", err)
	}
	return sessionID, nil
}

func (s *Store) destroySession(ctx context.Context, sessionID string) {
	_, _ = s.session.Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx))
}

// sessionWrite replaces the key and locks it to the session in one
// transaction, so a live session from an earlier write cannot block the
// update.
func (s *Store) sessionWrite(ctx context.Context, op, key string, value []byte, flags uint64, sessionID string) (uint64, error) {
	ops := api.KVTxnOps{
		{Verb: api.KVDelete, Key: key},
		{Verb: api.KVLock, Key: key, Value: value, Flags: flags, Session: sessionID},
	}
	ok, resp, _, err := s.kv.Txn(ops, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		s.destroySession(ctx, sessionID)
		return 0, errors.Wrap(errors.BackendUnavailable, op, "consul_unreachable", err)
	}
	if !ok || len(resp.Results) == 0 {
		s.destroySession(ctx, sessionID)
		return 0, errors.New(errors.BackendUnavailable, op, "txn_rejected", "session write rejected, %s", txnErrorString(resp))
	}
	return resp.Results[len(resp.Results)-1].ModifyIndex, nil
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OperationTimeout)
}

func entryFromPair(pair *api.KVPair) *kv.Entry {
	return &kv.Entry{
		Key:         pair.Key,
		Value:       pair.Value,
		CreateIndex: pair.CreateIndex,
		ModifyIndex: pair.ModifyIndex,
		Flags:       pair.Flags,
	}
}

func txnErrorString(resp *api.KVTxnResponse) string {
	if resp == nil || len(resp.Errors) == 0 {
		return "no detail"
	}
	return strings.Join(lo.Map(resp.Errors, func(e *api.TxnError, _ int) string { return e.What }), "; ")
}
