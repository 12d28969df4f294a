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

package fake

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/kv"
)

// KVStore is an in-memory kv.Store with the full contract: CAS, TTL, prefix
// listing, transactions, watches, locks and ephemeral keys. Indexes are
// etcd-style: one store-global monotonic counter stamped onto each write.
// Time is injected so TTL behavior is testable with a fake clock; expiry is
// applied lazily on reads and eagerly by Sweep.
type KVStore struct {
	KVStoreBehavior

	mu        sync.Mutex
	clk       clock.Clock
	nextIndex uint64
	entries   map[string]*fakeEntry
	sessions  map[string]*fakeSession
	locks     map[string]string
	watches   map[*kvWatchReg]struct{}
}

// KVStoreBehavior carries the injectable failure knobs, one per operation.
type KVStoreBehavior struct {
	NextGetError    AtomicError
	NextPutError    AtomicError
	NextDeleteError AtomicError
	NextListError   AtomicError
	NextTxnError    AtomicError
}

type fakeEntry struct {
	value       []byte
	createIndex uint64
	modifyIndex uint64
	flags       uint64
	expiresAt   time.Time
	session     string
}

type fakeSession struct {
	id        string
	expiresAt time.Time
}

type kvEvent struct {
	put    *kv.Entry
	delKey string
	delIdx uint64
}

type kvWatchReg struct {
	prefix  string
	watcher kv.Watcher
	queue   chan kvEvent
}

func NewKVStore(clk clock.Clock) *KVStore {
	return &KVStore{
		clk:      clk,
		entries:  map[string]*fakeEntry{},
		sessions: map[string]*fakeSession{},
		locks:    map[string]string{},
		watches:  map[*kvWatchReg]struct{}{},
	}
}

func (s *KVStore) Name() string { return "fake" }

// Reset drops all state and injected errors.
func (s *KVStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex = 0
	s.entries = map[string]*fakeEntry{}
	s.sessions = map[string]*fakeSession{}
	s.locks = map[string]string{}
	s.NextGetError.Reset()
	s.NextPutError.Reset()
	s.NextDeleteError.Reset()
	s.NextListError.Reset()
	s.NextTxnError.Reset()
}

func (s *KVStore) expired(e *fakeEntry, now time.Time) bool {
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		return true
	}
	if e.session != "" {
		session, ok := s.sessions[e.session]
		if !ok || !now.Before(session.expiresAt) {
			return true
		}
	}
	return false
}

// live returns the entry if present and unexpired; expired entries are
// removed on the spot without firing watch events (Sweep fires them).
func (s *KVStore) live(key string, now time.Time) *fakeEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *KVStore) Get(ctx context.Context, key string) (*kv.Entry, error) {
	if err := s.NextGetError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key, s.clk.Now())
	if e == nil {
		return nil, nil
	}
	return s.toEntry(key, e), nil
}

func (s *KVStore) toEntry(key string, e *fakeEntry) *kv.Entry {
	return &kv.Entry{
		Key:         key,
		Value:       append([]byte(nil), e.value...),
		CreateIndex: e.createIndex,
		ModifyIndex: e.modifyIndex,
		Flags:       e.flags,
	}
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte, opts kv.PutOptions) (kv.PutResult, error) {
	if err := s.NextPutError.Get(); err != nil {
		return kv.PutResult{}, err
	}
	s.mu.Lock()
	now := s.clk.Now()
	existing := s.live(key, now)
	if opts.Expected != nil {
		current := uint64(0)
		if existing != nil {
			current = existing.modifyIndex
		}
		if current != *opts.Expected {
			s.mu.Unlock()
			return kv.PutResult{Succeeded: false}, nil
		}
	}
	result, event := s.apply(key, value, opts, "", now)
	s.mu.Unlock()
	s.publish(event)
	return result, nil
}

// apply performs the write under s.mu and returns the event to publish.
func (s *KVStore) apply(key string, value []byte, opts kv.PutOptions, session string, now time.Time) (kv.PutResult, kvEvent) {
	s.nextIndex++
	e := s.entries[key]
	if e == nil || s.expired(e, now) {
		e = &fakeEntry{createIndex: s.nextIndex}
		s.entries[key] = e
	}
	e.value = append([]byte(nil), value...)
	e.modifyIndex = s.nextIndex
	e.flags = opts.Flags
	e.session = session
	e.expiresAt = time.Time{}
	if opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}
	return kv.PutResult{Succeeded: true, ModifyIndex: e.modifyIndex}, kvEvent{put: s.toEntry(key, e)}
}

func (s *KVStore) Delete(ctx context.Context, key string, expected *uint64) (bool, error) {
	if err := s.NextDeleteError.Get(); err != nil {
		return false, err
	}
	s.mu.Lock()
	now := s.clk.Now()
	existing := s.live(key, now)
	if expected != nil {
		current := uint64(0)
		if existing != nil {
			current = existing.modifyIndex
		}
		if current != *expected {
			s.mu.Unlock()
			return false, nil
		}
	}
	var event kvEvent
	if existing != nil {
		s.nextIndex++
		event = kvEvent{delKey: key, delIdx: s.nextIndex}
		delete(s.entries, key)
	}
	s.mu.Unlock()
	s.publish(event)
	return true, nil
}

func (s *KVStore) List(ctx context.Context, prefix string, opts kv.ListOptions) ([]*kv.Entry, error) {
	if err := s.NextListError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) && s.live(key, now) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var out []*kv.Entry
	for _, key := range keys {
		if opts.FromKey != "" && key <= opts.FromKey {
			continue
		}
		entry := s.toEntry(key, s.entries[key])
		if opts.KeysOnly {
			entry.Value = nil
		}
		out = append(out, entry)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *KVStore) Txn(ctx context.Context, ops []kv.TxnOp) ([]bool, error) {
	const op = "kv.Txn"
	if err := s.NextTxnError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	now := s.clk.Now()
	results := make([]bool, len(ops))
	ok := true
	for i, txnOp := range ops {
		results[i] = true
		if txnOp.Expected == nil {
			continue
		}
		current := uint64(0)
		if existing := s.live(txnOp.Key, now); existing != nil {
			current = existing.modifyIndex
		}
		if current != *txnOp.Expected {
			results[i] = false
			ok = false
		}
	}
	if !ok {
		s.mu.Unlock()
		return results, nil
	}
	var events []kvEvent
	for _, txnOp := range ops {
		switch txnOp.Type {
		case kv.TxnPut:
			_, event := s.apply(txnOp.Key, txnOp.Value, kv.PutOptions{TTL: txnOp.TTL, Flags: txnOp.Flags}, "", now)
			events = append(events, event)
		case kv.TxnDelete:
			if s.live(txnOp.Key, now) != nil {
				s.nextIndex++
				events = append(events, kvEvent{delKey: txnOp.Key, delIdx: s.nextIndex})
				delete(s.entries, txnOp.Key)
			}
		case kv.TxnCheckIndex:
			// Comparison only, handled above.
		default:
			s.mu.Unlock()
			return nil, errors.New(errors.InvalidArgument, op, "txn_op_unknown", "unknown txn op %q", txnOp.Type)
		}
	}
	s.mu.Unlock()
	for _, event := range events {
		s.publish(event)
	}
	return results, nil
}

func (s *KVStore) publish(event kvEvent) {
	if event.put == nil && event.delKey == "" {
		return
	}
	s.mu.Lock()
	registrations := make([]*kvWatchReg, 0, len(s.watches))
	for reg := range s.watches {
		key := event.delKey
		if event.put != nil {
			key = event.put.Key
		}
		if strings.HasPrefix(key, reg.prefix) {
			registrations = append(registrations, reg)
		}
	}
	s.mu.Unlock()
	for _, reg := range registrations {
		select {
		case reg.queue <- event:
		default:
			// Queue full: the watcher stopped draining. Tests never get here.
		}
	}
}

func (s *KVStore) WatchPrefix(ctx context.Context, prefix string, watcher kv.Watcher) (*kv.Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watch := kv.NewWatch(cancel)
	reg := &kvWatchReg{prefix: prefix, watcher: watcher, queue: make(chan kvEvent, 1024)}
	s.mu.Lock()
	s.watches[reg] = struct{}{}
	s.mu.Unlock()
	go func() {
		defer watch.Finish()
		defer func() {
			s.mu.Lock()
			delete(s.watches, reg)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event := <-reg.queue:
				if event.put != nil {
					watcher.OnPut(*event.put)
				} else {
					watcher.OnDelete(event.delKey, event.delIdx)
				}
			}
		}
	}()
	return watch, nil
}

func (s *KVStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "kv.AcquireLock"
	s.mu.Lock()
	now := s.clk.Now()
	if holder, held := s.locks[key]; held {
		if session, ok := s.sessions[holder]; ok && now.Before(session.expiresAt) {
			s.mu.Unlock()
			return "", errors.New(errors.Conflict, op, "lock_held", "lock %q is held", key)
		}
		delete(s.locks, key)
		delete(s.entries, key)
	}
	lockID := uuid.NewString()
	s.sessions[lockID] = &fakeSession{id: lockID, expiresAt: now.Add(ttl)}
	s.locks[key] = lockID
	_, event := s.apply(key, []byte(lockID), kv.PutOptions{}, lockID, now)
	s.mu.Unlock()
	s.publish(event)
	return lockID, nil
}

func (s *KVStore) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	s.mu.Lock()
	if s.locks[key] != lockID {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.locks, key)
	delete(s.sessions, lockID)
	var event kvEvent
	if _, ok := s.entries[key]; ok {
		s.nextIndex++
		event = kvEvent{delKey: key, delIdx: s.nextIndex}
		delete(s.entries, key)
	}
	s.mu.Unlock()
	s.publish(event)
	return true, nil
}

func (s *KVStore) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	s.mu.Lock()
	now := s.clk.Now()
	sessionID := uuid.NewString()
	s.sessions[sessionID] = &fakeSession{id: sessionID, expiresAt: now.Add(ttl)}
	_, event := s.apply(key, value, kv.PutOptions{}, sessionID, now)
	s.mu.Unlock()
	s.publish(event)
	return sessionID, nil
}

// Sweep applies TTL and session expiry eagerly, firing delete events for
// everything that lapsed. Tests advance the fake clock and then call Sweep.
func (s *KVStore) Sweep() {
	s.mu.Lock()
	now := s.clk.Now()
	var events []kvEvent
	for key, e := range s.entries {
		if s.expired(e, now) {
			s.nextIndex++
			events = append(events, kvEvent{delKey: key, delIdx: s.nextIndex})
			delete(s.entries, key)
		}
	}
	for id, session := range s.sessions {
		if !now.Before(session.expiresAt) {
			delete(s.sessions, id)
		}
	}
	for key, holder := range s.locks {
		if _, ok := s.sessions[holder]; !ok {
			delete(s.locks, key)
		}
	}
	s.mu.Unlock()
	for _, event := range events {
		s.publish(event)
	}
}

func (s *KVStore) Close() error { return nil }
