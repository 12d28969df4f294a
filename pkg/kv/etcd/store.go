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

// Package etcd implements kv.Store against etcd v3. Per-key ModRevision and
// CreateRevision back the ModifyIndex/CreateIndex contract, conditional
// writes are single-key transactions, TTLs ride on leases, and watches use
// the native watch stream. etcd has no per-key flags, so every value carries
// a nine-byte header holding them.
package etcd

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/client/pkg/v3/logutil"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/kv"
)

const (
	DefaultDialTimeout      = 15 * time.Second
	DefaultOperationTimeout = 10 * time.Second
	DefaultWatchRetryWait   = 2 * time.Second
)

// Config carries what NewClient needs to dial a cluster. TLS is enabled when
// CertFile is set; the three TLS fields travel together.
type Config struct {
	Endpoints     []string
	DialTimeout   time.Duration
	Username      string
	Password      string
	CertFile      string
	KeyFile       string
	TrustedCAFile string
}

func NewClient(cfg Config) (*clientv3.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	// The default client logger is noisy at info.
	lcfg := logutil.DefaultZapLoggerConfig
	lcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	logger, err := lcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building etcd client logger, %w", err)
	}
	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      logger,
	}
	if cfg.CertFile != "" {
		tlsInfo := transport.TLSInfo{
			CertFile:      cfg.CertFile,
			KeyFile:       cfg.KeyFile,
			TrustedCAFile: cfg.TrustedCAFile,
		}
		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("building etcd client tls config, %w", err)
		}
		clientCfg.TLS = tlsConfig
	}
	client, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v, %w", cfg.Endpoints, err)
	}
	return client, nil
}

type Options struct {
	// OperationTimeout bounds calls whose context carries no deadline.
	OperationTimeout time.Duration
	// WatchRetryWait spaces re-establishing a broken watch stream.
	WatchRetryWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.WatchRetryWait <= 0 {
		o.WatchRetryWait = DefaultWatchRetryWait
	}
	return o
}

type Store struct {
	client *clientv3.Client
	opts   Options
}

func NewStore(client *clientv3.Client, opts Options) *Store {
	return &Store{client: client, opts: opts.withDefaults()}
}

func (s *Store) Name() string { return "etcd" }

func (s *Store) Get(ctx context.Context, key string) (*kv.Entry, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, "kv.Get", "etcd_unreachable", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return entryFromKV(resp.Kvs[0]), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts kv.PutOptions) (kv.PutResult, error) {
	const op = "kv.Put"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	payload := string(encodeValue(value, opts.Flags))
	var putOpts []clientv3.OpOption
	if opts.TTL > 0 {
		lease, err := s.client.Grant(ctx, leaseSeconds(opts.TTL))
		if err != nil {
			return kv.PutResult{}, errors.Wrap(errors.BackendUnavailable, op, "etcd_lease", err)
		}
		putOpts = append(putOpts, clientv3.WithLease(lease.ID))
	}

	if opts.Expected == nil {
		resp, err := s.client.Put(ctx, key, payload, putOpts...)
		if err != nil {
			return kv.PutResult{}, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
		}
		return kv.PutResult{Succeeded: true, ModifyIndex: uint64(resp.Header.Revision)}, nil
	}

	resp, err := s.client.Txn(ctx).
		If(compareIndex(key, *opts.Expected)).
		Then(clientv3.OpPut(key, payload, putOpts...)).
		Commit()
	if err != nil {
		return kv.PutResult{}, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	if !resp.Succeeded {
		return kv.PutResult{}, nil
	}
	return kv.PutResult{Succeeded: true, ModifyIndex: uint64(resp.Header.Revision)}, nil
}

func (s *Store) Delete(ctx context.Context, key string, expected *uint64) (bool, error) {
	const op = "kv.Delete"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	if expected == nil {
		if _, err := s.client.Delete(ctx, key); err != nil {
			return false, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
		}
		return true, nil
	}
	resp, err := s.client.Txn(ctx).
		If(compareIndex(key, *expected)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	return resp.Succeeded, nil
}

func (s *Store) List(ctx context.Context, prefix string, opts kv.ListOptions) ([]*kv.Entry, error) {
	const op = "kv.List"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	start := prefix
	if opts.FromKey != "" {
		// Exclusive lower bound: resume just past the cursor.
		start = opts.FromKey + "\x00"
	}
	getOpts := []clientv3.OpOption{
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(prefix)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if opts.Limit > 0 {
		getOpts = append(getOpts, clientv3.WithLimit(int64(opts.Limit)))
	}
	if opts.KeysOnly {
		getOpts = append(getOpts, clientv3.WithKeysOnly())
	}
	resp, err := s.client.Get(ctx, start, getOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	entries := make([]*kv.Entry, 0, len(resp.Kvs))
	for _, kvp := range resp.Kvs {
		if opts.KeysOnly {
			entries = append(entries, &kv.Entry{Key: string(kvp.Key)})
			continue
		}
		entries = append(entries, entryFromKV(kvp))
	}
	return entries, nil
}

func (s *Store) Txn(ctx context.Context, ops []kv.TxnOp) ([]bool, error) {
	const op = "kv.Txn"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	cmps := make([]clientv3.Cmp, 0, len(ops))
	thenOps := make([]clientv3.Op, 0, len(ops))
	elseOps := make([]clientv3.Op, 0, len(ops))
	guarded := make([]int, 0, len(ops))
	for i, item := range ops {
		switch item.Type {
		case kv.TxnPut:
			payload := string(encodeValue(item.Value, item.Flags))
			var putOpts []clientv3.OpOption
			if item.TTL > 0 {
				lease, err := s.client.Grant(ctx, leaseSeconds(item.TTL))
				if err != nil {
					return nil, errors.Wrap(errors.BackendUnavailable, op, "etcd_lease", err)
				}
				putOpts = append(putOpts, clientv3.WithLease(lease.ID))
			}
			thenOps = append(thenOps, clientv3.OpPut(item.Key, payload, putOpts...))
		case kv.TxnDelete:
			thenOps = append(thenOps, clientv3.OpDelete(item.Key))
		case kv.TxnCheckIndex:
			if item.Expected == nil {
				return nil, errors.New(errors.InvalidArgument, op, "check_index_required",
					"check-index on %q needs an expected index", item.Key)
			}
		default:
			return nil, errors.New(errors.InvalidArgument, op, "txn_op_unknown", "unknown txn op %q", item.Type)
		}
		if item.Expected != nil {
			cmps = append(cmps, compareIndex(item.Key, *item.Expected))
			elseOps = append(elseOps, clientv3.OpGet(item.Key))
			guarded = append(guarded, i)
		}
	}

	resp, err := s.client.Txn(ctx).If(cmps...).Then(thenOps...).Else(elseOps...).Commit()
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	results := make([]bool, len(ops))
	for i := range results {
		results[i] = true
	}
	if resp.Succeeded {
		return results, nil
	}
	// The Else branch read every guarded key, so each comparison can be
	// re-evaluated against the revisions that made the transaction fail.
	for ci, opIndex := range guarded {
		var createRevision, modRevision int64
		if rangeResp := resp.Responses[ci].GetResponseRange(); rangeResp != nil && len(rangeResp.Kvs) > 0 {
			createRevision = rangeResp.Kvs[0].CreateRevision
			modRevision = rangeResp.Kvs[0].ModRevision
		}
		expected := *ops[opIndex].Expected
		if expected == 0 {
			if createRevision != 0 {
				results[opIndex] = false
			}
		} else if uint64(modRevision) != expected {
			results[opIndex] = false
		}
	}
	return results, nil
}

func (s *Store) WatchPrefix(ctx context.Context, prefix string, watcher kv.Watcher) (*kv.Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watch := kv.NewWatch(cancel)
	go s.watchLoop(watchCtx, watch, prefix, watcher)
	return watch, nil
}

func (s *Store) watchLoop(ctx context.Context, watch *kv.Watch, prefix string, watcher kv.Watcher) {
	defer watch.Finish()
	for {
		wch := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				watcher.OnError(errors.Wrap(errors.BackendUnavailable, "kv.Watch", "etcd_watch", err))
				continue
			}
			for _, event := range resp.Events {
				switch event.Type {
				case mvccpb.PUT:
					watcher.OnPut(*entryFromKV(event.Kv))
				case mvccpb.DELETE:
					index := uint64(event.Kv.ModRevision)
					if event.PrevKv != nil {
						index = uint64(event.PrevKv.ModRevision)
					}
					watcher.OnDelete(string(event.Kv.Key), index)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		// Stream closed without cancellation (leader loss, compaction);
		// re-establish after a pause.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.WatchRetryWait):
		}
	}
}

// AcquireLock writes the lock key create-only under a fresh lease and hands
// back the lease as the fencing token. No keepalive runs, so a crashed
// holder blocks others for at most the TTL, the same contract as the Consul
// session path.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "kv.AcquireLock"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return "", errors.Wrap(errors.BackendUnavailable, op, "etcd_lease", err)
	}
	lockID := formatLeaseID(lease.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(encodeValue([]byte(lockID), 0)), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		s.revoke(ctx, lease.ID)
		return "", errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	if !resp.Succeeded {
		s.revoke(ctx, lease.ID)
		return "", errors.New(errors.Conflict, op, "lock_held", "lock %q is held", key)
	}
	return lockID, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	const op = "kv.ReleaseLock"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(encodeValue([]byte(lockID), 0)))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	if resp.Succeeded {
		if leaseID, ok := parseLeaseID(lockID); ok {
			s.revoke(ctx, leaseID)
		}
	}
	return resp.Succeeded, nil
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	const op = "kv.PutEphemeral"
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return "", errors.Wrap(errors.BackendUnavailable, op, "etcd_lease", err)
	}
	if _, err := s.client.Put(ctx, key, string(encodeValue(value, 0)), clientv3.WithLease(lease.ID)); err != nil {
		s.revoke(ctx, lease.ID)
		return "", errors.Wrap(errors.BackendUnavailable, op, "etcd_unreachable", err)
	}
	return formatLeaseID(lease.ID), nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OperationTimeout)
}

func (s *Store) revoke(ctx context.Context, id clientv3.LeaseID) {
	_, _ = s.client.Revoke(ctx, id)
}

func compareIndex(key string, expected uint64) clientv3.Cmp {
	if expected == 0 {
		return clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}
	return clientv3.Compare(clientv3.ModRevision(key), "=", int64(expected))
}

func leaseSeconds(ttl time.Duration) int64 {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func formatLeaseID(id clientv3.LeaseID) string {
	return fmt.Sprintf("%016x", uint64(id))
}

func parseLeaseID(lockID string) (clientv3.LeaseID, bool) {
	value, err := strconv.ParseUint(lockID, 16, 64)
	if err != nil {
		return 0, false
	}
	return clientv3.LeaseID(value), true
}

// Values carry a fixed header so Consul-style flags survive the trip: one
// version byte then the flags as eight big-endian bytes.
const (
	envelopeVersion = 0x01
	envelopeHeader  = 9
)

func encodeValue(value []byte, flags uint64) []byte {
	buf := make([]byte, envelopeHeader+len(value))
	buf[0] = envelopeVersion
	binary.BigEndian.PutUint64(buf[1:envelopeHeader], flags)
	copy(buf[envelopeHeader:], value)
	return buf
}

func decodeValue(raw []byte) ([]byte, uint64) {
	if len(raw) < envelopeHeader || raw[0] != envelopeVersion {
		// Written outside this store; surface it untouched.
		return raw, 0
	}
	return raw[envelopeHeader:], binary.BigEndian.Uint64(raw[1:envelopeHeader])
}

func entryFromKV(kvp *mvccpb.KeyValue) *kv.Entry {
	value, flags := decodeValue(kvp.Value)
	return &kv.Entry{
		Key:         string(kvp.Key),
		Value:       value,
		CreateIndex: uint64(kvp.CreateRevision),
		ModifyIndex: uint64(kvp.ModRevision),
		Flags:       flags,
	}
}
