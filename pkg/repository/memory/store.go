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

// Package memory implements the repository ports on process-local maps. It
// backs the test suites and the single-node storage mode. Entities are deep
// copied on the way in and out, so callers can never mutate stored state
// through a shared pointer.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/repository"
)

type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	clock clock.Clock

	services  map[v1.ServiceID]*v1.ApplicationService
	instances map[v1.InstanceID]*v1.ServiceInstance
	drifts    map[string]*v1.DriftEvent
	// driftDedup indexes drift events by DedupKey for idempotent inserts.
	driftDedup map[string]string
	approvals  map[string]*v1.ApprovalRequest
	decisions  map[string][]*v1.ApprovalDecision
	shares     map[string]*v1.ServiceShare
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:      clk,
		services:   map[v1.ServiceID]*v1.ApplicationService{},
		instances:  map[v1.InstanceID]*v1.ServiceInstance{},
		drifts:     map[string]*v1.DriftEvent{},
		driftDedup: map[string]string{},
		approvals:  map[string]*v1.ApprovalRequest{},
		decisions:  map[string][]*v1.ApprovalDecision{},
		shares:     map[string]*v1.ServiceShare{},
	}
}

func (s *Store) Services() repository.Services       { return &services{s} }
func (s *Store) Instances() repository.Instances     { return &instances{s} }
func (s *Store) DriftEvents() repository.DriftEvents { return &driftEvents{s} }
func (s *Store) Approvals() repository.Approvals     { return &approvals{s} }
func (s *Store) Shares() repository.Shares           { return &shares{s} }

// Tx serializes transaction bodies against each other. Individual operations
// stay internally consistent through the store mutex, so this gives the
// all-or-nothing callers need in tests without a write-ahead log.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

func (s *Store) Close() error { return nil }

// Reset drops all stored state. Test hook.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = map[v1.ServiceID]*v1.ApplicationService{}
	s.instances = map[v1.InstanceID]*v1.ServiceInstance{}
	s.drifts = map[string]*v1.DriftEvent{}
	s.driftDedup = map[string]string{}
	s.approvals = map[string]*v1.ApprovalRequest{}
	s.decisions = map[string][]*v1.ApprovalDecision{}
	s.shares = map[string]*v1.ServiceShare{}
}

func clone[T any](v *T) *T {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("encoding %T: %s", v, err))
	}
	var cp T
	if err := json.NewDecoder(&buf).Decode(&cp); err != nil {
		panic(fmt.Sprintf("decoding %T: %s", v, err))
	}
	return &cp
}

// page cuts one window out of the already filtered, already sorted slice.
func page[T any](items []T, paging repository.Paging) ([]T, int64) {
	paging = paging.Normalize()
	total := int64(len(items))
	start := paging.Offset()
	if start >= len(items) {
		return nil, total
	}
	end := start + paging.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], total
}
