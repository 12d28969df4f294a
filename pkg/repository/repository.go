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

// Package repository defines the persistence ports. Repositories own their
// entities; everything else holds IDs. Criteria are declarative records and
// each adapter translates them to its backend's query language, so callers
// never assemble queries themselves.
package repository

import (
	"context"
	"time"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// BulkResult reports a bulk upsert: rows newly created vs rows that took an
// update. Rows skipped by an idempotence guard count in neither.
type BulkResult struct {
	Inserted int
	Modified int
}

// Services persists ApplicationService aggregates.
type Services interface {
	// Save inserts or replaces by ID and bumps UpdatedAt.
	Save(ctx context.Context, service *v1.ApplicationService) error
	// FindByID returns NotFound when absent.
	FindByID(ctx context.Context, id v1.ServiceID) (*v1.ApplicationService, error)
	// FindByDisplayNames bulk-resolves heartbeat service names. Unknown
	// names are simply missing from the result.
	FindByDisplayNames(ctx context.Context, names []string) ([]*v1.ApplicationService, error)
	FindAll(ctx context.Context, criteria ServiceCriteria, paging Paging, sort []Sort) (Page[*v1.ApplicationService], error)
	// FindIDsByOwnerTeams returns the IDs of every service owned by one of
	// the teams. The evaluator folds these into listing scopes.
	FindIDsByOwnerTeams(ctx context.Context, teams []v1.TeamID) ([]v1.ServiceID, error)
	DeleteByID(ctx context.Context, id v1.ServiceID) error
	// UpdateOwnerCAS moves ownership only when the stored Version still
	// matches; a false return means a concurrent writer won.
	UpdateOwnerCAS(ctx context.Context, id v1.ServiceID, newOwner v1.TeamID, expectedVersion int64) (bool, error)
}

// Instances persists ServiceInstance rows keyed by instance ID.
type Instances interface {
	Save(ctx context.Context, instance *v1.ServiceInstance) error
	FindByID(ctx context.Context, id v1.InstanceID) (*v1.ServiceInstance, error)
	// FindByIDs bulk-loads for the heartbeat pipeline; unknown IDs are
	// missing from the result.
	FindByIDs(ctx context.Context, ids []v1.InstanceID) ([]*v1.ServiceInstance, error)
	FindAll(ctx context.Context, criteria InstanceCriteria, paging Paging, sort []Sort) (Page[*v1.ServiceInstance], error)
	DeleteByID(ctx context.Context, id v1.InstanceID) error
	// BulkUpsert is idempotent by instance ID and keeps LastSeenAt
	// monotonic: a row whose stored LastSeenAt is newer than the incoming
	// one is left untouched.
	BulkUpsert(ctx context.Context, instances []*v1.ServiceInstance) (BulkResult, error)
	BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error)
	// BulkUpdateExpectedHash rewrites the authoritative hash for every
	// instance of the service in the environment (all environments when
	// empty).
	BulkUpdateExpectedHash(ctx context.Context, serviceID v1.ServiceID, environment string, expectedHash string) (int, error)
	// MarkUnknownLastSeenBefore flips instances silent since the cutoff to
	// UNKNOWN. Drift bookkeeping is left in place; the next heartbeat
	// recomputes status from facts.
	MarkUnknownLastSeenBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountByServiceID(ctx context.Context, serviceID v1.ServiceID) (int64, error)
}

// DriftEvents persists the drift audit trail.
type DriftEvents interface {
	Save(ctx context.Context, event *v1.DriftEvent) error
	FindByID(ctx context.Context, id string) (*v1.DriftEvent, error)
	FindAll(ctx context.Context, criteria DriftEventCriteria, paging Paging, sort []Sort) (Page[*v1.DriftEvent], error)
	DeleteByID(ctx context.Context, id string) error
	// BulkInsert is idempotent by DedupKey; replayed events count in
	// neither bucket.
	BulkInsert(ctx context.Context, events []*v1.DriftEvent) (BulkResult, error)
	// ResolveAllOpen closes every open event for the instance and returns
	// how many it closed.
	ResolveAllOpen(ctx context.Context, serviceName string, instanceID v1.InstanceID, resolvedBy string, at time.Time) (int, error)
	BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error)
	PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Approvals persists ownership-transfer requests and their decisions.
type Approvals interface {
	// Create inserts a new request; a live PENDING request for the same
	// {requester, service} surfaces as Conflict.
	Create(ctx context.Context, request *v1.ApprovalRequest) error
	// UpdateCAS writes the request only when the stored Version still
	// matches, then bumps request.Version. False means a concurrent
	// decision won and the caller should re-read.
	UpdateCAS(ctx context.Context, request *v1.ApprovalRequest) (bool, error)
	FindByID(ctx context.Context, id string) (*v1.ApprovalRequest, error)
	// FindPending returns (nil, nil) when the pair has no PENDING request.
	FindPending(ctx context.Context, requester v1.UserID, serviceID v1.ServiceID) (*v1.ApprovalRequest, error)
	FindAll(ctx context.Context, criteria ApprovalCriteria, paging Paging, sort []Sort) (Page[*v1.ApprovalRequest], error)
	AddDecision(ctx context.Context, decision *v1.ApprovalDecision) error
	FindDecisions(ctx context.Context, requestID string) ([]*v1.ApprovalDecision, error)
}

// Shares persists delegated-permission grants.
type Shares interface {
	Save(ctx context.Context, share *v1.ServiceShare) error
	FindByID(ctx context.Context, id string) (*v1.ServiceShare, error)
	FindAll(ctx context.Context, criteria ShareCriteria, paging Paging, sort []Sort) (Page[*v1.ServiceShare], error)
	// FindForGrantee loads every share addressed to the actor (their user
	// ID or any of their teams) active at the instant. The evaluator
	// prefetches through this.
	FindForGrantee(ctx context.Context, actor v1.Actor, at time.Time) ([]*v1.ServiceShare, error)
	// Revoke marks the share revoked but keeps the row for audit.
	Revoke(ctx context.Context, id string) error
	// PurgeExpiredBefore hard-deletes shares that expired or were revoked
	// before the cutoff, once the audit retention has passed.
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store aggregates the repositories over one backend.
type Store interface {
	Services() Services
	Instances() Instances
	DriftEvents() DriftEvents
	Approvals() Approvals
	Shares() Shares
	// Tx runs fn atomically where the backend supports transactions; the
	// in-memory adapter serializes transactions instead.
	Tx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
	Close() error
}
