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

package memory

import (
	"context"
	"strings"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

type approvals struct{ store *Store }

func (r *approvals) Create(ctx context.Context, request *v1.ApprovalRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.approvals {
		if existing.Status == v1.ApprovalPending &&
			existing.RequesterUserID == request.RequesterUserID &&
			existing.ServiceID == request.ServiceID {
			return errors.New(errors.Conflict, "approvals.Create", "approval_pending_exists",
				"user %q already has a pending request for service %q", request.RequesterUserID, request.ServiceID)
		}
	}
	now := r.store.clock.Now()
	request.Version = 1
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now
	r.store.approvals[request.ID] = clone(request)
	return nil
}

func (r *approvals) UpdateCAS(ctx context.Context, request *v1.ApprovalRequest) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.approvals[request.ID]
	if !ok {
		return false, errors.New(errors.NotFound, "approvals.UpdateCAS", "approval_not_found", "approval %q not found", request.ID)
	}
	if existing.Version != request.Version {
		return false, nil
	}
	request.Version++
	request.UpdatedAt = r.store.clock.Now()
	r.store.approvals[request.ID] = clone(request)
	return true, nil
}

func (r *approvals) FindByID(ctx context.Context, id string) (*v1.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	request, ok := r.store.approvals[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "approvals.FindByID", "approval_not_found", "approval %q not found", id)
	}
	return clone(request), nil
}

func (r *approvals) FindPending(ctx context.Context, requester v1.UserID, serviceID v1.ServiceID) (*v1.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, request := range r.store.approvals {
		if request.Status == v1.ApprovalPending && request.RequesterUserID == requester && request.ServiceID == serviceID {
			return clone(request), nil
		}
	}
	return nil, nil
}

func (r *approvals) FindAll(ctx context.Context, criteria repository.ApprovalCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApprovalRequest], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*v1.ApprovalRequest
	for _, request := range r.store.approvals {
		if matchApproval(request, criteria) {
			matched = append(matched, clone(request))
		}
	}
	if err := sortEntities("approvals.FindAll", matched, sorts, approvalSortFields); err != nil {
		return repository.Page[*v1.ApprovalRequest]{}, err
	}
	window, total := page(matched, paging)
	return repository.NewPage(window, total, paging), nil
}

func (r *approvals) AddDecision(ctx context.Context, decision *v1.ApprovalDecision) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.approvals[decision.RequestID]; !ok {
		return errors.New(errors.NotFound, "approvals.AddDecision", "approval_not_found", "approval %q not found", decision.RequestID)
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = r.store.clock.Now()
	}
	r.store.decisions[decision.RequestID] = append(r.store.decisions[decision.RequestID], clone(decision))
	return nil
}

func (r *approvals) FindDecisions(ctx context.Context, requestID string) ([]*v1.ApprovalDecision, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	stored := r.store.decisions[requestID]
	out := make([]*v1.ApprovalDecision, 0, len(stored))
	for _, decision := range stored {
		out = append(out, clone(decision))
	}
	return out, nil
}

func matchApproval(request *v1.ApprovalRequest, criteria repository.ApprovalCriteria) bool {
	if criteria.ServiceID != nil && request.ServiceID != *criteria.ServiceID {
		return false
	}
	if criteria.TargetTeamID != nil && request.TargetTeamID != *criteria.TargetTeamID {
		return false
	}
	if criteria.RequesterUserID != nil && request.RequesterUserID != *criteria.RequesterUserID {
		return false
	}
	if criteria.Status != nil && request.Status != *criteria.Status {
		return false
	}
	return true
}

var approvalSortFields = map[string]func(a, b *v1.ApprovalRequest) int{
	"id":         func(a, b *v1.ApprovalRequest) int { return strings.Compare(a.ID, b.ID) },
	"service_id": func(a, b *v1.ApprovalRequest) int { return strings.Compare(string(a.ServiceID), string(b.ServiceID)) },
	"status":     func(a, b *v1.ApprovalRequest) int { return strings.Compare(string(a.Status), string(b.Status)) },
	"created_at": func(a, b *v1.ApprovalRequest) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at": func(a, b *v1.ApprovalRequest) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}
