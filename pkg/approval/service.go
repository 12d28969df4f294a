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

// Package approval runs the ownership-transfer workflow. A requester opens a
// claim against a service, reviewers vote on the claim's gates, and an
// approved claim cascades the new owner onto the service, its instances, its
// drift events and any competing claims.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

// DefaultMaxRetries bounds the optimistic retry loops. A request or service
// that keeps changing underneath a writer for this many attempts surfaces as
// Conflict rather than spinning.
const DefaultMaxRetries = 5

// Service drives claims through PENDING into exactly one terminal status.
// Decision evaluation and the ownership cascade run inside the same store
// transaction as the decision that triggered them.
type Service struct {
	store      repository.Store
	evaluator  *auth.Evaluator
	clk        clock.Clock
	maxRetries int
}

func NewService(store repository.Store, evaluator *auth.Evaluator, clk clock.Clock) *Service {
	return &Service{store: store, evaluator: evaluator, clk: clk, maxRetries: DefaultMaxRetries}
}

// WithMaxRetries overrides the optimistic retry bound; the operator wires
// its approval.maxRetries option through here.
func (s *Service) WithMaxRetries(attempts int) *Service {
	if attempts > 0 {
		s.maxRetries = attempts
	}
	return s
}

// Create opens a PENDING claim moving serviceID to targetTeamID. Anyone may
// open a claim; the gates are what stand between a claim and the transfer.
// A requester holds at most one live claim per service.
func (s *Service) Create(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, targetTeamID v1.TeamID, required []v1.ApprovalGate, note string) (*v1.ApprovalRequest, error) {
	const op = "approval.Create"
	if actor.UserID == "" {
		return nil, errors.New(errors.InvalidArgument, op, "requester_required", "a claim needs a requesting user")
	}
	if targetTeamID == "" {
		return nil, errors.New(errors.InvalidArgument, op, "target_team_required", "a claim needs a target team")
	}
	if len(required) == 0 {
		return nil, errors.New(errors.InvalidArgument, op, "gates_required", "a claim needs at least one gate")
	}
	for _, gate := range required {
		if gate.Name == "" || gate.MinApprovals < 1 {
			return nil, errors.New(errors.InvalidArgument, op, "gate_invalid",
				"gate %q needs a name and a positive approval threshold", gate.Name)
		}
	}
	service, err := s.store.Services().FindByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if service.Retired() {
		return nil, errors.New(errors.Conflict, op, "service_retired", "service %q is retired and cannot change owners", serviceID)
	}
	request := &v1.ApprovalRequest{
		ID:              uuid.NewString(),
		ServiceID:       serviceID,
		TargetTeamID:    targetTeamID,
		RequesterUserID: actor.UserID,
		RequesterTeamID: actorTeam(actor),
		Required:        required,
		Status:          v1.ApprovalPending,
		Note:            note,
	}
	if err := s.store.Approvals().Create(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

// SubmitDecision records one actor's vote on one gate and immediately
// evaluates the claim: any REJECT rejects it, a fully satisfied gate set
// approves it and runs the cascade. The vote, the evaluation and the cascade
// share a transaction, so a claim never ends up approved with the cascade
// half applied.
func (s *Service) SubmitDecision(ctx context.Context, actor v1.Actor, requestID string, gate string, decision v1.Decision, note string) (*v1.ApprovalRequest, error) {
	const op = "approval.SubmitDecision"
	if decision != v1.DecisionApprove && decision != v1.DecisionReject {
		return nil, errors.New(errors.InvalidArgument, op, "decision_invalid", "decision must be APPROVE or REJECT, got %q", decision)
	}
	var result *v1.ApprovalRequest
	err := s.store.Tx(ctx, func(ctx context.Context, tx repository.Store) error {
		request, err := tx.Approvals().FindByID(ctx, requestID)
		if err != nil {
			return err
		}
		if request.Status.Terminal() {
			return errors.New(errors.Conflict, op, "request_terminal", "request %q is already %s", requestID, request.Status)
		}
		if _, ok := request.Gate(gate); !ok {
			return errors.New(errors.InvalidArgument, op, "gate_unknown", "request %q has no gate %q", requestID, gate)
		}
		decisions, err := tx.Approvals().FindDecisions(ctx, requestID)
		if err != nil {
			return err
		}
		for _, prior := range decisions {
			if prior.ActorUserID == actor.UserID && prior.Gate == gate {
				return errors.New(errors.Conflict, op, "already_decided",
					"actor %q has already decided gate %q on request %q", actor.UserID, gate, requestID)
			}
		}
		recorded := &v1.ApprovalDecision{
			ID:          uuid.NewString(),
			RequestID:   requestID,
			Gate:        gate,
			Decision:    decision,
			ActorUserID: actor.UserID,
			ActorTeamID: actorTeam(actor),
			Note:        note,
		}
		if err := tx.Approvals().AddDecision(ctx, recorded); err != nil {
			return err
		}
		result, err = s.evaluate(ctx, tx, request, append(decisions, recorded))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel withdraws a PENDING claim. Only the requester, someone holding the
// owner bundle on the claimed service, or a SYS_ADMIN may cancel.
func (s *Service) Cancel(ctx context.Context, actor v1.Actor, requestID string) (*v1.ApprovalRequest, error) {
	const op = "approval.Cancel"
	var result *v1.ApprovalRequest
	err := s.store.Tx(ctx, func(ctx context.Context, tx repository.Store) error {
		request, err := tx.Approvals().FindByID(ctx, requestID)
		if err != nil {
			return err
		}
		if request.Status.Terminal() {
			return errors.New(errors.Conflict, op, "request_terminal", "request %q is already %s", requestID, request.Status)
		}
		if request.RequesterUserID != actor.UserID {
			service, err := tx.Services().FindByID(ctx, request.ServiceID)
			if err != nil {
				return err
			}
			if err := s.evaluator.Authorize(ctx, actor, v1.PermissionManageShares, auth.Resource{Service: service}); err != nil {
				return err
			}
		}
		result, err = s.transition(ctx, tx, request, v1.ApprovalCancelled, fmt.Sprintf("Cancelled by %s", actor.UserID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns one claim. Visible to the requester, members of the target
// team, anyone who can view the claimed service, and SYS_ADMIN.
func (s *Service) Get(ctx context.Context, actor v1.Actor, requestID string) (*v1.ApprovalRequest, error) {
	const op = "approval.Get"
	request, err := s.store.Approvals().FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.visible(ctx, actor, request) {
		return nil, errors.New(errors.Forbidden, op, "request_hidden", "actor %q may not view request %q", actor.UserID, requestID)
	}
	return request, nil
}

// Decisions returns the votes recorded on a claim, oldest first, under the
// same visibility rule as Get.
func (s *Service) Decisions(ctx context.Context, actor v1.Actor, requestID string) ([]*v1.ApprovalDecision, error) {
	if _, err := s.Get(ctx, actor, requestID); err != nil {
		return nil, err
	}
	return s.store.Approvals().FindDecisions(ctx, requestID)
}

// List pages through claims. Claims are not share-scoped: a plain actor sees
// their own claims, or a team's inbound claims when they belong to that team.
// Criteria asking for anything wider collapse to the actor's own claims.
// SYS_ADMIN passes criteria through untouched.
func (s *Service) List(ctx context.Context, actor v1.Actor, criteria repository.ApprovalCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApprovalRequest], error) {
	if !actor.SysAdmin() {
		switch {
		case criteria.RequesterUserID != nil && *criteria.RequesterUserID == actor.UserID:
		case criteria.TargetTeamID != nil && actor.MemberOf(*criteria.TargetTeamID):
		default:
			criteria.RequesterUserID = lo.ToPtr(actor.UserID)
		}
	}
	return s.store.Approvals().FindAll(ctx, criteria, paging, sorts)
}

// evaluate settles a claim against its recorded decisions. Rejection wins
// over everything: one REJECT on any gate rejects the claim no matter how
// many approvals the other gates have collected.
func (s *Service) evaluate(ctx context.Context, tx repository.Store, request *v1.ApprovalRequest, decisions []*v1.ApprovalDecision) (*v1.ApprovalRequest, error) {
	if rejection, ok := lo.Find(decisions, func(d *v1.ApprovalDecision) bool { return d.Decision == v1.DecisionReject }); ok {
		return s.transition(ctx, tx, request, v1.ApprovalRejected, fmt.Sprintf("Rejected by %s", rejection.Gate))
	}
	if !request.Satisfied(decisions) {
		return request, nil
	}
	approved, err := s.transition(ctx, tx, request, v1.ApprovalApproved, "")
	if err != nil {
		return nil, err
	}
	if approved.Status != v1.ApprovalApproved {
		// A concurrent writer settled the claim first; their outcome stands
		// and there is nothing to cascade.
		return approved, nil
	}
	if err := s.cascade(ctx, tx, approved); err != nil {
		return nil, err
	}
	return approved, nil
}

// transition moves a claim to a terminal status with optimistic retries.
// When a concurrent writer lands a terminal status first, that status is
// returned as the outcome instead of an error.
func (s *Service) transition(ctx context.Context, tx repository.Store, request *v1.ApprovalRequest, status v1.ApprovalStatus, reason string) (*v1.ApprovalRequest, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		request.Status = status
		request.Reason = reason
		swapped, err := tx.Approvals().UpdateCAS(ctx, request)
		if err != nil {
			return nil, err
		}
		if swapped {
			transitionsTotal.WithLabelValues(strings.ToLower(string(status))).Inc()
			return request, nil
		}
		fresh, err := tx.Approvals().FindByID(ctx, request.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status.Terminal() {
			return fresh, nil
		}
		request = fresh
	}
	return nil, errors.New(errors.Conflict, "approval.transition", "transition_contended",
		"request %q kept changing underneath the transition to %s", request.ID, status)
}

// cascade applies an approved claim: the service moves to the target team,
// the denormalized team on instances and drift events follows, and every
// other PENDING claim for the service is settled: rejected when it names a
// different team, approved without re-running the cascade when it names the
// same one.
func (s *Service) cascade(ctx context.Context, tx repository.Store, request *v1.ApprovalRequest) error {
	const op = "approval.cascade"
	service, err := tx.Services().FindByID(ctx, request.ServiceID)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		swapped, err := tx.Services().UpdateOwnerCAS(ctx, service.ID, request.TargetTeamID, service.Version)
		if err != nil {
			return err
		}
		if swapped {
			break
		}
		if attempt+1 >= s.maxRetries {
			return errors.New(errors.Conflict, op, "owner_swap_contended",
				"service %q kept changing underneath the ownership swap", service.ID)
		}
		if service, err = tx.Services().FindByID(ctx, service.ID); err != nil {
			return err
		}
	}

	fanout := 0
	retagged, err := tx.Instances().BulkUpdateTeamIDByServiceID(ctx, request.ServiceID, request.TargetTeamID)
	if err != nil {
		return err
	}
	fanout += retagged
	retagged, err = tx.DriftEvents().BulkUpdateTeamIDByServiceID(ctx, request.ServiceID, request.TargetTeamID)
	if err != nil {
		return err
	}
	fanout += retagged

	// Settling a sibling removes it from the PENDING listing, so draining
	// page zero until it comes back empty visits every sibling exactly once
	// regardless of how many pages there are.
	criteria := repository.ApprovalCriteria{
		ServiceID: &request.ServiceID,
		Status:    lo.ToPtr(v1.ApprovalPending),
	}
	for {
		page, err := tx.Approvals().FindAll(ctx, criteria, repository.Paging{Size: repository.MaxPageSize}, nil)
		if err != nil {
			return err
		}
		settled := 0
		for _, sibling := range page.Content {
			if sibling.ID == request.ID {
				continue
			}
			status, reason := v1.ApprovalRejected, fmt.Sprintf("Ownership cascade: service now owned by %s", request.TargetTeamID)
			if sibling.TargetTeamID == request.TargetTeamID {
				status, reason = v1.ApprovalApproved, "Cascade approval: same target team"
			}
			if _, err := s.transition(ctx, tx, sibling, status, reason); err != nil {
				return err
			}
			settled++
			fanout++
		}
		if settled == 0 {
			break
		}
	}
	cascadeFanout.Observe(float64(fanout))
	return nil
}

// visible reports whether the actor may read the claim at all.
func (s *Service) visible(ctx context.Context, actor v1.Actor, request *v1.ApprovalRequest) bool {
	if actor.SysAdmin() || request.RequesterUserID == actor.UserID || actor.MemberOf(request.TargetTeamID) {
		return true
	}
	service, err := s.store.Services().FindByID(ctx, request.ServiceID)
	if err != nil {
		return false
	}
	return s.evaluator.Authorize(ctx, actor, v1.PermissionViewService, auth.Resource{Service: service}) == nil
}

// actorTeam picks the team a vote or claim is attributed to. Actors can sit
// on several teams; the first is treated as primary.
func actorTeam(actor v1.Actor) v1.TeamID {
	if len(actor.TeamIDs) == 0 {
		return ""
	}
	return actor.TeamIDs[0]
}
