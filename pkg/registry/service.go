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

// Package registry is the operator-facing surface of the control plane:
// service lifecycle (create, update, retire, claim, delete), the sharing
// grants that hang off a service, scoped listings and the drift review
// trail. Every operation authorizes through pkg/auth and speaks the
// pkg/errors taxonomy.
package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const (
	maxServiceIDLength   = 100
	maxDisplayNameLength = 200

	// casAttempts bounds the optimistic loops on ownership swaps.
	casAttempts = 5
)

type Service struct {
	store     repository.Store
	evaluator *auth.Evaluator
	clk       clock.Clock
}

func NewService(store repository.Store, evaluator *auth.Evaluator, clk clock.Clock) *Service {
	return &Service{store: store, evaluator: evaluator, clk: clk}
}

// CreateService registers a service. The owner defaults to the actor's
// primary team; naming another team needs membership or SYS_ADMIN. An empty
// owner on an actor without teams registers an orphan awaiting adoption.
func (s *Service) CreateService(ctx context.Context, actor v1.Actor, draft *v1.ApplicationService) (*v1.ApplicationService, error) {
	const op = "registry.CreateService"
	if draft == nil {
		return nil, errors.New(errors.InvalidArgument, op, "service_required", "a service draft is required")
	}
	if err := validateServiceFields(op, draft); err != nil {
		return nil, err
	}
	if draft.Lifecycle == "" {
		draft.Lifecycle = v1.LifecycleActive
	}
	if draft.OwnerTeamID == "" {
		draft.OwnerTeamID = actorTeam(actor)
	} else if !actor.MemberOf(draft.OwnerTeamID) && !actor.SysAdmin() {
		return nil, errors.New(errors.Forbidden, op, "owner_membership_required",
			"actor %q cannot register a service owned by team %q", actor.UserID, draft.OwnerTeamID)
	}
	if _, err := s.store.Services().FindByID(ctx, draft.ID); err == nil {
		return nil, errors.New(errors.Conflict, op, "service_exists", "service %q is already registered", draft.ID)
	} else if !errors.IsNotFound(err) {
		return nil, err
	}
	draft.CreatedBy = actor.UserID
	if err := s.store.Services().Save(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// UpdateService rewrites the mutable fields of a service record: display
// name, environments, tags and the ACTIVE/DEPRECATED lifecycle toggle.
// Ownership only moves through claims and approvals, and RETIRED only
// through RetireService.
func (s *Service) UpdateService(ctx context.Context, actor v1.Actor, draft *v1.ApplicationService) (*v1.ApplicationService, error) {
	const op = "registry.UpdateService"
	if draft == nil {
		return nil, errors.New(errors.InvalidArgument, op, "service_required", "a service draft is required")
	}
	if err := validateServiceFields(op, draft); err != nil {
		return nil, err
	}
	if draft.Lifecycle == v1.LifecycleRetired {
		return nil, errors.New(errors.InvalidArgument, op, "lifecycle_invalid", "retire services through RetireService")
	}
	stored, err := s.store.Services().FindByID(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionEditService, auth.Resource{Service: stored}); err != nil {
		return nil, err
	}
	if stored.Retired() {
		return nil, errors.New(errors.Conflict, op, "service_retired", "service %q is retired", stored.ID)
	}
	stored.DisplayName = draft.DisplayName
	stored.Environments = draft.Environments
	stored.Tags = draft.Tags
	if draft.Lifecycle != "" {
		stored.Lifecycle = draft.Lifecycle
	}
	if err := s.store.Services().Save(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// RetireService moves a service to its terminal lifecycle. A retired service
// keeps serving reads but gains no new instances, shares or ownership
// claims. Retiring twice is a no-op.
func (s *Service) RetireService(ctx context.Context, actor v1.Actor, id v1.ServiceID) (*v1.ApplicationService, error) {
	service, err := s.store.Services().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionEditService, auth.Resource{Service: service}); err != nil {
		return nil, err
	}
	if service.Retired() {
		return service, nil
	}
	service.Lifecycle = v1.LifecycleRetired
	if err := s.store.Services().Save(ctx, service); err != nil {
		return nil, err
	}
	return service, nil
}

// ClaimService adopts an orphan: a service with no owner moves to the
// actor's primary team immediately, no approval workflow involved. Claiming
// an owned service is a Conflict; transfers of owned services go through
// pkg/approval.
func (s *Service) ClaimService(ctx context.Context, actor v1.Actor, id v1.ServiceID) (*v1.ApplicationService, error) {
	const op = "registry.ClaimService"
	team := actorTeam(actor)
	if team == "" {
		return nil, errors.New(errors.InvalidArgument, op, "team_required", "actor %q belongs to no team to adopt into", actor.UserID)
	}
	for attempt := 0; ; attempt++ {
		service, err := s.store.Services().FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !service.Orphaned() {
			return nil, errors.New(errors.Conflict, op, "service_owned",
				"service %q is owned by team %q; file an ownership claim instead", id, service.OwnerTeamID)
		}
		swapped, err := s.store.Services().UpdateOwnerCAS(ctx, id, team, service.Version)
		if err != nil {
			return nil, err
		}
		if swapped {
			return s.store.Services().FindByID(ctx, id)
		}
		if attempt+1 >= casAttempts {
			return nil, errors.New(errors.Conflict, op, "claim_contended", "service %q kept changing underneath the adoption", id)
		}
	}
}

// DeleteService hard-deletes a service record. Refused while any instance
// still references it; drift events and shares are retained for audit.
func (s *Service) DeleteService(ctx context.Context, actor v1.Actor, id v1.ServiceID) error {
	const op = "registry.DeleteService"
	service, err := s.store.Services().FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionManageShares, auth.Resource{Service: service}); err != nil {
		return err
	}
	count, err := s.store.Instances().CountByServiceID(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New(errors.Conflict, op, "instances_exist", "service %q still has %d instances", id, count)
	}
	return s.store.Services().DeleteByID(ctx, id)
}

// GetService returns one service to anyone holding VIEW_SERVICE on it.
func (s *Service) GetService(ctx context.Context, actor v1.Actor, id v1.ServiceID) (*v1.ApplicationService, error) {
	service, err := s.store.Services().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionViewService, auth.Resource{Service: service}); err != nil {
		return nil, err
	}
	return service, nil
}

// ListServices pages through the services the actor can see. The caller's
// scope, if any, is narrowed to what the evaluator allows.
func (s *Service) ListServices(ctx context.Context, actor v1.Actor, criteria repository.ServiceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApplicationService], error) {
	scope, err := s.evaluator.ScopeFor(ctx, actor)
	if err != nil {
		return repository.Page[*v1.ApplicationService]{}, err
	}
	criteria.Scope = narrowScope(criteria.Scope, scope)
	return s.store.Services().FindAll(ctx, criteria, paging, sorts)
}

// ListInstances pages through instances under the same scope rule as
// ListServices.
func (s *Service) ListInstances(ctx context.Context, actor v1.Actor, criteria repository.InstanceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ServiceInstance], error) {
	scope, err := s.evaluator.ScopeFor(ctx, actor)
	if err != nil {
		return repository.Page[*v1.ServiceInstance]{}, err
	}
	criteria.Scope = narrowScope(criteria.Scope, scope)
	return s.store.Instances().FindAll(ctx, criteria, paging, sorts)
}

// ListDriftEvents pages through the drift trail under the same scope rule
// as ListServices.
func (s *Service) ListDriftEvents(ctx context.Context, actor v1.Actor, criteria repository.DriftEventCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.DriftEvent], error) {
	scope, err := s.evaluator.ScopeFor(ctx, actor)
	if err != nil {
		return repository.Page[*v1.DriftEvent]{}, err
	}
	criteria.Scope = narrowScope(criteria.Scope, scope)
	return s.store.DriftEvents().FindAll(ctx, criteria, paging, sorts)
}

// GrantShare delegates permissions on a service (or one instance of it) to
// a team or user. Only actors holding MANAGE_SHARES on the service may
// grant, retired services accept no new shares, and the owner-only
// permissions are not shareable.
func (s *Service) GrantShare(ctx context.Context, actor v1.Actor, draft *v1.ServiceShare) (*v1.ServiceShare, error) {
	const op = "registry.GrantShare"
	if draft == nil {
		return nil, errors.New(errors.InvalidArgument, op, "share_required", "a share draft is required")
	}
	if err := s.validateShare(ctx, op, draft); err != nil {
		return nil, err
	}
	service, err := s.store.Services().FindByID(ctx, draft.ServiceID)
	if err != nil {
		return nil, err
	}
	if service.Retired() {
		return nil, errors.New(errors.Conflict, op, "service_retired", "service %q is retired and accepts no new shares", service.ID)
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionManageShares, auth.Resource{Service: service}); err != nil {
		return nil, err
	}
	if err := s.checkDuplicateShare(ctx, op, draft); err != nil {
		return nil, err
	}
	draft.ID = uuid.NewString()
	draft.CreatedBy = actor.UserID
	if err := s.store.Shares().Save(ctx, draft); err != nil {
		return nil, err
	}
	// Grants take effect in this process immediately instead of waiting
	// out the evaluator's prefetch TTL.
	s.evaluator.Flush()
	return draft, nil
}

// RevokeShare marks a share revoked; the row stays for audit. Revoking an
// already revoked share is a no-op.
func (s *Service) RevokeShare(ctx context.Context, actor v1.Actor, shareID string) error {
	share, err := s.store.Shares().FindByID(ctx, shareID)
	if err != nil {
		return err
	}
	service, err := s.store.Services().FindByID(ctx, share.ServiceID)
	if err != nil {
		return err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionManageShares, auth.Resource{Service: service}); err != nil {
		return err
	}
	if share.Revoked {
		return nil
	}
	if err := s.store.Shares().Revoke(ctx, shareID); err != nil {
		return err
	}
	s.evaluator.Flush()
	return nil
}

// ListShares pages through a service's shares, active and settled alike, for
// actors holding MANAGE_SHARES on it.
func (s *Service) ListShares(ctx context.Context, actor v1.Actor, serviceID v1.ServiceID, paging repository.Paging) (repository.Page[*v1.ServiceShare], error) {
	service, err := s.store.Services().FindByID(ctx, serviceID)
	if err != nil {
		return repository.Page[*v1.ServiceShare]{}, err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionManageShares, auth.Resource{Service: service}); err != nil {
		return repository.Page[*v1.ServiceShare]{}, err
	}
	return s.store.Shares().FindAll(ctx, repository.ShareCriteria{ServiceIDs: []v1.ServiceID{serviceID}}, paging, nil)
}

// UpdateDriftStatus moves a drift event through its review states. Only the
// owning team (RESOLVE_DRIFT is not shareable) touches the trail, and a
// settled event is immutable.
func (s *Service) UpdateDriftStatus(ctx context.Context, actor v1.Actor, eventID string, status v1.DriftStatus, note string) (*v1.DriftEvent, error) {
	const op = "registry.UpdateDriftStatus"
	if !lo.Contains([]v1.DriftStatus{v1.DriftAcknowledged, v1.DriftResolving, v1.DriftResolved, v1.DriftIgnored}, status) {
		return nil, errors.New(errors.InvalidArgument, op, "status_invalid", "cannot move a drift event to %q", status)
	}
	event, err := s.store.DriftEvents().FindByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	service, err := s.store.Services().FindByID(ctx, event.ServiceID)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.Authorize(ctx, actor, v1.PermissionResolveDrift, auth.Resource{Service: service}); err != nil {
		return nil, err
	}
	if !event.Status.Open() {
		return nil, errors.New(errors.Conflict, op, "event_settled", "drift event %q is already %s", eventID, event.Status)
	}
	event.Status = status
	if note != "" {
		event.Notes = note
	}
	if status == v1.DriftResolved {
		event.ResolvedAt = lo.ToPtr(s.clk.Now())
		event.ResolvedBy = string(actor.UserID)
	}
	if err := s.store.DriftEvents().Save(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// validateShare checks everything about a draft share that does not need
// the service row.
func (s *Service) validateShare(ctx context.Context, op string, draft *v1.ServiceShare) error {
	if draft.ServiceID == "" {
		return errors.New(errors.InvalidArgument, op, "service_required", "a share needs a service")
	}
	if draft.GranteeType != v1.GranteeTeam && draft.GranteeType != v1.GranteeUser {
		return errors.New(errors.InvalidArgument, op, "grantee_type_invalid", "grantee type must be TEAM or USER, got %q", draft.GranteeType)
	}
	if draft.GranteeID == "" {
		return errors.New(errors.InvalidArgument, op, "grantee_required", "a share needs a grantee")
	}
	if len(draft.Permissions) == 0 {
		return errors.New(errors.InvalidArgument, op, "permissions_required", "a share needs at least one permission")
	}
	shareable := v1.ShareablePermissions()
	for _, permission := range draft.Permissions {
		if !lo.Contains(shareable, permission) {
			return errors.New(errors.InvalidArgument, op, "permission_not_shareable", "%s cannot be delegated", permission)
		}
	}
	if draft.ExpiresAt != nil && !draft.ExpiresAt.After(s.clk.Now()) {
		return errors.New(errors.InvalidArgument, op, "expiry_passed", "the share would be born expired")
	}
	if draft.ResourceLevel == "" {
		draft.ResourceLevel = v1.LevelService
	}
	switch draft.ResourceLevel {
	case v1.LevelService:
		draft.InstanceID = ""
	case v1.LevelInstance:
		if draft.InstanceID == "" {
			return errors.New(errors.InvalidArgument, op, "instance_required", "an instance-level share needs an instance")
		}
		instance, err := s.store.Instances().FindByID(ctx, draft.InstanceID)
		if err != nil {
			return err
		}
		if instance.ServiceID != draft.ServiceID {
			return errors.New(errors.InvalidArgument, op, "instance_mismatch",
				"instance %q belongs to service %q, not %q", draft.InstanceID, instance.ServiceID, draft.ServiceID)
		}
	default:
		return errors.New(errors.InvalidArgument, op, "resource_level_invalid", "resource level must be SERVICE or INSTANCE, got %q", draft.ResourceLevel)
	}
	return nil
}

// checkDuplicateShare enforces the active-uniqueness of
// {service, grantee, environments}.
func (s *Service) checkDuplicateShare(ctx context.Context, op string, draft *v1.ServiceShare) error {
	criteria := repository.ShareCriteria{
		ServiceIDs: []v1.ServiceID{draft.ServiceID},
		ActiveAt:   lo.ToPtr(s.clk.Now()),
	}
	key := draft.DuplicateKey()
	for index := 0; ; index++ {
		page, err := s.store.Shares().FindAll(ctx, criteria, repository.Paging{Index: index, Size: repository.MaxPageSize}, nil)
		if err != nil {
			return err
		}
		for _, existing := range page.Content {
			if existing.DuplicateKey() == key {
				return errors.New(errors.Conflict, op, "share_exists",
					"an equivalent active share for %s %q already exists", draft.GranteeType, draft.GranteeID)
			}
		}
		if index+1 >= page.TotalPages {
			return nil
		}
	}
}

func validateServiceFields(op string, draft *v1.ApplicationService) error {
	if draft.ID == "" || len(draft.ID) > maxServiceIDLength {
		return errors.New(errors.InvalidArgument, op, "id_invalid", "service id must be 1-%d characters", maxServiceIDLength)
	}
	if draft.DisplayName == "" {
		draft.DisplayName = string(draft.ID)
	}
	if len(draft.DisplayName) > maxDisplayNameLength {
		return errors.New(errors.InvalidArgument, op, "display_name_invalid", "display name must be at most %d characters", maxDisplayNameLength)
	}
	draft.Environments = lo.Uniq(draft.Environments)
	if len(draft.Environments) == 0 {
		return errors.New(errors.InvalidArgument, op, "environments_required", "a service needs at least one environment")
	}
	if lo.Contains(draft.Environments, "") {
		return errors.New(errors.InvalidArgument, op, "environment_empty", "environment names cannot be empty")
	}
	if draft.Lifecycle != "" && !lo.Contains([]v1.Lifecycle{v1.LifecycleActive, v1.LifecycleDeprecated, v1.LifecycleRetired}, draft.Lifecycle) {
		return errors.New(errors.InvalidArgument, op, "lifecycle_invalid", "unknown lifecycle %q", draft.Lifecycle)
	}
	return nil
}

// narrowScope intersects what the caller asked for with what the evaluator
// allows. An unscoped request inherits the allowed scope wholesale.
func narrowScope(requested, allowed repository.AuthScope) repository.AuthScope {
	if requested.Empty() || requested.All {
		return allowed
	}
	if allowed.All {
		return requested
	}
	permitted := lo.Filter(requested.ServiceIDs, func(id v1.ServiceID, _ int) bool {
		return allowed.Permits(id)
	})
	if len(permitted) == 0 {
		return repository.AuthScope{}
	}
	return repository.ScopeServices(permitted...)
}

// actorTeam picks the team an adoption or registration is attributed to.
// Actors can sit on several teams; the first is treated as primary.
func actorTeam(actor v1.Actor) v1.TeamID {
	if len(actor.TeamIDs) == 0 {
		return ""
	}
	return actor.TeamIDs[0]
}
