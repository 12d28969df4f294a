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

// Package auth resolves what an actor may do to a service. Decisions follow
// a fixed rule order: SYS_ADMIN bypasses everything, the owning team and the
// creator hold the full owner bundle, matching active shares contribute the
// union of their permissions, and everything else is denied.
package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

// DefaultPrefetchTTL bounds how long a cached share prefetch may keep serving
// decisions after a grant or revoke landed elsewhere in the fleet.
const DefaultPrefetchTTL = 30 * time.Second

// Resource identifies what an action touches: a service record, optionally
// narrowed to one instance and one environment. An empty environment means
// the action is service-wide, so environment-fenced shares do not apply.
type Resource struct {
	Service     *v1.ApplicationService
	InstanceID  v1.InstanceID
	Environment string
}

// Evaluator answers authorization questions from team membership, ownership
// and the sharing ACL. Shares are prefetched per actor and cached briefly so
// a burst of checks within one request costs a single repository read.
type Evaluator struct {
	services repository.Services
	shares   repository.Shares
	clk      clock.Clock
	prefetch *gocache.Cache
}

func NewEvaluator(services repository.Services, shares repository.Shares, clk clock.Clock) *Evaluator {
	return &Evaluator{
		services: services,
		shares:   shares,
		clk:      clk,
		prefetch: gocache.New(DefaultPrefetchTTL, 2*DefaultPrefetchTTL),
	}
}

// Authorize returns nil when the actor holds the permission on the resource
// and a Forbidden error otherwise. Backend failures surface as-is so callers
// never mistake an outage for a denial.
func (e *Evaluator) Authorize(ctx context.Context, actor v1.Actor, permission v1.Permission, resource Resource) error {
	if actor.SysAdmin() {
		return nil
	}
	allowed, err := e.EffectivePermissions(ctx, actor, resource)
	if err != nil {
		return err
	}
	if lo.Contains(allowed, permission) {
		return nil
	}
	return errors.New(errors.Forbidden, "auth.Authorize", "permission_denied",
		"actor %q lacks %s on service %q", actor.UserID, permission, resource.Service.ID)
}

// EffectivePermissions computes the full permission set the actor holds on
// the resource: the owner bundle through ownership or creatorship, plus the
// union of every matching active share.
func (e *Evaluator) EffectivePermissions(ctx context.Context, actor v1.Actor, resource Resource) ([]v1.Permission, error) {
	if resource.Service == nil {
		return nil, errors.New(errors.InvalidArgument, "auth.EffectivePermissions", "resource_required", "resource carries no service")
	}
	if actor.SysAdmin() {
		return v1.OwnerPermissions(), nil
	}
	allowed := map[v1.Permission]struct{}{}
	if e.ownerPath(actor, resource.Service) {
		for _, p := range v1.OwnerPermissions() {
			allowed[p] = struct{}{}
		}
	}
	shares, err := e.sharesFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()
	for _, share := range shares {
		// Cached prefetches can outlive a share's expiry, so activity is
		// re-checked at decision time.
		if !share.ActiveAt(now) || !shareApplies(share, resource) {
			continue
		}
		for _, p := range share.Permissions {
			allowed[p] = struct{}{}
		}
	}
	out := lo.Keys(allowed)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ScopeFor computes the listing scope for the actor: every service owned by
// one of their teams plus every service with at least one share addressed to
// them. SYS_ADMINs see everything; an actor with nothing visible gets the
// zero scope, which matches nothing.
func (e *Evaluator) ScopeFor(ctx context.Context, actor v1.Actor) (repository.AuthScope, error) {
	if actor.SysAdmin() {
		return repository.ScopeAll(), nil
	}
	visible := map[v1.ServiceID]struct{}{}
	owned, err := e.services.FindIDsByOwnerTeams(ctx, actor.TeamIDs)
	if err != nil {
		return repository.AuthScope{}, err
	}
	for _, id := range owned {
		visible[id] = struct{}{}
	}
	shares, err := e.sharesFor(ctx, actor)
	if err != nil {
		return repository.AuthScope{}, err
	}
	now := e.clk.Now()
	for _, share := range shares {
		if share.ActiveAt(now) {
			visible[share.ServiceID] = struct{}{}
		}
	}
	if len(visible) == 0 {
		return repository.AuthScope{}, nil
	}
	ids := lo.Keys(visible)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return repository.ScopeServices(ids...), nil
}

// Flush drops every cached prefetch. Callers mutating shares flush so the
// next evaluation in this process refetches; other replicas converge within
// DefaultPrefetchTTL.
func (e *Evaluator) Flush() {
	e.prefetch.Flush()
}

func (e *Evaluator) ownerPath(actor v1.Actor, service *v1.ApplicationService) bool {
	if actor.UserID != "" && actor.UserID == service.CreatedBy {
		return true
	}
	return !service.Orphaned() && actor.MemberOf(service.OwnerTeamID)
}

func (e *Evaluator) sharesFor(ctx context.Context, actor v1.Actor) ([]*v1.ServiceShare, error) {
	key := prefetchKey(actor)
	if cached, ok := e.prefetch.Get(key); ok {
		return cached.([]*v1.ServiceShare), nil
	}
	shares, err := e.shares.FindForGrantee(ctx, actor, e.clk.Now())
	if err != nil {
		return nil, err
	}
	e.prefetch.SetDefault(key, shares)
	return shares, nil
}

func shareApplies(share *v1.ServiceShare, resource Resource) bool {
	if share.ServiceID != resource.Service.ID {
		return false
	}
	if share.ResourceLevel == v1.LevelInstance && share.InstanceID != resource.InstanceID {
		return false
	}
	return share.AppliesTo(resource.Environment)
}

func prefetchKey(actor v1.Actor) string {
	teams := lo.Map(actor.TeamIDs, func(team v1.TeamID, _ int) string { return string(team) })
	sort.Strings(teams)
	return string(actor.UserID) + "|" + strings.Join(teams, ",")
}
