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
	"sort"
	"strings"

	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

type services struct{ store *Store }

func (r *services) Save(ctx context.Context, service *v1.ApplicationService) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	if existing, ok := r.store.services[service.ID]; ok {
		service.Version = existing.Version + 1
		service.CreatedAt = existing.CreatedAt
	} else {
		service.Version = 1
		if service.CreatedAt.IsZero() {
			service.CreatedAt = now
		}
	}
	service.UpdatedAt = now
	r.store.services[service.ID] = clone(service)
	return nil
}

func (r *services) FindByID(ctx context.Context, id v1.ServiceID) (*v1.ApplicationService, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	service, ok := r.store.services[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "services.FindByID", "service_not_found", "service %q not found", id)
	}
	return clone(service), nil
}

func (r *services) FindByDisplayNames(ctx context.Context, names []string) ([]*v1.ApplicationService, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	wanted := lo.SliceToMap(names, func(name string) (string, struct{}) { return name, struct{}{} })
	var out []*v1.ApplicationService
	for _, service := range r.store.services {
		if _, ok := wanted[service.DisplayName]; ok {
			out = append(out, clone(service))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *services) FindIDsByOwnerTeams(ctx context.Context, teams []v1.TeamID) ([]v1.ServiceID, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	owners := lo.SliceToMap(teams, func(team v1.TeamID) (v1.TeamID, struct{}) { return team, struct{}{} })
	var out []v1.ServiceID
	for _, service := range r.store.services {
		if service.Orphaned() {
			continue
		}
		if _, ok := owners[service.OwnerTeamID]; ok {
			out = append(out, service.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *services) FindAll(ctx context.Context, criteria repository.ServiceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApplicationService], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*v1.ApplicationService
	for _, service := range r.store.services {
		if matchService(service, criteria) {
			matched = append(matched, clone(service))
		}
	}
	if err := sortEntities("services.FindAll", matched, sorts, serviceSortFields); err != nil {
		return repository.Page[*v1.ApplicationService]{}, err
	}
	window, total := page(matched, paging)
	return repository.NewPage(window, total, paging), nil
}

func (r *services) DeleteByID(ctx context.Context, id v1.ServiceID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.services[id]; !ok {
		return errors.New(errors.NotFound, "services.DeleteByID", "service_not_found", "service %q not found", id)
	}
	delete(r.store.services, id)
	return nil
}

func (r *services) UpdateOwnerCAS(ctx context.Context, id v1.ServiceID, newOwner v1.TeamID, expectedVersion int64) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	service, ok := r.store.services[id]
	if !ok {
		return false, errors.New(errors.NotFound, "services.UpdateOwnerCAS", "service_not_found", "service %q not found", id)
	}
	if service.Version != expectedVersion {
		return false, nil
	}
	service.OwnerTeamID = newOwner
	service.Version++
	service.UpdatedAt = r.store.clock.Now()
	return true, nil
}

func matchService(service *v1.ApplicationService, criteria repository.ServiceCriteria) bool {
	if !criteria.Scope.Permits(service.ID) {
		return false
	}
	if criteria.OwnerTeamID != nil && service.OwnerTeamID != *criteria.OwnerTeamID {
		return false
	}
	if criteria.Lifecycle != nil && service.Lifecycle != *criteria.Lifecycle {
		return false
	}
	if criteria.Environment != "" && !service.HasEnvironment(criteria.Environment) {
		return false
	}
	if criteria.DisplayNameContains != "" &&
		!strings.Contains(strings.ToLower(service.DisplayName), strings.ToLower(criteria.DisplayNameContains)) {
		return false
	}
	if criteria.Orphaned != nil && service.Orphaned() != *criteria.Orphaned {
		return false
	}
	return true
}

var serviceSortFields = map[string]func(a, b *v1.ApplicationService) int{
	"id":            func(a, b *v1.ApplicationService) int { return strings.Compare(string(a.ID), string(b.ID)) },
	"display_name":  func(a, b *v1.ApplicationService) int { return strings.Compare(a.DisplayName, b.DisplayName) },
	"owner_team_id": func(a, b *v1.ApplicationService) int { return strings.Compare(string(a.OwnerTeamID), string(b.OwnerTeamID)) },
	"lifecycle":     func(a, b *v1.ApplicationService) int { return strings.Compare(string(a.Lifecycle), string(b.Lifecycle)) },
	"created_at":    func(a, b *v1.ApplicationService) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at":    func(a, b *v1.ApplicationService) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}

// sortEntities applies the sort chain through the entity's comparator map.
// Unknown fields are rejected up front so an empty result page cannot mask a
// bad sort.
func sortEntities[T any](op string, items []T, sorts []repository.Sort, fields map[string]func(a, b T) int) error {
	if len(sorts) == 0 {
		sorts = repository.DefaultSort()
	}
	for _, s := range sorts {
		if _, ok := fields[s.Field]; !ok {
			return errors.New(errors.InvalidArgument, op, "sort_field_unknown", "cannot sort by %q", s.Field)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, s := range sorts {
			c := fields[s.Field](items[i], items[j])
			if c == 0 {
				continue
			}
			if s.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}
