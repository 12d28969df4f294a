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
	"time"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

type instances struct{ store *Store }

func (r *instances) Save(ctx context.Context, instance *v1.ServiceInstance) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.saveLocked(instance)
	return nil
}

func (r *instances) saveLocked(instance *v1.ServiceInstance) {
	now := r.store.clock.Now()
	if existing, ok := r.store.instances[instance.ID]; ok {
		instance.CreatedAt = existing.CreatedAt
	} else if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	r.store.instances[instance.ID] = clone(instance)
}

func (r *instances) FindByID(ctx context.Context, id v1.InstanceID) (*v1.ServiceInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	instance, ok := r.store.instances[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "instances.FindByID", "instance_not_found", "instance %q not found", id)
	}
	return clone(instance), nil
}

func (r *instances) FindByIDs(ctx context.Context, ids []v1.InstanceID) ([]*v1.ServiceInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*v1.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		if instance, ok := r.store.instances[id]; ok {
			out = append(out, clone(instance))
		}
	}
	return out, nil
}

func (r *instances) FindAll(ctx context.Context, criteria repository.InstanceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ServiceInstance], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*v1.ServiceInstance
	for _, instance := range r.store.instances {
		if matchInstance(instance, criteria) {
			matched = append(matched, clone(instance))
		}
	}
	if err := sortEntities("instances.FindAll", matched, sorts, instanceSortFields); err != nil {
		return repository.Page[*v1.ServiceInstance]{}, err
	}
	window, total := page(matched, paging)
	return repository.NewPage(window, total, paging), nil
}

func (r *instances) DeleteByID(ctx context.Context, id v1.InstanceID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.instances[id]; !ok {
		return errors.New(errors.NotFound, "instances.DeleteByID", "instance_not_found", "instance %q not found", id)
	}
	delete(r.store.instances, id)
	return nil
}

func (r *instances) BulkUpsert(ctx context.Context, batch []*v1.ServiceInstance) (repository.BulkResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var result repository.BulkResult
	for _, incoming := range batch {
		existing, ok := r.store.instances[incoming.ID]
		if ok && existing.LastSeenAt.After(incoming.LastSeenAt) {
			// A fresher heartbeat already landed; the stale row loses.
			continue
		}
		r.saveLocked(incoming)
		if ok {
			result.Modified++
		} else {
			result.Inserted++
		}
	}
	return result, nil
}

func (r *instances) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	count := 0
	for _, instance := range r.store.instances {
		if instance.ServiceID == serviceID && instance.TeamID != newTeamID {
			instance.TeamID = newTeamID
			instance.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (r *instances) BulkUpdateExpectedHash(ctx context.Context, serviceID v1.ServiceID, environment string, expectedHash string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	count := 0
	for _, instance := range r.store.instances {
		if instance.ServiceID != serviceID {
			continue
		}
		if environment != "" && instance.Environment != environment {
			continue
		}
		if instance.ExpectedHash == expectedHash {
			continue
		}
		instance.ExpectedHash = expectedHash
		instance.UpdatedAt = now
		count++
	}
	return count, nil
}

func (r *instances) MarkUnknownLastSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	count := 0
	for _, instance := range r.store.instances {
		if instance.Status == v1.InstanceUnknown || !instance.LastSeenAt.Before(cutoff) {
			continue
		}
		instance.Status = v1.InstanceUnknown
		instance.UpdatedAt = now
		count++
	}
	return count, nil
}

func (r *instances) CountByServiceID(ctx context.Context, serviceID v1.ServiceID) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var count int64
	for _, instance := range r.store.instances {
		if instance.ServiceID == serviceID {
			count++
		}
	}
	return count, nil
}

func matchInstance(instance *v1.ServiceInstance, criteria repository.InstanceCriteria) bool {
	if !criteria.Scope.Permits(instance.ServiceID) {
		return false
	}
	if criteria.ServiceID != nil && instance.ServiceID != *criteria.ServiceID {
		return false
	}
	if criteria.ServiceName != "" && instance.ServiceName != criteria.ServiceName {
		return false
	}
	if criteria.Environment != "" && instance.Environment != criteria.Environment {
		return false
	}
	if criteria.Status != nil && instance.Status != *criteria.Status {
		return false
	}
	if criteria.Drifted != nil && instance.HasDrift != *criteria.Drifted {
		return false
	}
	if criteria.LastSeenBefore != nil && !instance.LastSeenAt.Before(*criteria.LastSeenBefore) {
		return false
	}
	return true
}

var instanceSortFields = map[string]func(a, b *v1.ServiceInstance) int{
	"id":           func(a, b *v1.ServiceInstance) int { return strings.Compare(string(a.ID), string(b.ID)) },
	"service_id":   func(a, b *v1.ServiceInstance) int { return strings.Compare(string(a.ServiceID), string(b.ServiceID)) },
	"service_name": func(a, b *v1.ServiceInstance) int { return strings.Compare(a.ServiceName, b.ServiceName) },
	"environment":  func(a, b *v1.ServiceInstance) int { return strings.Compare(a.Environment, b.Environment) },
	"status":       func(a, b *v1.ServiceInstance) int { return strings.Compare(string(a.Status), string(b.Status)) },
	"last_seen_at": func(a, b *v1.ServiceInstance) int { return a.LastSeenAt.Compare(b.LastSeenAt) },
	"created_at":   func(a, b *v1.ServiceInstance) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at":   func(a, b *v1.ServiceInstance) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}
