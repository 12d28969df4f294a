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

type driftEvents struct{ store *Store }

// cloneEvent restores DedupKey, which the JSON round-trip drops because the
// field never leaves through the API.
func cloneEvent(event *v1.DriftEvent) *v1.DriftEvent {
	cp := clone(event)
	cp.DedupKey = event.DedupKey
	return cp
}

func (r *driftEvents) Save(ctx context.Context, event *v1.DriftEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.saveLocked(event)
	return nil
}

func (r *driftEvents) saveLocked(event *v1.DriftEvent) {
	if event.DedupKey == "" {
		event.DedupKey = v1.DriftDedupKey(event.ServiceName, event.InstanceID, event.DetectedAt)
	}
	r.store.drifts[event.ID] = cloneEvent(event)
	r.store.driftDedup[event.DedupKey] = event.ID
}

func (r *driftEvents) FindByID(ctx context.Context, id string) (*v1.DriftEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	event, ok := r.store.drifts[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "driftevents.FindByID", "drift_event_not_found", "drift event %q not found", id)
	}
	return cloneEvent(event), nil
}

func (r *driftEvents) FindAll(ctx context.Context, criteria repository.DriftEventCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.DriftEvent], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*v1.DriftEvent
	for _, event := range r.store.drifts {
		if matchDriftEvent(event, criteria) {
			matched = append(matched, cloneEvent(event))
		}
	}
	if err := sortEntities("driftevents.FindAll", matched, sorts, driftSortFields); err != nil {
		return repository.Page[*v1.DriftEvent]{}, err
	}
	window, total := page(matched, paging)
	return repository.NewPage(window, total, paging), nil
}

func (r *driftEvents) DeleteByID(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	event, ok := r.store.drifts[id]
	if !ok {
		return errors.New(errors.NotFound, "driftevents.DeleteByID", "drift_event_not_found", "drift event %q not found", id)
	}
	delete(r.store.driftDedup, event.DedupKey)
	delete(r.store.drifts, id)
	return nil
}

func (r *driftEvents) BulkInsert(ctx context.Context, events []*v1.DriftEvent) (repository.BulkResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var result repository.BulkResult
	for _, event := range events {
		key := event.DedupKey
		if key == "" {
			key = v1.DriftDedupKey(event.ServiceName, event.InstanceID, event.DetectedAt)
		}
		if _, ok := r.store.driftDedup[key]; ok {
			// Replayed batch; the event already exists.
			continue
		}
		r.saveLocked(event)
		result.Inserted++
	}
	return result, nil
}

func (r *driftEvents) ResolveAllOpen(ctx context.Context, serviceName string, instanceID v1.InstanceID, resolvedBy string, at time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, event := range r.store.drifts {
		if event.ServiceName != serviceName || event.InstanceID != instanceID || !event.Status.Open() {
			continue
		}
		event.Status = v1.DriftResolved
		resolvedAt := at
		event.ResolvedAt = &resolvedAt
		event.ResolvedBy = resolvedBy
		count++
	}
	return count, nil
}

func (r *driftEvents) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, event := range r.store.drifts {
		if event.ServiceID == serviceID && event.TeamID != newTeamID {
			event.TeamID = newTeamID
			count++
		}
	}
	return count, nil
}

func (r *driftEvents) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for id, event := range r.store.drifts {
		if event.Status == v1.DriftResolved && event.ResolvedAt != nil && event.ResolvedAt.Before(cutoff) {
			delete(r.store.driftDedup, event.DedupKey)
			delete(r.store.drifts, id)
			count++
		}
	}
	return count, nil
}

func matchDriftEvent(event *v1.DriftEvent, criteria repository.DriftEventCriteria) bool {
	if !criteria.Scope.Permits(event.ServiceID) {
		return false
	}
	if criteria.ServiceID != nil && event.ServiceID != *criteria.ServiceID {
		return false
	}
	if criteria.InstanceID != nil && event.InstanceID != *criteria.InstanceID {
		return false
	}
	if criteria.Environment != "" && event.Environment != criteria.Environment {
		return false
	}
	if criteria.Severity != nil && event.Severity != *criteria.Severity {
		return false
	}
	if len(criteria.Statuses) > 0 {
		found := false
		for _, status := range criteria.Statuses {
			if event.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if criteria.DetectedAfter != nil && !event.DetectedAt.After(*criteria.DetectedAfter) {
		return false
	}
	if criteria.DetectedBefore != nil && !event.DetectedAt.Before(*criteria.DetectedBefore) {
		return false
	}
	if criteria.Unresolved != nil && event.Status.Open() != *criteria.Unresolved {
		return false
	}
	return true
}

var driftSortFields = map[string]func(a, b *v1.DriftEvent) int{
	"id":          func(a, b *v1.DriftEvent) int { return strings.Compare(a.ID, b.ID) },
	"service_id":  func(a, b *v1.DriftEvent) int { return strings.Compare(string(a.ServiceID), string(b.ServiceID)) },
	"severity":    func(a, b *v1.DriftEvent) int { return strings.Compare(string(a.Severity), string(b.Severity)) },
	"status":      func(a, b *v1.DriftEvent) int { return strings.Compare(string(a.Status), string(b.Status)) },
	"detected_at": func(a, b *v1.DriftEvent) int { return a.DetectedAt.Compare(b.DetectedAt) },
	// Drift events are immutable apart from resolution, so the default sort
	// falls back to detection time.
	"updated_at": func(a, b *v1.DriftEvent) int { return a.DetectedAt.Compare(b.DetectedAt) },
}
