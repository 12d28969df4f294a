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

	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

type shares struct{ store *Store }

func (r *shares) Save(ctx context.Context, share *v1.ServiceShare) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := r.store.clock.Now()
	if existing, ok := r.store.shares[share.ID]; ok {
		share.CreatedAt = existing.CreatedAt
	} else if share.CreatedAt.IsZero() {
		share.CreatedAt = now
	}
	share.UpdatedAt = now
	r.store.shares[share.ID] = clone(share)
	return nil
}

func (r *shares) FindByID(ctx context.Context, id string) (*v1.ServiceShare, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	share, ok := r.store.shares[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "shares.FindByID", "share_not_found", "share %q not found", id)
	}
	return clone(share), nil
}

func (r *shares) FindAll(ctx context.Context, criteria repository.ShareCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ServiceShare], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []*v1.ServiceShare
	for _, share := range r.store.shares {
		if matchShare(share, criteria) {
			matched = append(matched, clone(share))
		}
	}
	if err := sortEntities("shares.FindAll", matched, sorts, shareSortFields); err != nil {
		return repository.Page[*v1.ServiceShare]{}, err
	}
	window, total := page(matched, paging)
	return repository.NewPage(window, total, paging), nil
}

func (r *shares) FindForGrantee(ctx context.Context, actor v1.Actor, at time.Time) ([]*v1.ServiceShare, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*v1.ServiceShare
	for _, share := range r.store.shares {
		if share.MatchesGrantee(actor) && share.ActiveAt(at) {
			out = append(out, clone(share))
		}
	}
	return out, nil
}

func (r *shares) Revoke(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	share, ok := r.store.shares[id]
	if !ok {
		return errors.New(errors.NotFound, "shares.Revoke", "share_not_found", "share %q not found", id)
	}
	share.Revoked = true
	share.UpdatedAt = r.store.clock.Now()
	return nil
}

func (r *shares) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for id, share := range r.store.shares {
		expired := share.ExpiresAt != nil && share.ExpiresAt.Before(cutoff)
		revoked := share.Revoked && share.UpdatedAt.Before(cutoff)
		if expired || revoked {
			delete(r.store.shares, id)
			count++
		}
	}
	return count, nil
}

func matchShare(share *v1.ServiceShare, criteria repository.ShareCriteria) bool {
	if len(criteria.ServiceIDs) > 0 && !lo.Contains(criteria.ServiceIDs, share.ServiceID) {
		return false
	}
	if criteria.GranteeType != nil && share.GranteeType != *criteria.GranteeType {
		return false
	}
	if len(criteria.GranteeIDs) > 0 && !lo.Contains(criteria.GranteeIDs, share.GranteeID) {
		return false
	}
	if criteria.ActiveAt != nil && !share.ActiveAt(*criteria.ActiveAt) {
		return false
	}
	return true
}

var shareSortFields = map[string]func(a, b *v1.ServiceShare) int{
	"id":         func(a, b *v1.ServiceShare) int { return strings.Compare(a.ID, b.ID) },
	"service_id": func(a, b *v1.ServiceShare) int { return strings.Compare(string(a.ServiceID), string(b.ServiceID)) },
	"grantee_id": func(a, b *v1.ServiceShare) int { return strings.Compare(a.GranteeID, b.GranteeID) },
	"created_at": func(a, b *v1.ServiceShare) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at": func(a, b *v1.ServiceShare) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}
