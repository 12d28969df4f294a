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

package repository

import (
	"time"

	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// AuthScope narrows a listing to the services an actor may see. It is
// computed once per request by the authorization evaluator and translated by
// the adapter, so visibility filtering happens in the backend query rather
// than after the fact.
type AuthScope struct {
	// All bypasses filtering (SYS_ADMIN).
	All        bool
	ServiceIDs []v1.ServiceID
}

func ScopeAll() AuthScope { return AuthScope{All: true} }

func ScopeServices(ids ...v1.ServiceID) AuthScope {
	return AuthScope{ServiceIDs: ids}
}

// Empty reports a scope that matches nothing. The zero AuthScope is empty,
// so a forgotten scope fails closed.
func (s AuthScope) Empty() bool { return !s.All && len(s.ServiceIDs) == 0 }

func (s AuthScope) Permits(id v1.ServiceID) bool {
	return s.All || lo.Contains(s.ServiceIDs, id)
}

// ServiceCriteria filters ApplicationService listings. Nil pointer fields
// are "don't care".
type ServiceCriteria struct {
	Scope               AuthScope
	OwnerTeamID         *v1.TeamID
	Lifecycle           *v1.Lifecycle
	Environment         string
	DisplayNameContains string
	Orphaned            *bool
}

// InstanceCriteria filters ServiceInstance listings.
type InstanceCriteria struct {
	Scope       AuthScope
	ServiceID   *v1.ServiceID
	ServiceName string
	Environment string
	Status      *v1.InstanceStatus
	Drifted     *bool
	// LastSeenBefore selects instances that have gone quiet; the staleness
	// sweeper drives this.
	LastSeenBefore *time.Time
}

// DriftEventCriteria filters DriftEvent listings.
type DriftEventCriteria struct {
	Scope          AuthScope
	ServiceID      *v1.ServiceID
	InstanceID     *v1.InstanceID
	Environment    string
	Severity       *v1.DriftSeverity
	Statuses       []v1.DriftStatus
	DetectedAfter  *time.Time
	DetectedBefore *time.Time
	// Unresolved selects events whose status still counts as open.
	Unresolved *bool
}

// ApprovalCriteria filters ApprovalRequest listings. Approvals are not
// share-scoped: requesters see their own, target team members see theirs,
// which the service layer resolves into concrete filters.
type ApprovalCriteria struct {
	ServiceID       *v1.ServiceID
	TargetTeamID    *v1.TeamID
	RequesterUserID *v1.UserID
	Status          *v1.ApprovalStatus
}

// ShareCriteria filters ServiceShare listings.
type ShareCriteria struct {
	ServiceIDs  []v1.ServiceID
	GranteeType *v1.GranteeType
	GranteeIDs  []string
	// ActiveAt keeps only shares that were neither revoked nor expired at
	// the instant.
	ActiveAt *time.Time
}
