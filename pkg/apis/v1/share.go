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

package v1

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Permission is a single grantable capability on a service or instance.
type Permission string

const (
	PermissionViewService     Permission = "VIEW_SERVICE"
	PermissionViewInstance    Permission = "VIEW_INSTANCE"
	PermissionViewDrift       Permission = "VIEW_DRIFT"
	PermissionEditService     Permission = "EDIT_SERVICE"
	PermissionEditInstance    Permission = "EDIT_INSTANCE"
	PermissionRestartInstance Permission = "RESTART_INSTANCE"

	// Owner-only permissions, never grantable through shares.
	PermissionManageShares Permission = "MANAGE_SHARES"
	PermissionResolveDrift Permission = "RESOLVE_DRIFT"
)

// RoleSysAdmin marks a principal that bypasses resource-level authorization.
const RoleSysAdmin = "SYS_ADMIN"

// ShareablePermissions is the set a share may carry.
func ShareablePermissions() []Permission {
	return []Permission{
		PermissionViewService, PermissionViewInstance, PermissionViewDrift,
		PermissionEditService, PermissionEditInstance, PermissionRestartInstance,
	}
}

// OwnerPermissions is the full bundle implicitly held by the owning team and
// by the creator of the service.
func OwnerPermissions() []Permission {
	return []Permission{
		PermissionViewService, PermissionViewInstance, PermissionViewDrift,
		PermissionEditService, PermissionEditInstance, PermissionRestartInstance,
		PermissionManageShares, PermissionResolveDrift,
	}
}

type GranteeType string

const (
	GranteeTeam GranteeType = "TEAM"
	GranteeUser GranteeType = "USER"
)

// ResourceLevel scopes a share to a whole service or a single instance.
type ResourceLevel string

const (
	LevelService  ResourceLevel = "SERVICE"
	LevelInstance ResourceLevel = "INSTANCE"
)

// ServiceShare grants a subset of permissions on a service (or one of its
// instances) to a team or user, optionally fenced to environments and bounded
// in time.
type ServiceShare struct {
	ID            string        `json:"id" db:"id"`
	ResourceLevel ResourceLevel `json:"resourceLevel" db:"resource_level"`
	ServiceID     ServiceID     `json:"serviceId" db:"service_id"`
	InstanceID    InstanceID    `json:"instanceId,omitempty" db:"instance_id"`

	GranteeType GranteeType  `json:"granteeType" db:"grantee_type"`
	GranteeID   string       `json:"granteeId" db:"grantee_id"`
	Permissions []Permission `json:"permissions" db:"permissions"`

	// Environments narrows the grant; empty means all environments.
	Environments []string `json:"environments,omitempty" db:"environments"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`

	CreatedBy UserID    `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// ActiveAt reports whether the share grants anything at the given instant.
// Expiry is exact: a share is inactive at its expiry timestamp.
func (s *ServiceShare) ActiveAt(now time.Time) bool {
	if s.Revoked {
		return false
	}
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return false
	}
	return true
}

// AppliesTo reports whether the share covers the given environment.
func (s *ServiceShare) AppliesTo(env string) bool {
	if len(s.Environments) == 0 {
		return true
	}
	return lo.Contains(s.Environments, env)
}

// Grants reports whether the share carries the permission.
func (s *ServiceShare) Grants(p Permission) bool {
	return lo.Contains(s.Permissions, p)
}

// DuplicateKey is the identity under which at most one active share may
// exist: service, grantee and the exact environment filter.
func (s *ServiceShare) DuplicateKey() string {
	envs := append([]string(nil), s.Environments...)
	sort.Strings(envs)
	return fmt.Sprintf("%s|%s|%s|%s", s.ServiceID, s.GranteeType, s.GranteeID, strings.Join(envs, ","))
}

// MatchesGrantee reports whether the share is addressed to the actor.
func (s *ServiceShare) MatchesGrantee(a Actor) bool {
	switch s.GranteeType {
	case GranteeUser:
		return s.GranteeID == string(a.UserID)
	case GranteeTeam:
		return lo.Contains(a.TeamIDs, TeamID(s.GranteeID))
	}
	return false
}
