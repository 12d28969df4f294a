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
	"strings"
	"time"

	"github.com/samber/lo"
)

// Lifecycle is the coarse state of a registered service.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "ACTIVE"
	LifecycleDeprecated Lifecycle = "DEPRECATED"
	LifecycleRetired    Lifecycle = "RETIRED"
)

// TagSeverityOverride is the service tag that, when set to a valid severity,
// overrides the environment-derived severity of new drift events.
const TagSeverityOverride = "drift-severity"

// ApplicationService is the unit of ownership and sharing. Instances attach to
// a service by display name, authorization and config expectations hang off
// the service ID.
type ApplicationService struct {
	ID           ServiceID         `json:"id" db:"id"`
	DisplayName  string            `json:"displayName" db:"display_name"`
	OwnerTeamID  TeamID            `json:"ownerTeamId,omitempty" db:"owner_team_id"`
	Environments []string          `json:"environments,omitempty" db:"environments"`
	Lifecycle    Lifecycle         `json:"lifecycle" db:"lifecycle"`
	Tags         map[string]string `json:"tags,omitempty" db:"tags"`
	CreatedBy    UserID            `json:"createdBy,omitempty" db:"created_by"`
	// Version guards owner and lifecycle transitions with optimistic
	// concurrency. Writers must carry the version they read.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Orphaned reports whether the service has no owning team. Orphaned services
// are claimable through the approval workflow without owner consent.
func (s *ApplicationService) Orphaned() bool {
	return s.OwnerTeamID == ""
}

func (s *ApplicationService) Retired() bool {
	return s.Lifecycle == LifecycleRetired
}

// HasEnvironment reports whether env is one of the service's declared
// environments. A service with no declared environments accepts any.
func (s *ApplicationService) HasEnvironment(env string) bool {
	if len(s.Environments) == 0 {
		return true
	}
	return lo.Contains(s.Environments, env)
}

// SeverityOverride returns the severity forced by the service's tags, if any.
// Tag values are case-insensitive.
func (s *ApplicationService) SeverityOverride() (DriftSeverity, bool) {
	raw, ok := s.Tags[TagSeverityOverride]
	if !ok {
		return "", false
	}
	sev := DriftSeverity(strings.ToUpper(raw))
	if !sev.Valid() {
		return "", false
	}
	return sev, true
}
