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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// ShareOptions customizes a ServiceShare.
type ShareOptions struct {
	ID            string
	ResourceLevel v1.ResourceLevel
	ServiceID     v1.ServiceID
	InstanceID    v1.InstanceID
	GranteeType   v1.GranteeType
	GranteeID     string
	Permissions   []v1.Permission
	Environments  []string
	ExpiresAt     *time.Time
	Revoked       bool
	CreatedBy     v1.UserID
}

// Share creates a test share with defaults that can be overridden by
// ShareOptions.
func Share(overrides ...ShareOptions) *v1.ServiceShare {
	options := ShareOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge share options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.ResourceLevel == "" {
		options.ResourceLevel = v1.LevelService
	}
	if options.ServiceID == "" {
		options.ServiceID = v1.ServiceID(strings.ToLower(randomdata.SillyName()))
	}
	if options.GranteeType == "" {
		options.GranteeType = v1.GranteeTeam
	}
	if options.GranteeID == "" {
		options.GranteeID = string(TeamID())
	}
	if options.Permissions == nil {
		options.Permissions = []v1.Permission{v1.PermissionViewService}
	}
	return &v1.ServiceShare{
		ID:            options.ID,
		ResourceLevel: options.ResourceLevel,
		ServiceID:     options.ServiceID,
		InstanceID:    options.InstanceID,
		GranteeType:   options.GranteeType,
		GranteeID:     options.GranteeID,
		Permissions:   options.Permissions,
		Environments:  options.Environments,
		ExpiresAt:     options.ExpiresAt,
		Revoked:       options.Revoked,
		CreatedBy:     options.CreatedBy,
	}
}

// Actor creates a plain actor belonging to the given teams.
func Actor(teams ...v1.TeamID) v1.Actor {
	return v1.Actor{UserID: UserID(), TeamIDs: teams}
}

// AdminActor creates an actor carrying the SYS_ADMIN role.
func AdminActor() v1.Actor {
	actor := Actor()
	actor.Roles = []string{v1.RoleSysAdmin}
	return actor
}
