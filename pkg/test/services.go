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

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// ServiceOptions customizes an ApplicationService.
type ServiceOptions struct {
	ID           v1.ServiceID
	DisplayName  string
	OwnerTeamID  v1.TeamID
	Environments []string
	Lifecycle    v1.Lifecycle
	Tags         map[string]string
	CreatedBy    v1.UserID
	Version      int64
}

// Service creates a test service with defaults that can be overridden by
// ServiceOptions. Overrides are applied in order, with a last write wins
// semantic.
func Service(overrides ...ServiceOptions) *v1.ApplicationService {
	options := ServiceOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge service options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = v1.ServiceID(strings.ToLower(randomdata.SillyName()))
	}
	if options.DisplayName == "" {
		options.DisplayName = string(options.ID)
	}
	if options.OwnerTeamID == "" {
		options.OwnerTeamID = TeamID()
	}
	if options.Lifecycle == "" {
		options.Lifecycle = v1.LifecycleActive
	}
	if options.Environments == nil {
		options.Environments = []string{"prod", "staging"}
	}
	if options.Version == 0 {
		options.Version = 1
	}
	return &v1.ApplicationService{
		ID:           options.ID,
		DisplayName:  options.DisplayName,
		OwnerTeamID:  options.OwnerTeamID,
		Environments: options.Environments,
		Lifecycle:    options.Lifecycle,
		Tags:         options.Tags,
		CreatedBy:    options.CreatedBy,
		Version:      options.Version,
	}
}

// OrphanedService creates a service with no owning team.
func OrphanedService(overrides ...ServiceOptions) *v1.ApplicationService {
	service := Service(overrides...)
	service.OwnerTeamID = ""
	return service
}

// TeamID creates a random team identifier.
func TeamID() v1.TeamID {
	return v1.TeamID("team-" + strings.ToLower(randomdata.SillyName()))
}

// UserID creates a random user identifier.
func UserID() v1.UserID {
	return v1.UserID("user-" + strings.ToLower(randomdata.SillyName()))
}
