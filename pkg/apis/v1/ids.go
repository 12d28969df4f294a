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
	"regexp"
)

var (
	serviceIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}[a-z0-9]$|^[a-z0-9]$`)
	instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)
	teamIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// ServiceID uniquely identifies an application service. It doubles as the
// service's key segment in the config store, so the character set is kept to
// lowercase DNS-label characters.
type ServiceID string

func (id ServiceID) String() string { return string(id) }

func (id ServiceID) Validate() error {
	if id == "" {
		return fmt.Errorf("service id must not be empty")
	}
	if !serviceIDPattern.MatchString(string(id)) {
		return fmt.Errorf("service id %q must be lowercase alphanumerics and dashes, at most 64 characters", id)
	}
	return nil
}

// InstanceID identifies a single running instance of a service. Instance IDs
// are minted by the reporting agent, not by the control plane.
type InstanceID string

func (id InstanceID) String() string { return string(id) }

func (id InstanceID) Validate() error {
	if id == "" {
		return fmt.Errorf("instance id must not be empty")
	}
	if !instanceIDPattern.MatchString(string(id)) {
		return fmt.Errorf("instance id %q must be alphanumerics, dots, underscores or dashes, at most 100 characters", id)
	}
	return nil
}

// TeamID identifies an owning or grantee team.
type TeamID string

func (id TeamID) String() string { return string(id) }

func (id TeamID) Validate() error {
	if id == "" {
		return fmt.Errorf("team id must not be empty")
	}
	if !teamIDPattern.MatchString(string(id)) {
		return fmt.Errorf("team id %q must be alphanumerics, dots, underscores or dashes, at most 64 characters", id)
	}
	return nil
}

// UserID identifies an authenticated principal.
type UserID string

func (id UserID) String() string { return string(id) }

func (id UserID) Validate() error {
	if id == "" {
		return fmt.Errorf("user id must not be empty")
	}
	return nil
}
