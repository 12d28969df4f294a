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

import "github.com/samber/lo"

// Actor is the authenticated principal on whose behalf an operation runs.
// Identity resolution happens at the edge; the control plane trusts the
// memberships and roles it is handed.
type Actor struct {
	UserID  UserID   `json:"userId"`
	TeamIDs []TeamID `json:"teamIds,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

func (a Actor) SysAdmin() bool {
	return lo.Contains(a.Roles, RoleSysAdmin)
}

func (a Actor) MemberOf(team TeamID) bool {
	return lo.Contains(a.TeamIDs, team)
}

// SystemActor is used for control-plane-initiated mutations such as staleness
// sweeps and cascade updates.
func SystemActor() Actor {
	return Actor{UserID: "system", Roles: []string{RoleSysAdmin}}
}
