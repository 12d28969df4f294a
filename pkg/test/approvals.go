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
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
)

// ApprovalOptions customizes an ApprovalRequest.
type ApprovalOptions struct {
	ID              string
	ServiceID       v1.ServiceID
	TargetTeamID    v1.TeamID
	RequesterUserID v1.UserID
	RequesterTeamID v1.TeamID
	Required        []v1.ApprovalGate
	Status          v1.ApprovalStatus
	Version         int64
}

// Approval creates a test approval request with defaults that can be
// overridden by ApprovalOptions.
func Approval(overrides ...ApprovalOptions) *v1.ApprovalRequest {
	options := ApprovalOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge approval options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.ServiceID == "" {
		options.ServiceID = v1.ServiceID(strings.ToLower(randomdata.SillyName()))
	}
	if options.TargetTeamID == "" {
		options.TargetTeamID = TeamID()
	}
	if options.RequesterUserID == "" {
		options.RequesterUserID = UserID()
	}
	if options.RequesterTeamID == "" {
		options.RequesterTeamID = options.TargetTeamID
	}
	if options.Required == nil {
		options.Required = []v1.ApprovalGate{{Name: "owning-team", MinApprovals: 1}}
	}
	if options.Status == "" {
		options.Status = v1.ApprovalPending
	}
	if options.Version == 0 {
		options.Version = 1
	}
	return &v1.ApprovalRequest{
		ID:              options.ID,
		ServiceID:       options.ServiceID,
		TargetTeamID:    options.TargetTeamID,
		RequesterUserID: options.RequesterUserID,
		RequesterTeamID: options.RequesterTeamID,
		Required:        options.Required,
		Status:          options.Status,
		Version:         options.Version,
	}
}

// Decision creates an APPROVE decision for the request's first gate.
func Decision(request *v1.ApprovalRequest, actor v1.UserID) *v1.ApprovalDecision {
	gate := ""
	if len(request.Required) > 0 {
		gate = request.Required[0].Name
	}
	return &v1.ApprovalDecision{
		ID:          uuid.NewString(),
		RequestID:   request.ID,
		Gate:        gate,
		Decision:    v1.DecisionApprove,
		ActorUserID: actor,
	}
}
