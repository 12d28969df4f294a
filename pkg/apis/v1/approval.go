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
	"time"

	"github.com/samber/lo"
)

// ApprovalStatus is the lifecycle state of an ownership-claim request.
// PENDING is the only non-terminal state.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// Decision is a single reviewer's verdict on one gate.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalGate is one named checkpoint a claim must clear. A gate is
// satisfied once MinApprovals distinct actors have approved it.
type ApprovalGate struct {
	Name         string `json:"name" db:"name"`
	MinApprovals int    `json:"minApprovals" db:"min_approvals"`
}

// ApprovalRequest is a claim to take ownership of a service. At most one
// pending request may exist per (requester user, service) pair; approval
// transfers ownership and cascades to the service's instances, drift events
// and competing claims.
type ApprovalRequest struct {
	ID        string    `json:"id" db:"id"`
	ServiceID ServiceID `json:"serviceId" db:"service_id"`
	// TargetTeamID is the team that will own the service on approval.
	TargetTeamID    TeamID `json:"targetTeamId" db:"target_team_id"`
	RequesterUserID UserID `json:"requesterUserId" db:"requester_user_id"`
	RequesterTeamID TeamID `json:"requesterTeamId,omitempty" db:"requester_team_id"`

	Required []ApprovalGate `json:"required" db:"required"`

	Status ApprovalStatus `json:"status" db:"status"`
	// Reason records why a request left PENDING, e.g. which gate rejected it
	// or which competing request superseded it.
	Reason string `json:"reason,omitempty" db:"reason"`
	Note   string `json:"note,omitempty" db:"note"`

	// Version guards status transitions with optimistic concurrency.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Gate returns the named gate from the request's required set.
func (r *ApprovalRequest) Gate(name string) (ApprovalGate, bool) {
	return lo.Find(r.Required, func(g ApprovalGate) bool { return g.Name == name })
}

// Satisfied reports whether every required gate has collected enough
// approvals, counting each actor at most once per gate.
func (r *ApprovalRequest) Satisfied(decisions []*ApprovalDecision) bool {
	for _, gate := range r.Required {
		actors := map[UserID]struct{}{}
		for _, d := range decisions {
			if d.Gate == gate.Name && d.Decision == DecisionApprove {
				actors[d.ActorUserID] = struct{}{}
			}
		}
		if len(actors) < gate.MinApprovals {
			return false
		}
	}
	return true
}

// ApprovalDecision is one actor's immutable verdict on one gate of a request.
type ApprovalDecision struct {
	ID          string   `json:"id" db:"id"`
	RequestID   string   `json:"requestId" db:"request_id"`
	Gate        string   `json:"gate" db:"gate"`
	Decision    Decision `json:"decision" db:"decision"`
	ActorUserID UserID   `json:"actorUserId" db:"actor_user_id"`
	ActorTeamID TeamID   `json:"actorTeamId,omitempty" db:"actor_team_id"`
	Note        string   `json:"note,omitempty" db:"note"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
