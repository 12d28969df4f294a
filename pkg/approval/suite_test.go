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

package approval_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/approval"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
	"github.com/driftplane/driftplane/pkg/repository/memory"
	"github.com/driftplane/driftplane/pkg/test"
)

var (
	ctx       context.Context
	clk       *clocktesting.FakeClock
	db        *memory.Store
	evaluator *auth.Evaluator
	claims    *approval.Service
)

func TestApproval(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Approval")
}

var _ = BeforeEach(func() {
	clk = clocktesting.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	db = memory.NewStore(clk)
	evaluator = auth.NewEvaluator(db.Services(), db.Shares(), clk)
	claims = approval.NewService(db, evaluator, clk)
})

func gate(name string, min int) v1.ApprovalGate {
	return v1.ApprovalGate{Name: name, MinApprovals: min}
}

var _ = Describe("Create", func() {
	var service *v1.ApplicationService
	var requester v1.Actor

	BeforeEach(func() {
		service = test.Service(test.ServiceOptions{OwnerTeamID: "team-current"})
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		requester = test.Actor("team-new")
	})

	It("should open a PENDING claim", func() {
		request, err := claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "taking this over")
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.ApprovalPending))
		Expect(request.RequesterUserID).To(Equal(requester.UserID))
		Expect(request.RequesterTeamID).To(Equal(v1.TeamID("team-new")))
		Expect(request.Version).To(Equal(int64(1)))

		stored, err := db.Approvals().FindByID(ctx, request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.CreatedAt).To(Equal(clk.Now()))
		Expect(stored.Note).To(Equal("taking this over"))
	})

	It("should refuse a second live claim by the same requester", func() {
		_, err := claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())

		_, err = claims.Create(ctx, requester, service.ID, "team-other", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should allow a new claim once the previous one is settled", func() {
		first, err := claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())
		_, err = claims.Cancel(ctx, requester, first.ID)
		Expect(err).ToNot(HaveOccurred())

		second, err := claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(second.ID).ToNot(Equal(first.ID))
		Expect(second.Status).To(Equal(v1.ApprovalPending))
	})

	It("should require at least one gate", func() {
		_, err := claims.Create(ctx, requester, service.ID, "team-new", nil, "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should refuse gates without a usable threshold", func() {
		_, err := claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 0)}, "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should require a target team", func() {
		_, err := claims.Create(ctx, requester, service.ID, "", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should surface unknown services", func() {
		_, err := claims.Create(ctx, requester, "ghost", "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should refuse claims against retired services", func() {
		retired := test.Service(test.ServiceOptions{Lifecycle: v1.LifecycleRetired})
		Expect(db.Services().Save(ctx, retired)).To(Succeed())

		_, err := claims.Create(ctx, requester, retired.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("SubmitDecision", func() {
	var service *v1.ApplicationService
	var requester v1.Actor

	BeforeEach(func() {
		service = test.Service(test.ServiceOptions{OwnerTeamID: "team-current"})
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		requester = test.Actor("team-new")
	})

	openClaim := func(gates ...v1.ApprovalGate) *v1.ApprovalRequest {
		request, err := claims.Create(ctx, requester, service.ID, "team-new", gates, "")
		Expect(err).ToNot(HaveOccurred())
		return request
	}

	It("should leave an unsatisfied claim PENDING", func() {
		request := openClaim(gate("owning-team", 2))

		result, err := claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.DecisionApprove, "fine by me")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalPending))

		decisions, err := db.Approvals().FindDecisions(ctx, request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(decisions).To(HaveLen(1))
		Expect(decisions[0].Note).To(Equal("fine by me"))
	})

	It("should approve once every gate is satisfied", func() {
		request := openClaim(gate("owning-team", 1))

		result, err := claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalApproved))
		Expect(result.Version).To(Equal(int64(2)))
	})

	It("should need distinct approvers to satisfy a gate", func() {
		request := openClaim(gate("owning-team", 2))

		result, err := claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalPending))

		result, err = claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalApproved))
	})

	It("should reject the whole claim at the first REJECT", func() {
		request := openClaim(gate("g1", 1), gate("g2", 2))

		result, err := claims.SubmitDecision(ctx, test.Actor("team-a"), request.ID, "g1", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalPending))

		result, err = claims.SubmitDecision(ctx, test.Actor("team-b"), request.ID, "g2", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalPending))

		result, err = claims.SubmitDecision(ctx, test.Actor("team-c"), request.ID, "g1", v1.DecisionReject, "not yours")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalRejected))
		Expect(result.Reason).To(Equal("Rejected by g1"))
	})

	It("should refuse a duplicate vote by the same actor on a gate", func() {
		request := openClaim(gate("owning-team", 2))
		voter := test.Actor("team-current")

		_, err := claims.SubmitDecision(ctx, voter, request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())

		_, err = claims.SubmitDecision(ctx, voter, request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should let one actor vote on different gates", func() {
		request := openClaim(gate("g1", 1), gate("g2", 1))
		voter := test.Actor("team-current")

		result, err := claims.SubmitDecision(ctx, voter, request.ID, "g1", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalPending))

		result, err = claims.SubmitDecision(ctx, voter, request.ID, "g2", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalApproved))
	})

	It("should refuse votes on gates the claim does not have", func() {
		request := openClaim(gate("owning-team", 1))

		_, err := claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "security-review", v1.DecisionApprove, "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should refuse votes on settled claims", func() {
		request := openClaim(gate("owning-team", 1))
		_, err := claims.Cancel(ctx, requester, request.ID)
		Expect(err).ToNot(HaveOccurred())

		_, err = claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should refuse decisions that are neither APPROVE nor REJECT", func() {
		request := openClaim(gate("owning-team", 1))

		_, err := claims.SubmitDecision(ctx, test.Actor("team-current"), request.ID, "owning-team", v1.Decision("MAYBE"), "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
})

var _ = Describe("Cascade", func() {
	var service *v1.ApplicationService
	var reviewer v1.Actor

	BeforeEach(func() {
		service = test.Service(test.ServiceOptions{ID: "checkout", OwnerTeamID: "team-zero"})
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		reviewer = test.Actor("team-zero")

		_, err := db.Instances().BulkUpsert(ctx, []*v1.ServiceInstance{
			test.Instance(test.InstanceOptions{ID: "checkout-1", ServiceID: "checkout", ServiceName: "checkout", TeamID: "team-zero"}),
			test.Instance(test.InstanceOptions{ID: "checkout-2", ServiceID: "checkout", ServiceName: "checkout", TeamID: "team-zero"}),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = db.DriftEvents().BulkInsert(ctx, []*v1.DriftEvent{
			test.DriftEvent(test.DriftEventOptions{ServiceID: "checkout", ServiceName: "checkout", InstanceID: "checkout-1", TeamID: "team-zero"}),
		})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should move the service and everything denormalized from it to the target team", func() {
		request, err := claims.Create(ctx, test.Actor("team-one"), "checkout", "team-one", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())

		result, err := claims.SubmitDecision(ctx, reviewer, request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalApproved))

		owned, err := db.Services().FindByID(ctx, "checkout")
		Expect(err).ToNot(HaveOccurred())
		Expect(owned.OwnerTeamID).To(Equal(v1.TeamID("team-one")))
		Expect(owned.Version).To(Equal(int64(2)))

		for _, id := range []v1.InstanceID{"checkout-1", "checkout-2"} {
			instance, err := db.Instances().FindByID(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(instance.TeamID).To(Equal(v1.TeamID("team-one")))
		}

		events, err := db.DriftEvents().FindAll(ctx, repository.DriftEventCriteria{
			Scope:     repository.ScopeAll(),
			ServiceID: lo.ToPtr(v1.ServiceID("checkout")),
		}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(events.Content).ToNot(BeEmpty())
		for _, event := range events.Content {
			Expect(event.TeamID).To(Equal(v1.TeamID("team-one")))
		}
	})

	It("should settle competing claims when one is approved", func() {
		alice := test.Actor("team-one")
		bob := test.Actor("team-one")
		cara := test.Actor("team-two")
		gates := []v1.ApprovalGate{gate("owning-team", 1)}

		claimA, err := claims.Create(ctx, alice, "checkout", "team-one", gates, "")
		Expect(err).ToNot(HaveOccurred())
		claimB, err := claims.Create(ctx, bob, "checkout", "team-one", gates, "")
		Expect(err).ToNot(HaveOccurred())
		claimC, err := claims.Create(ctx, cara, "checkout", "team-two", gates, "")
		Expect(err).ToNot(HaveOccurred())

		result, err := claims.SubmitDecision(ctx, reviewer, claimA.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalApproved))

		sibling, err := db.Approvals().FindByID(ctx, claimB.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(sibling.Status).To(Equal(v1.ApprovalApproved))
		Expect(sibling.Reason).To(Equal("Cascade approval: same target team"))

		rival, err := db.Approvals().FindByID(ctx, claimC.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(rival.Status).To(Equal(v1.ApprovalRejected))
		Expect(rival.Reason).To(Equal("Ownership cascade: service now owned by team-one"))
	})

	It("should leave claims for other services alone", func() {
		other := test.Service(test.ServiceOptions{ID: "search", OwnerTeamID: "team-zero"})
		Expect(db.Services().Save(ctx, other)).To(Succeed())
		unrelated, err := claims.Create(ctx, test.Actor("team-three"), "search", "team-three", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())

		request, err := claims.Create(ctx, test.Actor("team-one"), "checkout", "team-one", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())
		_, err = claims.SubmitDecision(ctx, reviewer, request.ID, "owning-team", v1.DecisionApprove, "")
		Expect(err).ToNot(HaveOccurred())

		untouched, err := db.Approvals().FindByID(ctx, unrelated.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(untouched.Status).To(Equal(v1.ApprovalPending))
	})
})

var _ = Describe("Cancel", func() {
	var service *v1.ApplicationService
	var requester v1.Actor
	var request *v1.ApprovalRequest

	BeforeEach(func() {
		service = test.Service(test.ServiceOptions{OwnerTeamID: "team-owners"})
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		requester = test.Actor("team-new")

		var err error
		request, err = claims.Create(ctx, requester, service.ID, "team-new", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())
	})

	It("should let the requester withdraw a PENDING claim", func() {
		result, err := claims.Cancel(ctx, requester, request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalCancelled))
		Expect(result.Reason).To(Equal(fmt.Sprintf("Cancelled by %s", requester.UserID)))
	})

	It("should let a service owner cancel someone else's claim", func() {
		result, err := claims.Cancel(ctx, test.Actor("team-owners"), request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalCancelled))
	})

	It("should let a SYS_ADMIN cancel any claim", func() {
		result, err := claims.Cancel(ctx, test.AdminActor(), request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalCancelled))
	})

	It("should refuse strangers", func() {
		_, err := claims.Cancel(ctx, test.Actor("team-bystander"), request.ID)
		Expect(errors.IsForbidden(err)).To(BeTrue())

		stored, err := db.Approvals().FindByID(ctx, request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.ApprovalPending))
	})

	It("should refuse cancelling settled claims", func() {
		_, err := claims.Cancel(ctx, requester, request.ID)
		Expect(err).ToNot(HaveOccurred())

		_, err = claims.Cancel(ctx, requester, request.ID)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should absorb a lost race and settle on a later attempt", func() {
		contended := &contendedStore{Store: db, approvals: &contendedApprovals{Approvals: db.Approvals(), misses: 2}}
		racy := approval.NewService(contended, evaluator, clk)

		result, err := racy.Cancel(ctx, requester, request.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.ApprovalCancelled))
		// Two contention bumps plus the landed CAS.
		Expect(result.Version).To(Equal(int64(4)))
	})

	It("should surface Conflict when a transition keeps losing the race", func() {
		contended := &contendedStore{Store: db, approvals: &contendedApprovals{Approvals: db.Approvals(), misses: approval.DefaultMaxRetries}}
		racy := approval.NewService(contended, evaluator, clk)

		_, err := racy.Cancel(ctx, requester, request.ID)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
})

// contendedStore wraps the memory store so that approval CAS writes lose the
// race a fixed number of times before landing.
type contendedStore struct {
	*memory.Store
	approvals *contendedApprovals
}

func (s *contendedStore) Approvals() repository.Approvals { return s.approvals }

func (s *contendedStore) Tx(ctx context.Context, fn func(context.Context, repository.Store) error) error {
	return fn(ctx, s)
}

type contendedApprovals struct {
	repository.Approvals
	misses int
}

func (c *contendedApprovals) UpdateCAS(ctx context.Context, request *v1.ApprovalRequest) (bool, error) {
	if c.misses == 0 {
		return c.Approvals.UpdateCAS(ctx, request)
	}
	c.misses--
	// Another writer bumps the stored row, leaving this CAS stale.
	fresh, err := c.Approvals.FindByID(ctx, request.ID)
	if err != nil {
		return false, err
	}
	if _, err := c.Approvals.UpdateCAS(ctx, fresh); err != nil {
		return false, err
	}
	return false, nil
}

var _ = Describe("Visibility", func() {
	var service *v1.ApplicationService
	var rita v1.Actor
	var request *v1.ApprovalRequest

	BeforeEach(func() {
		service = test.Service(test.ServiceOptions{ID: "checkout", OwnerTeamID: "team-owners"})
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		rita = test.Actor("team-claimants")

		var err error
		request, err = claims.Create(ctx, rita, "checkout", "team-claimants", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())
	})

	It("should show a claim to its requester, the target team and the service owner", func() {
		for _, actor := range []v1.Actor{rita, test.Actor("team-claimants"), test.Actor("team-owners"), test.AdminActor()} {
			found, err := claims.Get(ctx, actor, request.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(found.ID).To(Equal(request.ID))
		}
	})

	It("should hide a claim from everyone else", func() {
		_, err := claims.Get(ctx, test.Actor("team-bystander"), request.ID)
		Expect(errors.IsForbidden(err)).To(BeTrue())

		_, err = claims.Decisions(ctx, test.Actor("team-bystander"), request.ID)
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should list only the actor's own claims by default", func() {
		other := test.Service(test.ServiceOptions{ID: "search", OwnerTeamID: "team-elsewhere"})
		Expect(db.Services().Save(ctx, other)).To(Succeed())
		_, err := claims.Create(ctx, test.Actor("team-elsewhere"), "search", "team-elsewhere", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())

		page, err := claims.List(ctx, rita, repository.ApprovalCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(HaveLen(1))
		Expect(page.Content[0].ID).To(Equal(request.ID))
	})

	It("should list a team's inbound claims for its members", func() {
		member := test.Actor("team-claimants")
		page, err := claims.List(ctx, member, repository.ApprovalCriteria{
			TargetTeamID: lo.ToPtr(v1.TeamID("team-claimants")),
		}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(HaveLen(1))
		Expect(page.Content[0].ID).To(Equal(request.ID))
	})

	It("should collapse prying criteria to the caller's own claims", func() {
		snoop := test.Actor("team-bystander")
		page, err := claims.List(ctx, snoop, repository.ApprovalCriteria{
			RequesterUserID: lo.ToPtr(rita.UserID),
		}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(BeEmpty())
	})

	It("should let a SYS_ADMIN list everything", func() {
		other := test.Service(test.ServiceOptions{ID: "search", OwnerTeamID: "team-elsewhere"})
		Expect(db.Services().Save(ctx, other)).To(Succeed())
		_, err := claims.Create(ctx, test.Actor("team-elsewhere"), "search", "team-elsewhere", []v1.ApprovalGate{gate("owning-team", 1)}, "")
		Expect(err).ToNot(HaveOccurred())

		page, err := claims.List(ctx, test.AdminActor(), repository.ApprovalCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.TotalElements).To(Equal(int64(2)))
	})
})
