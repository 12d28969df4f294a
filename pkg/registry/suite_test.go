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

package registry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/registry"
	"github.com/driftplane/driftplane/pkg/repository"
	"github.com/driftplane/driftplane/pkg/repository/memory"
	"github.com/driftplane/driftplane/pkg/test"
)

var (
	ctx       context.Context
	clk       *clocktesting.FakeClock
	db        *memory.Store
	evaluator *auth.Evaluator
	reg       *registry.Service
)

func TestRegistry(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry")
}

var _ = BeforeEach(func() {
	clk = clocktesting.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	db = memory.NewStore(clk)
	evaluator = auth.NewEvaluator(db.Services(), db.Shares(), clk)
	reg = registry.NewService(db, evaluator, clk)
})

var _ = Describe("CreateService", func() {
	It("should register a service owned by the actor's team", func() {
		actor := test.Actor("team-payments")
		service, err := reg.CreateService(ctx, actor, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(service.OwnerTeamID).To(Equal(v1.TeamID("team-payments")))
		Expect(service.DisplayName).To(Equal("billing"))
		Expect(service.Lifecycle).To(Equal(v1.LifecycleActive))
		Expect(service.CreatedBy).To(Equal(actor.UserID))
		Expect(service.Version).To(Equal(int64(1)))
	})

	It("should refuse registering for a team the actor is not on", func() {
		_, err := reg.CreateService(ctx, test.Actor("team-payments"), &v1.ApplicationService{
			ID:           "billing",
			OwnerTeamID:  "team-search",
			Environments: []string{"prod"},
		})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should let a SYS_ADMIN register for any team", func() {
		service, err := reg.CreateService(ctx, test.AdminActor(), &v1.ApplicationService{
			ID:           "billing",
			OwnerTeamID:  "team-search",
			Environments: []string{"prod"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(service.OwnerTeamID).To(Equal(v1.TeamID("team-search")))
	})

	It("should register an orphan for a teamless actor", func() {
		service, err := reg.CreateService(ctx, v1.Actor{UserID: "scanner"}, &v1.ApplicationService{ID: "derelict", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Orphaned()).To(BeTrue())
	})

	It("should refuse duplicate registrations", func() {
		actor := test.Actor("team-payments")
		_, err := reg.CreateService(ctx, actor, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.CreateService(ctx, actor, &v1.ApplicationService{ID: "billing", Environments: []string{"staging"}})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	DescribeTable("should reject malformed drafts",
		func(draft *v1.ApplicationService) {
			_, err := reg.CreateService(ctx, test.Actor("team-payments"), draft)
			Expect(errors.IsInvalidArgument(err)).To(BeTrue())
		},
		Entry("missing id", &v1.ApplicationService{Environments: []string{"prod"}}),
		Entry("oversized id", &v1.ApplicationService{ID: v1.ServiceID(strings.Repeat("x", 101)), Environments: []string{"prod"}}),
		Entry("oversized display name", &v1.ApplicationService{ID: "billing", DisplayName: strings.Repeat("n", 201), Environments: []string{"prod"}}),
		Entry("no environments", &v1.ApplicationService{ID: "billing"}),
		Entry("blank environment", &v1.ApplicationService{ID: "billing", Environments: []string{"prod", ""}}),
		Entry("unknown lifecycle", &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}, Lifecycle: "PAUSED"}),
	)
})

var _ = Describe("UpdateService", func() {
	var owner v1.Actor

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should rewrite the mutable fields", func() {
		updated, err := reg.UpdateService(ctx, owner, &v1.ApplicationService{
			ID:           "billing",
			DisplayName:  "Billing Platform",
			Environments: []string{"prod", "staging"},
			Tags:         map[string]string{"tier": "1"},
			Lifecycle:    v1.LifecycleDeprecated,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.DisplayName).To(Equal("Billing Platform"))
		Expect(updated.Environments).To(ConsistOf("prod", "staging"))
		Expect(updated.Tags).To(HaveKeyWithValue("tier", "1"))
		Expect(updated.Lifecycle).To(Equal(v1.LifecycleDeprecated))
		Expect(updated.Version).To(Equal(int64(2)))
	})

	It("should not move ownership", func() {
		updated, err := reg.UpdateService(ctx, owner, &v1.ApplicationService{
			ID:           "billing",
			OwnerTeamID:  "team-search",
			Environments: []string{"prod"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.OwnerTeamID).To(Equal(v1.TeamID("team-payments")))
	})

	It("should refuse retiring through an update", func() {
		_, err := reg.UpdateService(ctx, owner, &v1.ApplicationService{
			ID:           "billing",
			Environments: []string{"prod"},
			Lifecycle:    v1.LifecycleRetired,
		})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should honor a delegated EDIT_SERVICE share", func() {
		editor := test.Actor("team-search")
		_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-search",
			Permissions: []v1.Permission{v1.PermissionEditService},
		})
		Expect(err).ToNot(HaveOccurred())

		updated, err := reg.UpdateService(ctx, editor, &v1.ApplicationService{
			ID:           "billing",
			DisplayName:  "renamed by delegate",
			Environments: []string{"prod"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.DisplayName).To(Equal("renamed by delegate"))
	})

	It("should refuse strangers", func() {
		_, err := reg.UpdateService(ctx, test.Actor("team-bystander"), &v1.ApplicationService{
			ID:           "billing",
			Environments: []string{"prod"},
		})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should refuse edits to retired services", func() {
		_, err := reg.RetireService(ctx, owner, "billing")
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.UpdateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("RetireService", func() {
	var owner v1.Actor

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should retire and stay retired", func() {
		retired, err := reg.RetireService(ctx, owner, "billing")
		Expect(err).ToNot(HaveOccurred())
		Expect(retired.Lifecycle).To(Equal(v1.LifecycleRetired))

		again, err := reg.RetireService(ctx, owner, "billing")
		Expect(err).ToNot(HaveOccurred())
		Expect(again.Version).To(Equal(retired.Version))
	})

	It("should refuse actors without EDIT_SERVICE", func() {
		_, err := reg.RetireService(ctx, test.Actor("team-bystander"), "billing")
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should surface unknown services", func() {
		_, err := reg.RetireService(ctx, owner, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("ClaimService", func() {
	BeforeEach(func() {
		orphan := test.OrphanedService(test.ServiceOptions{ID: "derelict"})
		Expect(db.Services().Save(ctx, orphan)).To(Succeed())
	})

	It("should adopt an orphan into the actor's team", func() {
		adopted, err := reg.ClaimService(ctx, test.Actor("team-scavengers"), "derelict")
		Expect(err).ToNot(HaveOccurred())
		Expect(adopted.OwnerTeamID).To(Equal(v1.TeamID("team-scavengers")))
		Expect(adopted.Orphaned()).To(BeFalse())
	})

	It("should refuse claiming an owned service", func() {
		owned := test.Service(test.ServiceOptions{ID: "billing", OwnerTeamID: "team-payments"})
		Expect(db.Services().Save(ctx, owned)).To(Succeed())

		_, err := reg.ClaimService(ctx, test.Actor("team-scavengers"), "billing")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should lose gracefully when another team adopted first", func() {
		_, err := reg.ClaimService(ctx, test.Actor("team-fast"), "derelict")
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.ClaimService(ctx, test.Actor("team-slow"), "derelict")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should require a team to adopt into", func() {
		_, err := reg.ClaimService(ctx, v1.Actor{UserID: "lone"}, "derelict")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
})

var _ = Describe("DeleteService", func() {
	var owner v1.Actor

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should delete a service with no instances", func() {
		Expect(reg.DeleteService(ctx, owner, "billing")).To(Succeed())

		_, err := db.Services().FindByID(ctx, "billing")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should refuse while instances exist", func() {
		_, err := db.Instances().BulkUpsert(ctx, []*v1.ServiceInstance{
			test.Instance(test.InstanceOptions{ID: "billing-1", ServiceID: "billing", ServiceName: "billing"}),
		})
		Expect(err).ToNot(HaveOccurred())

		err = reg.DeleteService(ctx, owner, "billing")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should refuse non-owners", func() {
		err := reg.DeleteService(ctx, test.Actor("team-bystander"), "billing")
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})
})

var _ = Describe("Listings", func() {
	var owner v1.Actor

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		for _, id := range []v1.ServiceID{"billing", "checkout"} {
			_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: id, Environments: []string{"prod"}})
			Expect(err).ToNot(HaveOccurred())
		}
		invisible := test.Service(test.ServiceOptions{ID: "search", OwnerTeamID: "team-elsewhere"})
		Expect(db.Services().Save(ctx, invisible)).To(Succeed())
	})

	It("should list only what the actor can see", func() {
		page, err := reg.ListServices(ctx, owner, repository.ServiceCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(page.Content, func(s *v1.ApplicationService, _ int) v1.ServiceID { return s.ID })).
			To(ConsistOf(v1.ServiceID("billing"), v1.ServiceID("checkout")))
	})

	It("should narrow an explicit scope to the allowed one", func() {
		page, err := reg.ListServices(ctx, owner, repository.ServiceCriteria{
			Scope: repository.ScopeServices("billing", "search"),
		}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(HaveLen(1))
		Expect(page.Content[0].ID).To(Equal(v1.ServiceID("billing")))
	})

	It("should keep a SYS_ADMIN's explicit scope", func() {
		page, err := reg.ListServices(ctx, test.AdminActor(), repository.ServiceCriteria{
			Scope: repository.ScopeServices("search"),
		}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(HaveLen(1))
		Expect(page.Content[0].ID).To(Equal(v1.ServiceID("search")))
	})

	It("should return nothing to actors with no visibility", func() {
		page, err := reg.ListServices(ctx, test.Actor("team-bystander"), repository.ServiceCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(BeEmpty())
	})

	It("should scope instance and drift listings the same way", func() {
		_, err := db.Instances().BulkUpsert(ctx, []*v1.ServiceInstance{
			test.Instance(test.InstanceOptions{ID: "billing-1", ServiceID: "billing", ServiceName: "billing"}),
			test.Instance(test.InstanceOptions{ID: "search-1", ServiceID: "search", ServiceName: "search"}),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = db.DriftEvents().BulkInsert(ctx, []*v1.DriftEvent{
			test.DriftEvent(test.DriftEventOptions{ServiceID: "billing", ServiceName: "billing", InstanceID: "billing-1"}),
			test.DriftEvent(test.DriftEventOptions{ServiceID: "search", ServiceName: "search", InstanceID: "search-1"}),
		})
		Expect(err).ToNot(HaveOccurred())

		instances, err := reg.ListInstances(ctx, owner, repository.InstanceCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(instances.Content).To(HaveLen(1))
		Expect(instances.Content[0].ID).To(Equal(v1.InstanceID("billing-1")))

		drifts, err := reg.ListDriftEvents(ctx, owner, repository.DriftEventCriteria{}, repository.Paging{}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(drifts.Content).To(HaveLen(1))
		Expect(drifts.Content[0].ServiceID).To(Equal(v1.ServiceID("billing")))
	})
})

var _ = Describe("GrantShare", func() {
	var owner v1.Actor

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod", "staging"}})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should grant and take effect immediately", func() {
		viewer := test.Actor("team-audit")
		_, err := reg.GetService(ctx, viewer, "billing")
		Expect(errors.IsForbidden(err)).To(BeTrue())

		share, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(share.ID).ToNot(BeEmpty())
		Expect(share.ResourceLevel).To(Equal(v1.LevelService))

		found, err := reg.GetService(ctx, viewer, "billing")
		Expect(err).ToNot(HaveOccurred())
		Expect(found.ID).To(Equal(v1.ServiceID("billing")))
	})

	It("should refuse an equivalent active duplicate", func() {
		draft := v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeUser,
			GranteeID:   "user-amara",
			Permissions: []v1.Permission{v1.PermissionViewService},
			Environments: []string{
				"prod",
			},
		}
		first := draft
		_, err := reg.GrantShare(ctx, owner, &first)
		Expect(err).ToNot(HaveOccurred())

		second := draft
		second.Permissions = []v1.Permission{v1.PermissionViewDrift}
		_, err = reg.GrantShare(ctx, owner, &second)
		Expect(errors.IsConflict(err)).To(BeTrue())

		narrower := draft
		narrower.Environments = []string{"staging"}
		_, err = reg.GrantShare(ctx, owner, &narrower)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should refuse delegating owner-only permissions", func() {
		_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionManageShares},
		})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should refuse empty permission sets", func() {
		_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
		})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should refuse shares born expired", func() {
		_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService},
			ExpiresAt:   lo.ToPtr(clk.Now().Add(-time.Minute)),
		})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should refuse shares on retired services", func() {
		_, err := reg.RetireService(ctx, owner, "billing")
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService},
		})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should refuse grantors without MANAGE_SHARES", func() {
		_, err := reg.GrantShare(ctx, test.Actor("team-bystander"), &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService},
		})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	Context("instance-level shares", func() {
		BeforeEach(func() {
			_, err := db.Instances().BulkUpsert(ctx, []*v1.ServiceInstance{
				test.Instance(test.InstanceOptions{ID: "billing-1", ServiceID: "billing", ServiceName: "billing"}),
				test.Instance(test.InstanceOptions{ID: "search-1", ServiceID: "search", ServiceName: "search"}),
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should pin the share to one instance", func() {
			share, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
				ServiceID:     "billing",
				ResourceLevel: v1.LevelInstance,
				InstanceID:    "billing-1",
				GranteeType:   v1.GranteeUser,
				GranteeID:     "user-amara",
				Permissions:   []v1.Permission{v1.PermissionRestartInstance},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(share.InstanceID).To(Equal(v1.InstanceID("billing-1")))
		})

		It("should refuse instances of other services", func() {
			_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
				ServiceID:     "billing",
				ResourceLevel: v1.LevelInstance,
				InstanceID:    "search-1",
				GranteeType:   v1.GranteeUser,
				GranteeID:     "user-amara",
				Permissions:   []v1.Permission{v1.PermissionRestartInstance},
			})
			Expect(errors.IsInvalidArgument(err)).To(BeTrue())
		})

		It("should drop a stray instance from service-level shares", func() {
			share, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
				ServiceID:   "billing",
				InstanceID:  "billing-1",
				GranteeType: v1.GranteeUser,
				GranteeID:   "user-amara",
				Permissions: []v1.Permission{v1.PermissionViewInstance},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(share.InstanceID).To(BeEmpty())
		})
	})
})

var _ = Describe("RevokeShare", func() {
	var owner, viewer v1.Actor
	var share *v1.ServiceShare

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		viewer = test.Actor("team-audit")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
		share, err = reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService},
		})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should cut access immediately and keep the row", func() {
		_, err := reg.GetService(ctx, viewer, "billing")
		Expect(err).ToNot(HaveOccurred())

		Expect(reg.RevokeShare(ctx, owner, share.ID)).To(Succeed())

		_, err = reg.GetService(ctx, viewer, "billing")
		Expect(errors.IsForbidden(err)).To(BeTrue())

		stored, err := db.Shares().FindByID(ctx, share.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Revoked).To(BeTrue())
	})

	It("should be idempotent", func() {
		Expect(reg.RevokeShare(ctx, owner, share.ID)).To(Succeed())
		Expect(reg.RevokeShare(ctx, owner, share.ID)).To(Succeed())
	})

	It("should refuse non-owners", func() {
		err := reg.RevokeShare(ctx, viewer, share.ID)
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should surface unknown shares", func() {
		err := reg.RevokeShare(ctx, owner, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should list a service's shares for its owner only", func() {
		page, err := reg.ListShares(ctx, owner, "billing", repository.Paging{})
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Content).To(HaveLen(1))

		_, err = reg.ListShares(ctx, viewer, "billing", repository.Paging{})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})
})

var _ = Describe("UpdateDriftStatus", func() {
	var owner v1.Actor
	var event *v1.DriftEvent

	BeforeEach(func() {
		owner = test.Actor("team-payments")
		_, err := reg.CreateService(ctx, owner, &v1.ApplicationService{ID: "billing", Environments: []string{"prod"}})
		Expect(err).ToNot(HaveOccurred())
		event = test.DriftEvent(test.DriftEventOptions{ServiceID: "billing", ServiceName: "billing", InstanceID: "billing-1", TeamID: "team-payments"})
		_, err = db.DriftEvents().BulkInsert(ctx, []*v1.DriftEvent{event})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should walk the review trail to RESOLVED", func() {
		acked, err := reg.UpdateDriftStatus(ctx, owner, event.ID, v1.DriftAcknowledged, "looking into it")
		Expect(err).ToNot(HaveOccurred())
		Expect(acked.Status).To(Equal(v1.DriftAcknowledged))
		Expect(acked.Notes).To(Equal("looking into it"))

		resolved, err := reg.UpdateDriftStatus(ctx, owner, event.ID, v1.DriftResolved, "rolled back")
		Expect(err).ToNot(HaveOccurred())
		Expect(resolved.Status).To(Equal(v1.DriftResolved))
		Expect(resolved.ResolvedAt).To(HaveValue(Equal(clk.Now())))
		Expect(resolved.ResolvedBy).To(Equal(string(owner.UserID)))
	})

	It("should leave settled events immutable", func() {
		_, err := reg.UpdateDriftStatus(ctx, owner, event.ID, v1.DriftIgnored, "")
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.UpdateDriftStatus(ctx, owner, event.ID, v1.DriftAcknowledged, "")
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should refuse moving events back to DETECTED", func() {
		_, err := reg.UpdateDriftStatus(ctx, owner, event.ID, v1.DriftDetected, "")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should keep the trail owner-only even against drift viewers", func() {
		_, err := reg.GrantShare(ctx, owner, &v1.ServiceShare{
			ServiceID:   "billing",
			GranteeType: v1.GranteeTeam,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewDrift},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = reg.UpdateDriftStatus(ctx, test.Actor("team-audit"), event.ID, v1.DriftAcknowledged, "")
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})
})
