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

package auth_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/auth"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository/memory"
	"github.com/driftplane/driftplane/pkg/test"
)

var (
	ctx       context.Context
	clk       *clocktesting.FakeClock
	db        *memory.Store
	evaluator *auth.Evaluator
)

func TestAuth(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth")
}

var _ = BeforeEach(func() {
	clk = clocktesting.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	db = memory.NewStore(clk)
	evaluator = auth.NewEvaluator(db.Services(), db.Shares(), clk)
})

var _ = Describe("Authorize", func() {
	var service *v1.ApplicationService

	BeforeEach(func() {
		service = test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())
	})

	It("should allow a sysadmin everything without consulting shares", func() {
		admin := test.AdminActor()
		for _, permission := range v1.OwnerPermissions() {
			Expect(evaluator.Authorize(ctx, admin, permission, auth.Resource{Service: service})).To(Succeed())
		}
	})

	It("should grant the owning team the full owner bundle", func() {
		owner := test.Actor(service.OwnerTeamID)
		Expect(evaluator.Authorize(ctx, owner, v1.PermissionManageShares, auth.Resource{Service: service})).To(Succeed())
		Expect(evaluator.Authorize(ctx, owner, v1.PermissionResolveDrift, auth.Resource{Service: service})).To(Succeed())
	})

	It("should keep the creator on the owner bundle after a transfer", func() {
		creator := test.Actor(test.TeamID())
		service.CreatedBy = creator.UserID
		Expect(db.Services().Save(ctx, service)).To(Succeed())

		Expect(evaluator.Authorize(ctx, creator, v1.PermissionManageShares, auth.Resource{Service: service})).To(Succeed())
	})

	It("should deny a stranger by default", func() {
		err := evaluator.Authorize(ctx, test.Actor(test.TeamID()), v1.PermissionViewService, auth.Resource{Service: service})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should not let the owning team of one service touch another", func() {
		other := test.Service()
		Expect(db.Services().Save(ctx, other)).To(Succeed())

		owner := test.Actor(service.OwnerTeamID)
		err := evaluator.Authorize(ctx, owner, v1.PermissionViewService, auth.Resource{Service: other})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should grant exactly what a share carries", func() {
		actor := test.Actor()
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
			Permissions: []v1.Permission{v1.PermissionViewDrift},
		}))).To(Succeed())

		Expect(evaluator.Authorize(ctx, actor, v1.PermissionViewDrift, auth.Resource{Service: service})).To(Succeed())
		err := evaluator.Authorize(ctx, actor, v1.PermissionEditService, auth.Resource{Service: service})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should fence an environment-restricted share", func() {
		actor := test.Actor("team-read")
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:    service.ID,
			GranteeID:    "team-read",
			Permissions:  []v1.Permission{v1.PermissionViewService},
			Environments: []string{"staging"},
		}))).To(Succeed())

		Expect(evaluator.Authorize(ctx, actor, v1.PermissionViewService,
			auth.Resource{Service: service, Environment: "staging"})).To(Succeed())

		err := evaluator.Authorize(ctx, actor, v1.PermissionViewService,
			auth.Resource{Service: service, Environment: "prod"})
		Expect(errors.IsForbidden(err)).To(BeTrue())

		// A fenced share cannot authorize a service-wide action either.
		err = evaluator.Authorize(ctx, actor, v1.PermissionViewService, auth.Resource{Service: service})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should fence an instance-level share to its instance", func() {
		actor := test.Actor()
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ResourceLevel: v1.LevelInstance,
			ServiceID:     service.ID,
			InstanceID:    "billing-1",
			GranteeType:   v1.GranteeUser,
			GranteeID:     string(actor.UserID),
			Permissions:   []v1.Permission{v1.PermissionRestartInstance},
		}))).To(Succeed())

		Expect(evaluator.Authorize(ctx, actor, v1.PermissionRestartInstance,
			auth.Resource{Service: service, InstanceID: "billing-1"})).To(Succeed())

		err := evaluator.Authorize(ctx, actor, v1.PermissionRestartInstance,
			auth.Resource{Service: service, InstanceID: "billing-2"})
		Expect(errors.IsForbidden(err)).To(BeTrue())

		err = evaluator.Authorize(ctx, actor, v1.PermissionRestartInstance, auth.Resource{Service: service})
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should stop honoring a share the moment it expires, even when cached", func() {
		actor := test.Actor()
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
			Permissions: []v1.Permission{v1.PermissionViewService},
			ExpiresAt:   lo.ToPtr(clk.Now().Add(time.Hour)),
		}))).To(Succeed())

		resource := auth.Resource{Service: service}
		Expect(evaluator.Authorize(ctx, actor, v1.PermissionViewService, resource)).To(Succeed())

		clk.Step(time.Hour)
		err := evaluator.Authorize(ctx, actor, v1.PermissionViewService, resource)
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should see a new grant after a flush", func() {
		actor := test.Actor()
		resource := auth.Resource{Service: service}
		err := evaluator.Authorize(ctx, actor, v1.PermissionViewService, resource)
		Expect(errors.IsForbidden(err)).To(BeTrue())

		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
			Permissions: []v1.Permission{v1.PermissionViewService},
		}))).To(Succeed())

		// The denial above primed the prefetch cache.
		err = evaluator.Authorize(ctx, actor, v1.PermissionViewService, resource)
		Expect(errors.IsForbidden(err)).To(BeTrue())

		evaluator.Flush()
		Expect(evaluator.Authorize(ctx, actor, v1.PermissionViewService, resource)).To(Succeed())
	})
})

var _ = Describe("EffectivePermissions", func() {
	It("should return the owner bundle for the owning team", func() {
		service := test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())

		allowed, err := evaluator.EffectivePermissions(ctx, test.Actor(service.OwnerTeamID), auth.Resource{Service: service})
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(ConsistOf(v1.OwnerPermissions()))
	})

	It("should union the permissions of every matching share", func() {
		service := test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		actor := test.Actor("team-audit")
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeID:   "team-audit",
			Permissions: []v1.Permission{v1.PermissionViewService, v1.PermissionViewDrift},
		}))).To(Succeed())
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
			Permissions: []v1.Permission{v1.PermissionEditInstance},
		}))).To(Succeed())

		allowed, err := evaluator.EffectivePermissions(ctx, actor, auth.Resource{Service: service})
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(ConsistOf(v1.PermissionViewService, v1.PermissionViewDrift, v1.PermissionEditInstance))
	})

	It("should return nothing for a stranger", func() {
		service := test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())

		allowed, err := evaluator.EffectivePermissions(ctx, test.Actor(), auth.Resource{Service: service})
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeEmpty())
	})

	It("should reject a resource without a service", func() {
		_, err := evaluator.EffectivePermissions(ctx, test.Actor(), auth.Resource{})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
})

var _ = Describe("ScopeFor", func() {
	It("should give sysadmins the unrestricted scope", func() {
		scope, err := evaluator.ScopeFor(ctx, test.AdminActor())
		Expect(err).ToNot(HaveOccurred())
		Expect(scope.All).To(BeTrue())
	})

	It("should combine owned and shared services", func() {
		owned := test.Service(test.ServiceOptions{ID: "billing", OwnerTeamID: "team-a"})
		alsoOwned := test.Service(test.ServiceOptions{ID: "checkout", OwnerTeamID: "team-a"})
		shared := test.Service(test.ServiceOptions{ID: "ledger"})
		invisible := test.Service(test.ServiceOptions{ID: "search"})
		for _, service := range []*v1.ApplicationService{owned, alsoOwned, shared, invisible} {
			Expect(db.Services().Save(ctx, service)).To(Succeed())
		}
		actor := test.Actor("team-a")
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   shared.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
		}))).To(Succeed())

		scope, err := evaluator.ScopeFor(ctx, actor)
		Expect(err).ToNot(HaveOccurred())
		Expect(scope.All).To(BeFalse())
		Expect(scope.ServiceIDs).To(Equal([]v1.ServiceID{"billing", "checkout", "ledger"}))
		Expect(scope.Permits("search")).To(BeFalse())
	})

	It("should leave a stranger with the zero scope", func() {
		Expect(db.Services().Save(ctx, test.Service())).To(Succeed())

		scope, err := evaluator.ScopeFor(ctx, test.Actor(test.TeamID()))
		Expect(err).ToNot(HaveOccurred())
		Expect(scope.Empty()).To(BeTrue())
	})

	It("should not count expired shares toward visibility", func() {
		service := test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())
		actor := test.Actor()
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:   service.ID,
			GranteeType: v1.GranteeUser,
			GranteeID:   string(actor.UserID),
			ExpiresAt:   lo.ToPtr(clk.Now().Add(-time.Minute)),
		}))).To(Succeed())

		scope, err := evaluator.ScopeFor(ctx, actor)
		Expect(err).ToNot(HaveOccurred())
		Expect(scope.Empty()).To(BeTrue())
	})
})

var _ = Describe("ServiceAuthorizer", func() {
	var authorizer *auth.ServiceAuthorizer
	var service *v1.ApplicationService

	BeforeEach(func() {
		authorizer = auth.NewServiceAuthorizer(evaluator, db.Services())
		service = test.Service()
		Expect(db.Services().Save(ctx, service)).To(Succeed())
	})

	It("should resolve the service before evaluating", func() {
		owner := test.Actor(service.OwnerTeamID)
		Expect(authorizer.Authorize(ctx, owner, service.ID, v1.PermissionEditService, "")).To(Succeed())

		err := authorizer.Authorize(ctx, test.Actor(test.TeamID()), service.ID, v1.PermissionEditService, "")
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})

	It("should report an unknown service as missing, not denied", func() {
		err := authorizer.Authorize(ctx, test.AdminActor(), v1.ServiceID("ghost"), v1.PermissionViewService, "")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should honor environment fences on shares", func() {
		actor := test.Actor()
		Expect(db.Shares().Save(ctx, test.Share(test.ShareOptions{
			ServiceID:    service.ID,
			GranteeType:  v1.GranteeUser,
			GranteeID:    string(actor.UserID),
			Permissions:  []v1.Permission{v1.PermissionViewService},
			Environments: []string{"prod"},
		}))).To(Succeed())

		Expect(authorizer.Authorize(ctx, actor, service.ID, v1.PermissionViewService, "prod")).To(Succeed())
		err := authorizer.Authorize(ctx, actor, service.ID, v1.PermissionViewService, "staging")
		Expect(errors.IsForbidden(err)).To(BeTrue())
	})
})

var _ = Describe("Monotonicity", func() {
	It("should only ever widen permissions when shares are added", func() {
		rng := rand.New(rand.NewSource(GinkgoRandomSeed()))
		environments := []string{"", "prod", "staging"}
		for i := 0; i < 25; i++ {
			service := test.Service()
			Expect(db.Services().Save(ctx, service)).To(Succeed())
			actor := test.Actor(test.TeamID())
			resource := auth.Resource{Service: service, Environment: environments[rng.Intn(len(environments))]}

			for j := 0; j < rng.Intn(3); j++ {
				Expect(db.Shares().Save(ctx, randomShare(rng, service.ID, actor))).To(Succeed())
			}
			evaluator.Flush()
			before, err := evaluator.EffectivePermissions(ctx, actor, resource)
			Expect(err).ToNot(HaveOccurred())

			Expect(db.Shares().Save(ctx, randomShare(rng, service.ID, actor))).To(Succeed())
			evaluator.Flush()
			after, err := evaluator.EffectivePermissions(ctx, actor, resource)
			Expect(err).ToNot(HaveOccurred())

			Expect(after).To(ContainElements(lo.ToAnySlice(before)...))
		}
	})
})

// randomShare grants a random non-empty permission subset to the actor,
// addressed either directly or through their first team, under a random
// environment fence.
func randomShare(rng *rand.Rand, serviceID v1.ServiceID, actor v1.Actor) *v1.ServiceShare {
	options := test.ShareOptions{ServiceID: serviceID}
	if rng.Intn(2) == 0 && len(actor.TeamIDs) > 0 {
		options.GranteeType = v1.GranteeTeam
		options.GranteeID = string(actor.TeamIDs[0])
	} else {
		options.GranteeType = v1.GranteeUser
		options.GranteeID = string(actor.UserID)
	}
	shareable := v1.ShareablePermissions()
	options.Permissions = []v1.Permission{shareable[rng.Intn(len(shareable))]}
	if rng.Intn(2) == 0 {
		options.Permissions = append(options.Permissions, shareable[rng.Intn(len(shareable))])
	}
	if rng.Intn(3) == 0 {
		options.Environments = []string{"prod"}
	}
	return test.Share(options)
}
