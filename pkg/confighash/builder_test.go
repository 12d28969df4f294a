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

package confighash_test

import (
	"context"
	"fmt"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/driftplane/driftplane/pkg/confighash"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/fake"
	"github.com/driftplane/driftplane/pkg/kv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx = context.Background()

var _ = Describe("Builder", func() {
	var store *fake.KVStore
	var builder *confighash.Builder

	BeforeEach(func() {
		store = fake.NewKVStore(clocktesting.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)))
		builder = confighash.NewBuilder(store, kv.DefaultPathPolicy())
	})

	put := func(key, value string) {
		GinkgoHelper()
		_, err := store.Put(ctx, key, []byte(value), kv.PutOptions{})
		Expect(err).ToNot(HaveOccurred())
	}

	It("should shadow shared keys with environment keys", func() {
		put("config/svc-a/prod/log/level", "debug")
		put("config/svc-a/default/log/level", "info")
		put("config/svc-a/default/feature/flags", "on")

		snapshot, err := builder.Build(ctx, "svc-a", "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Application).To(Equal("svc-a"))
		Expect(snapshot.Profile).To(Equal("prod"))
		Expect(snapshot.Sources).To(HaveLen(2))
		Expect(snapshot.Effective()).To(Equal(map[string]string{
			"log.level":     "debug",
			"feature.flags": "on",
		}))
	})
	It("should fold path segments into dotted property keys", func() {
		put("config/svc-a/prod/db/pool/max", "20")
		put("config/svc-a/prod/db/url", "jdbc:postgresql://db:5432/app")

		snapshot, err := builder.Build(ctx, "svc-a", "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Canonical()).To(Equal(
			"application=svc-a\nprofile=prod\ndb.pool.max=20\ndb.url=jdbc:postgresql://db:5432/app\n"))
	})
	It("should resolve the empty environment to the shared segment", func() {
		put("config/svc-a/default/feature/flags", "on")

		snapshot, err := builder.Build(ctx, "svc-a", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Profile).To(Equal(confighash.SharedEnvironment))
		Expect(snapshot.Sources).To(HaveLen(1))
		Expect(snapshot.Effective()).To(Equal(map[string]string{"feature.flags": "on"}))
	})
	It("should not read across service boundaries", func() {
		put("config/svc-b/prod/db/url", "jdbc:postgresql://other:5432/app")

		snapshot, err := builder.Build(ctx, "svc-a", "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Effective()).To(BeEmpty())
	})
	It("should reject environments with path separators", func() {
		_, err := builder.Build(ctx, "svc-a", "prod/extra")
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
	It("should surface backend failures", func() {
		store.NextListError.Set(fmt.Errorf("consul is down"))
		_, err := builder.Build(ctx, "svc-a", "prod")
		Expect(err).To(HaveOccurred())
	})
})
