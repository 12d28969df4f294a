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
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/driftplane/driftplane/pkg/confighash"
)

func TestConfigHash(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ConfigHash")
}

func central(name string, properties map[string]string) confighash.PropertySource {
	return confighash.PropertySource{Name: name, Origin: confighash.OriginCentral, Properties: properties}
}

var _ = Describe("Canonical form", func() {
	It("should drop secret-bearing and volatile keys", func() {
		snapshot := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", map[string]string{
			"db.url":      "x",
			"db.password": "secret",
			"server.port": "8080",
		})}}
		Expect(snapshot.Canonical()).To(Equal("db.url=x\n"))
		Expect(snapshot.Hash()).To(Equal("45c494193859bd2baa2dbc6eb7122f23c847d5a688aa4bff1f8a5fbd3cf5f2b9"))
	})
	It("should emit header lines only when set", func() {
		snapshot := confighash.Snapshot{
			Application: "svc-a",
			Profile:     "prod",
			Sources: []confighash.PropertySource{central("app", map[string]string{
				"db.url":       "jdbc:postgresql://db:5432/app",
				"db.pool.size": "10",
			})},
		}
		Expect(snapshot.Canonical()).To(Equal(
			"application=svc-a\nprofile=prod\ndb.pool.size=10\ndb.url=jdbc:postgresql://db:5432/app\n"))
		Expect(snapshot.Hash()).To(Equal("80cfc50b3711780339a9fcb1442942bcc0918324ec6e6401779e7c7ff2946e90"))
	})
	It("should filter case-insensitively", func() {
		for _, key := range []string{"DB.Password", "api.TOKEN.ttl", "aws.secretKey", "oauth.Credentials", "RANDOM.seed", "LOGGING.level.root"} {
			Expect(confighash.Excluded(key)).To(BeTrue(), key)
		}
		for _, key := range []string{"db.url", "server.servlet.context-path", "features.tokenizer"} {
			Expect(confighash.Excluded(key)).To(BeFalse(), key)
		}
	})
	It("should ignore non-central sources entirely", func() {
		snapshot := confighash.Snapshot{Sources: []confighash.PropertySource{
			{Name: "systemProperties", Origin: confighash.OriginSystem, Properties: map[string]string{"os.name": "Linux"}},
			{Name: "env", Origin: confighash.OriginEnvironment, Properties: map[string]string{"HOME": "/root"}},
			central("app", map[string]string{"db.url": "x"}),
			{Name: "random", Origin: confighash.OriginRandom, Properties: map[string]string{"random.int": "4"}},
		}}
		Expect(snapshot.Canonical()).To(Equal("db.url=x\n"))
	})
	It("should let the first-listed source win on key collision", func() {
		snapshot := confighash.Snapshot{Sources: []confighash.PropertySource{
			central("overrides", map[string]string{"feature.flag": "on"}),
			central("defaults", map[string]string{"feature.flag": "off", "db.url": "x"}),
		}}
		Expect(snapshot.Effective()).To(Equal(map[string]string{"feature.flag": "on", "db.url": "x"}))
	})
})

var _ = Describe("Determinism", func() {
	properties := map[string]string{
		"db.url":            "jdbc:postgresql://db:5432/app",
		"db.pool.size":      "10",
		"feature.flag":      "true",
		"retry.max":         "5",
		"cache.ttl.seconds": "120",
		"a":                 "1",
		"zz.last":           "omega",
	}

	It("should be independent of insertion order", func() {
		reference := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", properties)}}.Hash()
		keys := lo.Keys(properties)
		for trial := 0; trial < 10; trial++ {
			shuffled := map[string]string{}
			for _, key := range lo.Shuffle(keys) {
				shuffled[key] = properties[key]
			}
			snapshot := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", shuffled)}}
			Expect(snapshot.Hash()).To(Equal(reference))
		}
	})
	It("should not change when a filtered key is added or removed", func() {
		without := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", properties)}}
		withSecret := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", lo.Assign(
			map[string]string{}, properties, map[string]string{"db.password": "hunter2"},
		))}}
		Expect(withSecret.Hash()).To(Equal(without.Hash()))
	})
	It("should change when any non-filtered value changes", func() {
		reference := confighash.Snapshot{Sources: []confighash.PropertySource{central("app", properties)}}.Hash()
		changed := lo.Assign(map[string]string{}, properties, map[string]string{"retry.max": "6"})
		Expect(confighash.Snapshot{Sources: []confighash.PropertySource{central("app", changed)}}.Hash()).ToNot(Equal(reference))
	})
})
