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

package confighash

import (
	"context"
	"strings"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/kv"
)

// SharedEnvironment is the reserved environment segment whose keys apply to
// every environment of the service, at lower precedence than the
// environment's own keys.
const SharedEnvironment = "default"

// Builder assembles snapshots from the shared keyspace. A service's expected
// configuration for environment E lives under "<root>/<serviceId>/<E>/"; the
// path below the environment segment becomes the property key with slashes
// folded to dots, so "config/billing/prod/db/pool/max" defines "db.pool.max".
type Builder struct {
	store  kv.Store
	policy kv.PathPolicy
}

func NewBuilder(store kv.Store, policy kv.PathPolicy) *Builder {
	return &Builder{store: store, policy: policy}
}

// EnvironmentPrefix returns the keyspace prefix holding the service's
// configuration for one environment, with trailing slash. An empty
// environment resolves to the shared segment.
func (b *Builder) EnvironmentPrefix(serviceID v1.ServiceID, environment string) string {
	if environment == "" {
		environment = SharedEnvironment
	}
	return b.policy.ServicePrefix(serviceID) + environment + "/"
}

// Build reads the environment's subtree plus the shared subtree and
// assembles the snapshot, environment keys first so they shadow shared ones.
// The Version header stays empty on purpose: the digest must change only
// when effective content changes, never because an index moved.
func (b *Builder) Build(ctx context.Context, serviceID v1.ServiceID, environment string) (Snapshot, error) {
	const op = "confighash.Build"
	if environment == "" {
		environment = SharedEnvironment
	}
	if strings.Contains(environment, "/") {
		return Snapshot{}, errors.New(errors.InvalidArgument, op, "environment_segments", "environment %q must be a single path segment", environment)
	}

	prefixes := []string{b.EnvironmentPrefix(serviceID, environment)}
	if environment != SharedEnvironment {
		prefixes = append(prefixes, b.EnvironmentPrefix(serviceID, SharedEnvironment))
	}

	snapshot := Snapshot{
		Application: string(serviceID),
		Profile:     environment,
	}
	for _, prefix := range prefixes {
		entries, err := b.store.List(ctx, prefix, kv.ListOptions{})
		if err != nil {
			category := errors.CategoryOf(err)
			if category == "" {
				category = errors.BackendUnavailable
			}
			return Snapshot{}, errors.Wrap(category, op, "list_failed", err)
		}
		snapshot.Sources = append(snapshot.Sources, PropertySource{
			Name:       prefix,
			Origin:     OriginCentral,
			Properties: properties(prefix, entries),
		})
	}
	return snapshot, nil
}

func properties(prefix string, entries []*kv.Entry) map[string]string {
	props := make(map[string]string, len(entries))
	for _, entry := range entries {
		key := strings.TrimPrefix(entry.Key, prefix)
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		props[strings.ReplaceAll(key, "/", ".")] = string(entry.Value)
	}
	return props
}
