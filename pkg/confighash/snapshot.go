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

// Package confighash produces the deterministic digest of a service's
// effective configuration. The control plane and the reporting agent compute
// it independently and must agree byte-for-byte, so the canonical form is
// defined down to the newline.
package confighash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Origin tags where a property source came from. Only central sources
// participate in the digest: everything the instance adds locally (ports,
// machine-specific overrides, per-boot randomness) would make the hash
// diverge between plane and instance.
type Origin string

const (
	OriginCentral     Origin = "central"
	OriginLocal       Origin = "local"
	OriginEnvironment Origin = "environment"
	OriginSystem      Origin = "system"
	OriginRandom      Origin = "random"
)

// PropertySource is one named bag of properties. Values carry the source text
// form: booleans and numbers are hashed exactly as they were written, and a
// property with no value is simply absent from the map (never "null").
type PropertySource struct {
	Name       string
	Origin     Origin
	Properties map[string]string
}

// Snapshot is the effective configuration of one service in one environment.
// Sources are ordered by precedence: for a key defined by several sources,
// the first-listed source wins.
type Snapshot struct {
	// Header fields. Empty means absent: absent fields contribute no line to
	// the canonical form.
	Application string
	Profile     string
	Label       string
	Version     string

	Sources []PropertySource
}

// Effective merges the central sources into one filtered, first-seen-wins
// property map.
func (s Snapshot) Effective() map[string]string {
	merged := map[string]string{}
	for _, source := range s.Sources {
		if source.Origin != OriginCentral {
			continue
		}
		for key, value := range source.Properties {
			if Excluded(key) {
				continue
			}
			if _, seen := merged[key]; !seen {
				merged[key] = value
			}
		}
	}
	return merged
}

// Canonical renders the snapshot into its canonical string: optional header
// lines, then one key=value line per effective property in ascending key
// order. Deterministic regardless of map iteration or source-internal order.
func (s Snapshot) Canonical() string {
	var b strings.Builder
	for _, header := range []struct {
		key   string
		value string
	}{
		{"application", s.Application},
		{"profile", s.Profile},
		{"label", s.Label},
		{"version", s.Version},
	} {
		if header.value != "" {
			fmt.Fprintf(&b, "%s=%s\n", header.key, header.value)
		}
	}
	effective := s.Effective()
	keys := make([]string, 0, len(effective))
	for key := range effective {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, effective[key])
	}
	return b.String()
}

// Hash is the lowercase hex SHA-256 over the UTF-8 bytes of the canonical
// string.
func (s Snapshot) Hash() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}
