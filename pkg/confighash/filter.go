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

import "strings"

var (
	// Keys containing any of these anywhere are secrets and never hashed.
	excludedSubstrings = []string{
		"password",
		"secret",
		"token",
		"credential",
	}
	// Keys starting with any of these are volatile per instance or per boot:
	// hashing them would flag every restart as drift. server.port and
	// management.port are the instance's own listen ports.
	excludedPrefixes = []string{
		"random.",
		"local.server.port",
		"local.management.port",
		"management.metrics",
		"management.port",
		"logging.",
		"spring.application.instance_id",
		"info.",
		"server.address",
		"server.port",
		"java.",
		"sun.",
		"user.",
	}
)

// Excluded reports whether the property key is kept out of the canonical
// form. Matching is case-insensitive.
func Excluded(key string) bool {
	lowered := strings.ToLower(key)
	for _, substring := range excludedSubstrings {
		if strings.Contains(lowered, substring) {
			return true
		}
	}
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}
