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

package kv

import (
	"regexp"
	"strings"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
)

// MaxPathLength bounds normalized key paths.
const MaxPathLength = 512

var pathCharset = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// NormalizePath strips leading slashes and collapses repeated slashes. A
// trailing slash is preserved so prefixes stay prefixes.
func NormalizePath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	previousSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if previousSlash || b.Len() == 0 {
				continue
			}
			previousSlash = true
		} else {
			previousSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ValidatePath checks a normalized path against the path policy: non-empty,
// bounded length, restricted character class, no parent-directory segments.
func ValidatePath(path string) error {
	const op = "kv.ValidatePath"
	if path == "" {
		return errors.New(errors.InvalidArgument, op, "path_empty", "path must not be empty")
	}
	if len(path) > MaxPathLength {
		return errors.New(errors.InvalidArgument, op, "path_too_long", "path length %d exceeds %d", len(path), MaxPathLength)
	}
	if !pathCharset.MatchString(path) {
		return errors.New(errors.InvalidArgument, op, "path_charset", "path %q contains characters outside [A-Za-z0-9._/-]", path)
	}
	for _, segment := range strings.Split(strings.TrimSuffix(path, "/"), "/") {
		if segment == ".." {
			return errors.New(errors.InvalidArgument, op, "path_traversal", "path %q contains a parent-directory segment", path)
		}
	}
	return nil
}

// PathPolicy maps service-relative config paths onto the shared keyspace.
// All service config lives under Root: "<root>/<serviceId>/<relative>".
type PathPolicy struct {
	Root string
}

func DefaultPathPolicy() PathPolicy {
	return PathPolicy{Root: "config"}
}

// ServicePrefix returns the prefix under which all of the service's keys
// live, with trailing slash.
func (p PathPolicy) ServicePrefix(serviceID v1.ServiceID) string {
	return p.Root + "/" + string(serviceID) + "/"
}

// FullKey normalizes and validates a service-relative path and anchors it
// under the service's prefix.
func (p PathPolicy) FullKey(serviceID v1.ServiceID, relative string) (string, error) {
	const op = "kv.FullKey"
	if err := serviceID.Validate(); err != nil {
		return "", errors.Wrap(errors.InvalidArgument, op, "service_id", err)
	}
	normalized := NormalizePath(relative)
	if err := ValidatePath(normalized); err != nil {
		return "", err
	}
	full := p.ServicePrefix(serviceID) + normalized
	if len(full) > MaxPathLength {
		return "", errors.New(errors.InvalidArgument, op, "path_too_long", "full key length %d exceeds %d", len(full), MaxPathLength)
	}
	return full, nil
}

// ExtractRelativePath strips the service prefix from a full key. Keys outside
// the service's prefix are rejected.
func (p PathPolicy) ExtractRelativePath(serviceID v1.ServiceID, fullKey string) (string, error) {
	const op = "kv.ExtractRelativePath"
	prefix := p.ServicePrefix(serviceID)
	relative, found := strings.CutPrefix(fullKey, prefix)
	if !found || relative == "" {
		return "", errors.New(errors.InvalidArgument, op, "path_outside_service", "key %q is not under %q", fullKey, prefix)
	}
	return relative, nil
}

// SplitKey resolves which service a full key belongs to. Used by the watch
// dispatcher to route config changes to the owning service.
func (p PathPolicy) SplitKey(fullKey string) (v1.ServiceID, string, error) {
	const op = "kv.SplitKey"
	rest, found := strings.CutPrefix(fullKey, p.Root+"/")
	if !found {
		return "", "", errors.New(errors.InvalidArgument, op, "path_outside_root", "key %q is not under %q", fullKey, p.Root)
	}
	serviceID, relative, found := strings.Cut(rest, "/")
	if !found || relative == "" {
		return "", "", errors.New(errors.InvalidArgument, op, "path_missing_segments", "key %q has no service-relative path", fullKey)
	}
	if err := v1.ServiceID(serviceID).Validate(); err != nil {
		return "", "", errors.Wrap(errors.InvalidArgument, op, "service_id", err)
	}
	return v1.ServiceID(serviceID), relative, nil
}
