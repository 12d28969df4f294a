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

// Package env reads typed values from the process environment. A variable
// that is unset or fails to parse yields the supplied default; startup never
// fails on a malformed environment, validation happens on the parsed options.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// WithDefaultInt returns the int value of the supplied environment variable
// or, if not present, the supplied default value.
func WithDefaultInt(key string, def int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return i
}

// WithDefaultString returns the string value of the supplied environment
// variable or, if not present, the supplied default value.
func WithDefaultString(key string, def string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return val
}

// WithDefaultBool returns the boolean value of the supplied environment
// variable or, if not present, the supplied default value.
func WithDefaultBool(key string, def bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return parsed
}

// WithDefaultDuration returns the duration value of the supplied environment
// variable or, if not present, the supplied default value. Values use Go
// duration syntax ("200ms", "2m").
func WithDefaultDuration(key string, def time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

// WithDefaultStringSlice returns the comma-separated values of the supplied
// environment variable or, if not present, the supplied default value. Empty
// segments are dropped, surrounding whitespace is trimmed.
func WithDefaultStringSlice(key string, def []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return SplitList(val)
}

// SplitList splits a comma-separated flag or environment value into its
// trimmed non-empty segments.
func SplitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
