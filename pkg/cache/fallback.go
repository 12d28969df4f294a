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

// Package cache holds the control plane's in-process caches.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Fallback retains last-known-good values so reads can degrade gracefully
// while a backend is down. Bounded size with LRU eviction; entries expire TTL
// after their last refresh. Values served from here must be flagged stale by
// the caller.
type Fallback[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewFallback builds a fallback cache holding at most size entries for at
// most ttl each.
func NewFallback[V any](size int, ttl time.Duration) *Fallback[V] {
	return &Fallback[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Remember stores the latest good value for key.
func (f *Fallback[V]) Remember(key string, value V) {
	f.lru.Add(key, value)
}

// Lookup returns the last-known-good value for key, if still retained.
func (f *Fallback[V]) Lookup(key string) (V, bool) {
	return f.lru.Get(key)
}

// Forget drops the key, e.g. after a confirmed delete.
func (f *Fallback[V]) Forget(key string) {
	f.lru.Remove(key)
}

// Flush empties the cache.
func (f *Fallback[V]) Flush() {
	f.lru.Purge()
}

func (f *Fallback[V]) Len() int {
	return f.lru.Len()
}
