// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package maps collects small helpers for snapshotting and iterating Go
// maps in a stable order, used by the name server so that a Lookup scan
// or a debug dump doesn't depend on the runtime's randomized map
// iteration order.
package maps

import (
	"sort"

	"github.com/linaro/qrtrd/lang/natsort"
)

// Keys returns the keys of m in map iteration order (i.e. unordered).
// Kept mainly so callers that don't care about order still go through
// one idiom rather than hand-rolling `for k := range m`.
func Keys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys returns the keys of m sorted by <.
func SortedKeys[K Ordered, V any](m map[K]V) []K {
	keys := Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// NaturalKeys returns the string keys of m in natural sort order (so
// "server2" sorts before "server10").
func NaturalKeys[V any](m map[string]V) []string {
	keys := Keys(m)
	sort.Slice(keys, func(i, j int) bool { return natsort.Less(keys[i], keys[j]) })
	return keys
}

// Ordered is satisfied by any type usable with the < operator.
type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64 | ~string
}
