// Copyright 2024 The Cockroach Authors
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

package robinhood

// Iterator is a position in the iteration order of a Map. Iterators are
// comparable: two iterators are equal if they refer to the same Map and the
// same logical position, so an Iterator can be compared against End().
//
// Growing the map invalidates all iterators. Deleting an entry invalidates
// iterators positioned at it, and moves the entry that was last in
// iteration order to the deleted entry's position.
type Iterator[K comparable, V any] struct {
	m   *Map[K, V]
	pos int
}

// Begin returns an iterator positioned at the first entry, or End() if the
// map is empty.
func (m *Map[K, V]) Begin() Iterator[K, V] {
	return Iterator[K, V]{m: m, pos: 0}
}

// End returns the iterator positioned one past the last entry.
func (m *Map[K, V]) End() Iterator[K, V] {
	return Iterator[K, V]{m: m, pos: len(m.entries)}
}

// Next returns the iterator positioned at the following entry.
func (it Iterator[K, V]) Next() Iterator[K, V] {
	it.pos++
	return it
}

// Valid returns true if the iterator is positioned at an entry.
func (it Iterator[K, V]) Valid() bool {
	return it.m != nil && it.pos >= 0 && it.pos < len(it.m.entries)
}

// Key returns the key of the entry the iterator is positioned at.
func (it Iterator[K, V]) Key() K {
	return it.entry().key
}

// Value returns the value of the entry the iterator is positioned at.
func (it Iterator[K, V]) Value() V {
	return it.entry().value
}

// SetValue replaces the value of the entry the iterator is positioned at.
func (it Iterator[K, V]) SetValue(value V) {
	it.entry().value = value
}

// entry dereferences the iterator through the indirection array and the
// bucket table. It panics if the iterator is not Valid.
func (it Iterator[K, V]) entry() *entry[K, V] {
	b := it.m.buckets[it.m.order[it.pos]]
	return &it.m.entries[b.pos]
}

// All calls yield sequentially for each key and value present in the map, in
// iteration order. If yield returns false, range stops the iteration. The
// map can be mutated during iteration, though there is no guarantee as to
// which entries are visited after a mutation.
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := 0; i < len(m.entries); i++ {
		e := &m.entries[i]
		if !yield(e.key, e.value) {
			return
		}
	}
}

// Keys calls yield sequentially for each key present in the map, in
// iteration order.
func (m *Map[K, V]) Keys(yield func(key K) bool) {
	m.All(func(k K, _ V) bool {
		return yield(k)
	})
}

// Values calls yield sequentially for each value present in the map, in
// iteration order.
func (m *Map[K, V]) Values(yield func(value V) bool) {
	m.All(func(_ K, v V) bool {
		return yield(v)
	})
}
