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

// Package robinhood is an open-addressing hash map that uses Robin Hood
// displacement on insertion and backward-shift deletion on removal. See:
// https://cs.uwaterloo.ca/research/tr/1986/CS-86-14.pdf and
// https://codecapsule.com/2013/11/17/robin-hood-hashing-backward-shift-deletion/.
//
// # Layout
//
// A Map is made of three arrays that are kept in lockstep:
//
//   - The bucket table. Each bucket is either empty or holds the probe
//     sequence length (PSL) of the entry it refers to and that entry's
//     logical position.
//   - The dense store. Entries (key and value) live contiguously, indexed by
//     logical position. Iteration walks the dense store from position 0 to
//     Len()-1.
//   - The indirection array. For every logical position it records which
//     bucket currently refers to that entry.
//
// All cross references are integer indices rather than pointers, so the
// dense store can be reallocated by append without invalidating the bucket
// table. The bucket <-> indirection references form a cycle: each
// algorithm below that moves a bucket, or moves an entry to another logical
// position, updates both sides before returning.
//
// # Probing
//
// The ideal bucket of a key is (hash(key)*30011 + 179) mod len(buckets). The
// multiply-add diffuses weak user hashes and is recomputed against the
// current bucket count, so displacements are always relative to the table
// they live in. Probing is linear and wraps at the end of the table.
//
// On insertion the new entry is carried forward from its ideal bucket. At
// every occupied bucket, if the carried entry is further from home than the
// resident, they trade places and the evicted resident is carried onward.
// The first empty bucket receives whatever is being carried.
//
// On deletion the bucket is emptied and every following entry that is not
// in its ideal bucket is shifted back by one, which leaves no tombstones.
// In the dense store the last entry is moved into the vacated position, so
// deletion reorders iteration: the entry that was last is now found where
// the deleted entry used to be.
//
// # Growth
//
// The load factor never exceeds 1/4. When an insertion would exceed it the
// table is rebuilt at the next size from a fixed schedule of bucket counts,
// replaying every entry in logical order. The table never shrinks.
package robinhood

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	debug = false

	// The maximum load factor is maxLoadNum/maxLoadDen.
	maxLoadNum = 1
	maxLoadDen = 4

	// The multiply-add applied to user hashes before reduction.
	hashMul = 30011
	hashAdd = 179

	initialBuckets = 1
)

// growthSchedule is the ascending list of bucket counts the table is sized
// to. Each is roughly double the previous one.
var growthSchedule = [...]uint64{
	2, 5, 11, 23, 47, 97, 197, 397, 797, 1597, 3203, 6421, 12853, 25717,
	51437, 102877, 205759, 411527, 823117, 1646237, 3292489, 6584983,
	13169977, 26339969, 52679969, 105359939, 210719881, 421439783,
	842879579, 1685759167, 3371518343, 6743036717, 13486073473,
	26972146961, 53944293929, 107888587883, 215777175787, 431554351609,
	863108703229, 1726217406467, 3452434812973, 6904869625999,
	13809739252051, 27619478504183, 55238957008387, 110477914016779,
	220955828033581, 441911656067171, 883823312134381, 1767646624268779,
	3535293248537579, 7070586497075177, 14141172994150357,
	28282345988300791, 56564691976601587, 113129383953203213,
	226258767906406483, 452517535812813007, 905035071625626043,
	1810070143251252131, 3620140286502504283, 7240280573005008577,
}

// ErrNotFound is returned by Map.At when the key is not present.
var ErrNotFound = errors.New("robinhood: key not found")

// errUninitialized is the panic value for operations on a Map that was
// never initialized through New or Init.
const errUninitialized = "robinhood: Map used before Init"

// Pair is a key and value, used to construct a Map from a literal list.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// entry is an element of the dense store. The key is never modified once the
// entry has been stored.
type entry[K comparable, V any] struct {
	key   K
	value V
}

// bucket is a slot in the bucket table.
type bucket struct {
	// dist is the PSL of the referenced entry plus one. Zero marks an empty
	// bucket, which lets a freshly allocated table start out empty.
	dist int
	// pos is the logical position of the referenced entry, i.e. its index in
	// Map.entries and Map.order.
	pos int
}

func (b bucket) empty() bool {
	return b.dist == 0
}

// Map is a hash map from unique keys to values. Iteration follows insertion
// order until an entry is deleted, at which point the entry that was last in
// iteration order takes the place of the deleted one.
//
// Insert never overwrites: only the first insertion of a key takes effect.
// Use Index to modify the value of a stored key.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash func(key K) uint64
	// buckets is the bucket table. Its length comes from growthSchedule
	// (or is initialBuckets) and never decreases.
	buckets []bucket
	// entries is the dense store, indexed by logical position.
	entries []entry[K, V]
	// order is the indirection array: order[pos] is the index of the bucket
	// referring to entries[pos]. For every occupied bucket b at index i,
	// order[b.pos] == i.
	order []int
}

// New constructs a new Map able to hold initialCapacity entries before it
// needs to grow. If initialCapacity is 0 the map starts out with the minimal
// bucket count and grows on the first insert. The zero value for a Map is
// not usable until Init is called.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Collect constructs a new Map from the key/value pairs of seq, inserting
// them in sequence order. Only the first occurrence of a key takes effect.
func Collect[K comparable, V any](seq func(yield func(K, V) bool), options ...option[K, V]) *Map[K, V] {
	m := New[K, V](0, options...)
	seq(func(k K, v V) bool {
		m.Insert(k, v)
		return true
	})
	return m
}

// FromPairs constructs a new Map holding pairs, inserted in slice order.
// Only the first occurrence of a key takes effect.
func FromPairs[K comparable, V any](pairs []Pair[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](len(pairs), options...)
	for _, p := range pairs {
		m.Insert(p.Key, p.Value)
	}
	return m
}

// Init initializes a Map with the specified initial capacity, discarding
// any existing contents. Init can be used to reuse a Map value.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	if initialCapacity < 0 {
		panic(fmt.Sprintf("robinhood: negative initial capacity %d", initialCapacity))
	}
	*m = Map[K, V]{
		hash: defaultHasher[K](),
	}
	for _, op := range options {
		op.apply(m)
	}

	n := initialBuckets
	if initialCapacity > 0 {
		n = targetBucketCount(initialCapacity)
	}
	m.reset(n)
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}

// Empty returns true if the map holds no entries.
func (m *Map[K, V]) Empty() bool {
	return len(m.entries) == 0
}

// Hasher returns the hash function the map was configured with.
func (m *Map[K, V]) Hasher() func(key K) uint64 {
	return m.hash
}

// Insert inserts an entry into the map. If an entry with the same key
// already exists, Insert does nothing and the stored value is kept.
func (m *Map[K, V]) Insert(key K, value V) {
	if _, ok := m.lookup(key); ok {
		if debug {
			fmt.Printf("insert(%v): exists\n", key)
		}
		return
	}
	m.growIfNeeded()
	m.uncheckedInsert(key, value)
	m.checkInvariants()
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.lookup(key)
	if !ok {
		return value, false
	}
	return m.entries[m.buckets[i].pos].value, true
}

// Contains returns true if the key is present in the map.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.lookup(key)
	return ok
}

// At returns the value stored for key. If the key is not present the
// returned error wraps ErrNotFound.
func (m *Map[K, V]) At(key K) (V, error) {
	v, ok := m.Get(key)
	if !ok {
		return v, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return v, nil
}

// Index returns a pointer to the value stored for key, first inserting the
// zero value if the key is not present. The pointer is valid until the next
// call that inserts or deletes an entry.
func (m *Map[K, V]) Index(key K) *V {
	if i, ok := m.lookup(key); ok {
		return &m.entries[m.buckets[i].pos].value
	}
	var zero V
	m.growIfNeeded()
	pos := m.uncheckedInsert(key, zero)
	m.checkInvariants()
	return &m.entries[pos].value
}

// Find returns an iterator positioned at the entry for key, or End() if the
// key is not present.
func (m *Map[K, V]) Find(key K) Iterator[K, V] {
	i, ok := m.lookup(key)
	if !ok {
		return m.End()
	}
	return Iterator[K, V]{m: m, pos: m.buckets[i].pos}
}

// Delete deletes the entry corresponding to the specified key from the map.
// It is a noop to delete a non-existent key.
//
// The entry that was last in iteration order is moved to the position the
// deleted entry occupied.
func (m *Map[K, V]) Delete(key K) {
	i, ok := m.lookup(key)
	if !ok {
		if debug {
			fmt.Printf("delete(%v): not found\n", key)
		}
		return
	}

	// Swap-remove from the dense store and the indirection array.
	pos := m.buckets[i].pos
	last := len(m.entries) - 1
	if pos != last {
		m.entries[pos] = m.entries[last]
		lastBucket := m.order[last]
		m.order[pos] = lastBucket
		m.buckets[lastBucket].pos = pos
	}
	// Zero the vacated entry so the GC can reclaim whatever it references.
	m.entries[last] = entry[K, V]{}
	m.entries = m.entries[:last]
	m.order = m.order[:last]

	m.buckets[i] = bucket{}
	m.backwardShift(i)

	if debug {
		fmt.Printf("delete(%v): bucket=%d pos=%d len=%d\n", key, i, pos, len(m.entries))
	}
	m.checkInvariants()
}

// backwardShift moves the entries following the empty bucket at index i
// back by one bucket until it reaches an empty bucket or an entry that is in
// its ideal bucket.
func (m *Map[K, V]) backwardShift(i int) {
	n := len(m.buckets)
	for {
		j := i + 1
		if j == n {
			j = 0
		}
		b := m.buckets[j]
		if b.dist <= 1 {
			// Empty, or already in its ideal bucket.
			return
		}
		b.dist--
		m.buckets[i] = b
		m.order[b.pos] = i
		m.buckets[j] = bucket{}
		if debug {
			fmt.Printf("shift: %d -> %d psl=%d\n", j, i, b.dist-1)
		}
		i = j
	}
}

// Clear deletes all entries from the map. The bucket table keeps its size.
func (m *Map[K, V]) Clear() {
	clear(m.buckets)
	clear(m.entries)
	m.entries = m.entries[:0]
	m.order = m.order[:0]
	m.checkInvariants()
}

// Clone returns an independent copy of the map that uses the same hash
// function. The copy iterates in the same order as m.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{hash: m.hash}
	c.copyEntries(m)
	return c
}

// CopyFrom replaces the contents of m with a copy of the contents of src.
// m keeps its own hash function. After the copy m iterates in the same order
// as src.
func (m *Map[K, V]) CopyFrom(src *Map[K, V]) {
	if m == src {
		return
	}
	m.copyEntries(src)
}

func (m *Map[K, V]) copyEntries(src *Map[K, V]) {
	entries := src.entries
	m.reset(len(src.buckets))
	for i := range entries {
		m.growIfNeeded()
		m.uncheckedInsert(entries[i].key, entries[i].value)
	}
	m.checkInvariants()
}

// ideal returns the ideal bucket for key in the current bucket table.
func (m *Map[K, V]) ideal(key K) int {
	return int((m.hash(key)*hashMul + hashAdd) % uint64(len(m.buckets)))
}

// lookup probes for key, returning the index of the bucket referring to it
// and ok=true, or ok=false if the key is not present. Probing stops at the
// first empty bucket; the load factor guarantees there is one.
func (m *Map[K, V]) lookup(key K) (i int, ok bool) {
	n := len(m.buckets)
	if n == 0 {
		panic(errUninitialized)
	}
	i = m.ideal(key)
	if debug {
		fmt.Printf("lookup(%v): ideal=%d buckets=%d\n", key, i, n)
	}
	for {
		b := m.buckets[i]
		if b.empty() {
			return i, false
		}
		if m.entries[b.pos].key == key {
			return i, true
		}
		if i++; i == n {
			i = 0
		}
	}
}

// growIfNeeded rebuilds the table at a larger size if inserting one more
// entry would exceed the maximum load factor.
func (m *Map[K, V]) growIfNeeded() {
	need := len(m.entries) + 1
	if uint64(need)*maxLoadDen <= uint64(len(m.buckets))*maxLoadNum {
		return
	}
	m.rehash(targetBucketCount(need))
}

// uncheckedInsert inserts an entry known not to be in the map and returns
// its logical position. The caller is responsible for ensuring the load
// factor permits the insertion.
func (m *Map[K, V]) uncheckedInsert(key K, value V) int {
	pos := len(m.entries)
	m.entries = append(m.entries, entry[K, V]{key: key, value: value})
	m.order = append(m.order, 0)

	n := len(m.buckets)
	i := m.ideal(key)
	carried := bucket{dist: 1, pos: pos}
	if debug {
		fmt.Printf("insert(%v): ideal=%d pos=%d\n", key, i, pos)
	}
	for !m.buckets[i].empty() {
		if carried.dist > m.buckets[i].dist {
			// The carried entry is further from home than the resident:
			// steal the bucket and carry the resident onward.
			carried, m.buckets[i] = m.buckets[i], carried
			m.order[m.buckets[i].pos] = i
			if debug {
				fmt.Printf("insert(steal): bucket=%d evicted pos=%d psl=%d\n",
					i, carried.pos, carried.dist-1)
			}
		}
		carried.dist++
		if i++; i == n {
			i = 0
		}
	}
	m.buckets[i] = carried
	m.order[carried.pos] = i
	return pos
}

// rehash rebuilds the bucket table with n buckets, replaying every entry in
// logical order so that iteration order is preserved.
func (m *Map[K, V]) rehash(n int) {
	if debug {
		fmt.Printf("rehash: buckets=%d->%d len=%d\n", len(m.buckets), n, len(m.entries))
	}
	old := m.entries
	m.reset(n)
	for i := range old {
		m.uncheckedInsert(old[i].key, old[i].value)
	}
}

// reset replaces the bucket table with n empty buckets and empties the dense
// store and indirection array, sizing them for the maximum load of n
// buckets.
func (m *Map[K, V]) reset(n int) {
	capacity := maxEntries(n)
	m.buckets = make([]bucket, n)
	m.entries = make([]entry[K, V], 0, capacity)
	m.order = make([]int, 0, capacity)
}

// maxEntries returns the number of entries n buckets can hold without
// exceeding the maximum load factor.
func maxEntries(n int) int {
	return int(uint64(n) * maxLoadNum / maxLoadDen)
}

// targetBucketCount returns the smallest scheduled bucket count able to hold
// need entries within the maximum load factor.
func targetBucketCount(need int) int {
	for _, c := range growthSchedule {
		if c > math.MaxInt {
			break
		}
		if uint64(need)*maxLoadDen <= c*maxLoadNum {
			return int(c)
		}
	}
	panic(fmt.Sprintf("robinhood: no bucket count can hold %d entries", need))
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, m.debugString()))
		}
	}
}

// validate checks the structural invariants of the map, returning an error
// describing the first violation found.
func (m *Map[K, V]) validate() error {
	n := len(m.buckets)
	if n == 0 {
		return errors.New("empty bucket table")
	}
	if len(m.entries) != len(m.order) {
		return fmt.Errorf("dense store has %d entries, but indirection array has %d",
			len(m.entries), len(m.order))
	}
	if uint64(len(m.entries))*maxLoadDen > uint64(n)*maxLoadNum {
		return fmt.Errorf("%d entries exceed the load factor of %d buckets", len(m.entries), n)
	}

	var used int
	for i := 0; i < n; i++ {
		b := m.buckets[i]
		if b.empty() {
			continue
		}
		used++
		if b.pos < 0 || b.pos >= len(m.entries) {
			return fmt.Errorf("bucket(%d): position %d out of range", i, b.pos)
		}
		if m.order[b.pos] != i {
			return fmt.Errorf("bucket(%d): order(%d)=%d does not refer back", i, b.pos, m.order[b.pos])
		}
		key := m.entries[b.pos].key
		if psl := (i - m.ideal(key) + n) % n; psl != b.dist-1 {
			return fmt.Errorf("bucket(%d): %v has psl %d, but %d is recorded", i, key, psl, b.dist-1)
		}
		if j, ok := m.lookup(key); !ok || j != i {
			return fmt.Errorf("bucket(%d): %v not found", i, key)
		}

		// An entry is never more than one step further from home than the
		// entry in the bucket before it, and an entry following an empty
		// bucket is in its ideal bucket.
		prev := m.buckets[(i+n-1)%n]
		if b.dist > prev.dist+1 {
			return fmt.Errorf("bucket(%d): psl %d follows psl %d", i, b.dist-1, prev.dist-1)
		}
	}
	if used != len(m.entries) {
		return fmt.Errorf("found %d used buckets, but len is %d", used, len(m.entries))
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  len=%d\n", len(m.buckets), len(m.entries))
	for i, b := range m.buckets {
		if b.empty() {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		if b.pos < 0 || b.pos >= len(m.entries) {
			fmt.Fprintf(&buf, "  %4d: [pos=%d psl=%d] dangling\n", i, b.pos, b.dist-1)
			continue
		}
		key := m.entries[b.pos].key
		fmt.Fprintf(&buf, "  %4d: %v [pos=%d psl=%d ideal=%d]\n", i, key, b.pos, b.dist-1, m.ideal(key))
	}
	return buf.String()
}
