// Package orderedmap provides a generic map that preserves insertion order
// across iteration while still allowing deterministic sorted-key iteration.
package orderedmap

import "sort"

// Map is an insertion-order-preserving map. The zero value is not usable;
// construct with New.
type Map[K comparable, V any] struct {
	values map[K]V
	order  []K
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

// Set inserts or updates the value for key. Updating an existing key does
// not change its position in insertion order.
func (m *Map[K, V]) Set(key K, value V) {
	if _, ok := m.values[key]; !ok {
		m.order = append(m.order, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key, if present, and drops it from the insertion order.
func (m *Map[K, V]) Delete(key K) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.order)
}

// Keys returns a copy of the keys in insertion order; mutating the returned
// slice does not affect m.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// SortedKeys returns keys sorted by less. Admission passes use this to make
// scheduling decisions reproducible across runs, independent of insertion
// order.
func SortedKeys[K comparable, V any](m *Map[K, V], less func(a, b K) bool) []K {
	out := m.Keys()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// SortedStringKeys is a convenience wrapper over SortedKeys for string keys,
// the common case in this repository.
func SortedStringKeys[V any](m *Map[string, V]) []string {
	return SortedKeys(m, func(a, b string) bool { return a < b })
}

// Each calls fn for every entry in insertion order. fn may call Delete on
// the current key; it must not otherwise mutate m.
func (m *Map[K, V]) Each(fn func(key K, value V)) {
	for _, k := range m.Keys() {
		v, ok := m.values[k]
		if !ok {
			continue
		}
		fn(k, v)
	}
}
