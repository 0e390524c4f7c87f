package orderedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertionOrderPreservedAcrossRemovals(t *testing.T) {
	m := New[string, int]()
	m.Set("c", 3)
	m.Set("a", 1)
	m.Set("b", 2)

	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())

	m.Delete("a")
	assert.Equal(t, []string{"c", "b"}, m.Keys())

	m.Set("a", 10)
	assert.Equal(t, []string{"c", "b", "a"}, m.Keys())
}

func TestUpdateDoesNotReorder(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 100)

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 100, v)
}

func TestSortedStringKeys(t *testing.T) {
	m := New[string, int]()
	m.Set("z", 1)
	m.Set("a", 2)
	m.Set("m", 3)

	assert.Equal(t, []string{"a", "m", "z"}, SortedStringKeys(m))
	// Insertion order is independent of sorted order.
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())
}

func TestEachVisitsInInsertionOrder(t *testing.T) {
	m := New[string, int]()
	m.Set("b", 1)
	m.Set("a", 2)

	var seen []string
	m.Each(func(key string, value int) {
		seen = append(seen, key)
	})
	assert.Equal(t, []string{"b", "a"}, seen)
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Delete("nonexistent")
	assert.Equal(t, 1, m.Len())
}
