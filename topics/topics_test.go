// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package topics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(topics ...string) *Index {
	x := NewIndex()
	for _, topic := range topics {
		x.Add(topic)
	}
	return x
}

func TestNewIndex(t *testing.T) {
	x := NewIndex()
	require.NotNil(t, x)
	require.NotNil(t, x.root)
	require.NotNil(t, x.root.particles)
	require.Equal(t, 0, x.Len())
}

func TestIndexAdd(t *testing.T) {
	x := NewIndex()
	require.True(t, x.Add("a/b/c"))
	require.Equal(t, 1, x.Len())

	n := x.root.particles["a"].particles["b"].particles["c"]
	require.NotNil(t, n)
	require.True(t, n.terminal)
	require.Equal(t, "a/b/c", n.topic)
	require.Equal(t, "c", n.key)
	require.Equal(t, x.root.particles["a"].particles["b"], n.parent)
	require.False(t, x.root.particles["a"].terminal)
}

func TestIndexAddIdempotent(t *testing.T) {
	x := NewIndex()
	require.True(t, x.Add("a/b"))
	require.False(t, x.Add("a/b"))
	require.Equal(t, 1, x.Len())
	require.Equal(t, []string{"a/b"}, x.Query("#"))
}

func TestIndexAddEmptyLevels(t *testing.T) {
	x := newTestIndex("/a", "a//b", "a/")
	require.Equal(t, 3, x.Len())
	require.Contains(t, x.root.particles, "")
	require.Contains(t, x.root.particles["a"].particles, "")
	require.True(t, indexed(x, "/a"))
	require.True(t, indexed(x, "a//b"))
	require.True(t, indexed(x, "a/"))
	require.False(t, indexed(x, "a"))
}

// indexed returns true if the literal topic is stored in the index.
func indexed(x *Index, topic string) bool {
	n := x.seek(topic)
	return n != nil && n.terminal
}

func TestIndexSeekTopic(t *testing.T) {
	x := newTestIndex("a/b/c")
	require.True(t, indexed(x, "a/b/c"))
	require.False(t, indexed(x, "a/b"))
	require.False(t, indexed(x, "a/b/c/d"))
	require.False(t, indexed(x, "x"))
}

func TestIndexRemove(t *testing.T) {
	x := newTestIndex("a/b/c", "a/b/d", "a")

	require.True(t, x.Remove("a/b/c"))
	require.Equal(t, 2, x.Len())
	require.NotContains(t, x.root.particles["a"].particles["b"].particles, "c")
	require.Contains(t, x.root.particles["a"].particles["b"].particles, "d")

	require.True(t, x.Remove("a/b/d"))
	require.NotContains(t, x.root.particles["a"].particles, "b")
	require.Contains(t, x.root.particles, "a", "a is still a stored topic")

	require.True(t, x.Remove("a"))
	require.Empty(t, x.root.particles)
	require.Equal(t, 0, x.Len())
}

func TestIndexRemoveKeepsDescendants(t *testing.T) {
	x := newTestIndex("a", "a/b")
	require.True(t, x.Remove("a"))
	require.Contains(t, x.root.particles, "a")
	require.False(t, x.root.particles["a"].terminal)
	require.Equal(t, []string{"a/b"}, x.Query("#"))
}

func TestIndexRemoveMissing(t *testing.T) {
	x := newTestIndex("a/b")
	require.False(t, x.Remove("a"))
	require.False(t, x.Remove("a/b/c"))
	require.False(t, x.Remove("z"))
	require.Equal(t, 1, x.Len())
	require.True(t, indexed(x, "a/b"))

	require.True(t, x.Remove("a/b"))
	require.False(t, x.Remove("a/b"))
	require.Equal(t, 0, x.Len())
}

func TestIndexQuery(t *testing.T) {
	x := newTestIndex("a/b", "a/c", "a/b/d", "x")

	tt := []struct {
		filter string
		want   []string
	}{
		{filter: "a/+", want: []string{"a/b", "a/c"}},
		{filter: "a/#", want: []string{"a/b", "a/c", "a/b/d"}},
		{filter: "#", want: []string{"a/b", "a/c", "a/b/d", "x"}},
		{filter: "a/b", want: []string{"a/b"}},
		{filter: "a", want: []string{}},
		{filter: "+", want: []string{"x"}},
		{filter: "+/+", want: []string{"a/b", "a/c"}},
		{filter: "+/+/+", want: []string{"a/b/d"}},
		{filter: "+/b/#", want: []string{"a/b", "a/b/d"}},
		{filter: "a/+/d", want: []string{"a/b/d"}},
		{filter: "a/b/d/#", want: []string{"a/b/d"}},
		{filter: "a/b/d/+", want: []string{}},
		{filter: "z/#", want: []string{}},
		{filter: "x/+", want: []string{}},
	}

	for _, tx := range tt {
		t.Run(tx.filter, func(t *testing.T) {
			require.ElementsMatch(t, tx.want, x.Query(tx.filter))
		})
	}
}

func TestIndexQueryMultiLevelIncludesParent(t *testing.T) {
	x := newTestIndex("a", "a/b", "b")
	require.ElementsMatch(t, []string{"a", "a/b"}, x.Query("a/#"))
}

func TestIndexQueryEmpty(t *testing.T) {
	x := NewIndex()
	require.NotNil(t, x.Query("#"))
	require.Empty(t, x.Query("#"))
}

func TestIndexQueryNoDuplicates(t *testing.T) {
	x := newTestIndex("a/b/c", "a/b", "a/x/c")
	topics := x.Query("+/+/#")
	require.Len(t, topics, 3)
	require.ElementsMatch(t, []string{"a/b/c", "a/b", "a/x/c"}, topics)
}

func TestIndexQueryAfterRemove(t *testing.T) {
	x := newTestIndex("a/b", "a/c")
	x.Remove("a/b")
	require.Equal(t, []string{"a/c"}, x.Query("a/+"))
}

func TestNextParticle(t *testing.T) {
	key, rest, hasNext := nextParticle("path/to/my/mqtt")
	require.Equal(t, "path", key)
	require.Equal(t, "to/my/mqtt", rest)
	require.True(t, hasNext)

	key, rest, hasNext = nextParticle("mqtt")
	require.Equal(t, "mqtt", key)
	require.Equal(t, "", rest)
	require.False(t, hasNext)

	key, rest, hasNext = nextParticle("/path/")
	require.Equal(t, "", key)
	require.Equal(t, "path/", rest)
	require.True(t, hasNext)

	key, rest, hasNext = nextParticle("path/")
	require.Equal(t, "path", key)
	require.Equal(t, "", rest)
	require.True(t, hasNext)
}

func TestIsValidFilter(t *testing.T) {
	require.True(t, IsValidFilter("a/b/c"))
	require.True(t, IsValidFilter("a/b//c"))
	require.True(t, IsValidFilter("#"))
	require.True(t, IsValidFilter("+"))
	require.True(t, IsValidFilter("abc/#"))
	require.True(t, IsValidFilter("+/+/#"))
	require.True(t, IsValidFilter("$SYS/#"))
	require.False(t, IsValidFilter(""))
	require.False(t, IsValidFilter("a/#/c"))
	require.False(t, IsValidFilter("a/b#"))
	require.False(t, IsValidFilter("a/b+/c"))
	require.False(t, IsValidFilter("#/"))
}

func TestIsValidTopic(t *testing.T) {
	require.True(t, IsValidTopic("a/b/c"))
	require.True(t, IsValidTopic("/a"))
	require.True(t, IsValidTopic("$SYS/broker"))
	require.False(t, IsValidTopic(""))
	require.False(t, IsValidTopic("a/+/c"))
	require.False(t, IsValidTopic("a/#"))
}

func BenchmarkIndexAdd(b *testing.B) {
	x := NewIndex()
	for n := 0; n < b.N; n++ {
		x.Add("path/to/mqtt/basic")
	}
}

func BenchmarkIndexQuery(b *testing.B) {
	x := NewIndex()
	for i := 0; i < 10000; i++ {
		x.Add(fmt.Sprintf("sensors/%d/temperature", i))
		x.Add(fmt.Sprintf("sensors/%d/humidity", i))
	}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		x.Query("sensors/42/+")
	}
}

func BenchmarkIndexQueryMultiLevel(b *testing.B) {
	x := NewIndex()
	for i := 0; i < 1000; i++ {
		x.Add(fmt.Sprintf("sensors/%d/temperature", i))
	}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		x.Query("sensors/#")
	}
}
