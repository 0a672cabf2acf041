// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package topics provides the trie used to answer which retained topics
// match a subscription filter.
package topics

import (
	"strings"
)

const (
	SingleLevel = "+" // matches exactly one topic level
	MultiLevel  = "#" // matches the current level and everything below it
)

// Index is a prefix tree of the literal topics currently held by a single
// retained message bucket. An Index is not safe for concurrent use; it belongs
// to the one goroutine which owns its bucket.
type Index struct {
	root *particle // the unnamed parent of every first level particle
	len  int       // number of terminal particles
}

// NewIndex returns a pointer to a new, empty Index.
func NewIndex() *Index {
	return &Index{
		root: newParticle("", nil),
	}
}

// Len returns the number of topics in the index.
func (x *Index) Len() int {
	return x.len
}

// Add indexes a literal topic, returning true if the topic was not
// already indexed.
func (x *Index) Add(topic string) bool {
	n := x.set(topic)
	if n.terminal {
		return false
	}

	n.terminal = true
	n.topic = topic
	x.len++
	return true
}

// Remove drops a literal topic from the index and prunes any particles which
// no longer lead to a topic. Returns true if the topic was indexed.
func (x *Index) Remove(topic string) bool {
	n := x.seek(topic)
	if n == nil || !n.terminal {
		return false
	}

	n.terminal = false
	n.topic = ""
	x.len--
	x.trim(n)
	return true
}

// Query returns every indexed topic matching a filter. A + matches any one
// level, and a trailing # matches the level it sits at and all levels below.
// The result contains no duplicates and is in no particular order.
func (x *Index) Query(filter string) []string {
	topics := []string{}
	if x.len == 0 {
		return topics
	}

	return x.scan(x.root, filter, topics)
}

// set walks a topic address, creating particles where necessary, and returns
// the final particle.
func (x *Index) set(topic string) *particle {
	var key string
	hasNext := true
	n := x.root
	for hasNext {
		key, topic, hasNext = nextParticle(topic)
		p, ok := n.particles[key]
		if !ok {
			p = newParticle(key, n)
			n.particles[key] = p
		}
		n = p
	}

	return n
}

// seek returns the particle at the end of a topic address, or nil if the
// address does not exist.
func (x *Index) seek(topic string) *particle {
	var key string
	hasNext := true
	n := x.root
	for hasNext {
		key, topic, hasNext = nextParticle(topic)
		n = n.particles[key]
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty particles from the end of an address upwards.
func (x *Index) trim(n *particle) {
	for n.parent != nil && !n.terminal && len(n.particles) == 0 {
		key := n.key
		n = n.parent
		delete(n.particles, key)
	}
}

// scan collects the topics below n which match the remaining filter.
func (x *Index) scan(n *particle, filter string, topics []string) []string {
	key, rest, hasNext := nextParticle(filter)
	switch key {
	case MultiLevel:
		return n.gather(topics)
	case SingleLevel:
		for _, child := range n.particles {
			topics = x.descend(child, rest, hasNext, topics)
		}
		return topics
	}

	if child, ok := n.particles[key]; ok {
		topics = x.descend(child, rest, hasNext, topics)
	}

	return topics
}

// descend continues a scan into n, or collects n if the filter is exhausted.
func (x *Index) descend(n *particle, rest string, hasNext bool, topics []string) []string {
	if hasNext {
		return x.scan(n, rest, topics)
	}

	if n.terminal {
		topics = append(topics, n.topic)
	}

	return topics
}

// nextParticle splits the first level from a topic or filter without allocating.
func nextParticle(s string) (key, rest string, hasNext bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:], true
	}

	return s, "", false
}

// IsValidFilter returns true if the filter can be used to query the index.
func IsValidFilter(filter string) bool {
	if len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	var key string
	hasNext := true
	for hasNext {
		key, filter, hasNext = nextParticle(filter)
		if key == MultiLevel && hasNext {
			return false // [MQTT-4.7.1-2]
		}

		if key != MultiLevel && strings.Contains(key, MultiLevel) {
			return false
		}

		if key != SingleLevel && strings.Contains(key, SingleLevel) {
			return false // [MQTT-4.7.1-3]
		}
	}

	return true
}

// IsValidTopic returns true if the topic can be retained. Topic names must not
// be empty and must not contain wildcards.
func IsValidTopic(topic string) bool {
	return len(topic) > 0 && !strings.ContainsAny(topic, SingleLevel+MultiLevel) // [MQTT-3.3.2-2]
}

// particle is a node in the index, named by one topic level.
type particle struct {
	key       string               // the topic level the particle represents
	parent    *particle            // a pointer to the parent of the particle
	particles map[string]*particle // child particles keyed on topic level
	topic     string               // the full topic if the particle is terminal
	terminal  bool                 // true if a stored topic ends here
}

// newParticle returns a pointer to a new instance of particle.
func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:       key,
		parent:    parent,
		particles: map[string]*particle{},
	}
}

// gather collects n and every terminal particle below it.
func (n *particle) gather(topics []string) []string {
	if n.terminal {
		topics = append(topics, n.topic)
	}

	for _, child := range n.particles {
		topics = child.gather(topics)
	}

	return topics
}
