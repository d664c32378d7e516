package topic

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Subscription is one granted filter of a session together with its options.
type Subscription struct {
	Filter            string
	QoS               uint8
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    uint8

	// Identifier is the v5.0 subscription identifier, 0 when absent.
	Identifier uint32

	seq uint64
}

type node struct {
	path string
	sub  *Subscription
	next map[string]*node
}

func newNode(path string) *node {
	return &node{path: path, next: make(map[string]*node)}
}

func (n *node) print(w io.Writer, depth int) {
	for _, path := range n.paths() {
		child := n.next[path]
		fmt.Fprintf(w, "%s%s", strings.Repeat("\t", depth), child.path)
		if child.sub != nil {
			fmt.Fprintf(w, " (qos=%d)", child.sub.QoS)
		}
		fmt.Fprintln(w)
		child.print(w, depth+1)
	}
}

func (n *node) paths() []string {
	v := make([]string, 0, len(n.next))
	for k := range n.next {
		v = append(v, k)
	}
	sort.Strings(v)
	return v
}

// Subs is the subscription set of one session, stored as a trie of filter levels. It is
// safe for concurrent use.
type Subs struct {
	mu   sync.RWMutex
	root *node
	seq  uint64
	size int
}

// NewSubs returns an empty set.
func NewSubs() *Subs {
	return &Subs{root: newNode("")}
}

// Add stores sub keyed by its filter. Adding an existing filter replaces its options but
// keeps its position in match order.
func (s *Subs) Add(sub Subscription) (replaced bool, err error) {
	if err := ValidateFilter(sub.Filter); err != nil {
		return false, fmt.Errorf("%w: %q", err, sub.Filter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.root
	for _, level := range strings.Split(sub.Filter, "/") {
		next, ok := current.next[level]
		if !ok {
			next = newNode(level)
			current.next[level] = next
		}
		current = next
	}
	if current.sub != nil {
		sub.seq = current.sub.seq
		replaced = true
	} else {
		s.seq++
		sub.seq = s.seq
		s.size++
	}
	current.sub = &sub
	return replaced, nil
}

// Remove deletes the subscription with exactly this filter. It reports whether one existed.
func (s *Subs) Remove(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels := strings.Split(filter, "/")
	trail := make([]*node, 0, len(levels)+1)
	current := s.root
	trail = append(trail, current)
	for _, level := range levels {
		next, ok := current.next[level]
		if !ok {
			return false
		}
		current = next
		trail = append(trail, current)
	}
	if current.sub == nil {
		return false
	}
	current.sub = nil
	s.size--
	// prune empty branches bottom up
	for i := len(trail) - 1; i > 0; i-- {
		n := trail[i]
		if n.sub != nil || len(n.next) > 0 {
			break
		}
		delete(trail[i-1].next, n.path)
	}
	return true
}

// Match returns every subscription whose filter matches the topic name, in the order the
// filters were first subscribed. A name starting with '$' is not matched by a leading
// wildcard [MQTT-4.7.2-1].
func (s *Subs) Match(name string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	levels := strings.Split(name, "/")
	s.match(s.root, levels, 0, strings.HasPrefix(name, "$"), &out)
	slices.SortFunc(out, func(a, b Subscription) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func (s *Subs) match(n *node, levels []string, i int, dollar bool, out *[]Subscription) {
	wild := !(dollar && i == 0)
	if wild {
		// "a/#" matches "a" as well as everything below it.
		if multi, ok := n.next["#"]; ok && multi.sub != nil {
			*out = append(*out, *multi.sub)
		}
	}
	if i == len(levels) {
		if n.sub != nil {
			*out = append(*out, *n.sub)
		}
		return
	}
	if next, ok := n.next[levels[i]]; ok {
		s.match(next, levels, i+1, dollar, out)
	}
	if wild {
		if next, ok := n.next["+"]; ok {
			s.match(next, levels, i+1, dollar, out)
		}
	}
}

// Len returns the number of filters.
func (s *Subs) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Filters returns every stored subscription in subscription order.
func (s *Subs) Filters() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, s.size)
	var walk func(n *node)
	walk = func(n *node) {
		if n.sub != nil {
			out = append(out, *n.sub)
		}
		for _, child := range n.next {
			walk(child)
		}
	}
	walk(s.root)
	slices.SortFunc(out, func(a, b Subscription) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Print writes the trie, one level per indentation step.
func (s *Subs) Print(w io.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.root.print(w, 0)
}

// MaxQoS returns the highest granted QoS among matches, the effective delivery QoS when a
// publication matches several filters of one session.
func MaxQoS(matches []Subscription) uint8 {
	var qos uint8
	for _, m := range matches {
		qos = max(qos, m.QoS)
	}
	return qos
}
