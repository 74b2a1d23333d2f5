// Package result models hierarchical pass/fail outcomes.
//
// A Node carries its own status, a string attribute map and an ordered list
// of children. The aggregate status of a node is the worst status found in
// the node and all of its descendants, so a single failing leaf fails the
// whole tree.
//
// Trees are persisted as indented JSON:
//
//	{
//	  "name": "status",
//	  "status": "OK",
//	  "aggregate": "FAIL",
//	  "attributes": {"api-release": "images/mesa-2024.03.tar.gz"},
//	  "children": [ ... ]
//	}
//
// "aggregate" is derived on save and ignored on load. The key "siblings" is
// accepted on load as an alias of "children" for status files written by
// older checkers.
package result

import (
	"sort"

	"github.com/roach88/backcompat/internal/canon"
)

// Node is one named entry in a result tree.
type Node struct {
	Name       string
	Status     Status
	Attributes map[string]string
	Children   []*Node
}

// New creates a node with no children. attrs is copied.
func New(name string, status Status, attrs map[string]string) *Node {
	n := &Node{
		Name:       name,
		Status:     status,
		Attributes: make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		n.Attributes[k] = v
	}
	return n
}

// AddChild appends child. Duplicate names are allowed.
func (n *Node) AddChild(child *Node) {
	n.Children = append(n.Children, child)
}

// SetAttr sets a single attribute, allocating the map if needed.
func (n *Node) SetAttr(key, value string) {
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes[key] = value
}

// Fail marks the node itself as failed.
func (n *Node) Fail() {
	n.Status = StatusFail
}

// Aggregate reduces the statuses of n and every descendant (worst-of).
func (n *Node) Aggregate() Status {
	agg := n.Status
	if agg == "" {
		agg = StatusOK
	}
	for _, c := range n.Children {
		agg = agg.Worst(c.Aggregate())
	}
	return agg
}

// Walk visits n and its descendants depth-first in child order.
// depth is 0 for n. Returning false from fn skips that node's children.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Find returns the first node named name in depth-first order, or nil.
func (n *Node) Find(name string) *Node {
	var found *Node
	n.Walk(func(node *Node, _ int) bool {
		if found != nil {
			return false
		}
		if node.Name == name {
			found = node
			return false
		}
		return true
	})
	return found
}

// Counts holds the number of nodes per recorded status.
type Counts struct {
	Total  int `json:"total"`
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// Count tallies the recorded (not aggregate) status of every node.
func (n *Node) Count() Counts {
	var c Counts
	n.Walk(func(node *Node, _ int) bool {
		c.Total++
		if node.Status.OK() {
			c.OK++
		} else {
			c.Failed++
		}
		return true
	})
	return c
}

// SortedAttrKeys returns attribute keys in lexical order.
func (n *Node) SortedAttrKeys() []string {
	keys := make([]string, 0, len(n.Attributes))
	for k := range n.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Digest is the content hash of the tree's canonical form.
func (n *Node) Digest() (string, error) {
	return canon.Digest(canon.DomainResult, n.canonicalMap())
}

func (n *Node) canonicalMap() map[string]any {
	children := make([]any, len(n.Children))
	for i, c := range n.Children {
		children[i] = c.canonicalMap()
	}
	attrs := n.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return map[string]any{
		"name":       n.Name,
		"status":     string(n.Status),
		"attributes": attrs,
		"children":   children,
	}
}
