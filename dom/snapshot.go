// Package dom finds the live chat inside an uncontrolled third-party page and
// pulls (username, message) pairs out of it.
//
// The browser serializes the page into a flat Snapshot once per poll; every
// heuristic here is a pure function over that snapshot so it can be exercised
// with synthetic fixtures (see ParseHTML) instead of a live browser.
package dom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rect is an element's bounding client rect in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is one element of the page in document order.
type Node struct {
	Tag          string  `json:"tag"`
	Class        string  `json:"class"`
	OwnText      string  `json:"ownText"`
	Text         string  `json:"text"` // innerText; empty when the element's text exceeded the capture limit
	OverflowY    string  `json:"overflowY"`
	Rect         Rect    `json:"rect"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientHeight float64 `json:"clientHeight"`
	ID           int     `json:"id"`
	Parent       int     `json:"parent"` // -1 for top-level elements
	ChildCount   int     `json:"childCount"`
	TextLength   int     `json:"textLength"`
}

// Scrollable reports whether the content overflows the element's box.
func (n *Node) Scrollable() bool { return n.ScrollHeight > n.ClientHeight }

// HasOverflowStyling reports whether the element scrolls via CSS.
func (n *Node) HasOverflowStyling() bool {
	switch strings.ToLower(n.OverflowY) {
	case "auto", "scroll", "overlay":
		return true
	}
	return false
}

// Snapshot is the flattened page. Nodes are in document (pre-)order and a
// parent always precedes its children.
type Snapshot struct {
	Nodes          []Node  `json:"nodes"`
	ViewportWidth  float64 `json:"viewportWidth"`
	ViewportHeight float64 `json:"viewportHeight"`
	TotalNodes     int     `json:"totalNodes"`
	Truncated      bool    `json:"truncated"` // leading elements were dropped to fit the node cap

	children [][]int
}

// DecodeSnapshot parses the JSON produced by SnapshotScript.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for i := range s.Nodes {
		if s.Nodes[i].ID != i {
			return nil, fmt.Errorf("decode snapshot: node %d has id %d", i, s.Nodes[i].ID)
		}
		if p := s.Nodes[i].Parent; p >= i {
			return nil, fmt.Errorf("decode snapshot: node %d has parent %d out of order", i, p)
		}
	}
	return &s, nil
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id int) *Node {
	if id < 0 || id >= len(s.Nodes) {
		return nil
	}
	return &s.Nodes[id]
}

// Children returns the direct child ids of id (id -1 yields top-level nodes).
func (s *Snapshot) Children(id int) []int {
	if s.children == nil {
		s.children = make([][]int, len(s.Nodes)+1)
		for i := range s.Nodes {
			p := s.Nodes[i].Parent
			s.children[p+1] = append(s.children[p+1], i)
		}
	}
	if id < -1 || id >= len(s.Nodes) {
		return nil
	}
	return s.children[id+1]
}

// Descendants returns every descendant of id in document order.
func (s *Snapshot) Descendants(id int) []int {
	var out []int
	var walk func(int)
	walk = func(n int) {
		for _, c := range s.Children(n) {
			out = append(out, c)
			walk(c)
		}
	}
	walk(id)
	return out
}

// Ancestors returns the parent chain of id, nearest first.
func (s *Snapshot) Ancestors(id int) []int {
	var out []int
	for n := s.Node(id); n != nil && n.Parent >= 0; n = s.Node(n.Parent) {
		out = append(out, n.Parent)
	}
	return out
}
