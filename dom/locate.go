package dom

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no strategy finds a chat container.
var ErrNotFound = errors.New("chat container not found")

// Strategy is one named way of finding the chat container.
type Strategy struct {
	Find func(*Snapshot) *Node
	Name string
}

// DefaultStrategies is the ranked fallback chain. No single selector survives
// the target site's markup churn, so the first strategy that answers wins.
var DefaultStrategies = []Strategy{
	{Name: "chat-heading", Find: ByChatHeading},
	{Name: "right-rail", Find: ByRightRail},
	{Name: "class-hint", Find: ByClassHint},
}

// Locate runs strategies in order (DefaultStrategies when none are given) and
// returns the container along with the name of the strategy that found it.
func Locate(s *Snapshot, strategies ...Strategy) (*Node, string, error) {
	if s == nil || len(s.Nodes) == 0 {
		return nil, "", ErrNotFound
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	for _, st := range strategies {
		if n := st.Find(s); n != nil {
			return n, st.Name, nil
		}
	}
	return nil, "", ErrNotFound
}

var chatWord = regexp.MustCompile(`\bChat\b`)

// maxHeadingClimb bounds how far above a "Chat" heading we search.
const maxHeadingClimb = 6

// ByChatHeading finds an element labelled "Chat", then climbs toward the root
// looking for the nearest ancestor with overflow styling, scanning each
// ancestor's subtree for an overflowing element along the way.
func ByChatHeading(s *Snapshot) *Node {
	for i := range s.Nodes {
		h := &s.Nodes[i]
		if !chatWord.MatchString(h.OwnText) {
			continue
		}
		ancestors := s.Ancestors(h.ID)
		if len(ancestors) > maxHeadingClimb {
			ancestors = ancestors[:maxHeadingClimb]
		}
		for _, a := range ancestors {
			an := s.Node(a)
			if an.HasOverflowStyling() {
				return an
			}
			for _, d := range s.Descendants(a) {
				dn := s.Node(d)
				if d != h.ID && dn.Scrollable() {
					return dn
				}
			}
		}
	}
	return nil
}

// ByRightRail picks a tall element docked in the right 40% of the viewport,
// preferring one that scrolls and otherwise one with many children.
func ByRightRail(s *Snapshot) *Node {
	if s.ViewportWidth <= 0 {
		return nil
	}
	edge := s.ViewportWidth * 0.6
	var crowded *Node
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Rect.X < edge || n.Rect.Height <= 300 {
			continue
		}
		if n.Scrollable() || n.HasOverflowStyling() {
			return n
		}
		if crowded == nil && n.ChildCount > 10 {
			crowded = n
		}
	}
	return crowded
}

var chatClassHints = []string{"chat", "message", "comment"}

// ByClassHint picks a large element whose class name mentions chat, message or comment.
func ByClassHint(s *Snapshot) *Node {
	var first *Node
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Rect.Width <= 400 || n.Rect.Height <= 200 {
			continue
		}
		cls := strings.ToLower(n.Class)
		hit := false
		for _, h := range chatClassHints {
			if strings.Contains(cls, h) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if n.Scrollable() {
			return n
		}
		if first == nil {
			first = n
		}
	}
	return first
}
