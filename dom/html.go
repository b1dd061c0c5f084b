package dom

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ParseHTML builds a Snapshot from static markup. Layout is not computed;
// geometry comes from attributes so fixtures can describe what a browser
// would have measured:
//
//	data-rect="x,y,width,height"
//	data-scroll="scrollHeight,clientHeight"
//	style="overflow-y: auto"
//
// Text is an innerText approximation: block elements and <br> break lines.
func ParseHTML(r io.Reader, viewportWidth, viewportHeight float64) (*Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		return nil, fmt.Errorf("parse html: no body")
	}
	s := &Snapshot{ViewportWidth: viewportWidth, ViewportHeight: viewportHeight}
	var walk func(h *html.Node, parent int)
	walk = func(h *html.Node, parent int) {
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || skippedTags[c.Data] {
				continue
			}
			id := len(s.Nodes)
			s.Nodes = append(s.Nodes, fixtureNode(c, id, parent))
			walk(c, id)
		}
	}
	walk(body, -1)
	return s, nil
}

var skippedTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}

var blockTags = map[string]bool{
	"div": true, "p": true, "li": true, "ul": true, "ol": true, "section": true, "article": true,
	"header": true, "footer": true, "aside": true, "main": true, "nav": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "table": true, "tr": true,
}

var overflowRe = regexp.MustCompile(`(?i)overflow(-y)?\s*:\s*(auto|scroll|overlay)`)

func fixtureNode(h *html.Node, id, parent int) Node {
	n := Node{ID: id, Parent: parent, Tag: h.Data}
	for _, a := range h.Attr {
		switch a.Key {
		case "class":
			n.Class = a.Val
		case "data-rect":
			if v := parseFloats(a.Val, 4); v != nil {
				n.Rect = Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
			}
		case "data-scroll":
			if v := parseFloats(a.Val, 2); v != nil {
				n.ScrollHeight, n.ClientHeight = v[0], v[1]
			}
		case "style":
			if m := overflowRe.FindStringSubmatch(a.Val); m != nil {
				n.OverflowY = strings.ToLower(m[2])
			}
		}
	}
	var own strings.Builder
	for c := h.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			own.WriteString(c.Data)
		case c.Type == html.ElementNode && !skippedTags[c.Data]:
			n.ChildCount++
		}
	}
	n.OwnText = strings.TrimSpace(own.String())
	text := innerText(h)
	n.TextLength = len(text)
	if n.TextLength <= DefaultMaxTextLen {
		n.Text = text
	}
	return n
}

func innerText(h *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skippedTags[n.Data] {
				return
			}
			if n.Data == "br" {
				b.WriteByte('\n')
				return
			}
		}
		block := n.Type == html.ElementNode && blockTags[n.Data]
		if block {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteByte('\n')
		}
	}
	for c := h.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return strings.Join(splitLines(b.String()), "\n")
}

func parseFloats(s string, want int) []float64 {
	parts := strings.Split(s, ",")
	if len(parts) != want {
		return nil
	}
	out := make([]float64, want)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out[i] = f
	}
	return out
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
