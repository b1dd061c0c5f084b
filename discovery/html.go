package discovery

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// DefaultLivePath is the path prefix identifying a live show link.
const DefaultLivePath = "/live/"

const maxTitleLen = 120

var viewersInText = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*\s*[km]?)\s*(?:viewers?|watching)`)

// FromHTML lists the live streams linked from a directory page. Relative
// links resolve against base; only links under livePath with a non-empty
// show id are returned, in document order.
func FromHTML(r io.Reader, base string, livePath string) ([]Candidate, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if livePath == "" {
		livePath = DefaultLivePath
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse directory html: %w", err)
	}
	var out []Candidate
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if c, ok := anchorCandidate(n, baseURL, livePath); ok {
				out = append(out, c)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

func anchorCandidate(a *html.Node, base *url.URL, livePath string) (Candidate, bool) {
	href, title := attr(a, "href"), attr(a, "aria-label")
	if href == "" {
		return Candidate{}, false
	}
	u, err := base.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Candidate{}, false
	}
	id, ok := strings.CutPrefix(u.Path, livePath)
	if !ok || strings.Trim(id, "/") == "" {
		return Candidate{}, false
	}
	u.Fragment = ""

	text := strings.Join(strings.Fields(textOf(a)), " ")
	viewers := 0
	if m := viewersInText.FindStringSubmatch(text); m != nil {
		viewers = ParseViewers(m[1])
		text = strings.TrimSpace(strings.Replace(text, m[0], "", 1))
	}
	if title == "" {
		title = attr(a, "title")
	}
	if title == "" {
		title = text
	}
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
	}
	return Candidate{URL: u.String(), Title: title, Viewers: viewers, Source: SourceAuto}, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
