// Package discovery ranks candidate streams and builds the ordered list a
// session tries when connecting.
package discovery

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Source records where a candidate came from.
type Source string

const (
	SourceRequested Source = "requested"
	SourceAuto      Source = "auto"
	SourceManual    Source = "manual"
	SourceFallback  Source = "fallback"
)

// Candidate is a stream URL considered for navigation.
type Candidate struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Viewers int    `json:"viewers,omitempty"`
	Source  Source `json:"source"`
}

// ErrInvalidURL is returned for stream URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid stream url")

// ValidateURL checks raw is an absolute http or https URL and returns it trimmed.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return raw, nil
}

// normalize is the dedup key for a URL: no fragment, no trailing slash.
func normalize(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimRight(raw, "/")
}

// Rank deduplicates candidates by URL, keeping the entry with the most
// viewers, and orders them by viewers descending. Ties keep input order.
func Rank(cands []Candidate) []Candidate {
	best := make(map[string]int, len(cands))
	var out []Candidate
	for _, c := range cands {
		key := normalize(c.URL)
		if i, ok := best[key]; ok {
			if c.Viewers > out[i].Viewers {
				out[i] = c
			}
			continue
		}
		best[key] = len(out)
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Candidate) int { return b.Viewers - a.Viewers })
	return out
}

// Plan returns the connect order: the requested URL first (when given), then
// every other candidate ranked. Manual and fallback URLs carry no viewer
// count so they rank after discovered streams.
func Plan(requested string, manual, fallbacks []string, discovered []Candidate) []Candidate {
	var rest []Candidate
	rest = append(rest, discovered...)
	for _, u := range manual {
		rest = append(rest, Candidate{URL: u, Source: SourceManual})
	}
	for _, u := range fallbacks {
		rest = append(rest, Candidate{URL: u, Source: SourceFallback})
	}
	ranked := Rank(rest)
	if requested == "" {
		return ranked
	}
	plan := []Candidate{{URL: requested, Source: SourceRequested}}
	for _, c := range ranked {
		if normalize(c.URL) != normalize(requested) {
			plan = append(plan, c)
		}
	}
	return plan
}

// Next returns the best candidate whose URL differs from current.
func Next(cands []Candidate, current string) (Candidate, bool) {
	for _, c := range Rank(cands) {
		if normalize(c.URL) != normalize(current) {
			return c, true
		}
	}
	return Candidate{}, false
}

var viewerCount = regexp.MustCompile(`(?i)^(\d+(?:[.,]\d+)*)\s*([km])?$`)

// ParseViewers parses counts such as "57", "1,234", "1.2K" and "3M". It
// returns 0 for anything unparseable.
func ParseViewers(s string) int {
	m := viewerCount.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	num := m[1]
	mult := 1.0
	switch strings.ToLower(m[2]) {
	case "k":
		mult = 1e3
	case "m":
		mult = 1e6
	}
	if mult == 1 {
		num = strings.NewReplacer(",", "", ".", "").Replace(num)
	} else {
		num = strings.ReplaceAll(num, ",", ".")
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	return int(math.Round(f * mult))
}
