package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func urls(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.URL
	}
	return out
}

func TestRankByViewers(t *testing.T) {
	got := Rank([]Candidate{
		{URL: "https://x.test/live/a", Viewers: 5},
		{URL: "https://x.test/live/b", Viewers: 50},
		{URL: "https://x.test/live/c", Viewers: 1},
	})
	var viewers []int
	for _, c := range got {
		viewers = append(viewers, c.Viewers)
	}
	if !reflect.DeepEqual(viewers, []int{50, 5, 1}) {
		t.Fatalf("viewers order = %v", viewers)
	}
}

func TestRankDedupKeepsMaxViewers(t *testing.T) {
	got := Rank([]Candidate{
		{URL: "https://x.test/live/a", Viewers: 5, Title: "old"},
		{URL: "https://x.test/live/b", Viewers: 7},
		{URL: "https://x.test/live/a/", Viewers: 9, Title: "new"},
		{URL: "https://x.test/live/b#chat", Viewers: 2},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(got), got)
	}
	if got[0].Viewers != 9 || got[0].Title != "new" || got[1].Viewers != 7 {
		t.Fatalf("unexpected ranking %+v", got)
	}
}

func TestRankStableOnTies(t *testing.T) {
	got := Rank([]Candidate{{URL: "https://x.test/1"}, {URL: "https://x.test/2"}, {URL: "https://x.test/3"}})
	if !reflect.DeepEqual(urls(got), []string{"https://x.test/1", "https://x.test/2", "https://x.test/3"}) {
		t.Fatalf("ties reordered: %v", urls(got))
	}
}

func TestPlan(t *testing.T) {
	discovered := []Candidate{
		{URL: "https://x.test/live/a", Viewers: 10, Source: SourceAuto},
		{URL: "https://x.test/live/req", Viewers: 99, Source: SourceAuto},
		{URL: "https://x.test/live/b", Viewers: 30, Source: SourceAuto},
	}
	got := Plan("https://x.test/live/req", []string{"https://x.test/live/manual"}, []string{"https://x.test/live/fb"}, discovered)
	want := []string{
		"https://x.test/live/req",
		"https://x.test/live/b",
		"https://x.test/live/a",
		"https://x.test/live/manual",
		"https://x.test/live/fb",
	}
	if !reflect.DeepEqual(urls(got), want) {
		t.Fatalf("plan = %v, want %v", urls(got), want)
	}
	if got[0].Source != SourceRequested || got[3].Source != SourceManual || got[4].Source != SourceFallback {
		t.Fatalf("sources not preserved: %+v", got)
	}

	if len(Plan("", nil, nil, nil)) != 0 {
		t.Fatal("expected empty plan")
	}
}

func TestNext(t *testing.T) {
	cands := []Candidate{{URL: "https://x.test/live/cur", Viewers: 100}, {URL: "https://x.test/live/other", Viewers: 3}}
	c, ok := Next(cands, "https://x.test/live/cur/")
	if !ok || c.URL != "https://x.test/live/other" {
		t.Fatalf("Next = %+v %v", c, ok)
	}
	if _, ok := Next(cands[:1], "https://x.test/live/cur"); ok {
		t.Fatal("expected no alternative")
	}
}

func TestParseViewers(t *testing.T) {
	tests := map[string]int{
		"57":     57,
		"1,234":  1234,
		"1.2K":   1200,
		"3m":     3000000,
		" 12 k ": 12000,
		"":       0,
		"lots":   0,
	}
	for in, want := range tests {
		if got := ParseViewers(in); got != want {
			t.Errorf("ParseViewers(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	if u, err := ValidateURL("  https://www.whatnot.com/live/abc "); err != nil || u != "https://www.whatnot.com/live/abc" {
		t.Fatalf("valid url rejected: %q %v", u, err)
	}
	for _, bad := range []string{"", "not a url", "ftp://x.test/live", "/live/abc", "javascript:alert(1)"} {
		if _, err := ValidateURL(bad); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ValidateURL(%q) err = %v", bad, err)
		}
	}
}

func TestFromHTML(t *testing.T) {
	page := `<html><body>
<a href="/live">All shows</a>
<a href="/live/1111"><img alt=""><span>Vintage Levi's drop</span><span>1.2K watching</span></a>
<a href="https://www.whatnot.com/live/2222#top" aria-label="Sneaker breaks"><span>57 viewers</span></a>
<a href="/user/someone">profile</a>
<a href="/live/3333">Cards night</a>
</body></html>`
	got, err := FromHTML(strings.NewReader(page), "https://www.whatnot.com/live", "")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	want := []Candidate{
		{URL: "https://www.whatnot.com/live/1111", Title: "Vintage Levi's drop", Viewers: 1200, Source: SourceAuto},
		{URL: "https://www.whatnot.com/live/2222", Title: "Sneaker breaks", Viewers: 57, Source: SourceAuto},
		{URL: "https://www.whatnot.com/live/3333", Title: "Cards night", Source: SourceAuto},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FromHTML =\n%+v\nwant\n%+v", got, want)
	}
}
