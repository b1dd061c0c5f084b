package testutil

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
)

// ErrPageClosed is returned by a FakePage after Close.
var ErrPageClosed = errors.New("page closed")

// FakePage is a scripted browser page. Snapshots are served in order and the
// last one repeats.
type FakePage struct {
	mu          sync.Mutex
	navErrs     map[string]error
	navigations []string
	snapshots   []*dom.Snapshot
	snapErr     error
	streams     []discovery.Candidate
	discoverErr error
	closed      int
	snapCalls   int
}

// NewFakePage returns a page that navigates anywhere and has no chat.
func NewFakePage() *FakePage {
	return &FakePage{navErrs: make(map[string]error)}
}

// FailNavigation makes every navigation to url fail with err.
func (p *FakePage) FailNavigation(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navErrs[url] = err
}

// PushSnapshots queues snapshots.
func (p *FakePage) PushSnapshots(snaps ...*dom.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snaps...)
}

// SetSnapshotErr makes Snapshot fail until cleared with nil.
func (p *FakePage) SetSnapshotErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapErr = err
}

// SetStreams sets what DiscoverStreams returns.
func (p *FakePage) SetStreams(streams []discovery.Candidate, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams, p.discoverErr = streams, err
}

// Navigations lists every navigation attempt in order.
func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// CloseCount reports how many times Close was called.
func (p *FakePage) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SnapshotCalls reports how many times Snapshot was called.
func (p *FakePage) SnapshotCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapCalls
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return ErrPageClosed
	}
	p.navigations = append(p.navigations, url)
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.navErrs[url]
}

func (p *FakePage) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapCalls++
	if p.closed > 0 {
		return nil, ErrPageClosed
	}
	if p.snapErr != nil {
		return nil, p.snapErr
	}
	if len(p.snapshots) == 0 {
		return &dom.Snapshot{ViewportWidth: 1200, ViewportHeight: 900}, nil
	}
	s := p.snapshots[0]
	if len(p.snapshots) > 1 {
		p.snapshots = p.snapshots[1:]
	}
	return s, nil
}

func (p *FakePage) DiscoverStreams(ctx context.Context) ([]discovery.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]discovery.Candidate(nil), p.streams...), p.discoverErr
}

// Close always succeeds, like a real page whose tab may already be gone.
func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// FakeBrowser hands out FakePages and remembers them.
type FakeBrowser struct {
	mu      sync.Mutex
	pages   []*FakePage
	OpenErr error
	// Setup, when set, scripts each new page before it is returned.
	Setup func(*FakePage)
}

// Open creates a page; it has the shape of a monitor page opener.
func (b *FakeBrowser) Open(ctx context.Context) (*FakePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	p := NewFakePage()
	if b.Setup != nil {
		b.Setup(p)
	}
	b.pages = append(b.pages, p)
	return p, nil
}

// Pages returns every page opened so far.
func (b *FakeBrowser) Pages() []*FakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakePage(nil), b.pages...)
}

// ChatSnapshot renders a page with a "Chat" panel holding one two-line
// bubble per (username, message) pair.
func ChatSnapshot(t testing.TB, pairs ...string) *dom.Snapshot {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatalf("ChatSnapshot needs username/message pairs, got %d strings", len(pairs))
	}
	var b strings.Builder
	b.WriteString(`<html><body><div data-rect="0,0,1200,900"><div data-rect="0,0,800,900"></div>`)
	b.WriteString(`<div data-rect="800,0,400,900"><h2>Chat</h2><div class="feed" data-rect="800,40,400,800" data-scroll="2400,800">`)
	for i := 0; i < len(pairs); i += 2 {
		fmt.Fprintf(&b, `<div><div>%s</div><div>%s</div></div>`, html.EscapeString(pairs[i]), html.EscapeString(pairs[i+1]))
	}
	b.WriteString(`</div></div></div></body></html>`)
	s, err := dom.ParseHTML(strings.NewReader(b.String()), 1200, 900)
	if err != nil {
		t.Fatalf("parse chat fixture: %v", err)
	}
	return s
}
