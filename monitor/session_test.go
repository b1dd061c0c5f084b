package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
	"github.com/onnwee/intent-radar/intent"
	"github.com/onnwee/intent-radar/testutil"
)

const streamA = "https://www.whatnot.com/live/a"

func opener(fb *testutil.FakeBrowser) PageOpener {
	return func(ctx context.Context) (Page, error) {
		p, err := fb.Open(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// testConfig polls once an hour so tests drive ticks by hand.
func testConfig(t *testing.T, fb *testutil.FakeBrowser, hub *broadcast.Hub) Config {
	t.Helper()
	return Config{
		OpenPage:     opener(fb),
		Store:        testutil.SetupTestDB(t),
		Publisher:    hub,
		PollInterval: time.Hour,
		NavAttempts:  3,
		NavBackoff:   time.Millisecond,
		NavTimeout:   time.Second,
	}
}

func nextEvent(t *testing.T, sub *broadcast.Subscription) broadcast.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return broadcast.Event{}
}

func eventTypes(t *testing.T, sub *broadcast.Subscription, n int) []broadcast.Type {
	t.Helper()
	var out []broadcast.Type
	for i := 0; i < n; i++ {
		out = append(out, nextEvent(t, sub).Type)
	}
	return out
}

func TestSessionTickPipeline(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewHub()
	sub := hub.Subscribe("s1", 64)
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.PushSnapshots(testutil.ChatSnapshot(t, "katie22", "I'll take the blue one", "bob", "nice colors"))
	}}
	cfg := testConfig(t, fb, hub)
	reg := NewRegistry(cfg)

	s, st, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.ID == 0 || st.URL != streamA || st.DiscoveryMode != string(discovery.SourceRequested) {
		t.Fatalf("unexpected stream %+v", st)
	}
	if s.State() != StateMonitoring {
		t.Fatalf("state = %s", s.State())
	}
	if e := nextEvent(t, sub); e.Type != broadcast.StreamSelected || e.SessionID != "s1" {
		t.Fatalf("first event = %+v", e)
	}

	res, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Extracted != 2 || res.New != 2 || res.Captured != 1 {
		t.Fatalf("tick result = %+v", res)
	}

	e := nextEvent(t, sub)
	if e.Type != broadcast.BuyerDetected {
		t.Fatalf("expected buyer_detected first, got %s", e.Type)
	}
	bi := e.Data.(intent.BuyerIntent)
	if bi.Username != "katie22" || bi.Confidence < 0.7 || bi.ID == 0 || bi.StreamID != st.ID {
		t.Fatalf("unexpected intent %+v", bi)
	}
	e = nextEvent(t, sub)
	if m := e.Data.(MessageEvent); e.Type != broadcast.NewMessage || m.Username != "katie22" || !m.Captured {
		t.Fatalf("unexpected event %+v", e)
	}
	e = nextEvent(t, sub)
	if m := e.Data.(MessageEvent); e.Type != broadcast.NewMessage || m.Username != "bob" || m.Captured {
		t.Fatalf("unexpected event %+v", e)
	}
	e = nextEvent(t, sub)
	info := e.Data.(Info)
	if e.Type != broadcast.DebugStats || info.TotalMessages != 2 || info.TotalIntents != 1 || info.EstimatedValue != 50 {
		t.Fatalf("unexpected stats %+v", e)
	}
	if info.Strategy != "chat-heading" {
		t.Errorf("strategy = %q", info.Strategy)
	}

	// Same chat again: nothing new.
	res, err = s.Tick(ctx)
	if err != nil || res.New != 0 || res.Extracted != 2 {
		t.Fatalf("second tick = %+v, %v", res, err)
	}
	if e := nextEvent(t, sub); e.Type != broadcast.DebugStats {
		t.Fatalf("expected only debug_stats, got %s", e.Type)
	}

	ended, err := reg.Stop(ctx, "s1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.Status != db.StreamEnded || ended.TotalMessages != 2 || ended.TotalIntents != 1 || ended.EstimatedValue != 50 {
		t.Fatalf("ended stream = %+v", ended)
	}
	if e := nextEvent(t, sub); e.Type != broadcast.SessionStopped {
		t.Fatalf("expected session_stopped, got %s", e.Type)
	}
	if got := fb.Pages()[0].CloseCount(); got != 1 {
		t.Fatalf("page closed %d times", got)
	}
	if _, err := s.Tick(ctx); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("tick after stop: %v", err)
	}
	select {
	case e := <-sub.C:
		t.Fatalf("event after stop: %+v", e)
	default:
	}

	sum, err := cfg.Store.(*db.Store).GetStreamSummary(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Intents) != 1 || sum.Intents[0].Username != "katie22" {
		t.Fatalf("persisted intents = %+v", sum.Intents)
	}
}

func TestSessionNoBuyerForBob(t *testing.T) {
	ctx := context.Background()
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.PushSnapshots(testutil.ChatSnapshot(t, "bob", "nice colors"))
	}}
	reg := NewRegistry(testConfig(t, fb, broadcast.NewHub()))
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)
	res, err := s.Tick(ctx)
	if err != nil || res.New != 1 || res.Captured != 0 {
		t.Fatalf("tick = %+v, %v", res, err)
	}
}

// A message that stays on screen keeps its dedup entry alive past the TTL.
func TestSessionVisibleMessageOutlivesDedupTTL(t *testing.T) {
	ctx := context.Background()
	var (
		mu  sync.Mutex
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	)
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.PushSnapshots(testutil.ChatSnapshot(t, "katie22", "I'll take the blue one"))
	}}
	cfg := testConfig(t, fb, broadcast.NewHub())
	cfg.DedupTTL = 5 * time.Minute
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := NewRegistry(cfg)
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)

	res, err := s.Tick(ctx)
	if err != nil || res.New != 1 || res.Captured != 1 {
		t.Fatalf("first tick = %+v, %v", res, err)
	}
	for elapsed := 30 * time.Second; elapsed <= 12*time.Minute; elapsed += 30 * time.Second {
		mu.Lock()
		now = now.Add(30 * time.Second)
		mu.Unlock()
		res, err := s.Tick(ctx)
		if err != nil {
			t.Fatalf("tick at %s: %v", elapsed, err)
		}
		if res.New != 0 || res.Captured != 0 {
			t.Fatalf("tick at %s re-fired: %+v", elapsed, res)
		}
	}
	if info := s.Info(); info.TotalIntents != 1 {
		t.Fatalf("total intents = %d, want 1", info.TotalIntents)
	}
}

// hungPage never answers a snapshot until its context ends.
type hungPage struct{ *testutil.FakePage }

func (p hungPage) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTickSnapshotDeadlineCountsFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, &testutil.FakeBrowser{}, broadcast.NewHub())
	cfg.NavTimeout = 50 * time.Millisecond
	cfg.OpenPage = func(context.Context) (Page, error) { return hungPage{testutil.NewFakePage()}, nil }
	reg := NewRegistry(cfg)
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("tick err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick hung on an unresponsive page")
	}
	if f := s.Info().Failures; f != 1 {
		t.Fatalf("failures = %d, want 1", f)
	}
}

// blockingPage holds Snapshot until released.
type blockingPage struct {
	*testutil.FakePage
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPage) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	p.entered <- struct{}{}
	<-p.release
	return p.FakePage.Snapshot(ctx)
}

func TestTickIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	page := &blockingPage{FakePage: testutil.NewFakePage(), entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig(t, &testutil.FakeBrowser{}, broadcast.NewHub())
	cfg.OpenPage = func(context.Context) (Page, error) { return page, nil }
	reg := NewRegistry(cfg)
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(ctx)
		done <- err
	}()
	<-page.entered
	if _, err := s.Tick(ctx); !errors.Is(err, ErrTickInFlight) {
		t.Fatalf("overlapping tick: %v", err)
	}
	if err := s.Rotate(ctx); !errors.Is(err, ErrTickInFlight) {
		t.Fatalf("rotate during tick: %v", err)
	}
	close(page.release)
	if err := <-done; err != nil && !errors.Is(err, dom.ErrNotFound) {
		t.Fatalf("first tick: %v", err)
	}
	if _, err := reg.Stop(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
}

func TestTickErrorsCountFailures(t *testing.T) {
	ctx := context.Background()
	fb := &testutil.FakeBrowser{}
	reg := NewRegistry(testConfig(t, fb, broadcast.NewHub()))
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)
	page := fb.Pages()[0]

	page.SetSnapshotErr(errors.New("target closed"))
	for i := 0; i < 2; i++ {
		if _, err := s.Tick(ctx); err == nil {
			t.Fatal("expected snapshot error")
		}
	}
	if got := s.Info().Failures; got != 2 {
		t.Fatalf("failures = %d", got)
	}
	page.SetSnapshotErr(nil)
	if _, err := s.Tick(ctx); !errors.Is(err, dom.ErrNotFound) {
		t.Fatalf("empty page should report no chat, got %v", err)
	}
	if got := s.Info().Failures; got != 0 {
		t.Fatalf("failures after good snapshot = %d", got)
	}
}

func TestSessionTerminatesAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewHub()
	sub := hub.Subscribe("s1", 256)
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.SetSnapshotErr(errors.New("browser disconnected"))
	}}
	cfg := testConfig(t, fb, hub)
	cfg.PollInterval = 2 * time.Millisecond
	cfg.MaxConsecutiveFailures = 3
	reg := NewRegistry(cfg)
	if _, _, err := reg.Start(ctx, "s1", Options{URL: streamA}); err != nil {
		t.Fatal(err)
	}

	var sawError bool
	for {
		e := nextEvent(t, sub)
		if e.Type == broadcast.Error {
			sawError = true
		}
		if e.Type == broadcast.SessionStopped {
			break
		}
	}
	if !sawError {
		t.Fatal("expected an error event before session_stopped")
	}
	deadline := time.Now().Add(2 * time.Second)
	for reg.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("terminated session still registered")
		}
		time.Sleep(time.Millisecond)
	}
	if got := fb.Pages()[0].SnapshotCalls(); got != 3 {
		t.Errorf("snapshot calls = %d, want 3", got)
	}
	if _, err := reg.Stop(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stop after termination: %v", err)
	}
}

type failingIntentStore struct {
	*db.Store
}

func (failingIntentStore) SaveBuyerIntent(context.Context, intent.BuyerIntent) (intent.BuyerIntent, error) {
	return intent.BuyerIntent{}, errors.New("disk full")
}

type brokenClassifier struct{}

func (brokenClassifier) Classify(context.Context, string) (intent.Classification, error) {
	return intent.Classification{}, errors.New("upstream 503")
}

func TestTickToleratesStoreAndClassifierFailures(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewHub()
	sub := hub.Subscribe("s1", 64)
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.PushSnapshots(testutil.ChatSnapshot(t, "katie22", "claiming"))
	}}
	cfg := testConfig(t, fb, hub)
	cfg.Store = failingIntentStore{cfg.Store.(*db.Store)}
	cfg.Classifier = brokenClassifier{}
	reg := NewRegistry(cfg)
	s, _, err := reg.Start(ctx, "s1", Options{URL: streamA})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)
	nextEvent(t, sub) // stream_selected

	res, err := s.Tick(ctx)
	if err != nil || res.Captured != 1 {
		t.Fatalf("tick = %+v, %v", res, err)
	}
	e := nextEvent(t, sub)
	bi := e.Data.(intent.BuyerIntent)
	if e.Type != broadcast.BuyerDetected || bi.ID != 0 || bi.Confidence != 0.95 {
		t.Fatalf("intent should still be broadcast unsaved, got %+v", e)
	}
	if got := s.Info().TotalIntents; got != 1 {
		t.Fatalf("intents counted = %d", got)
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewHub()
	sub := hub.Subscribe("s1", 64)
	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.SetStreams([]discovery.Candidate{{URL: streamA, Viewers: 100, Source: discovery.SourceAuto}}, nil)
	}}
	reg := NewRegistry(testConfig(t, fb, hub))
	s, st, err := reg.Start(ctx, "s1", Options{AutoDiscover: true})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll(ctx)
	if st.URL != streamA || st.DiscoveryMode != string(discovery.SourceAuto) {
		t.Fatalf("stream = %+v", st)
	}
	nextEvent(t, sub)
	page := fb.Pages()[0]

	const b = "https://www.whatnot.com/live/b"
	page.SetStreams([]discovery.Candidate{
		{URL: streamA, Viewers: 500, Source: discovery.SourceAuto},
		{URL: b, Viewers: 20, Source: discovery.SourceAuto},
	}, nil)
	if err := s.Rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if info := s.Info(); info.URL != b || info.State != StateMonitoring {
		t.Fatalf("after rotate %+v", info)
	}
	e := nextEvent(t, sub)
	if ev := e.Data.(StreamEvent); e.Type != broadcast.StreamSelected || !ev.Rotated || ev.URL != b {
		t.Fatalf("rotation event = %+v", e)
	}
	got, err := reg.cfg.Store.(*db.Store).GetStream(ctx, st.ID)
	if err != nil || got.URL != b {
		t.Fatalf("stored url = %q, %v", got.URL, err)
	}

	const c = "https://www.whatnot.com/live/c"
	page.SetStreams([]discovery.Candidate{{URL: c, Source: discovery.SourceAuto}}, nil)
	page.FailNavigation(c, errors.New("net::ERR_CONNECTION_RESET"))
	if err := s.Rotate(ctx); !errors.Is(err, ErrNavigation) {
		t.Fatalf("failed rotate: %v", err)
	}
	if info := s.Info(); info.URL != b || info.State != StateMonitoring {
		t.Fatalf("failed rotate must keep current stream, got %+v", info)
	}
	navs := page.Navigations()
	if navs[len(navs)-1] != b {
		t.Fatalf("expected to navigate back to %s, navigations %v", b, navs)
	}

	page.SetStreams([]discovery.Candidate{{URL: b}}, nil)
	if err := s.Rotate(ctx); err == nil {
		t.Fatal("expected error when only the current stream is live")
	}
}

func TestShouldRotateAfterQuietPeriod(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{QuietPeriod: 30 * time.Second, Now: func() time.Time { return now }}.withDefaults()
	s := newSession("s1", Options{AutoDiscover: true}, cfg)
	s.state = StateMonitoring
	s.lastNew = now.Add(-29 * time.Second)
	if s.shouldRotate() {
		t.Fatal("rotated before quiet period")
	}
	s.lastNew = now.Add(-30 * time.Second)
	if !s.shouldRotate() {
		t.Fatal("expected rotation at quiet period")
	}
	s.opts.AutoDiscover = false
	if s.shouldRotate() {
		t.Fatal("rotation requires auto-discover")
	}
}
