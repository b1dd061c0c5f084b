// Package browser drives a headless Chromium through go-rod. Each monitoring
// session gets its own incognito context and page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
)

// DefaultNavTimeout bounds one navigation when the caller sets none.
const DefaultNavTimeout = 30 * time.Second

// Config controls how the browser is launched and how pages behave.
type Config struct {
	Bin            string   // empty lets rod find or download a browser
	ControlURL     string   // connect to an already running browser instead of launching
	Headless       bool
	BlockResources []string // resource types aborted before they load, e.g. image, font
	DiscoveryURL   string
	LivePath       string
	NavTimeout     time.Duration
	MaxNodes       int
	MaxTextLen     int
}

// Launcher owns the browser process. It connects on first use.
type Launcher struct {
	cfg     Config
	blocked map[proto.NetworkResourceType]bool

	mu      sync.Mutex
	browser *rod.Browser
	proc    *launcher.Launcher
}

// New returns a Launcher; nothing is started until NewPage.
func New(cfg Config) *Launcher {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = DefaultNavTimeout
	}
	return &Launcher{cfg: cfg, blocked: BlockSet(cfg.BlockResources)}
}

// BlockSet maps resource type names (case-insensitive) to rod's resource types.
// Unknown names are ignored.
func BlockSet(names []string) map[proto.NetworkResourceType]bool {
	known := []proto.NetworkResourceType{
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont,
		proto.NetworkResourceTypeMedia,
		proto.NetworkResourceTypeStylesheet,
		proto.NetworkResourceTypeScript,
		proto.NetworkResourceTypeXHR,
		proto.NetworkResourceTypeFetch,
		proto.NetworkResourceTypeWebSocket,
		proto.NetworkResourceTypeTextTrack,
		proto.NetworkResourceTypeManifest,
	}
	out := make(map[proto.NetworkResourceType]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		for _, k := range known {
			if strings.EqualFold(n, string(k)) {
				out[k] = true
			}
		}
	}
	return out
}

func (l *Launcher) connect(ctx context.Context) (*rod.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		return l.browser, nil
	}

	controlURL := l.cfg.ControlURL
	if controlURL == "" {
		proc := launcher.New().Headless(l.cfg.Headless)
		if l.cfg.Bin != "" {
			proc = proc.Bin(l.cfg.Bin)
		}
		u, err := proc.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
		l.proc = proc
	}

	// The browser outlives the request that first needed it.
	b := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := b.Connect(); err != nil {
		if l.proc != nil {
			l.proc.Kill()
			l.proc = nil
		}
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	l.browser = b
	slog.Info("browser connected", slog.String("control_url", controlURL), slog.String("component", "browser"))
	return b, nil
}

// NewPage opens a blank page in a fresh incognito context with resource
// blocking installed.
func (l *Launcher) NewPage(ctx context.Context) (*Page, error) {
	b, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	p := &Page{cfg: l.cfg, blocked: l.blocked, incognito: incognito, page: page}
	if len(l.blocked) > 0 {
		p.router = blockRequests(page, l.blocked)
	}
	return p, nil
}

// Close shuts the browser down. Pages must be closed first.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.browser != nil {
		err = l.browser.Close()
		l.browser = nil
	}
	if l.proc != nil {
		l.proc.Kill()
		l.proc = nil
	}
	return err
}

func blockRequests(page *rod.Page, blocked map[proto.NetworkResourceType]bool) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// Page is one session's tab.
type Page struct {
	cfg       Config
	blocked   map[proto.NetworkResourceType]bool
	incognito *rod.Browser
	page      *rod.Page
	router    *rod.HijackRouter

	closeOnce sync.Once
}

// Navigate loads url and waits for the load event, bounded by NavTimeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return navigate(ctx, p.page, url, p.cfg.NavTimeout)
}

func navigate(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pg := page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// Snapshot serializes the current document, bounded by NavTimeout.
func (p *Page) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.NavTimeout)
	defer cancel()
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      dom.SnapshotScript(p.cfg.MaxNodes, p.cfg.MaxTextLen),
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate snapshot: %w", err)
	}
	return dom.DecodeSnapshot([]byte(res.Value.Str()))
}

// DiscoverStreams loads the discovery page in a second tab of the same
// context so the monitored stream stays open.
func (p *Page) DiscoverStreams(ctx context.Context) ([]discovery.Candidate, error) {
	if p.cfg.DiscoveryURL == "" {
		return nil, errors.New("no discovery url configured")
	}
	tab, err := p.incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open discovery tab: %w", err)
	}
	defer func() { _ = tab.Close() }()
	if len(p.blocked) > 0 {
		router := blockRequests(tab, p.blocked)
		defer func() { _ = router.Stop() }()
	}

	if err := navigate(ctx, tab, p.cfg.DiscoveryURL, p.cfg.NavTimeout); err != nil {
		return nil, err
	}
	markup, err := tab.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read discovery page: %w", err)
	}
	return discovery.FromHTML(strings.NewReader(markup), p.cfg.DiscoveryURL, p.cfg.LivePath)
}

// Close releases the tab and its incognito context. Teardown errors are
// logged and swallowed since a crashed tab is already gone.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		if p.router != nil {
			if err := p.router.Stop(); err != nil {
				slog.Debug("hijack router stop failed", slog.Any("error", err), slog.String("component", "browser"))
			}
		}
		if err := p.page.Close(); err != nil {
			slog.Debug("page close failed", slog.Any("error", err), slog.String("component", "browser"))
		}
		if err := p.incognito.Close(); err != nil {
			slog.Debug("incognito close failed", slog.Any("error", err), slog.String("component", "browser"))
		}
	})
	return nil
}
