// Package monitor runs monitoring sessions: one browser page and poll loop
// per session id, feeding chat through dedup and classification and out to
// subscribers and the store.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/chat"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
	"github.com/onnwee/intent-radar/intent"
)

var (
	// ErrInvalidInput rejects a start request before any resource is allocated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNavigation means no candidate stream could be loaded.
	ErrNavigation = errors.New("navigation failed")
	// ErrTickInFlight is returned when a tick overlaps the previous one.
	ErrTickInFlight = errors.New("tick already in flight")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionStopped is returned when operating on a stopped session.
	ErrSessionStopped = errors.New("session stopped")
)

// Page is the browser tab a session drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
	DiscoverStreams(ctx context.Context) ([]discovery.Candidate, error)
	Close() error
}

// PageOpener opens a fresh page for one session.
type PageOpener func(ctx context.Context) (Page, error)

// Store is the persistence a session writes to. Write failures are logged
// and never stop the loop.
type Store interface {
	CreateStream(ctx context.Context, sessionID, url, mode string, startedAt time.Time) (db.Stream, error)
	UpdateStreamURL(ctx context.Context, id int64, url string) error
	UpdateStreamStats(ctx context.Context, id int64, c db.Counters) error
	EndStream(ctx context.Context, id int64, c db.Counters, endedAt time.Time) (db.Stream, error)
	SaveBuyerIntent(ctx context.Context, bi intent.BuyerIntent) (intent.BuyerIntent, error)
}

// Options are the per-session start parameters.
type Options struct {
	URL          string   `json:"url,omitempty"`
	AutoDiscover bool     `json:"autoDiscover,omitempty"`
	FallbackURLs []string `json:"fallbackUrls,omitempty"`
}

// Defaults.
const (
	DefaultPollInterval           = 1500 * time.Millisecond
	DefaultQuietPeriod            = 30 * time.Second
	DefaultNavTimeout             = 30 * time.Second
	DefaultNavAttempts            = 3
	DefaultNavBackoff             = time.Second
	DefaultMaxConsecutiveFailures = 20
	DefaultValuePerSale           = 50.0
	DefaultDedupCapacity          = 10000
	DefaultDedupTTL               = 5 * time.Minute
)

// Config is shared by every session of a Registry.
type Config struct {
	OpenPage   PageOpener
	Store      Store
	Publisher  broadcast.Publisher
	Classifier intent.Classifier

	PollInterval           time.Duration
	QuietPeriod            time.Duration
	NavTimeout             time.Duration
	NavAttempts            int
	NavBackoff             time.Duration
	MaxConsecutiveFailures int
	CaptureThreshold       float64
	ValuePerSale           float64
	DedupCapacity          int
	DedupTTL               time.Duration
	FallbackURLs           []string // tried after the request's own fallbacks

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = DefaultNavTimeout
	}
	if c.NavAttempts <= 0 {
		c.NavAttempts = DefaultNavAttempts
	}
	if c.NavBackoff <= 0 {
		c.NavBackoff = DefaultNavBackoff
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.CaptureThreshold <= 0 {
		c.CaptureThreshold = intent.DefaultCaptureThreshold
	}
	if c.ValuePerSale <= 0 {
		c.ValuePerSale = DefaultValuePerSale
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.Classifier == nil {
		c.Classifier = intent.Heuristic{}
	}
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type nopPublisher struct{}

func (nopPublisher) Publish(broadcast.Event) int { return 0 }

// State is a session's lifecycle position.
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StateMonitoring State = "monitoring"
	StateRotating   State = "rotating"
	StateStopped    State = "stopped"
)

// validate checks start options at the boundary.
func validate(id string, opts Options) (Options, error) {
	if id == "" {
		return opts, errors.Join(ErrInvalidInput, errors.New("sessionId is required"))
	}
	if opts.URL != "" {
		u, err := discovery.ValidateURL(opts.URL)
		if err != nil {
			return opts, errors.Join(ErrInvalidInput, err)
		}
		opts.URL = u
	}
	fallbacks := make([]string, 0, len(opts.FallbackURLs))
	for _, raw := range opts.FallbackURLs {
		u, err := discovery.ValidateURL(raw)
		if err != nil {
			return opts, errors.Join(ErrInvalidInput, err)
		}
		fallbacks = append(fallbacks, u)
	}
	opts.FallbackURLs = fallbacks
	if opts.URL == "" && !opts.AutoDiscover && len(opts.FallbackURLs) == 0 {
		return opts, errors.Join(ErrInvalidInput, errors.New("url is required unless autoDiscover or fallbackUrls is set"))
	}
	return opts, nil
}

// newDedup builds a session's private dedup cache.
func newDedup(cfg Config) *chat.Cache {
	return chat.NewCache(cfg.DedupCapacity, cfg.DedupTTL).WithClock(cfg.Now)
}
