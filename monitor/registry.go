package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/telemetry"
)

// Registry owns the live sessions, at most one per session id.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. cfg.OpenPage and cfg.Store are required.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), sessions: make(map[string]*Session)}
}

// Start replaces any session registered under id with a new one and connects
// it. The new session takes the id's slot before the old one is torn down,
// so concurrent starts for one id never leave two live sessions.
func (r *Registry) Start(ctx context.Context, id string, opts Options) (*Session, db.Stream, error) {
	id = strings.TrimSpace(id)
	opts, err := validate(id, opts)
	if err != nil {
		return nil, db.Stream{}, err
	}

	s := newSession(id, opts, r.cfg)
	s.onTerminate = r.remove

	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()
	telemetry.SetSessionsActive(n)

	if prev != nil {
		slog.Info("replacing existing session", slog.String("session_id", id), slog.String("component", "monitor"))
		if _, err := prev.Stop(ctx); err != nil {
			slog.Warn("previous session teardown", slog.String("session_id", id), slog.Any("error", err), slog.String("component", "monitor"))
		}
	}

	st, err := s.Start(ctx)
	if err != nil {
		r.remove(s)
		_, _ = s.Stop(context.WithoutCancel(ctx))
		if !errors.Is(err, ErrSessionStopped) {
			r.cfg.Publisher.Publish(broadcast.Event{
				Type:      broadcast.Error,
				SessionID: id,
				Data:      ErrorEvent{Phase: "connecting", Error: err.Error()},
			})
		}
		return nil, db.Stream{}, err
	}
	return s, st, nil
}

// remove drops s from the map if it still holds the slot for its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	telemetry.SetSessionsActive(n)
}

// Stop stops and forgets the session for id. Unknown ids report
// ErrSessionNotFound, so a second Stop is harmless.
func (r *Registry) Stop(ctx context.Context, id string) (db.Stream, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return db.Stream{}, ErrSessionNotFound
	}
	telemetry.SetSessionsActive(n)
	return s.Stop(ctx)
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every session's info ordered by session id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}

// Active returns the number of registered sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every session in parallel; used on shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	telemetry.SetSessionsActive(0)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			_, err := s.Stop(gctx)
			return err
		})
	}
	return g.Wait()
}
