package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/chat"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
	"github.com/onnwee/intent-radar/intent"
	"github.com/onnwee/intent-radar/telemetry"
)

// StreamEvent is the payload of stream_selected.
type StreamEvent struct {
	StreamID int64            `json:"streamId"`
	URL      string           `json:"url"`
	Title    string           `json:"title,omitempty"`
	Viewers  int              `json:"viewers,omitempty"`
	Source   discovery.Source `json:"source"`
	Rotated  bool             `json:"rotated"`
}

// MessageEvent is the payload of new_message.
type MessageEvent struct {
	Username   string          `json:"username"`
	Message    string          `json:"message"`
	ObservedAt time.Time       `json:"observedAt"`
	IsBuyer    bool            `json:"isBuyer"`
	Confidence float64         `json:"confidence"`
	Category   intent.Category `json:"category"`
	Captured   bool            `json:"captured"`
}

// ErrorEvent is the payload of error.
type ErrorEvent struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// StoppedEvent is the payload of session_stopped.
type StoppedEvent struct {
	StreamID int64 `json:"streamId"`
	db.Counters
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID     string           `json:"sessionId"`
	State         State            `json:"state"`
	StreamID      int64            `json:"streamId,omitempty"`
	URL           string           `json:"url,omitempty"`
	Source        discovery.Source `json:"source,omitempty"`
	AutoDiscover  bool             `json:"autoDiscover"`
	Strategy      string           `json:"strategy,omitempty"`
	Failures      int              `json:"consecutiveFailures"`
	StartedAt     time.Time        `json:"startedAt"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	db.Counters
}

// TickResult counts what one poll produced.
type TickResult struct {
	Extracted int
	New       int
	Captured  int
}

// Session is one monitored stream. It owns its page, dedup cache and
// counters; nothing is shared across sessions.
type Session struct {
	id    string
	opts  Options
	cfg   Config
	log   *slog.Logger
	dedup *chat.Cache

	ctx       context.Context
	cancel    context.CancelFunc
	startDone chan struct{}
	loopDone  chan struct{}
	looping   atomic.Bool
	busy      atomic.Bool
	work      sync.WaitGroup

	mu        sync.Mutex
	state     State
	page      Page
	stream    db.Stream
	current   discovery.Candidate
	counters  db.Counters
	strategy  string
	failures  int
	startedAt time.Time
	lastNew   time.Time

	stopOnce sync.Once
	final    db.Stream
	finalErr error

	onTerminate func(*Session)
}

func newSession(id string, opts Options, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		opts:      opts,
		cfg:       cfg,
		log:       slog.Default().With(slog.String("component", "monitor"), slog.String("session_id", id)),
		dedup:     newDedup(cfg),
		ctx:       ctx,
		cancel:    cancel,
		startDone: make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     StateCreated,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:     s.id,
		State:         s.state,
		StreamID:      s.stream.ID,
		URL:           s.current.URL,
		Source:        s.current.Source,
		AutoDiscover:  s.opts.AutoDiscover,
		Strategy:      s.strategy,
		Failures:      s.failures,
		StartedAt:     s.startedAt,
		LastMessageAt: s.lastNew,
		Counters:      s.counters,
	}
}

// Start connects to the first reachable candidate, records the stream and
// launches the poll loop. Cancelling ctx aborts connecting; once Start has
// returned the loop runs until Stop.
func (s *Session) Start(ctx context.Context) (db.Stream, error) {
	defer close(s.startDone)
	release := context.AfterFunc(ctx, s.cancel)
	defer release()

	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return db.Stream{}, ErrSessionStopped
	}
	s.state = StateConnecting
	s.mu.Unlock()

	page, err := s.cfg.OpenPage(s.ctx)
	if err != nil {
		return db.Stream{}, fmt.Errorf("%w: open page: %w", ErrNavigation, err)
	}
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()

	var discovered []discovery.Candidate
	if s.opts.AutoDiscover {
		if discovered, err = page.DiscoverStreams(s.ctx); err != nil {
			s.log.Warn("stream discovery failed", slog.Any("error", err))
		}
	}
	plan := discovery.Plan(s.opts.URL, s.opts.FallbackURLs, s.cfg.FallbackURLs, discovered)

	var chosen discovery.Candidate
	telemetry.TimeFunc(telemetry.NavigationDuration, func() {
		chosen, err = s.connect(page, plan)
	})
	if err != nil {
		s.closePage()
		return db.Stream{}, err
	}

	now := s.cfg.Now()
	st, err := s.cfg.Store.CreateStream(s.ctx, s.id, chosen.URL, string(chosen.Source), now)
	if err != nil {
		s.closePage()
		if s.ctx.Err() != nil {
			return db.Stream{}, ErrSessionStopped
		}
		return db.Stream{}, fmt.Errorf("create stream record: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting || s.ctx.Err() != nil {
		// Stop ends the record.
		s.stream = st
		s.mu.Unlock()
		s.closePage()
		return db.Stream{}, ErrSessionStopped
	}
	s.state = StateMonitoring
	s.stream = st
	s.current = chosen
	s.startedAt = now
	s.lastNew = now
	s.mu.Unlock()

	s.log.Info("monitoring stream", slog.String("url", chosen.URL), slog.String("source", string(chosen.Source)), slog.Int64("stream_id", st.ID))
	s.publish(broadcast.StreamSelected, StreamEvent{StreamID: st.ID, URL: chosen.URL, Title: chosen.Title, Viewers: chosen.Viewers, Source: chosen.Source})

	s.looping.Store(true)
	go s.loop()
	return st, nil
}

// connect walks the plan and returns the first candidate that loads.
func (s *Session) connect(page Page, plan []discovery.Candidate) (discovery.Candidate, error) {
	if len(plan) == 0 {
		return discovery.Candidate{}, fmt.Errorf("%w: no candidate streams", ErrNavigation)
	}
	var errs []error
	for _, c := range plan {
		err := s.navigate(s.ctx, page, c.URL)
		if err == nil {
			return c, nil
		}
		if s.ctx.Err() != nil {
			return discovery.Candidate{}, ErrSessionStopped
		}
		s.log.Warn("candidate unreachable", slog.String("url", c.URL), slog.Any("error", err))
		errs = append(errs, err)
	}
	return discovery.Candidate{}, fmt.Errorf("%w: %d candidates exhausted: %w", ErrNavigation, len(plan), errors.Join(errs...))
}

// navigate loads url with bounded exponential-backoff retries, each attempt
// capped by NavTimeout.
func (s *Session) navigate(ctx context.Context, page Page, url string) error {
	return navigateWithRetry(ctx, page, url, s.cfg)
}

func navigateWithRetry(ctx context.Context, page Page, url string, cfg Config) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.NavBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.NavTimeout)
		defer cancel()
		if err := page.Navigate(attemptCtx, url); err != nil {
			telemetry.Inc(telemetry.NavigationFailures)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.NavAttempts)))
	return err
}

func (s *Session) loop() {
	defer close(s.loopDone)
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
		if _, err := s.Tick(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrTickInFlight) {
				s.log.Warn("tick failed", slog.Any("error", err))
			}
		}
		if s.exhausted() {
			s.terminate()
			return
		}
		if s.shouldRotate() {
			if err := s.Rotate(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Warn("rotation failed; staying on current stream", slog.Any("error", err))
			}
		}
	}
}

// enter registers in-flight work unless the session is stopped.
func (s *Session) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.ctx.Err() != nil {
		return false
	}
	s.work.Add(1)
	return true
}

// Tick runs one poll: snapshot, locate, extract, dedup, classify, publish,
// persist. Overlapping calls fail with ErrTickInFlight.
func (s *Session) Tick(ctx context.Context) (TickResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		telemetry.Inc(telemetry.TicksSkipped)
		return TickResult{}, ErrTickInFlight
	}
	defer s.busy.Store(false)
	if !s.enter() {
		return TickResult{}, ErrSessionStopped
	}
	defer s.work.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	ctx, span := telemetry.StartSpan(ctx, "monitor", "monitor.tick", telemetry.SessionAttr(s.id))
	defer span.End()

	var (
		res TickResult
		err error
	)
	telemetry.TimeFunc(telemetry.TickDuration, func() { res, err = s.tick(ctx) })
	if err != nil {
		telemetry.Inc(telemetry.TickFailures)
		telemetry.RecordError(span, err)
		return res, err
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

func (s *Session) tick(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	page, st := s.page, s.stream
	s.mu.Unlock()
	if page == nil {
		return TickResult{}, ErrSessionStopped
	}

	// A hung renderer must surface as a failure, not a stuck tick.
	snapCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	snap, err := page.Snapshot(snapCtx)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return TickResult{}, fmt.Errorf("snapshot: %w", err)
	}
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	if snap.Truncated {
		telemetry.Inc(telemetry.SnapshotsTruncated)
		s.log.Debug("snapshot truncated", slog.Int("total_nodes", snap.TotalNodes), slog.Int("kept_nodes", len(snap.Nodes)))
	}

	container, strategy, err := dom.Locate(snap, dom.DefaultStrategies...)
	if err != nil {
		return TickResult{}, err
	}
	s.mu.Lock()
	if s.strategy != strategy {
		s.log.Debug("chat container located", slog.String("strategy", strategy))
	}
	s.strategy = strategy
	s.mu.Unlock()

	cands := dom.Extract(snap, container)
	res := TickResult{Extracted: len(cands)}
	for range cands {
		telemetry.Inc(telemetry.MessagesExtracted)
	}

	now := s.cfg.Now()
	var fresh []chat.Message
	for _, c := range cands {
		m, err := chat.NewMessage(c.Username, c.Message, now)
		if err != nil {
			continue
		}
		if !s.dedup.CheckAndRemember(m.Key()) {
			continue
		}
		fresh = append(fresh, m)
		telemetry.Inc(telemetry.MessagesNew)
	}
	res.New = len(fresh)
	if len(fresh) == 0 {
		s.publishStats()
		return res, nil
	}

	classes := s.classify(ctx, fresh)
	for i, m := range fresh {
		cl := classes[i]
		captured := intent.Captures(cl, s.cfg.CaptureThreshold)
		if captured {
			res.Captured++
			bi := intent.NewBuyerIntent(st.ID, m.Username, m.Text, cl, s.cfg.ValuePerSale, m.ObservedAt)
			if saved, err := s.cfg.Store.SaveBuyerIntent(ctx, bi); err != nil {
				telemetry.Inc(telemetry.PersistenceFailures)
				s.log.Error("failed to persist buyer intent", slog.String("username", m.Username), slog.Any("error", err))
			} else {
				bi = saved
			}
			telemetry.CountIntent(string(cl.Category))
			s.publish(broadcast.BuyerDetected, bi)
		}
		s.publish(broadcast.NewMessage, MessageEvent{
			Username:   m.Username,
			Message:    m.Text,
			ObservedAt: m.ObservedAt,
			IsBuyer:    cl.IsBuyer,
			Confidence: cl.Confidence,
			Category:   cl.Category,
			Captured:   captured,
		})
	}

	s.mu.Lock()
	s.counters.TotalMessages += len(fresh)
	s.counters.TotalIntents += res.Captured
	s.counters.EstimatedValue = float64(s.counters.TotalIntents) * s.cfg.ValuePerSale
	s.lastNew = now
	counters := s.counters
	s.mu.Unlock()

	if err := s.cfg.Store.UpdateStreamStats(ctx, st.ID, counters); err != nil {
		telemetry.Inc(telemetry.PersistenceFailures)
		s.log.Warn("failed to update stream stats", slog.Any("error", err))
	}
	s.publishStats()
	return res, nil
}

// classify never fails: a classifier error falls back to the heuristic.
func (s *Session) classify(ctx context.Context, msgs []chat.Message) []intent.Classification {
	items := make([]intent.Item, len(msgs))
	for i, m := range msgs {
		items[i] = intent.Item{Index: i, Username: m.Username, Message: m.Text}
	}
	out, err := intent.ClassifyAll(ctx, s.cfg.Classifier, items)
	if err == nil && len(out) == len(items) {
		return out
	}
	s.log.Warn("classifier failed, using heuristic", slog.Int("messages", len(items)), slog.Any("error", err))
	telemetry.Inc(telemetry.ClassifierFallbacks)
	out = make([]intent.Classification, len(items))
	for i, it := range items {
		out[i] = intent.Score(it.Message)
	}
	return out
}

func (s *Session) publishStats() {
	s.publish(broadcast.DebugStats, s.Info())
}

func (s *Session) publish(t broadcast.Type, data any) {
	s.cfg.Publisher.Publish(broadcast.Event{Type: t, SessionID: s.id, Timestamp: s.cfg.Now().UTC(), Data: data})
}

func (s *Session) shouldRotate() bool {
	if !s.opts.AutoDiscover {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateMonitoring && s.cfg.Now().Sub(s.lastNew) >= s.cfg.QuietPeriod
}

// Rotate discovers live streams and moves to the best one other than the
// current stream. On failure the session stays where it was. Either way the
// quiet timer restarts.
func (s *Session) Rotate(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrTickInFlight
	}
	defer s.busy.Store(false)
	if !s.enter() {
		return ErrSessionStopped
	}
	defer s.work.Done()

	s.mu.Lock()
	s.state = StateRotating
	page, current, streamID := s.page, s.current.URL, s.stream.ID
	s.mu.Unlock()

	err := s.rotate(ctx, page, current, streamID)

	s.mu.Lock()
	if s.state == StateRotating {
		s.state = StateMonitoring
	}
	s.lastNew = s.cfg.Now()
	s.mu.Unlock()
	return err
}

func (s *Session) rotate(ctx context.Context, page Page, current string, streamID int64) error {
	found, err := page.DiscoverStreams(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	next, ok := discovery.Next(found, current)
	if !ok {
		return errors.New("no other live stream")
	}
	if err := s.navigate(ctx, page, next.URL); err != nil {
		if backErr := s.navigate(ctx, page, current); backErr != nil {
			s.log.Error("could not return to previous stream", slog.String("url", current), slog.Any("error", backErr))
		}
		return fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	if err := s.cfg.Store.UpdateStreamURL(ctx, streamID, next.URL); err != nil {
		telemetry.Inc(telemetry.PersistenceFailures)
		s.log.Warn("failed to record rotated url", slog.Any("error", err))
	}
	telemetry.Inc(telemetry.Rotations)
	s.log.Info("rotated stream", slog.String("from", current), slog.String("to", next.URL))
	s.publish(broadcast.StreamSelected, StreamEvent{StreamID: streamID, URL: next.URL, Title: next.Title, Viewers: next.Viewers, Source: next.Source, Rotated: true})
	return nil
}

func (s *Session) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= s.cfg.MaxConsecutiveFailures
}

// terminate surfaces a dead page: the session reports the error and stops
// itself. It runs on the loop goroutine, so Stop happens asynchronously.
func (s *Session) terminate() {
	s.mu.Lock()
	n := s.failures
	s.mu.Unlock()
	s.log.Error("page unresponsive; terminating session", slog.Int("consecutive_failures", n))
	s.publish(broadcast.Error, ErrorEvent{Phase: "monitoring", Error: fmt.Sprintf("page unresponsive after %d consecutive failures", n)})
	go func() {
		if _, err := s.Stop(context.Background()); err != nil {
			s.log.Warn("stop after termination", slog.Any("error", err))
		}
		if s.onTerminate != nil {
			s.onTerminate(s)
		}
	}()
}

// Stop cancels the loop, waits for in-flight work, closes the page and ends
// the stream record. It is idempotent; later calls return the first result.
// No event for this session is published after Stop returns.
func (s *Session) Stop(ctx context.Context) (db.Stream, error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.cancel()
		<-s.startDone
		if s.looping.Load() {
			<-s.loopDone
		}
		s.work.Wait()
		s.final, s.finalErr = s.finish(ctx)
	})
	return s.final, s.finalErr
}

func (s *Session) finish(ctx context.Context) (db.Stream, error) {
	s.closePage()
	s.mu.Lock()
	st, counters := s.stream, s.counters
	s.mu.Unlock()
	if st.ID == 0 {
		return st, nil
	}

	ended, err := s.cfg.Store.EndStream(context.WithoutCancel(ctx), st.ID, counters, s.cfg.Now())
	if err != nil {
		telemetry.Inc(telemetry.PersistenceFailures)
		s.log.Error("failed to end stream record", slog.Int64("stream_id", st.ID), slog.Any("error", err))
		ended = st
	}
	s.publish(broadcast.SessionStopped, StoppedEvent{StreamID: st.ID, Counters: counters})
	s.log.Info("session stopped", slog.Int64("stream_id", st.ID), slog.Int("messages", counters.TotalMessages), slog.Int("intents", counters.TotalIntents))
	if err != nil {
		return ended, fmt.Errorf("end stream: %w", err)
	}
	return ended, nil
}

// closePage releases the page. Close errors mean it is already gone.
func (s *Session) closePage() {
	s.mu.Lock()
	p := s.page
	s.page = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		s.log.Debug("page close failed", slog.Any("error", err))
	}
}
