package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/intent-radar/chat"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/discovery"
	"github.com/onnwee/intent-radar/dom"
	"github.com/onnwee/intent-radar/intent"
)

// Analysis defaults.
const (
	DefaultAnalyzeWindow = 30 * time.Second
	MaxAnalyzeWindow     = 5 * time.Minute
	ModeAnalyze          = "analyze"
)

// Drafter writes outreach messages into intents in place and reports how
// many it drafted.
type Drafter interface {
	DraftOutreach(ctx context.Context, intents []intent.BuyerIntent) int
}

// Report is the result of one analysis run.
type Report struct {
	Stream           db.Stream            `json:"stream"`
	MessagesAnalyzed int                  `json:"messagesAnalyzed"`
	Intents          []intent.BuyerIntent `json:"intents"`
	Drafted          int                  `json:"drafted"`
	EstimatedValue   float64              `json:"estimatedValue"`
}

// Analyzer watches one stream for a fixed window, then classifies everything
// it saw in batches. It is the one-shot counterpart of a Session.
type Analyzer struct {
	cfg       Config
	drafter   Drafter
	batchSize int
}

// NewAnalyzer builds an analyzer. cfg.Classifier should support batches;
// drafter may be nil.
func NewAnalyzer(cfg Config, drafter Drafter, batchSize int) *Analyzer {
	if batchSize <= 0 {
		batchSize = intent.DefaultBatchSize
	}
	return &Analyzer{cfg: cfg.withDefaults(), drafter: drafter, batchSize: batchSize}
}

// Analyze collects chat from url for window and returns the captured intents,
// persisted under a new stream record.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, window time.Duration) (Report, error) {
	u, err := discovery.ValidateURL(rawURL)
	if err != nil {
		return Report{}, errors.Join(ErrInvalidInput, err)
	}
	if window <= 0 {
		window = DefaultAnalyzeWindow
	}
	if window > MaxAnalyzeWindow {
		window = MaxAnalyzeWindow
	}
	log := slog.Default().With(slog.String("component", "analyzer"), slog.String("url", u))

	page, err := a.cfg.OpenPage(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: open page: %w", ErrNavigation, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("page close failed", slog.Any("error", err))
		}
	}()
	if err := navigateWithRetry(ctx, page, u, a.cfg); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	started := a.cfg.Now()
	msgs, err := a.collect(ctx, page, window, log)
	if err != nil {
		return Report{}, err
	}
	log.Info("collected chat", slog.Int("messages", len(msgs)))

	intents := a.classify(ctx, msgs, log)
	rep := Report{MessagesAnalyzed: len(msgs)}
	if a.drafter != nil && len(intents) > 0 {
		rep.Drafted = a.drafter.DraftOutreach(ctx, intents)
	}

	st, err := a.cfg.Store.CreateStream(ctx, ModeAnalyze+"-"+uuid.NewString(), u, ModeAnalyze, started)
	if err != nil {
		return Report{}, fmt.Errorf("create stream record: %w", err)
	}
	for i := range intents {
		intents[i].StreamID = st.ID
		saved, err := a.cfg.Store.SaveBuyerIntent(ctx, intents[i])
		if err != nil {
			log.Error("failed to persist buyer intent", slog.String("username", intents[i].Username), slog.Any("error", err))
			continue
		}
		intents[i] = saved
	}
	counters := db.Counters{
		TotalMessages:  len(msgs),
		TotalIntents:   len(intents),
		EstimatedValue: float64(len(intents)) * a.cfg.ValuePerSale,
	}
	ended, err := a.cfg.Store.EndStream(ctx, st.ID, counters, a.cfg.Now())
	if err != nil {
		return Report{}, fmt.Errorf("end stream record: %w", err)
	}

	rep.Stream = ended
	rep.Intents = intents
	rep.EstimatedValue = counters.EstimatedValue
	return rep, nil
}

// collect polls the page until window elapses, returning unique messages in
// the order they were first seen.
func (a *Analyzer) collect(ctx context.Context, page Page, window time.Duration, log *slog.Logger) ([]chat.Message, error) {
	dedup := newDedup(a.cfg)
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	t := time.NewTicker(a.cfg.PollInterval)
	defer t.Stop()

	var msgs []chat.Message
	poll := func() {
		snapCtx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
		snap, err := page.Snapshot(snapCtx)
		cancel()
		if err != nil {
			log.Warn("snapshot failed", slog.Any("error", err))
			return
		}
		container, _, err := dom.Locate(snap, dom.DefaultStrategies...)
		if err != nil {
			log.Debug("chat not found", slog.Any("error", err))
			return
		}
		now := a.cfg.Now()
		for _, c := range dom.Extract(snap, container) {
			m, err := chat.NewMessage(c.Username, c.Message, now)
			if err != nil || !dedup.CheckAndRemember(m.Key()) {
				continue
			}
			msgs = append(msgs, m)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return msgs, nil
		case <-t.C:
			poll()
		}
	}
}

// classify scores messages batch by batch; a failed batch is scored by the
// heuristic so one bad response never loses the rest.
func (a *Analyzer) classify(ctx context.Context, msgs []chat.Message, log *slog.Logger) []intent.BuyerIntent {
	items := make([]intent.Item, len(msgs))
	for i, m := range msgs {
		items[i] = intent.Item{Index: i, Username: m.Username, Message: m.Text}
	}
	var out []intent.BuyerIntent
	for _, batch := range intent.Batches(items, a.batchSize) {
		classes, err := intent.ClassifyAll(ctx, a.cfg.Classifier, batch)
		if err != nil || len(classes) != len(batch) {
			log.Warn("batch classification failed, using heuristic", slog.Int("items", len(batch)), slog.Any("error", err))
			classes, _ = intent.ClassifyAll(ctx, intent.Heuristic{}, batch)
		}
		for i, it := range batch {
			if !intent.Captures(classes[i], a.cfg.CaptureThreshold) {
				continue
			}
			m := msgs[it.Index]
			out = append(out, intent.NewBuyerIntent(0, m.Username, m.Text, classes[i], a.cfg.ValuePerSale, m.ObservedAt))
		}
	}
	return out
}
