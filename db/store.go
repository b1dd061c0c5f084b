package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/intent-radar/intent"
)

var (
	// ErrNotFound is returned when a stream or intent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status change other than pending to approved or skipped.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stream status values.
const (
	StreamActive = "active"
	StreamEnded  = "ended"
)

// Stream is one monitored stream session.
type Stream struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"sessionId"`
	URL            string     `json:"url"`
	DiscoveryMode  string     `json:"discoveryMode"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	TotalMessages  int        `json:"totalMessages"`
	TotalIntents   int        `json:"totalIntents"`
	EstimatedValue float64    `json:"estimatedValue"`
}

// Counters are a stream's running totals.
type Counters struct {
	TotalMessages  int     `json:"totalMessages"`
	TotalIntents   int     `json:"totalIntents"`
	EstimatedValue float64 `json:"estimatedValue"`
}

// CategoryCount is one entry of Stats.TopCategories.
type CategoryCount struct {
	Category intent.Category `json:"category"`
	Count    int             `json:"count"`
}

// Stats aggregates a stream's intents.
type Stats struct {
	TotalMessages     int             `json:"totalMessages"`
	TotalIntents      int             `json:"totalIntents"`
	Pending           int             `json:"pending"`
	Approved          int             `json:"approved"`
	Skipped           int             `json:"skipped"`
	EstimatedValue    float64         `json:"estimatedValue"`
	AverageConfidence float64         `json:"averageConfidence"`
	TopCategories     []CategoryCount `json:"topCategories"`
}

// Summary is a stream with its intents and aggregate stats.
type Summary struct {
	Stream  Stream               `json:"stream"`
	Intents []intent.BuyerIntent `json:"intents"`
	Stats   Stats                `json:"stats"`
}

// Store persists streams and buyer intents.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) q(query string) string { return rebind(s.dialect, query) }

const streamColumns = `id, session_id, url, discovery_mode, status, started_at, ended_at, total_messages, total_intents, estimated_value`

type scanner interface{ Scan(dest ...any) error }

func scanStream(row scanner) (Stream, error) {
	var (
		st    Stream
		ended sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.SessionID, &st.URL, &st.DiscoveryMode, &st.Status, &st.StartedAt, &ended,
		&st.TotalMessages, &st.TotalIntents, &st.EstimatedValue); err != nil {
		return Stream{}, err
	}
	if ended.Valid {
		t := ended.Time
		st.EndedAt = &t
	}
	return st, nil
}

// CreateStream records a new active stream.
func (s *Store) CreateStream(ctx context.Context, sessionID, url, mode string, startedAt time.Time) (Stream, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO streams (session_id, url, discovery_mode, status, started_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		sessionID, url, mode, StreamActive, startedAt.UTC()).Scan(&id)
	if err != nil {
		return Stream{}, fmt.Errorf("create stream: %w", err)
	}
	return s.GetStream(ctx, id)
}

// GetStream loads one stream.
func (s *Store) GetStream(ctx context.Context, id int64) (Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, s.q(`SELECT `+streamColumns+` FROM streams WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Stream{}, fmt.Errorf("get stream %d: %w", id, err)
	}
	return st, nil
}

// UpdateStreamURL records a rotation to a different stream URL.
func (s *Store) UpdateStreamURL(ctx context.Context, id int64, url string) error {
	return s.execOne(ctx, "update stream url", id, `UPDATE streams SET url = ? WHERE id = ?`, url, id)
}

// UpdateStreamStats writes the running counters.
func (s *Store) UpdateStreamStats(ctx context.Context, id int64, c Counters) error {
	return s.execOne(ctx, "update stream stats", id,
		`UPDATE streams SET total_messages = ?, total_intents = ?, estimated_value = ? WHERE id = ?`,
		c.TotalMessages, c.TotalIntents, c.EstimatedValue, id)
}

// EndStream marks the stream ended with its final counters.
func (s *Store) EndStream(ctx context.Context, id int64, c Counters, endedAt time.Time) (Stream, error) {
	if err := s.execOne(ctx, "end stream", id,
		`UPDATE streams SET status = ?, ended_at = ?, total_messages = ?, total_intents = ?, estimated_value = ? WHERE id = ?`,
		StreamEnded, endedAt.UTC(), c.TotalMessages, c.TotalIntents, c.EstimatedValue, id); err != nil {
		return Stream{}, err
	}
	return s.GetStream(ctx, id)
}

func (s *Store) execOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: stream %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// ListStreams returns the most recently started streams first.
func (s *Store) ListStreams(ctx context.Context, limit int) ([]Stream, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.queryStreams(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// ListAllStreams returns every stream, newest first.
func (s *Store) ListAllStreams(ctx context.Context) ([]Stream, error) {
	return s.queryStreams(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY started_at DESC, id DESC`)
}

func (s *Store) queryStreams(ctx context.Context, query string, args ...any) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	out := []Stream{}
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const intentColumns = `id, stream_id, username, message, confidence, category, item_wanted, details, estimated_value, outreach, status, created_at`

func scanIntent(row scanner) (intent.BuyerIntent, error) {
	var (
		bi          intent.BuyerIntent
		cat, status string
	)
	if err := row.Scan(&bi.ID, &bi.StreamID, &bi.Username, &bi.Message, &bi.Confidence, &cat, &bi.ItemWanted,
		&bi.Details, &bi.EstimatedValue, &bi.Outreach, &status, &bi.Timestamp); err != nil {
		return intent.BuyerIntent{}, err
	}
	bi.Category, bi.Status = intent.Category(cat), intent.Status(status)
	return bi, nil
}

// SaveBuyerIntent stores bi as pending and returns it with its id.
func (s *Store) SaveBuyerIntent(ctx context.Context, bi intent.BuyerIntent) (intent.BuyerIntent, error) {
	if bi.Timestamp.IsZero() {
		bi.Timestamp = time.Now()
	}
	bi.Timestamp = bi.Timestamp.UTC()
	bi.Status = intent.StatusPending
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO buyer_intents
		(stream_id, username, message, confidence, category, item_wanted, details, estimated_value, outreach, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		bi.StreamID, bi.Username, bi.Message, bi.Confidence, string(bi.Category), bi.ItemWanted, bi.Details,
		bi.EstimatedValue, bi.Outreach, string(bi.Status), bi.Timestamp).Scan(&bi.ID)
	if err != nil {
		return intent.BuyerIntent{}, fmt.Errorf("save buyer intent: %w", err)
	}
	return bi, nil
}

// ListIntents returns a stream's intents in detection order.
func (s *Store) ListIntents(ctx context.Context, streamID int64) ([]intent.BuyerIntent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+intentColumns+` FROM buyer_intents WHERE stream_id = ? ORDER BY created_at, id`), streamID)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()
	out := []intent.BuyerIntent{}
	for rows.Next() {
		bi, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, bi)
	}
	return out, rows.Err()
}

// GetStreamSummary returns the stream, its intents and aggregate stats.
func (s *Store) GetStreamSummary(ctx context.Context, id int64) (Summary, error) {
	st, err := s.GetStream(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	intents, err := s.ListIntents(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Stream: st, Intents: intents, Stats: summarize(st, intents)}, nil
}

func summarize(st Stream, intents []intent.BuyerIntent) Stats {
	stats := Stats{
		TotalMessages:  st.TotalMessages,
		TotalIntents:   st.TotalIntents,
		EstimatedValue: st.EstimatedValue,
		TopCategories:  []CategoryCount{},
	}
	if len(intents) > st.TotalIntents {
		stats.TotalIntents = len(intents)
	}
	counts := make(map[intent.Category]int)
	var conf float64
	for _, bi := range intents {
		switch bi.Status {
		case intent.StatusPending:
			stats.Pending++
		case intent.StatusApproved:
			stats.Approved++
		case intent.StatusSkipped:
			stats.Skipped++
		}
		conf += bi.Confidence
		counts[bi.Category]++
	}
	if len(intents) > 0 {
		stats.AverageConfidence = float64(int(conf/float64(len(intents))*100+0.5)) / 100
	}
	for c, n := range counts {
		stats.TopCategories = append(stats.TopCategories, CategoryCount{Category: c, Count: n})
	}
	sort.Slice(stats.TopCategories, func(i, j int) bool {
		a, b := stats.TopCategories[i], stats.TopCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	return stats
}

// SetIntentStatus reviews a pending intent. Approved and skipped intents are final.
func (s *Store) SetIntentStatus(ctx context.Context, id int64, to intent.Status) (intent.BuyerIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return intent.BuyerIntent{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanIntent(tx.QueryRowContext(ctx, s.q(`SELECT `+intentColumns+` FROM buyer_intents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return intent.BuyerIntent{}, fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return intent.BuyerIntent{}, fmt.Errorf("load intent %d: %w", id, err)
	}
	if !intent.CanTransition(cur.Status, to) {
		return intent.BuyerIntent{}, fmt.Errorf("intent %d %s -> %s: %w", id, cur.Status, to, ErrInvalidTransition)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE buyer_intents SET status = ?, reviewed_at = ? WHERE id = ? AND status = ?`),
		string(to), time.Now().UTC(), id, string(intent.StatusPending))
	if err != nil {
		return intent.BuyerIntent{}, fmt.Errorf("update intent %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intent.BuyerIntent{}, fmt.Errorf("intent %d: %w", id, ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return intent.BuyerIntent{}, fmt.Errorf("commit: %w", err)
	}
	cur.Status = to
	return cur, nil
}

// DeleteStreams removes ended streams and their intents. Active streams are
// never deleted. It returns the number of streams removed.
func (s *Store) DeleteStreams(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM buyer_intents WHERE stream_id = ?
			AND EXISTS (SELECT 1 FROM streams WHERE id = ? AND status = ?)`), id, id, StreamEnded); err != nil {
			return 0, fmt.Errorf("delete intents of stream %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM streams WHERE id = ? AND status = ?`), id, StreamEnded)
		if err != nil {
			return 0, fmt.Errorf("delete stream %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}
