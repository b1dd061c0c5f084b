// Package retention prunes old ended streams and their buyer intents on a
// schedule. Active streams are never touched.
package retention

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/intent-radar/db"
)

// Policy defines which ended streams are kept.
type Policy struct {
	// KeepDays keeps streams started within this many days (0 disables).
	KeepDays int
	// KeepCount keeps the N most recently started streams (0 disables).
	KeepCount int
	// DryRun logs what would be deleted without deleting.
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p Policy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// LoadPolicy reads RETENTION_KEEP_DAYS, RETENTION_KEEP_COUNT,
// RETENTION_DRY_RUN and RETENTION_INTERVAL. Invalid values are ignored.
func LoadPolicy() Policy {
	p := Policy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			p.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			p.KeepCount = n
		}
	}
	p.DryRun = os.Getenv("RETENTION_DRY_RUN") == "1"
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			p.Interval = d
		}
	}
	return p
}

// Store is the persistence the job needs.
type Store interface {
	ListAllStreams(ctx context.Context) ([]db.Stream, error)
	DeleteStreams(ctx context.Context, ids []int64) (int, error)
}

// Expired returns the ids of streams the policy does not retain. streams must
// be newest first. A stream is kept if any enabled rule keeps it.
func Expired(streams []db.Stream, p Policy, now time.Time) []int64 {
	if !p.Enabled() {
		return nil
	}
	var cutoff time.Time
	if p.KeepDays > 0 {
		cutoff = now.Add(-time.Duration(p.KeepDays) * 24 * time.Hour)
	}
	var out []int64
	for i, st := range streams {
		switch {
		case st.Status != db.StreamEnded:
		case p.KeepCount > 0 && i < p.KeepCount:
		case p.KeepDays > 0 && !st.StartedAt.Before(cutoff):
		default:
			out = append(out, st.ID)
		}
	}
	return out
}

// RunOnce performs a single cleanup pass and returns the number of streams
// deleted (or that would be, in dry-run mode).
func RunOnce(ctx context.Context, store Store, p Policy) (int, error) {
	logger := slog.Default().With(slog.String("component", "retention_cleanup"), slog.Bool("dry_run", p.DryRun))
	streams, err := store.ListAllStreams(ctx)
	if err != nil {
		return 0, err
	}
	ids := Expired(streams, p, time.Now())
	if len(ids) == 0 {
		logger.Debug("nothing to clean up", slog.Int("streams", len(streams)))
		return 0, nil
	}
	if p.DryRun {
		logger.Info("would delete streams", slog.Int("count", len(ids)), slog.Any("ids", ids))
		return len(ids), nil
	}
	n, err := store.DeleteStreams(ctx, ids)
	if err != nil {
		return 0, err
	}
	logger.Info("deleted expired streams", slog.Int("count", n))
	return n, nil
}

// Start runs cleanup immediately and then every Interval until ctx is done.
// It returns at once when the policy is disabled.
func Start(ctx context.Context, store Store, p Policy) {
	if !p.Enabled() {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "retention_cleanup"))
		return
	}
	slog.Info("retention job starting",
		slog.Int("keep_days", p.KeepDays),
		slog.Int("keep_count", p.KeepCount),
		slog.Bool("dry_run", p.DryRun),
		slog.Duration("interval", p.Interval),
		slog.String("component", "retention_cleanup"))

	if _, err := RunOnce(ctx, store, p); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("component", "retention_cleanup"))
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := RunOnce(ctx, store, p); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("component", "retention_cleanup"))
			}
		}
	}
}
