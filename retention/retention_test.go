package retention

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/testutil"
)

func TestLoadPolicy(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Policy
	}{
		{"defaults", nil, Policy{Interval: 6 * time.Hour}},
		{"keep days", map[string]string{"RETENTION_KEEP_DAYS": "30"}, Policy{KeepDays: 30, Interval: 6 * time.Hour}},
		{"both with dry run", map[string]string{"RETENTION_KEEP_DAYS": "7", "RETENTION_KEEP_COUNT": "50", "RETENTION_DRY_RUN": "1"},
			Policy{KeepDays: 7, KeepCount: 50, DryRun: true, Interval: 6 * time.Hour}},
		{"custom interval", map[string]string{"RETENTION_INTERVAL": "12h"}, Policy{Interval: 12 * time.Hour}},
		{"invalid values ignored", map[string]string{"RETENTION_KEEP_DAYS": "x", "RETENTION_KEEP_COUNT": "-3", "RETENTION_INTERVAL": "soon"},
			Policy{Interval: 6 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"RETENTION_KEEP_DAYS", "RETENTION_KEEP_COUNT", "RETENTION_DRY_RUN", "RETENTION_INTERVAL"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := LoadPolicy(); got != tt.want {
				t.Errorf("LoadPolicy() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	// Newest first.
	streams := []db.Stream{
		{ID: 5, Status: db.StreamActive, StartedAt: now.Add(-40 * day)},
		{ID: 4, Status: db.StreamEnded, StartedAt: now.Add(-1 * day)},
		{ID: 3, Status: db.StreamEnded, StartedAt: now.Add(-3 * day)},
		{ID: 2, Status: db.StreamEnded, StartedAt: now.Add(-10 * day)},
		{ID: 1, Status: db.StreamEnded, StartedAt: now.Add(-30 * day)},
	}
	tests := []struct {
		name   string
		policy Policy
		want   []int64
	}{
		{"disabled", Policy{}, nil},
		{"keep days", Policy{KeepDays: 7}, []int64{2, 1}},
		{"keep count", Policy{KeepCount: 3}, []int64{2, 1}},
		{"either rule keeps", Policy{KeepDays: 14, KeepCount: 2}, []int64{1}},
		{"count includes active", Policy{KeepCount: 1}, []int64{4, 3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expired(streams, tt.policy, now)
			if len(got) != len(tt.want) {
				t.Fatalf("Expired = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Expired = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.SetupTestDB(t)
	old := time.Now().Add(-60 * 24 * time.Hour)
	st, err := store.CreateStream(ctx, "old", "https://www.whatnot.com/live/old", "requested", old)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.EndStream(ctx, st.ID, db.Counters{}, old.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	fresh, err := store.CreateStream(ctx, "fresh", "https://www.whatnot.com/live/fresh", "requested", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	n, err := RunOnce(ctx, store, Policy{KeepDays: 30, DryRun: true})
	if err != nil || n < 1 {
		t.Fatalf("dry run = %d, %v", n, err)
	}
	if _, err := store.GetStream(ctx, st.ID); err != nil {
		t.Fatal("dry run must not delete")
	}

	n, err = RunOnce(ctx, store, Policy{KeepDays: 30})
	if err != nil || n < 1 {
		t.Fatalf("run = %d, %v", n, err)
	}
	if _, err := store.GetStream(ctx, st.ID); err == nil {
		t.Fatal("expired stream should be deleted")
	}
	if _, err := store.GetStream(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh stream must survive: %v", err)
	}
}
