package tasks

import (
	"context"
	"testing"
	"time"
)

func TestDefaultBeatScheduleMatchesSpecTable(t *testing.T) {
	want := map[string]time.Duration{
		"update_all_bids":             60 * time.Second,
		"check_all_positions":         5 * time.Minute,
		"sync_all_frequent":           30 * time.Minute,
		"sync_all_ads":                60 * time.Minute,
		"sync_all_campaign_snapshots": 30 * time.Minute,
	}
	found := map[string]bool{}
	for _, e := range DefaultBeatSchedule {
		found[e.TaskName] = true
		if wantEvery, ok := want[e.TaskName]; ok {
			if e.Every != wantEvery {
				t.Errorf("%s: Every = %s, want %s", e.TaskName, e.Every, wantEvery)
			}
		}
	}
	for name := range want {
		if !found[name] {
			t.Errorf("expected %s in the default beat schedule", name)
		}
	}
}

func TestSyncAllDailyFiresAtThreeAMUTC(t *testing.T) {
	var entry *BeatEntry
	for i := range DefaultBeatSchedule {
		if DefaultBeatSchedule[i].TaskName == "sync_all_daily" {
			entry = &DefaultBeatSchedule[i]
		}
	}
	if entry == nil {
		t.Fatal("expected a sync_all_daily entry")
	}
	if entry.Every != 0 {
		t.Fatalf("expected sync_all_daily to be a cron entry with Every unset, got %s", entry.Every)
	}
	if entry.DailyAtUTC == nil || *entry.DailyAtUTC != 3*time.Hour {
		t.Fatalf("expected sync_all_daily to fire at 03:00 UTC, got %v", entry.DailyAtUTC)
	}
}

func TestBeatRunDispatchesIntervalEntry(t *testing.T) {
	r := NewRuntime()
	r.Register("ping", QueueFast, func(ctx context.Context, t *Task) error { return nil })

	b := NewBeat(r, []BeatEntry{{TaskName: "ping", Every: 10 * time.Millisecond}})
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	if r.queues[QueueFast].Len() == 0 {
		t.Fatal("expected the interval entry to have delayed at least one task onto its queue")
	}
}
