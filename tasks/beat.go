package tasks

import (
	"context"
	"time"
)

// BeatEntry is one periodic dispatch rule (spec.md §4.8 "Beat
// schedule"). Either Every (fixed interval) or DailyAtUTC (wall-clock
// cron) is set, never both.
type BeatEntry struct {
	TaskName  string
	Every     time.Duration
	DailyAtUTC *time.Duration // offset from UTC midnight, e.g. 3*time.Hour for 03:00 UTC
}

// DefaultBeatSchedule matches spec.md §4.8's "typical" schedule. Fanout
// over shops happens inside each handler (registered with the Runtime
// in cmd/ingestd), not here — Beat only decides when to fire
// the all-shops task.
var DefaultBeatSchedule = []BeatEntry{
	{TaskName: "update_all_bids", Every: 60 * time.Second},
	{TaskName: "check_all_positions", Every: 5 * time.Minute},
	{TaskName: "sync_all_frequent", Every: 30 * time.Minute},
	{TaskName: "sync_all_ads", Every: 60 * time.Minute},
	{TaskName: "sync_all_campaign_snapshots", Every: 30 * time.Minute},
	{TaskName: "sync_all_daily", DailyAtUTC: durationPtr(3 * time.Hour)},
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// Beat drives DefaultBeatSchedule (or a caller-supplied schedule)
// against a Runtime, firing each entry's task with an empty shop id
// (the handler itself fans out across shops).
type Beat struct {
	runtime  *Runtime
	schedule []BeatEntry
}

func NewBeat(runtime *Runtime, schedule []BeatEntry) *Beat {
	return &Beat{runtime: runtime, schedule: schedule}
}

// Run blocks until ctx is cancelled, firing each entry on its own
// ticker (interval entries) or a once-a-minute check against the daily
// offset (cron entries).
func (b *Beat) Run(ctx context.Context) {
	for _, entry := range b.schedule {
		go b.runEntry(ctx, entry)
	}
	<-ctx.Done()
}

func (b *Beat) runEntry(ctx context.Context, entry BeatEntry) {
	if entry.Every > 0 {
		ticker := time.NewTicker(entry.Every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = b.runtime.Delay(entry.TaskName, 0, nil)
			}
		}
	}

	if entry.DailyAtUTC != nil {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		lastFired := time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				sinceMidnight := now.Sub(now.Truncate(24 * time.Hour))
				target := *entry.DailyAtUTC
				if sinceMidnight >= target && sinceMidnight < target+time.Minute && (lastFired.IsZero() || now.Day() != lastFired.Day()) {
					_ = b.runtime.Delay(entry.TaskName, 0, nil)
					lastFired = now
				}
			}
		}
	}
}
