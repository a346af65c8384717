package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAppender struct {
	calls []Event
	err   error
}

func (f *fakeAppender) AppendEvent(ctx context.Context, shopID int64, kind, entityID string, oldValue, newValue, metadata []byte, detectedAt time.Time) error {
	f.calls = append(f.calls, Event{Kind: Kind(kind), ShopID: shopID, EntityID: entityID})
	return f.err
}

func TestStoreSinkAppendsEveryEvent(t *testing.T) {
	appender := &fakeAppender{}
	sink := StoreSink{W: appender}

	evs := []Event{
		{Kind: PriceChange, ShopID: 1, EntityID: "nm-1"},
		{Kind: StockOut, ShopID: 1, EntityID: "nm-2"},
	}
	if err := sink.Push(context.Background(), evs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(appender.calls) != 2 {
		t.Fatalf("expected 2 AppendEvent calls, got %d", len(appender.calls))
	}
}

func TestStoreSinkSurfacesAppendError(t *testing.T) {
	appender := &fakeAppender{err: errors.New("write failed")}
	sink := StoreSink{W: appender}

	err := sink.Push(context.Background(), []Event{{Kind: PriceChange, ShopID: 1, EntityID: "nm-1"}})
	if err == nil {
		t.Fatal("expected the append error to surface")
	}
}

func TestMultiSinkFansOutAndReturnsFirstError(t *testing.T) {
	good := &fakeAppender{}
	bad := &fakeAppender{err: errors.New("boom")}
	sink := MultiSink{LogSink{}, StoreSink{W: good}, StoreSink{W: bad}}

	err := sink.Push(context.Background(), []Event{{Kind: PriceChange, ShopID: 1, EntityID: "nm-1"}})
	if err == nil {
		t.Fatal("expected MultiSink to surface the failing sink's error")
	}
	if len(good.calls) != 1 {
		t.Fatalf("expected the earlier sink to still run, got %d calls", len(good.calls))
	}
}

func TestDiffAdsBidChange(t *testing.T) {
	prev := AdsFields{Bid: 100, Status: "active", Budget: 5000}
	next := AdsFields{Bid: 150, Status: "active", Budget: 5000}

	evs := DiffAds(1, "campaign-1", prev, next, nil)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Kind != BidChange {
		t.Errorf("expected BID_CHANGE, got %s", evs[0].Kind)
	}
}

func TestDiffAdsDebouncesSmallBidDelta(t *testing.T) {
	prev := AdsFields{Bid: 100, Status: "active", Budget: 5000}
	next := AdsFields{Bid: 101, Status: "active", Budget: 5000}

	evs := DiffAds(1, "campaign-1", prev, next, nil)
	if len(evs) != 0 {
		t.Fatalf("expected bid delta of 1 to be debounced, got %d events", len(evs))
	}
}

func TestDiffAdsIdempotentOnReplay(t *testing.T) {
	snap := AdsFields{Bid: 100, Status: "active", Budget: 5000}
	evs := DiffAds(1, "campaign-1", snap, snap, nil)
	if len(evs) != 0 {
		t.Fatalf("replaying an identical snapshot must emit zero events, got %d", len(evs))
	}
}

func TestDiffAdsStatusAndBudget(t *testing.T) {
	prev := AdsFields{Bid: 100, Status: "active", Budget: 5000}
	next := AdsFields{Bid: 100, Status: "paused", Budget: 8000}

	evs := DiffAds(1, "campaign-1", prev, next, nil)
	if len(evs) != 2 {
		t.Fatalf("expected STATUS_CHANGE and BUDGET_CHANGE, got %d events", len(evs))
	}
	kinds := map[Kind]bool{}
	for _, e := range evs {
		kinds[e.Kind] = true
	}
	if !kinds[StatusChange] || !kinds[BudgetChange] {
		t.Errorf("expected both STATUS_CHANGE and BUDGET_CHANGE, got %v", evs)
	}
}

func TestSetDiffDebouncerRequiresTwoSnapshots(t *testing.T) {
	d := NewSetDiffDebouncer()
	prev := map[string]struct{}{"a": {}, "b": {}}
	flapped := map[string]struct{}{"a": {}} // "b" missing for one poll

	evs := d.Diff(1, "campaign-1", prev, flapped)
	if len(evs) != 0 {
		t.Fatalf("single-poll flap must not fire yet, got %d events", len(evs))
	}

	// No removal was confirmed, so the confirmed set is still prev.
	evs = d.Diff(1, "campaign-1", prev, flapped)
	if len(evs) != 1 || evs[0].Kind != ItemRemove {
		t.Fatalf("expected ITEM_REMOVE to confirm on second consecutive absence, got %v", evs)
	}
}

func TestSetDiffDebouncerAbsorbsSinglePollFlap(t *testing.T) {
	d := NewSetDiffDebouncer()
	prev := map[string]struct{}{"a": {}, "b": {}}
	flapped := map[string]struct{}{"a": {}}
	restored := map[string]struct{}{"a": {}, "b": {}}

	d.Diff(1, "campaign-1", prev, flapped)
	evs := d.Diff(1, "campaign-1", flapped, restored)
	if len(evs) != 0 {
		t.Fatalf("item reappearing before second confirmation must not fire ITEM_REMOVE, got %v", evs)
	}
}

func TestDiffStockOutAndReplenish(t *testing.T) {
	out := DiffStock(1, "nm-1", 10, 0)
	if len(out) != 1 || out[0].Kind != StockOut {
		t.Fatalf("expected STOCK_OUT, got %v", out)
	}

	replenish := DiffStock(1, "nm-1", 0, 60)
	if len(replenish) != 1 || replenish[0].Kind != StockReplenish {
		t.Fatalf("expected STOCK_REPLENISH for jump >= 50, got %v", replenish)
	}

	noisy := DiffStock(1, "nm-1", 0, 10)
	if len(noisy) != 0 {
		t.Fatalf("a small restock below the 50-unit heuristic must not fire, got %v", noisy)
	}
}

func TestDiffPriceAnyNonzeroDelta(t *testing.T) {
	evs := DiffPrice(1, "nm-1", 1000, 999)
	if len(evs) != 1 || evs[0].Kind != PriceChange {
		t.Fatalf("expected PRICE_CHANGE on any nonzero delta, got %v", evs)
	}
	same := DiffPrice(1, "nm-1", 1000, 1000)
	if len(same) != 0 {
		t.Fatalf("replaying the same price must emit zero events, got %v", same)
	}
}

func TestDiffContentMainPhotoDominatesOverOrder(t *testing.T) {
	prev := ContentFields{Title: "t", Description: "d", PhotoHashes: []string{"h1", "h2", "h3"}}
	next := ContentFields{Title: "t", Description: "d", PhotoHashes: []string{"h9", "h2", "h3"}}

	evs := DiffContent(1, "nm-1", prev, next)
	if len(evs) != 1 || evs[0].Kind != ContentMainPhotoChanged {
		t.Fatalf("expected only CONTENT_MAIN_PHOTO_CHANGED, got %v", evs)
	}
}

func TestDiffContentPhotoOrderChanged(t *testing.T) {
	prev := ContentFields{PhotoHashes: []string{"h1", "h2", "h3"}}
	next := ContentFields{PhotoHashes: []string{"h1", "h3", "h2"}}

	evs := DiffContent(1, "nm-1", prev, next)
	if len(evs) != 1 || evs[0].Kind != ContentPhotoOrderChanged {
		t.Fatalf("expected CONTENT_PHOTO_ORDER_CHANGED, got %v", evs)
	}
}

func TestDiffContentTitleAndDescription(t *testing.T) {
	prev := ContentFields{Title: "old title", Description: "old desc"}
	next := ContentFields{Title: "new title", Description: "old desc"}

	evs := DiffContent(1, "nm-1", prev, next)
	if len(evs) != 1 || evs[0].Kind != ContentTitleChanged {
		t.Fatalf("expected only CONTENT_TITLE_CHANGED, got %v", evs)
	}
}

func TestDiffItemActivityZeroStock(t *testing.T) {
	evs := DiffItemActivity(1, "item-1", 500, 0, nil)
	if len(evs) != 1 || evs[0].Kind != ItemInactive {
		t.Fatalf("expected ITEM_INACTIVE for zero stock, got %v", evs)
	}
	active := DiffItemActivity(1, "item-1", 500, 10, nil)
	if len(active) != 0 {
		t.Fatalf("item with impressions and stock must not fire, got %v", active)
	}
}
