// Package events implements C6: the pure diffing engine that turns
// (previous state, new snapshot) pairs into typed events, plus a Sink
// for pushing them onward. Grounded on the teacher's
// streaming/interface.go (the Sink contract) and streaming/logger.go
// (the best-effort fallback sink), generalized from log-line streaming
// to marketplace-entity event streaming.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Kind is the closed event taxonomy from spec.md §4.6.
type Kind string

const (
	BidChange               Kind = "BID_CHANGE"
	StatusChange            Kind = "STATUS_CHANGE"
	BudgetChange            Kind = "BUDGET_CHANGE"
	ItemAdd                 Kind = "ITEM_ADD"
	ItemRemove              Kind = "ITEM_REMOVE"
	ItemInactive            Kind = "ITEM_INACTIVE"
	PriceChange             Kind = "PRICE_CHANGE"
	StockOut                Kind = "STOCK_OUT"
	StockReplenish          Kind = "STOCK_REPLENISH"
	ContentTitleChanged     Kind = "CONTENT_TITLE_CHANGED"
	ContentDescChanged      Kind = "CONTENT_DESC_CHANGED"
	ContentMainPhotoChanged Kind = "CONTENT_MAIN_PHOTO_CHANGED"
	ContentPhotoOrderChanged Kind = "CONTENT_PHOTO_ORDER_CHANGED"
)

// Event is the detector's output unit: old/new values plus free-form
// metadata (campaign kind, reason tag), matching spec.md §4.6's
// "Semantics" paragraph.
type Event struct {
	Kind     Kind                   `json:"kind"`
	ShopID   int64                  `json:"shop_id"`
	EntityID string                 `json:"entity_id"`
	OldValue interface{}            `json:"old_value,omitempty"`
	NewValue interface{}            `json:"new_value,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Sink is the push interface events are handed to once detected.
// Defined at the point of use, matching the teacher's small-interface
// idiom in streaming/interface.go.
type Sink interface {
	Push(ctx context.Context, events []Event) error
}

// LogSink is the best-effort structured-log fallback, directly
// generalized from streaming/logger.go's write-path: never fails the
// caller, logs one JSON line per event.
type LogSink struct{}

func (LogSink) Push(_ context.Context, evs []Event) error {
	for _, e := range evs {
		b, _ := json.Marshal(e)
		log.Println(string(b))
	}
	return nil
}

// EventAppender is the append-only write this package needs from the
// OLTP store, defined here (not imported from store) so events stays
// dependency-free for unit testing, matching the teacher's small-
// interface-at-point-of-use idiom.
type EventAppender interface {
	AppendEvent(ctx context.Context, shopID int64, kind, entityID string, oldValue, newValue, metadata []byte, detectedAt time.Time) error
}

// StoreSink persists every detected event to the append-only audit log
// (spec.md §3: "Event Record... immutable append to the audit log").
// Grounded on the same Sink contract LogSink satisfies; composed with
// LogSink via MultiSink so detected events are both logged and
// durably recorded.
type StoreSink struct {
	W EventAppender
}

func (s StoreSink) Push(ctx context.Context, evs []Event) error {
	for _, e := range evs {
		oldValue, _ := json.Marshal(e.OldValue)
		newValue, _ := json.Marshal(e.NewValue)
		metadata, _ := json.Marshal(e.Metadata)
		if err := s.W.AppendEvent(ctx, e.ShopID, string(e.Kind), e.EntityID, oldValue, newValue, metadata, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// MultiSink fans a batch out to every sink in order, matching the
// teacher's fan-out style for the same reason it exists here: one
// detected batch must reach both the log and the durable store. The
// first error is returned after every sink has been tried, so one
// sink's outage never silently hides writes that other sinks still
// completed.
type MultiSink []Sink

func (m MultiSink) Push(ctx context.Context, evs []Event) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Push(ctx, evs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// bid/price debounce floors per spec.md §4.6 "Debouncing": deltas no
// larger than this are treated as noise, not a real change.
const (
	bidDebounceFloor   = 1   // kopecks/minor-unit
	priceDebounceFloor = 0   // any nonzero price delta fires (spec: "delta != 0")
	budgetEpsilon      = 100 // minor units
)

// DiffAds compares a previous and new ads snapshot for one campaign
// entity (campaign or campaign-item, identified by entityID) and
// returns the events fired plus metadata describing the campaign kind.
func DiffAds(shopID int64, entityID string, prev, next AdsFields, meta map[string]interface{}) []Event {
	var out []Event

	if absInt64(next.Bid-prev.Bid) > bidDebounceFloor {
		out = append(out, Event{Kind: BidChange, ShopID: shopID, EntityID: entityID,
			OldValue: prev.Bid, NewValue: next.Bid, Metadata: meta})
	}
	if prev.Status != next.Status {
		out = append(out, Event{Kind: StatusChange, ShopID: shopID, EntityID: entityID,
			OldValue: prev.Status, NewValue: next.Status, Metadata: meta})
	}
	if absInt64(next.Budget-prev.Budget) > budgetEpsilon {
		out = append(out, Event{Kind: BudgetChange, ShopID: shopID, EntityID: entityID,
			OldValue: prev.Budget, NewValue: next.Budget, Metadata: meta})
	}
	return out
}

// AdsFields is the subset of an ads snapshot DiffAds needs; kept
// separate from statestore.AdsSnapshot so this package stays free of
// the statestore import (pure function, no I/O, per spec.md §4.6).
type AdsFields struct {
	Bid    int64
	Status string
	Budget int64
}

// SetDiffDebouncer resolves spec.md §9 Open Question (b): a naive
// single-snapshot set difference flags the same item add/remove twice
// if a marketplace page ordering glitch drops an item for one poll and
// it reappears the next. We require two consecutive snapshots to agree
// an item is really gone/new before emitting ITEM_ADD/ITEM_REMOVE.
type SetDiffDebouncer struct {
	pendingRemove map[string]int // candidate id -> consecutive-absent count
	pendingAdd    map[string]int // candidate id -> consecutive-present count
}

func NewSetDiffDebouncer() *SetDiffDebouncer {
	return &SetDiffDebouncer{
		pendingRemove: make(map[string]int),
		pendingAdd:    make(map[string]int),
	}
}

// Diff compares the previous confirmed item set against the newly
// observed set and returns confirmed ITEM_ADD/ITEM_REMOVE events. An
// item must appear (or disappear) in two consecutive calls before the
// corresponding event fires; a single-poll flap is absorbed silently.
func (d *SetDiffDebouncer) Diff(shopID int64, campaignID string, prevSet, newSet map[string]struct{}) []Event {
	var out []Event

	for id := range newSet {
		if _, wasPresent := prevSet[id]; !wasPresent {
			d.pendingAdd[id]++
			delete(d.pendingRemove, id)
			if d.pendingAdd[id] >= 2 {
				out = append(out, Event{Kind: ItemAdd, ShopID: shopID, EntityID: campaignID,
					NewValue: id})
				delete(d.pendingAdd, id)
			}
		} else {
			delete(d.pendingAdd, id)
		}
	}

	for id := range prevSet {
		if _, stillPresent := newSet[id]; !stillPresent {
			d.pendingRemove[id]++
			if d.pendingRemove[id] >= 2 {
				out = append(out, Event{Kind: ItemRemove, ShopID: shopID, EntityID: campaignID,
					OldValue: id})
				delete(d.pendingRemove, id)
			}
		} else {
			delete(d.pendingRemove, id)
		}
	}

	return out
}

// DiffItemActivity flags an advertised item with zero impressions over
// the observation window, or zero stock, as ITEM_INACTIVE.
func DiffItemActivity(shopID int64, entityID string, impressions int64, stockQty int, meta map[string]interface{}) []Event {
	if impressions == 0 || stockQty == 0 {
		reason := "zero_impressions"
		if stockQty == 0 {
			reason = "zero_stock"
		}
		m := cloneMeta(meta)
		m["reason"] = reason
		return []Event{{Kind: ItemInactive, ShopID: shopID, EntityID: entityID, Metadata: m}}
	}
	return nil
}

// DiffPrice fires PRICE_CHANGE on any nonzero delta, per spec.md §4.6.
func DiffPrice(shopID int64, nm string, prevPrice, newPrice int64) []Event {
	if newPrice == prevPrice {
		return nil
	}
	return []Event{{Kind: PriceChange, ShopID: shopID, EntityID: nm,
		OldValue: prevPrice, NewValue: newPrice}}
}

// DiffStock implements the STOCK_OUT / STOCK_REPLENISH heuristics
// (spec.md §4.6): out fires on prev>0 && new==0; replenish fires on
// prev==0 && a jump of at least 50 units (large-jump heuristic, not
// "any restock", to avoid noise from single-unit sales/returns).
func DiffStock(shopID int64, entityID string, prevQty, newQty int) []Event {
	var out []Event
	if prevQty > 0 && newQty == 0 {
		out = append(out, Event{Kind: StockOut, ShopID: shopID, EntityID: entityID,
			OldValue: prevQty, NewValue: newQty})
	}
	if prevQty == 0 && newQty-prevQty >= 50 {
		out = append(out, Event{Kind: StockReplenish, ShopID: shopID, EntityID: entityID,
			OldValue: prevQty, NewValue: newQty})
	}
	return out
}

// ContentFields is the subset of a content snapshot relevant to
// diffing. PhotoHashes[0] is the main photo by convention.
type ContentFields struct {
	Title       string
	Description string
	PhotoHashes []string
}

// DiffContent implements the CONTENT_* family. Main-photo-changed and
// photo-order-changed are mutually exclusive in a single diff: if the
// leading hash changed, that dominates (it's the more actionable
// signal) and the full-order comparison is skipped.
func DiffContent(shopID int64, nm string, prev, next ContentFields) []Event {
	var out []Event

	if prev.Title != next.Title {
		out = append(out, Event{Kind: ContentTitleChanged, ShopID: shopID, EntityID: nm,
			OldValue: prev.Title, NewValue: next.Title})
	}
	if prev.Description != next.Description {
		out = append(out, Event{Kind: ContentDescChanged, ShopID: shopID, EntityID: nm,
			OldValue: prev.Description, NewValue: next.Description})
	}

	switch {
	case len(prev.PhotoHashes) > 0 && len(next.PhotoHashes) > 0 && prev.PhotoHashes[0] != next.PhotoHashes[0]:
		out = append(out, Event{Kind: ContentMainPhotoChanged, ShopID: shopID, EntityID: nm,
			OldValue: prev.PhotoHashes[0], NewValue: next.PhotoHashes[0]})
	case !sameOrder(prev.PhotoHashes, next.PhotoHashes):
		out = append(out, Event{Kind: ContentPhotoOrderChanged, ShopID: shopID, EntityID: nm,
			OldValue: prev.PhotoHashes, NewValue: next.PhotoHashes})
	}

	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
