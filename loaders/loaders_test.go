package loaders

import "testing"

func TestBuildUpsertQuery(t *testing.T) {
	got := buildUpsertQuery(
		"dim_campaign",
		[]string{"shop_id", "campaign_id"},
		[]string{"name", "updated_at"},
		[]string{"shop_id", "campaign_id", "name", "updated_at"},
	)
	want := "INSERT INTO dim_campaign (shop_id, campaign_id, name, updated_at) VALUES ($1, $2, $3, $4)" +
		" ON CONFLICT (shop_id, campaign_id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at"
	if got != want {
		t.Fatalf("buildUpsertQuery mismatch:\ngot:  %s\nwant: %s", got, want)
	}
}

func TestBuildUpsertQueryPlaceholdersAreOneIndexed(t *testing.T) {
	got := buildUpsertQuery("t", []string{"id"}, []string{"v"}, []string{"id", "v"})
	want := "INSERT INTO t (id, v) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET v = EXCLUDED.v"
	if got != want {
		t.Fatalf("buildUpsertQuery mismatch:\ngot:  %s\nwant: %s", got, want)
	}
}

func TestRowsBelowMaxBatchStayPending(t *testing.T) {
	b := NewBatcher(nil, "fact_test", []string{"shop_id", "value"}, "created_at", true)
	for i := 0; i < maxBatch-1; i++ {
		b.mu.Lock()
		b.rows = append(b.rows, FactRow{ShopID: 1, Columns: []interface{}{1, i}})
		b.mu.Unlock()
	}
	b.mu.Lock()
	got := len(b.rows)
	b.mu.Unlock()
	if got != maxBatch-1 {
		t.Fatalf("expected %d pending rows, got %d", maxBatch-1, got)
	}
}
