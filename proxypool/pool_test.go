package proxypool

import (
	"testing"
	"time"

	"github.com/flux-commerce/mp-ingest/shopmodel"
)

func TestNewBuildsEntryPerProxy(t *testing.T) {
	proxies := []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyActive},
		{ID: 2, Status: shopmodel.ProxyActive},
	}
	p := New(nil, proxies)
	if len(p.byID) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(p.byID))
	}
}

func TestActiveCountExcludesInactiveAndQuarantined(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyActive},
		{ID: 2, Status: shopmodel.ProxyActive},
		{ID: 3, Status: shopmodel.ProxyBanned},
	})
	p.byID[2].quarantinedUntil = time.Now().Add(time.Hour)

	if got := p.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 active proxy (one quarantined, one banned), got %d", got)
	}
}

func TestActiveCountIncludesExpiredQuarantine(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyActive},
	})
	p.byID[1].quarantinedUntil = time.Now().Add(-time.Minute)

	if got := p.ActiveCount(); got != 1 {
		t.Fatalf("expected the expired quarantine to no longer exclude the proxy, got %d", got)
	}
}

func TestWeightedPickSkipsQuarantinedAndInactive(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyBanned},
		{ID: 2, Status: shopmodel.ProxyActive},
		{ID: 3, Status: shopmodel.ProxyActive},
	})
	p.byID[2].proxy.SuccessCount = 10
	p.byID[3].quarantinedUntil = time.Now().Add(time.Hour)

	pr, ok := p.weightedPick()
	if !ok {
		t.Fatal("expected one eligible proxy to be pickable")
	}
	if pr.ID != 2 {
		t.Fatalf("expected the only eligible proxy (id 2), got %d", pr.ID)
	}
}

func TestWeightedPickNoneEligible(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyBanned},
	})
	if _, ok := p.weightedPick(); ok {
		t.Fatal("expected no eligible proxy when all are inactive")
	}
}

func TestTryUseRejectsQuarantinedProxy(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{
		{ID: 1, Status: shopmodel.ProxyActive},
	})
	p.byID[1].quarantinedUntil = time.Now().Add(time.Hour)

	if _, ok := p.tryUse(1); ok {
		t.Fatal("expected a quarantined proxy to be rejected by tryUse")
	}
}

func TestTryUseRejectsUnknownProxy(t *testing.T) {
	p := New(nil, []shopmodel.Proxy{{ID: 1, Status: shopmodel.ProxyActive}})
	if _, ok := p.tryUse(999); ok {
		t.Fatal("expected an unknown proxy id to be rejected")
	}
}
