package mpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flux-commerce/mp-ingest/shopmodel"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   outcome
	}{
		{0, errors.New("dial tcp: timeout"), outcomeTransient},
		{http.StatusOK, nil, outcomeOK},
		{http.StatusCreated, nil, outcomeOK},
		{http.StatusUnauthorized, nil, outcomeAuthFail},
		{http.StatusForbidden, nil, outcomeBanned},
		{http.StatusTooManyRequests, nil, outcomeRateLimited},
		{http.StatusInternalServerError, nil, outcomeTransient},
		{http.StatusBadGateway, nil, outcomeTransient},
		{http.StatusNotFound, nil, outcomeOK}, // non-retryable client error passes through
	}
	for _, c := range cases {
		if got := classify(c.status, c.err); got != c.want {
			t.Errorf("classify(%d, %v) = %s, want %s", c.status, c.err, got, c.want)
		}
	}
}

// Do() itself composes proxypool+ratelimit+breaker against live Redis
// and has no unit test here; execute() carries the unit-testable HTTP
// mechanics of the per-call sequence.

func TestExecuteParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(1, nil, nil, nil)
	resp, oc, err := c.execute(context.Background(), Request{
		Marketplace: shopmodel.WBPrices,
		Method:      "GET",
		BaseURL:     srv.URL,
		Path:        "/",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oc != outcomeOK {
		t.Fatalf("expected outcomeOK, got %s", oc)
	}
	if resp.JSON["ok"] != true {
		t.Fatalf("expected parsed JSON body, got %v", resp.JSON)
	}
}

func TestExecuteSkipsJSONParseForBinaryResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x50, 0x4b, 0x03, 0x04}) // not valid JSON
	}))
	defer srv.Close()

	c := New(1, nil, nil, nil)
	resp, _, err := c.execute(context.Background(), Request{
		Marketplace:   shopmodel.WBPrices,
		Method:        "GET",
		BaseURL:       srv.URL,
		Path:          "/",
		ReturnsBinary: true,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.JSON != nil {
		t.Fatalf("expected no JSON parse attempt for a binary response, got %v", resp.JSON)
	}
	if len(resp.Raw) != 4 {
		t.Fatalf("expected raw bytes to be preserved untouched, got %v", resp.Raw)
	}
}

func TestExecuteClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(1, nil, nil, nil)
	_, oc, err := c.execute(context.Background(), Request{
		Marketplace: shopmodel.WBPrices,
		Method:      "GET",
		BaseURL:     srv.URL,
		Path:        "/",
	}, nil)
	if oc != outcomeTransient {
		t.Fatalf("expected outcomeTransient for a 500, got %s", oc)
	}
	if err == nil {
		t.Fatal("expected errOf to surface a non-nil error for a 500")
	}
}

func TestSleepBackoffHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	sleepBackoff(ctx, RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, JitterFrac: 0}, 1)
	if time.Since(start) > time.Second {
		t.Fatal("expected a cancelled context to short-circuit the backoff sleep")
	}
}
