// Package mpclient implements C4: the single outbound call path,
// composing proxypool + ratelimit + breaker, with TLS-fingerprint
// impersonation, jittered retries, and structured best-effort logging.
// Grounded on the teacher's composition style (the scheduler composes
// breaker+limiter ahead of dispatch) and store/postgres.go's
// connection-pool-config idiom, generalized to an HTTP client.
package mpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/flux-commerce/mp-ingest/breaker"
	"github.com/flux-commerce/mp-ingest/obs"
	"github.com/flux-commerce/mp-ingest/proxypool"
	"github.com/flux-commerce/mp-ingest/ratelimit"
	"github.com/flux-commerce/mp-ingest/shopmodel"
)

// RetryPolicy configures the retry budget for transient failures. The
// teacher's scheduler hard-codes backoff constants directly in
// processNextTask; we promote them to a struct so ads-report polling
// (spec.md §9 Open Question (a)) can override them per call site.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // e.g. 0.25 for +/-25%
}

// DefaultRetryPolicy matches spec.md §4.4: 3 attempts, base 2s, cap 60s,
// +/-25% jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    60 * time.Second,
	JitterFrac:  0.25,
}

// AdsPollRetryPolicy resolves Open Question (a): fixed at 3 attempts x
// 60s backoff, the middle of the three observed real-marketplace
// behaviors (see DESIGN.md).
var AdsPollRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   60 * time.Second,
	MaxDelay:    60 * time.Second,
	JitterFrac:  0.1,
}

// Request describes one logical outbound call.
type Request struct {
	Marketplace  shopmodel.MarketplaceAPI
	Method       string
	Path         string
	BaseURL      string
	Headers      map[string]string // per-call auth override, e.g. OAuth2 bearer
	Query        url.Values
	Body         []byte
	UseProxy     bool
	ReturnsBinary bool
	Retry        RetryPolicy
}

// Response carries both the parsed JSON (when applicable) and the raw
// bytes untouched — critical per spec.md §4.4: binary responses (ZIP,
// Excel) must never be forced through UTF-8 decoding.
type Response struct {
	StatusCode int
	JSON       map[string]interface{} // nil if body isn't JSON or ReturnsBinary is set
	Raw        []byte
}

// ErrProxyExhausted surfaces proxypool.ErrNoProxyAvailable under the
// client's own name so callers don't need to import proxypool directly.
var ErrProxyExhausted = proxypool.ErrNoProxyAvailable

// Client is the single outbound call path for a given shop.
type Client struct {
	httpClient *http.Client
	proxies    *proxypool.Pool
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	shopID     int64
}

// New builds a client for one shop. A fresh http.Client is used per
// shop so the impersonation transport and proxy dialer can be varied
// per lease without cross-shop interference.
func New(shopID int64, proxies *proxypool.Pool, limiter *ratelimit.Limiter, br *breaker.Breaker) *Client {
	return &Client{
		httpClient: &http.Client{Transport: impersonationTransport(), Timeout: 60 * time.Second},
		proxies:    proxies,
		limiter:    limiter,
		breaker:    br,
		shopID:     shopID,
	}
}

// impersonationTransport builds a net/http.Transport whose TLS
// ClientHello shape (cipher order, min version, ALPN) matches a modern
// browser closely enough to avoid naive marketplace-side fingerprint
// blocking — see DESIGN.md for why this stays on stdlib crypto/tls
// rather than a third-party fingerprint-spoofing library (none exists
// in this pack).
func impersonationTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			},
			NextProtos: []string{"h2", "http/1.1"},
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 16,
	}
}

// classification of one HTTP round trip.
type outcome string

const (
	outcomeOK        outcome = "ok"
	outcomeAuthFail  outcome = "auth_fail"
	outcomeRateLimited outcome = "rate_limited"
	outcomeBanned    outcome = "banned"
	outcomeTransient outcome = "transient"
)

func classify(statusCode int, err error) outcome {
	switch {
	case err != nil:
		return outcomeTransient
	case statusCode == http.StatusUnauthorized:
		return outcomeAuthFail
	case statusCode == http.StatusForbidden:
		return outcomeBanned
	case statusCode == http.StatusTooManyRequests:
		return outcomeRateLimited
	case statusCode >= 500:
		return outcomeTransient
	case statusCode >= 200 && statusCode < 300:
		return outcomeOK
	default:
		return outcomeOK // non-retryable client errors (400, 404, ...) surface to the caller as-is
	}
}

// Do executes the per-call sequence from spec.md §4.4: breaker gate,
// rate limiter acquire, proxy lease, HTTP execute, outcome
// classification, retry-with-backoff for transient outcomes, release.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	policy := req.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := c.breaker.Admit(c.shopID); err != nil {
			return nil, err
		}

		if err := c.limiter.Acquire(ctx, req.Marketplace, c.shopID); err != nil {
			return nil, err
		}

		var lease *proxypool.Lease
		if req.UseProxy {
			l, err := c.proxies.Lease(ctx, c.shopID, string(req.Marketplace))
			if err != nil {
				return nil, err
			}
			lease = l
		}

		resp, rawOutcome, err := c.execute(ctx, req, lease)

		switch rawOutcome {
		case outcomeOK:
			c.breaker.RecordSuccess(ctx, c.shopID)
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeOK)
			}
			return resp, nil

		case outcomeAuthFail:
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeOK)
				c.breaker.RecordAuthFailure(ctx, c.shopID, lease.Proxy.ID)
			} else {
				c.breaker.RecordAuthFailure(ctx, c.shopID, 0)
			}
			return nil, fmt.Errorf("mpclient: auth failure: %w", err)

		case outcomeBanned:
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeBanned)
			}
			lastErr = fmt.Errorf("mpclient: proxy banned (403)")

		case outcomeRateLimited:
			if lease != nil {
				lease.ReleaseRateLimited(ctx)
			}
			lastErr = fmt.Errorf("mpclient: rate limited (429)")

		default: // transient
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeServerError)
			}
			lastErr = err
			if lastErr == nil {
				lastErr = fmt.Errorf("mpclient: transient failure (status %d)", statusOf(resp))
			}
		}

		obs.OutboundRetries.WithLabelValues(string(req.Marketplace)).Inc()
		if attempt < policy.MaxAttempts {
			sleepBackoff(ctx, policy, attempt)
		}
	}

	obs.OutboundCalls.WithLabelValues(string(req.Marketplace), "failed").Inc()
	return nil, lastErr
}

func statusOf(r *Response) int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) {
	delay := policy.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(float64(delay) * policy.JitterFrac * (rand.Float64()*2 - 1))
	wait := delay + jitter
	if wait < 0 {
		wait = delay
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (c *Client) execute(ctx context.Context, req Request, lease *proxypool.Lease) (*Response, outcome, error) {
	start := time.Now()
	defer func() {
		obs.OutboundLatencySeconds.WithLabelValues(string(req.Marketplace)).Observe(time.Since(start).Seconds())
	}()

	u := req.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, outcomeTransient, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.httpClient
	if lease != nil && req.UseProxy {
		// Per-lease proxy dialer: a fresh transport with the same
		// impersonation settings and the proxy URL set, matching the sticky-session contract
		// (same upstream fingerprint for the duration of the lease).
		transport := impersonationTransport()
		transport.Proxy = http.ProxyURL(&url.URL{
			Scheme: lease.Proxy.Protocol,
			Host:   fmt.Sprintf("%s:%d", lease.Proxy.Host, lease.Proxy.Port),
		})
		client = &http.Client{Transport: transport, Timeout: c.httpClient.Timeout}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		logCall(req.Marketplace, 0, err)
		return nil, outcomeTransient, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		logCall(req.Marketplace, httpResp.StatusCode, err)
		return nil, outcomeTransient, err
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Raw: raw}
	if !req.ReturnsBinary {
		var parsed map[string]interface{}
		if json.Unmarshal(raw, &parsed) == nil {
			resp.JSON = parsed
		}
	}

	oc := classify(httpResp.StatusCode, nil)
	logCall(req.Marketplace, httpResp.StatusCode, nil)
	if oc == outcomeOK {
		obs.OutboundCalls.WithLabelValues(string(req.Marketplace), "ok").Inc()
	}
	return resp, oc, errOf(httpResp.StatusCode)
}

// errOf surfaces a non-nil error for 4xx/5xx so switch branches that
// want it (auth/transient) can wrap it; 2xx and other 4xx pass-through
// codes return nil since the caller inspects resp.StatusCode directly.
func errOf(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusTooManyRequests || status >= 500 {
		return errors.New(http.StatusText(status))
	}
	return nil
}

// logCall writes a best-effort structured log line. A logging failure
// must never fail the caller (spec.md §4.4 step 7) — log.Println never
// returns an error, so there's nothing to swallow, but we still keep
// this isolated from the response path so a future switch to a
// store-backed audit log can't block the call on write failure.
func logCall(marketplace shopmodel.MarketplaceAPI, status int, err error) {
	entry := map[string]interface{}{
		"component":   "mpclient",
		"marketplace": marketplace,
		"status":      status,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	b, _ := json.Marshal(entry)
	log.Println(string(b))
}
