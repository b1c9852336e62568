// Package dispatch implements the hedged, latency-aware racing
// dispatcher: for one inbound DoH request it launches staggered,
// cancellable fetches against multiple upstreams, returns the first
// acceptable response, aborts the losers, and feeds the winner's
// elapsed time back into the latency table.
//
// The concurrency shape is N goroutines racing into a buffered result
// channel with a single-receive-per-settlement loop: "first success
// wins" generalized to "first acceptable-and-well-formed response
// wins", fed by a staggered, hedged fan-out rather than an immediate
// one.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dohrace/internal/latency"
	"dohrace/internal/logging"
	"dohrace/internal/upstream"
)

// DefaultHedgeDelay is the wall-clock gap between successive upstream
// launches. It is a deliberate trade: cheap wins avoid blasting every
// upstream at once, while a stalled primary is still hedged against
// within a bounded tail.
const DefaultHedgeDelay = 35 * time.Millisecond

// DefaultSafetyTimeout bounds total client wait time regardless of
// launch progress.
const DefaultSafetyTimeout = 3000 * time.Millisecond

// maxUpstreamBodyBytes caps how much of an upstream response we buffer.
const maxUpstreamBodyBytes = 65535

const userAgent = "dohrace-proxy/1.0 (+https://github.com/dohrace)"

// Doer abstracts the outbound HTTP client so tests can substitute a
// fake transport without a network.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is the transient, per-request fingerprint the dispatcher
// races against the upstream list.
type Request struct {
	Method   string // http.MethodGet or http.MethodPost
	DNSParam string // raw base64url "dns" query value, GET only
	Body     []byte // opaque wire bytes, POST only; never mutated
	Region   string
}

// Response is a single HTTP response, either the eventual winner or
// the last unacceptable outcome returned as a fallback.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Dispatcher races an ordered upstream list for a single request.
type Dispatcher struct {
	Doer          Doer
	Latency       *latency.Table
	Logger        *logging.Logger
	HedgeDelay    time.Duration
	SafetyTimeout time.Duration

	// urlCache holds each configured upstream's pre-parsed *url.URL, set
	// once at startup via SetUpstreamCache, so fetch never calls
	// url.Parse for a registry-sourced upstream on the hot path.
	urlCache map[string]*url.URL
}

// New builds a Dispatcher with the given collaborators, defaulting
// HedgeDelay/SafetyTimeout when zero.
func New(doer Doer, table *latency.Table, logger *logging.Logger, hedgeDelay, safetyTimeout time.Duration) *Dispatcher {
	if hedgeDelay <= 0 {
		hedgeDelay = DefaultHedgeDelay
	}
	if safetyTimeout <= 0 {
		safetyTimeout = DefaultSafetyTimeout
	}
	return &Dispatcher{
		Doer:          doer,
		Latency:       table,
		Logger:        logger,
		HedgeDelay:    hedgeDelay,
		SafetyTimeout: safetyTimeout,
	}
}

// SetUpstreamCache installs pre-parsed upstream URLs from the upstream
// registry. Call once at startup, before serving traffic; entries not
// present in the cache still work, falling back to a per-call url.Parse
// in fetch.
func (d *Dispatcher) SetUpstreamCache(entries []upstream.Entry) {
	cache := make(map[string]*url.URL, len(entries))
	for _, e := range entries {
		cache[e.URL] = e.Parsed
	}
	d.urlCache = cache
}

type outcome struct {
	idx        int
	resp       Response
	elapsedMs  float64
	acceptable bool
}

// Dispatch races upstreams (already ordered by the latency table) and
// always resolves to an HTTP response; it never returns an error to the
// caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, upstreams []string) Response {
	n := len(upstreams)
	if n == 0 {
		return timeoutResponse()
	}

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	outcomeCh := make(chan outcome, n)

	var mu sync.Mutex
	cancels := make([]context.CancelFunc, n)
	timers := make([]*time.Timer, n)

	abortAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < n; i++ {
			if timers[i] != nil {
				timers[i].Stop()
			}
			if cancels[i] != nil {
				cancels[i]()
			}
		}
	}
	defer abortAll()

	launch := func(i int) {
		launchCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		cancels[i] = cancel
		mu.Unlock()

		start := time.Now()
		resp, err := d.fetch(launchCtx, upstreams[i], req)
		elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

		out := outcome{idx: i, elapsedMs: elapsedMs}
		if err != nil {
			out.resp = Response{Status: 599}
		} else {
			out.resp = resp
		}
		out.acceptable = isAcceptable(out.resp)

		select {
		case outcomeCh <- out:
		case <-ctx.Done():
		}
	}

	mu.Lock()
	for i := 0; i < n; i++ {
		if i == 0 {
			go launch(0)
			continue
		}
		idx := i
		timers[idx] = time.AfterFunc(time.Duration(idx)*d.HedgeDelay, func() { go launch(idx) })
	}
	mu.Unlock()

	safety := time.NewTimer(d.SafetyTimeout)
	defer safety.Stop()

	settled := 0
	var last outcome
	haveLast := false

	for settled < n {
		select {
		case out := <-outcomeCh:
			settled++
			if out.acceptable {
				d.Latency.Observe(req.Region, upstreams[out.idx], out.elapsedMs)
				if d.Logger != nil {
					d.Logger.Info("dispatch winner region=%s upstream=%s elapsed_ms=%.1f", req.Region, upstreams[out.idx], out.elapsedMs)
				}
				return shapeSuccess(out.resp)
			}
			last = out
			haveLast = true
			// Settlement-count fallback: counting settlements, rather
			// than checking idx == n-1, fires the fallback as soon as
			// every launch has settled regardless of the order in
			// which they settle.
			if settled == n {
				if d.Logger != nil {
					d.Logger.Warn("dispatch exhausted region=%s upstreams=%d last_status=%d", req.Region, n, last.resp.Status)
				}
				return shapeFallback(last.resp)
			}
		case <-safety.C:
			if d.Logger != nil {
				d.Logger.Warn("dispatch safety timeout region=%s upstreams=%d settled=%d", req.Region, n, settled)
			}
			return timeoutResponse()
		}
	}

	if haveLast {
		return shapeFallback(last.resp)
	}
	return timeoutResponse()
}

func (d *Dispatcher) fetch(ctx context.Context, upstreamURL string, req Request) (Response, error) {
	target, err := d.resolveURL(upstreamURL)
	if err != nil {
		return Response{}, err
	}

	var body io.Reader
	if req.Method == http.MethodGet {
		q := target.Query()
		q.Set("dns", req.DNSParam)
		target.RawQuery = q.Encode()
	} else {
		body = bytes.NewReader(req.Body)
	}

	httpReq := newRequestFromURL(ctx, req.Method, target, body)
	if req.Method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/dns-message")
	}
	httpReq.Header.Set("Accept", "application/dns-message")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("Pragma", "no-cache")
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := d.Doer.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return Response{}, err
	}

	return Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

// resolveURL returns a mutable clone of upstreamURL's pre-parsed form if
// it was registered via SetUpstreamCache, avoiding a url.Parse call for
// every racing launch against a configured upstream. Unregistered
// upstreams (ad hoc URLs, test fixtures) still work via a direct parse.
func (d *Dispatcher) resolveURL(upstreamURL string) (*url.URL, error) {
	if cached, ok := d.urlCache[upstreamURL]; ok && cached != nil {
		clone := *cached
		return &clone, nil
	}
	return url.Parse(upstreamURL)
}

// newRequestFromURL builds an *http.Request the way
// http.NewRequestWithContext does, but from an already-parsed *url.URL
// instead of a string, so callers holding a cached URL never pay for a
// redundant parse.
func newRequestFromURL(ctx context.Context, method string, u *url.URL, body io.Reader) *http.Request {
	var rc io.ReadCloser
	if body != nil {
		if c, ok := body.(io.ReadCloser); ok {
			rc = c
		} else {
			rc = io.NopCloser(body)
		}
	}
	req := &http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       rc,
		Host:       u.Host,
	}
	return req.WithContext(ctx)
}

// isAcceptable implements the dispatcher's success predicate: a 2xx
// status with a content-type that includes application/dns-message, or
// a 2xx with no/empty content-type (acceptable, rewritten on return).
func isAcceptable(resp Response) bool {
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	ct := ""
	if resp.Header != nil {
		ct = resp.Header.Get("Content-Type")
	}
	if ct == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ct), "application/dns-message")
}

func shapeSuccess(resp Response) Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "application/dns-message")
	}
	return resp
}

// shapeFallback passes through the last unacceptable outcome's status,
// rewriting the synthetic transport-failure status (or an unset status)
// to 502.
func shapeFallback(resp Response) Response {
	if resp.Status == 599 || resp.Status == 0 {
		resp.Status = http.StatusBadGateway
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp
}

func timeoutResponse() Response {
	return Response{
		Status: http.StatusGatewayTimeout,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Upstream timeout"),
	}
}
