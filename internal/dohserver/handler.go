// Package dohserver wires the Request Validator, Region Resolver,
// Upstream Registry, Racing Dispatcher, and Response Shaper into the
// /dns-query HTTP endpoint described by RFC 8484.
package dohserver

import (
	"encoding/base64"
	"io"
	"net/http"
	"runtime/debug"

	"golang.org/x/sync/singleflight"

	"dohrace/internal/dispatch"
	"dohrace/internal/latency"
	"dohrace/internal/logging"
	"dohrace/internal/region"
)

// maxPOSTBodyBytes bounds how much of the request body we read, the
// same order of magnitude as a DNS message over TCP.
const maxPOSTBodyBytes = 65535

// Handler serves the DoH endpoint.
type Handler struct {
	Upstreams  []string
	Latency    *latency.Table
	Dispatcher *dispatch.Dispatcher
	Logger     *logging.Logger

	// group coalesces identical concurrent requests (same method,
	// payload, and region) that arrive while an earlier dispatch for
	// the same fingerprint is still in flight, so hedge/race work for
	// one logical query is never duplicated.
	group singleflight.Group
}

// New builds a Handler from its collaborators.
func New(upstreams []string, table *latency.Table, dispatcher *dispatch.Dispatcher, logger *logging.Logger) *Handler {
	return &Handler{
		Upstreams:  upstreams,
		Latency:    table,
		Dispatcher: dispatcher,
		Logger:     logger,
	}
}

// ServeHTTP routes GET/POST/OPTIONS for /dns-query. A panic anywhere in
// the request path is recovered here so exactly one HTTP response is
// still sent, shaped like any other failure, instead of net/http's
// default per-connection recovery silently aborting the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.recoverPanic(w, r)

	switch r.Method {
	case http.MethodOptions:
		h.serveOptions(w)
	case http.MethodGet:
		h.serveGET(w, r)
	case http.MethodPost:
		h.servePOST(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) recoverPanic(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}

	if h.Logger != nil {
		h.Logger.Error("dispatch handler panic method=%s path=%s err=%v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
	}

	hdr := shapeHeaders(nil)
	out := w.Header()
	for k, v := range hdr {
		out[k] = v
	}
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte("internal error"))
}

func (h *Handler) serveOptions(w http.ResponseWriter) {
	hdr := w.Header()
	for k, v := range preflightHeaders() {
		hdr[k] = v
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveGET(w http.ResponseWriter, r *http.Request) {
	dnsParam := r.URL.Query().Get("dns")
	if err := validateGET(dnsParam); err != nil {
		writeValidationError(w, err)
		return
	}

	req := dispatch.Request{
		Method:   http.MethodGet,
		DNSParam: dnsParam,
		Region:   region.Of(r.Header),
	}
	h.dispatchAndWrite(w, r, req, "get:"+req.Region+":"+dnsParam)
}

func (h *Handler) servePOST(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	r.Body = http.MaxBytesReader(w, r.Body, maxPOSTBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeValidationError(w, badRequest("failed to read body"))
		return
	}

	if verr := validatePOST(contentType, body); verr != nil {
		writeValidationError(w, verr)
		return
	}

	req := dispatch.Request{
		Method: http.MethodPost,
		Body:   body,
		Region: region.Of(r.Header),
	}
	h.dispatchAndWrite(w, r, req, "post:"+req.Region+":"+base64.RawURLEncoding.EncodeToString(body))
}

func (h *Handler) dispatchAndWrite(w http.ResponseWriter, r *http.Request, req dispatch.Request, coalesceKey string) {
	ordered := h.Latency.Order(req.Region, h.Upstreams)

	v, err, _ := h.group.Do(coalesceKey, func() (interface{}, error) {
		return h.Dispatcher.Dispatch(r.Context(), req, ordered), nil
	})
	if err != nil {
		// Dispatch never returns an error; this path is unreachable but
		// kept so ServeHTTP always resolves to a response either way.
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := v.(dispatch.Response)

	var hdr http.Header
	if resp.Status >= 200 && resp.Status < 300 {
		hdr = shapeSuccessHeaders(resp.Header)
	} else {
		hdr = shapeHeaders(resp.Header)
	}

	out := w.Header()
	for k, vals := range hdr {
		out[k] = vals
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeValidationError(w http.ResponseWriter, err error) {
	verr, ok := err.(*validationError)
	if !ok {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, verr.body, verr.status)
}
