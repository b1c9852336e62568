package dohserver

import "net/http"

// shapeHeaders produces the outbound response header set: it preserves
// whatever the upstream (or the dispatcher's synthetic response) already
// set, and enforces the CORS and security headers of the Response
// Shaper contract. The cache-control default is added only by
// shapeSuccessHeaders.
func shapeHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src)+6)
	for k, v := range src {
		out[k] = v
	}

	out.Set("Access-Control-Allow-Origin", "*")
	out.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	out.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	out.Set("X-Content-Type-Options", "nosniff")

	if out.Get("Content-Security-Policy") == "" {
		out.Set("Content-Security-Policy", "default-src 'none'")
	}

	return out
}

// shapeSuccessHeaders additionally sets the DoH cache-control default
// when the upstream didn't supply one, for 2xx DoH responses only.
func shapeSuccessHeaders(src http.Header) http.Header {
	out := shapeHeaders(src)
	if out.Get("Cache-Control") == "" {
		out.Set("Cache-Control", "public, max-age=60, s-maxage=300")
	}
	return out
}

// preflightHeaders is the full CORS preflight header set for OPTIONS.
func preflightHeaders() http.Header {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'")
	h.Set("Content-Length", "0")
	return h
}
