package dohserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dohrace/internal/dispatch"
	"dohrace/internal/dohtest"
	"dohrace/internal/latency"
)

func newTestHandler(t *testing.T, upstreamURLs []string) *Handler {
	t.Helper()
	table := latency.NewTable()
	d := dispatch.New(http.DefaultClient, table, nil, 0, 0)
	return New(upstreamURLs, table, d, nil)
}

func echoUpstream(t *testing.T, answer []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(answer)
	}))
}

func TestServeHTTPGetHappyPath(t *testing.T) {
	_, b64 := dohtest.Query("example.com")
	answer := dohtest.Answer("example.com", "93.184.216.34")

	up := echoUpstream(t, answer)
	defer up.Close()

	h := newTestHandler(t, []string{up.URL})

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+b64, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/dns-message", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, answer, rec.Body.Bytes())
}

func TestServeHTTPPostHappyPath(t *testing.T) {
	query, _ := dohtest.Query("example.com")
	answer := dohtest.Answer("example.com", "93.184.216.34")

	up := echoUpstream(t, answer)
	defer up.Close()

	h := newTestHandler(t, []string{up.URL})

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(query))
	req.Header.Set("Content-Type", "application/dns-message")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, answer, rec.Body.Bytes())
}

func TestServeHTTPPostWithoutContentTypeIsAccepted(t *testing.T) {
	query, _ := dohtest.Query("example.com")
	answer := dohtest.Answer("example.com", "93.184.216.34")

	up := echoUpstream(t, answer)
	defer up.Close()

	h := newTestHandler(t, []string{up.URL})

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(query))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTPPostWrongContentType(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader([]byte("x")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestServeHTTPPostEmptyBody(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPGetMissingDNSParam(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPGetInvalidDNSParam(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns=!!!", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPOptionsPreflight(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodOptions, "/dns-query", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
}

func TestServeHTTPUnsupportedMethod(t *testing.T) {
	h := newTestHandler(t, []string{"https://unused.example/dns-query"})

	req := httptest.NewRequest(http.MethodDelete, "/dns-query", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeHTTPRecoversFromPanicAndStillRespondsOnce(t *testing.T) {
	_, b64 := dohtest.Query("example.com")

	h := newTestHandler(t, []string{"https://unused.example/dns-query"})
	h.Latency = nil // forces a synchronous nil-pointer panic inside dispatchAndWrite

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+b64, nil)
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Body.Bytes())
}
