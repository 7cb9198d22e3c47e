package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andesco/originproxy/pkg/page"
	"github.com/andesco/originproxy/pkg/reqlog"
	"github.com/andesco/originproxy/pkg/rewrite"
	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanLogger chan reqlog.Event

func (c chanLogger) RequestProcessed(ev reqlog.Event) {
	c <- ev
}

func (c chanLogger) wait(t *testing.T) reqlog.Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no request event logged")
	}
	return reqlog.Event{}
}

type testOrigin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<a href="next.html">n</a><img src="/logo.png">`))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`a{background:url(/bg.png)}`))
	})
	mux.HandleFunc("/gzipped", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("compressed"))
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such page"))
	})
	mux.HandleFunc("/sized", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "2048")
		if r.Method != http.MethodHead {
			_, _ = w.Write(make([]byte, 2048))
		}
	})
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestApp(t *testing.T) (*fiber.App, chanLogger) {
	t.Helper()
	p := &page.Pipeline{
		Fetcher:  page.NewHTTPFetcher(page.Options{Timeout: 5 * time.Second}),
		Rewriter: rewrite.Links{},
		Log:      zerolog.Nop(),
	}
	logs := make(chanLogger, 8)
	app := fiber.New()
	Setup(app, p, logs)
	return app, logs
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestProxySiteRewritesHTML(t *testing.T) {
	origin := newOrigin(t)
	app, logs := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/url/"+origin.URL+"/page", nil))

	want := `<a href="http://example.com/url/` + origin.URL + `/page/next.html">n</a>` +
		`<img src="http://example.com/url/` + origin.URL + `/logo.png">`
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, want, string(body))
	assert.Equal(t, strconv.Itoa(len(want)), resp.Header.Get("Content-Length"))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600, stale-if-error=600", resp.Header.Get("Cache-Control"))

	ev := logs.wait(t)
	assert.Equal(t, "url", ev.Format)
	assert.Equal(t, origin.URL+"/page", ev.Status["url"])
	assert.Contains(t, ev.Status, "response_time_ms")
	assert.Equal(t, "example.com", ev.Headers["host"])
}

func TestProxySiteNonHTMLIsUntouched(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	_, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/url/"+origin.URL+"/style.css", nil))
	assert.Equal(t, `a{background:url(/bg.png)}`, string(body))
}

func TestProxySiteCacheControl(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	tests := []struct {
		query string
		want  string
	}{
		{"?disableCache=true", "public, max-age=0, stale-if-error=600"},
		{"?disableCache", "public, max-age=0, stale-if-error=600"},
		{"?disableCache=false", "public, max-age=3600, stale-if-error=600"},
		{"?cacheMaxAge=100", "public, max-age=300, stale-if-error=600"},
		{"?cacheMaxAge=7200", "public, max-age=7200, stale-if-error=600"},
		{"?cacheMaxAge=1e4", "public, max-age=10000, stale-if-error=600"},
		{"?cacheMaxAge=%20500%20", "public, max-age=500, stale-if-error=600"},
		{"?cacheMaxAge=1000.5", "public, max-age=1000, stale-if-error=600"},
		{"?cacheMaxAge=soon", "public, max-age=3600, stale-if-error=600"},
	}
	for _, tt := range tests {
		resp, _ := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/url/"+origin.URL+"/style.css"+tt.query, nil))
		assert.Equal(t, tt.want, resp.Header.Get("Cache-Control"), tt.query)
	}

	resp, _ := doRequest(t, app, httptest.NewRequest(http.MethodPost, "/url/"+origin.URL+"/style.css", nil))
	assert.Empty(t, resp.Header.Get("Cache-Control"))
}

func TestProxySiteOptionsShortCircuits(t *testing.T) {
	origin := newOrigin(t)
	app, logs := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodOptions, "/url/"+origin.URL+"/page", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Zero(t, origin.hits.Load())
	assert.Len(t, logs, 0)
}

func TestProxySiteForwardsOriginErrors(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/url/"+origin.URL+"/missing", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no such page", string(body))
}

func TestProxySiteNetworkFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	app, logs := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/url/"+deadURL+"/page", nil))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, body)
	assert.Empty(t, resp.Header.Get("Cache-Control"))

	ev := logs.wait(t)
	assert.Contains(t, ev.Status, "error")
	assert.NotContains(t, ev.Status, "http_code")
	assert.Equal(t, deadURL+"/page", ev.Status["url"])
}

func TestProxySiteResolvesRelativeFromReferer(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/url/style.css", nil)
	req.Header.Set("Referer", "http://example.com/url/"+origin.URL+"/page")
	resp, body := doRequest(t, app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `a{background:url(/bg.png)}`, string(body))
}

func TestFallbackResolvesFromReferer(t *testing.T) {
	origin := newOrigin(t)
	app, logs := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	req.Header.Set("Referer", "http://example.com/url/"+origin.URL+"/page")
	resp, body := doRequest(t, app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `a{background:url(/bg.png)}`, string(body))
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))

	ev := logs.wait(t)
	assert.Equal(t, "url", ev.Format)
	assert.Equal(t, origin.URL+"/style.css", ev.Status["url"])
}

func TestFallbackWithoutRefererIsNotFound(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	resp, _ := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/style.css", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	req.Header.Set("Referer", "http://example.com/healthz")
	resp, _ = doRequest(t, app, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, origin.hits.Load())
}

func TestProxySiteHeadReturnsMetadataOnly(t *testing.T) {
	origin := newOrigin(t)
	app, logs := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodHead, "/url/"+origin.URL+"/sized", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	ev := logs.wait(t)
	assert.Equal(t, 2048, ev.Status["content_length"])
	assert.Equal(t, http.StatusOK, ev.Status["http_code"])
}

func TestRawPassesEncodedBytes(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/raw/"+origin.URL+"/gzipped", nil))
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "compressed", string(plain))
}

func TestRawDoesNotRewrite(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	_, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/raw/"+origin.URL+"/page", nil))
	assert.Equal(t, `<a href="next.html">n</a><img src="/logo.png">`, string(body))
}

func TestAPIContents(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/"+origin.URL+"/gzipped", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var doc struct {
		Contents *string        `json:"contents"`
		Status   map[string]any `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.NotNil(t, doc.Contents)
	assert.Equal(t, "compressed", *doc.Contents)
	assert.Equal(t, float64(200), doc.Status["http_code"])
	assert.Equal(t, float64(len("compressed")), doc.Status["content_length"])
	assert.Equal(t, origin.URL+"/gzipped", doc.Status["url"])
}

func TestAPIInfo(t *testing.T) {
	origin := newOrigin(t)
	app, _ := newTestApp(t)

	_, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/"+origin.URL+"/sized?format=info", nil))

	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, float64(2048), status["content_length"])
	assert.Equal(t, "image/png", status["content_type"])
	assert.NotContains(t, status, "contents")
}

func TestAPINetworkFailure(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/api/not-a-url", nil))
	assert.Empty(t, resp.Header.Get("Cache-Control"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Nil(t, doc["contents"])
	assert.Contains(t, doc["status"], "error")
}

func TestHealthz(t *testing.T) {
	app, _ := newTestApp(t)
	resp, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestCacheMaxAge(t *testing.T) {
	assert.Equal(t, 0, CacheMaxAge(true, 7200))
	assert.Equal(t, 3600, CacheMaxAge(false, 0))
	assert.Equal(t, 300, CacheMaxAge(false, 100))
	assert.Equal(t, 300, CacheMaxAge(false, -5))
	assert.Equal(t, 86400, CacheMaxAge(false, 86400))
}

func TestResolveFromReferer(t *testing.T) {
	got, ok := resolveFromReferer("https://proxy/url/https://site.example/a/b.html", "images/x.jpg")
	assert.True(t, ok)
	assert.Equal(t, "https://site.example/images/x.jpg", got)

	_, ok = resolveFromReferer("", "x")
	assert.False(t, ok)
	_, ok = resolveFromReferer("https://proxy/", "x")
	assert.False(t, ok)
	_, ok = resolveFromReferer("https://proxy/raw/https://site.example/a", "x")
	assert.False(t, ok)

	got, ok = resolveFromReferer("https://proxy/url/https://site.example/a", "/img/x.png?v=2")
	assert.True(t, ok)
	assert.Equal(t, "https://site.example/img/x.png?v=2", got)
}

func TestParseSeconds(t *testing.T) {
	for in, want := range map[string]int{
		"":       0,
		"600":    600,
		" 600 ":  600,
		"1e4":    10000,
		"1000.5": 1000,
		"-20":    -20,
		"soon":   0,
		"NaN":    0,
		"Inf":    0,
		"1e300":  math.MaxInt32,
	} {
		assert.Equal(t, want, parseSeconds(in), in)
	}
}
