package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/gzip"

	"htmlproxy-go/internal/client"
	"htmlproxy-go/internal/codec"
	"htmlproxy-go/internal/config"
	"htmlproxy-go/internal/filter"
	"htmlproxy-go/internal/intercept"
	"htmlproxy-go/internal/model"
	"htmlproxy-go/internal/transform"
)

type failingMinifier struct{}

func (failingMinifier) Minify(string) (string, error) {
	return "", errors.New("minifier exploded")
}

func upstreamHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestService(t *testing.T, upstream *httptest.Server, minifier transform.Minifier) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			Host:            upstreamHost(upstream),
			Scheme:          "http",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := NewProxyService(uc, cfg, logger, nil, nil, minifier, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func proxy(svc *ProxyService, method, path string) (*httptest.ResponseRecorder, error) {
	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: method,
		Path:   path,
		Header: http.Header{},
	}
	rec := httptest.NewRecorder()
	resp, err := svc.Forward(pr, rec)
	if err != nil {
		return rec, err
	}
	defer func() { _ = resp.Body.Close() }()
	return rec, svc.Relay(pr, resp, rec)
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestRewriteLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		host     string
		want     string
	}{
		{"upstream absolute", "http://example.com/foo", "example.com", "/foo"},
		{"upstream root", "http://example.com", "example.com", ""},
		{"other host", "http://other.com/foo", "example.com", "http://other.com/foo"},
		{"https not rewritten", "https://example.com/foo", "example.com", "https://example.com/foo"},
		{"protocol relative not rewritten", "//example.com/foo", "example.com", "//example.com/foo"},
		{"already relative", "/foo", "example.com", "/foo"},
		{"empty host", "http://example.com/foo", "", "http://example.com/foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewriteLocation(tt.location, tt.host); got != tt.want {
				t.Errorf("RewriteLocation(%q, %q) = %q, want %q", tt.location, tt.host, got, tt.want)
			}
		})
	}
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"text/htmlx", true},
		{"application/xhtml+xml", false},
		{"TEXT/HTML", false},
		{"application/json", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := IsHTML(tt.contentType); got != tt.want {
				t.Errorf("IsHTML(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestNewProxyService_RequiresUpstreamHost(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewProxyService(nil, &config.Config{}, logger, nil, nil, nil, nil)
	if !errors.Is(err, ErrNoUpstreamHost) {
		t.Errorf("NewProxyService() error = %v, want ErrNoUpstreamHost", err)
	}
}

func TestRequestOptions(t *testing.T) {
	s := &ProxyService{cfg: &config.Config{Upstream: config.UpstreamConfig{Host: "example.com"}}}

	pr := &model.ProxyRequest{
		Method: http.MethodPost,
		Path:   "/search?q=go",
		Header: http.Header{
			"Host":            {"proxy.local"},
			"Accept":          {"text/html"},
			"Accept-Encoding": {"br, gzip;q=0.8"},
			"Connection":      {"keep-alive, X-Trace"},
			"X-Trace":         {"1"},
			"Keep-Alive":      {"timeout=5"},
		},
		ContentLength: 12,
	}

	opts := s.RequestOptions(pr)

	if opts.Header.Get("Host") != "example.com" {
		t.Errorf("Host = %q, want %q", opts.Header.Get("Host"), "example.com")
	}
	if opts.Host != "example.com" || opts.Scheme != "http" {
		t.Errorf("target = %s://%s, want http://example.com", opts.Scheme, opts.Host)
	}
	if opts.Method != http.MethodPost || opts.Path != "/search?q=go" {
		t.Errorf("request line = %s %s, want POST /search?q=go", opts.Method, opts.Path)
	}
	if opts.ContentLength != 12 {
		t.Errorf("ContentLength = %d, want 12", opts.ContentLength)
	}
	if got := opts.Header.Get("Accept-Encoding"); got != "gzip;q=0.8" {
		t.Errorf("Accept-Encoding = %q, want %q", got, "gzip;q=0.8")
	}
	for _, h := range []string{"Connection", "X-Trace", "Keep-Alive"} {
		if opts.Header.Get(h) != "" {
			t.Errorf("%s should be stripped, got %q", h, opts.Header.Get(h))
		}
	}
	if opts.Header.Get("Accept") != "text/html" {
		t.Errorf("Accept = %q, want %q", opts.Header.Get("Accept"), "text/html")
	}
	if pr.Header.Get("Host") != "proxy.local" {
		t.Error("RequestOptions must not mutate the inbound headers")
	}
}

func TestRequestOptions_DropsUnsupportedEncodings(t *testing.T) {
	s := &ProxyService{cfg: &config.Config{Upstream: config.UpstreamConfig{Host: "example.com", Scheme: "https"}}}
	opts := s.RequestOptions(&model.ProxyRequest{
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{"Accept-Encoding": {"br, zstd"}},
	})

	if _, ok := opts.Header["Accept-Encoding"]; ok {
		t.Errorf("Accept-Encoding = %q, want it removed", opts.Header.Get("Accept-Encoding"))
	}
	if opts.Scheme != "https" {
		t.Errorf("Scheme = %q, want %q", opts.Scheme, "https")
	}
}

func TestForward_SetsUpstreamHost(t *testing.T) {
	var gotHost, gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotURI = r.URL.RequestURI()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	if _, err := proxy(svc, http.MethodGet, "/api/items?page=2"); err != nil {
		t.Fatalf("proxy: %v", err)
	}

	if gotHost != upstreamHost(upstream) {
		t.Errorf("upstream saw Host %q, want %q", gotHost, upstreamHost(upstream))
	}
	if gotURI != "/api/items?page=2" {
		t.Errorf("upstream saw URI %q, want %q", gotURI, "/api/items?page=2")
	}
}

func TestForward_InterceptorRewritesRequest(t *testing.T) {
	var gotPath, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Injected")
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.OnRequest(func(ev *intercept.RequestEvent) {
		ev.Options.Path = "/rewritten"
		ev.Options.Header.Set("X-Injected", "yes")
	})

	if _, err := proxy(svc, http.MethodGet, "/original"); err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if gotPath != "/rewritten" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/rewritten")
	}
	if gotHeader != "yes" {
		t.Errorf("X-Injected = %q, want %q", gotHeader, "yes")
	}
}

func TestForward_StoppedRequestNeverReachesUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	var seen []string
	_ = svc.OnRequest(func(ev *intercept.RequestEvent) {
		seen = append(seen, "first")
		ev.Stop()
		ev.Writer.WriteHeader(http.StatusNoContent)
	})
	_ = svc.OnRequest(func(ev *intercept.RequestEvent) {
		seen = append(seen, "second")
	})

	rec, err := proxy(svc, http.MethodGet, "/blocked")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("proxy() error = %v, want ErrStopped", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if strings.Join(seen, ",") != "first,second" {
		t.Errorf("handlers ran %v, want [first second]", seen)
	}
}

func TestRelay_StoppedResponseWritesNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>upstream</p>`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.OnResponse(func(ev *intercept.ResponseEvent) {
		if ev.Response.StatusCode != http.StatusOK {
			t.Errorf("event status = %d, want 200", ev.Response.StatusCode)
		}
		if ev.Options == nil || ev.Options.Path != "/page" {
			t.Errorf("event options = %+v, want the proxied request", ev.Options)
		}
		ev.Stop()
	})

	rec, err := proxy(svc, http.MethodGet, "/page")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("proxy() error = %v, want ErrStopped", err)
	}
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 {
		t.Errorf("recorder got headers %v body %q, want nothing", rec.Header(), rec.Body.String())
	}
}

func TestRelay_InterceptorEditsResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.OnResponse(func(ev *intercept.ResponseEvent) {
		ev.Response.Header.Set("X-Proxied", "1")
	})

	rec, err := proxy(svc, http.MethodGet, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if rec.Header().Get("X-Proxied") != "1" {
		t.Errorf("X-Proxied = %q, want %q", rec.Header().Get("X-Proxied"), "1")
	}
}

func TestRelay_RewritesRedirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/own":
			w.Header().Set("Location", "http://"+r.Host+"/foo")
		case "/foreign":
			w.Header().Set("Location", "http://other.example/foo")
		}
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/own", "/foo"},
		{"/foreign", "http://other.example/foo"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, err := proxy(svc, http.MethodGet, tt.path)
			if err != nil {
				t.Fatalf("proxy: %v", err)
			}
			if rec.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
			}
			if got := rec.Header().Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRelay_PassesThroughNonHTML(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{"json", http.StatusOK, "application/json", `{"a":1}`},
		{"html not found", http.StatusNotFound, "text/html", `<p>missing</p>`},
		{"html created", http.StatusCreated, "text/html", `<p>made</p>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream, nil)
			_ = svc.AddHTMLFilter(func(doc *goquery.Document) {
				doc.Find("p").SetAttr("data-touched", "1")
			})

			rec, err := proxy(svc, http.MethodGet, "/")
			if err != nil {
				t.Fatalf("proxy: %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRelay_IdentityFilter(t *testing.T) {
	const page = `<!DOCTYPE html><html><head><title>t</title></head><body><p class="x">hi</p></body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.AddHTMLFilter(func(*goquery.Document) {})

	rec, err := proxy(svc, http.MethodGet, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if rec.Body.String() != page {
		t.Errorf("body = %q, want %q", rec.Body.String(), page)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(page)) {
		t.Errorf("Content-Length = %q, want %d", got, len(page))
	}
}

func TestRelay_GzipSymmetry(t *testing.T) {
	const page = `<html><head></head><body><p>x</p></body></html>`
	compressed := gzipBytes(t, page)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
		_, _ = w.Write(compressed)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.AddHTMLFilter(func(doc *goquery.Document) {
		doc.Find("p").SetAttr("data-a", "1")
	})

	rec, err := proxy(svc, http.MethodGet, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want %q", rec.Header().Get("Content-Encoding"), "gzip")
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(rec.Body.Len()) {
		t.Errorf("Content-Length = %q, want %d", got, rec.Body.Len())
	}

	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("client body is not gzip: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	want := `<html><head></head><body><p data-a="1">x</p></body></html>`
	if string(plain) != want {
		t.Errorf("body = %q, want %q", plain, want)
	}
}

func TestRelay_PreservesCharset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<html><head></head><body><p>caf\xe9</p></body></html>"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)
	_ = svc.AddHTMLFilter(func(doc *goquery.Document) {
		doc.Find("p").AppendHtml("<b>\u00e8</b>")
	})

	rec, err := proxy(svc, http.MethodGet, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	want := "<html><head></head><body><p>caf\xe9<b>\xe8</b></p></body></html>"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestRelay_MinifyFailureWritesNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Upstream", "1")
		_, _ = w.Write([]byte(`<p>hi</p>`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, failingMinifier{})

	rec, err := proxy(svc, http.MethodGet, "/")
	if !errors.Is(err, transform.ErrMinify) {
		t.Fatalf("proxy() error = %v, want ErrMinify", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if len(rec.Header()) != 0 {
		t.Errorf("headers = %v, want none", rec.Header())
	}
}

func TestRelay_Minify(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head></head><body>\n  <p>  a   b  </p>\n</body></html>"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, transform.NewHTMLMinifier())

	rec, err := proxy(svc, http.MethodGet, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if strings.Contains(rec.Body.String(), "  ") {
		t.Errorf("body = %q, want collapsed whitespace", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "a b") {
		t.Errorf("body = %q, want it to contain %q", rec.Body.String(), "a b")
	}
}

func TestRelay_CorruptGzipFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)

	rec, err := proxy(svc, http.MethodGet, "/")
	if err == nil {
		t.Fatal("proxy() expected error for corrupt gzip body, got nil")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestRelay_HeadSkipsTransform(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "42")
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream, nil)

	rec, err := proxy(svc, http.MethodHead, "/")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "42" {
		t.Errorf("Content-Length = %q, want %q", rec.Header().Get("Content-Length"), "42")
	}
}

func TestRelay_EmptyCompressedHTML(t *testing.T) {
	for _, token := range []string{"gzip", "deflate"} {
		t.Run(token, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", token)
				w.WriteHeader(http.StatusOK)
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream, nil)

			rec, err := proxy(svc, http.MethodGet, "/")
			if err != nil {
				t.Fatalf("proxy: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Header().Get("Content-Encoding") != token {
				t.Errorf("Content-Encoding = %q, want %q", rec.Header().Get("Content-Encoding"), token)
			}

			decompress, err := codec.Select(token, codec.Decompress)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			var plain bytes.Buffer
			if _, err := decompress(&plain, rec.Body); err != nil {
				t.Fatalf("decompress client body: %v", err)
			}
			want := `<html><head></head><body></body></html>`
			if plain.String() != want {
				t.Errorf("body = %q, want %q", plain.String(), want)
			}
		})
	}
}

func TestProxyService_Filters(t *testing.T) {
	reg := filter.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Upstream: config.UpstreamConfig{Host: "example.com"}}
	svc, err := NewProxyService(nil, cfg, logger, nil, reg, nil, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	_ = svc.AddHTMLFilter(func(*goquery.Document) {})

	if svc.Filters() != reg {
		t.Error("Filters() should return the registry the service was built with")
	}
	if reg.Len() != 1 {
		t.Errorf("reg.Len() = %d, want 1", reg.Len())
	}
}
