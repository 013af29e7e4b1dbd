// Package service implements the request dispatcher: it builds the upstream
// request, runs the interception phases and relays the upstream response,
// sending HTML bodies through the transformation pipeline.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"htmlproxy-go/internal/client"
	"htmlproxy-go/internal/codec"
	"htmlproxy-go/internal/config"
	"htmlproxy-go/internal/filter"
	"htmlproxy-go/internal/intercept"
	"htmlproxy-go/internal/metrics"
	"htmlproxy-go/internal/middleware"
	"htmlproxy-go/internal/model"
	"htmlproxy-go/internal/transform"
)

// ErrStopped is returned by Forward and Relay when an interceptor stopped the
// phase. The interceptor owns the client response; the caller writes nothing.
var ErrStopped = errors.New("proxy: stopped by interceptor")

// ErrNoUpstreamHost is returned by NewProxyService when no upstream host is configured.
var ErrNoUpstreamHost = errors.New("proxy: upstream host is required")

// ProxyService dispatches client requests to the upstream.
type ProxyService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
	bus      *intercept.Bus
	filters  *filter.Registry
	minifier transform.Minifier
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. A nil bus or registry is replaced
// with an empty one; a nil minifier disables minification, as do nil metrics.
func NewProxyService(
	c *client.UpstreamClient,
	cfg *config.Config,
	logger *slog.Logger,
	bus *intercept.Bus,
	filters *filter.Registry,
	minifier transform.Minifier,
	m *metrics.Metrics,
) (*ProxyService, error) {
	if cfg.Upstream.Host == "" {
		return nil, ErrNoUpstreamHost
	}
	if bus == nil {
		bus = intercept.NewBus()
	}
	if filters == nil {
		filters = filter.NewRegistry()
	}

	return &ProxyService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		bus:      bus,
		filters:  filters,
		minifier: minifier,
		metrics:  m,
	}, nil
}

// AddHTMLFilter appends f to the filters run over every HTML response.
func (s *ProxyService) AddHTMLFilter(f filter.Filter) error {
	return s.filters.Register(f)
}

// Filters returns the registry of HTML filters.
func (s *ProxyService) Filters() *filter.Registry {
	return s.filters
}

// Subscribe adds an untyped interceptor for phase.
func (s *ProxyService) Subscribe(phase intercept.Phase, h intercept.Handler) error {
	return s.bus.Subscribe(phase, h)
}

// OnRequest adds an interceptor for the proxyRequest phase.
func (s *ProxyService) OnRequest(fn func(*intercept.RequestEvent)) error {
	return s.bus.OnRequest(fn)
}

// OnResponse adds an interceptor for the proxyResponse phase.
func (s *ProxyService) OnResponse(fn func(*intercept.ResponseEvent)) error {
	return s.bus.OnResponse(fn)
}

// RequestOptions builds the outbound request for pr. Headers are copied
// without hop-by-hop entries, Host is set to the upstream host and
// Accept-Encoding is narrowed to the encodings the pipeline can re-encode.
func (s *ProxyService) RequestOptions(pr *model.ProxyRequest) *model.RequestOptions {
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	middleware.RemoveHopByHop(header)

	header.Set("Host", s.cfg.Upstream.Host)
	if ae := header.Get("Accept-Encoding"); ae != "" {
		if narrowed := codec.Negotiate(ae); narrowed != "" {
			header.Set("Accept-Encoding", narrowed)
		} else {
			header.Del("Accept-Encoding")
		}
	}

	scheme := s.cfg.Upstream.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return &model.RequestOptions{
		Scheme:        scheme,
		Host:          s.cfg.Upstream.Host,
		Method:        pr.Method,
		Path:          pr.Path,
		Header:        header,
		ContentLength: pr.ContentLength,
	}
}

// Forward runs the proxyRequest phase and, unless an interceptor stopped it,
// sends the request upstream with the client body. The caller is responsible
// for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest, w http.ResponseWriter) (*model.ProxyResponse, error) {
	opts := s.RequestOptions(pr)

	ev := &intercept.RequestEvent{Options: opts, Request: pr.Inbound, Writer: w}
	if s.bus.Emit(ev) {
		s.stopped(intercept.PhaseRequest, pr)
		return nil, ErrStopped
	}

	s.logger.Debug("forwarding request",
		"method", opts.Method,
		"path", opts.Path,
	)

	body := pr.Body
	if body == nil {
		body = http.NoBody
	}
	resp, err := s.client.DoStream(pr.Ctx, opts, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// Relay runs the proxyResponse phase and writes resp to w. It does not close
// resp.Body.
//
// HTML bodies are fully transformed before anything is written, so a
// transformation error leaves w untouched. For other bodies an error returned
// after the status line was sent means the client saw a truncated response.
func (s *ProxyService) Relay(pr *model.ProxyRequest, resp *model.ProxyResponse, w http.ResponseWriter) error {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}

	ev := &intercept.ResponseEvent{Options: resp.Request, Response: resp, Request: pr.Inbound, Writer: w}
	if s.bus.Emit(ev) {
		s.stopped(intercept.PhaseResponse, pr)
		return ErrStopped
	}

	header := resp.Header.Clone()
	middleware.RemoveHopByHop(header)

	if resp.StatusCode == http.StatusFound {
		if loc := header.Get("Location"); loc != "" {
			header.Set("Location", RewriteLocation(loc, s.cfg.Upstream.Host))
		}
	}

	if transformable(pr.Method, resp.StatusCode, header) {
		return s.transformHTML(header, resp, w)
	}

	copyHeader(w.Header(), header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("stream response body: %w", err)
	}
	return nil
}

func (s *ProxyService) stopped(phase intercept.Phase, pr *model.ProxyRequest) {
	s.logger.Debug("stopped by interceptor",
		"phase", string(phase),
		"method", pr.Method,
		"path", pr.Path,
	)
	if s.metrics != nil {
		s.metrics.InterceptorStops.WithLabelValues(string(phase)).Inc()
	}
}
