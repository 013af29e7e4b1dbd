// Package htmlproxy embeds the HTML-rewriting proxy in another program.
//
//	p, err := htmlproxy.New(htmlproxy.Options{UpstreamHost: "example.com"})
//	if err != nil {
//		return err
//	}
//	_ = p.AddHTMLFilter(func(doc *goquery.Document) {
//		doc.Find("title").SetText("proxied")
//	})
//	_ = p.OnRequest(func(ev *htmlproxy.RequestEvent) {
//		if ev.Options.Path == "/admin" {
//			ev.Stop()
//			ev.Writer.WriteHeader(http.StatusForbidden)
//		}
//	})
//	return p.ListenAndServe()
package htmlproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"htmlproxy-go/internal/client"
	"htmlproxy-go/internal/config"
	"htmlproxy-go/internal/filter"
	"htmlproxy-go/internal/handler"
	"htmlproxy-go/internal/intercept"
	"htmlproxy-go/internal/middleware"
	"htmlproxy-go/internal/model"
	"htmlproxy-go/internal/rules"
	"htmlproxy-go/internal/service"
	"htmlproxy-go/internal/transform"
)

// DefaultAddr is the listen address used when Options.Addr is empty.
const DefaultAddr = "0.0.0.0:8000"

// ErrMissingUpstreamHost is returned by New when Options.UpstreamHost is empty.
var ErrMissingUpstreamHost = config.ErrMissingUpstreamHost

type (
	// Filter mutates a response document in place.
	Filter = filter.Filter
	// Phase names an interception point.
	Phase = intercept.Phase
	// Event is the common interface of RequestEvent and ResponseEvent.
	Event = intercept.Event
	// Handler receives untyped events.
	Handler = intercept.Handler
	// RequestEvent is emitted before the upstream request is sent.
	RequestEvent = intercept.RequestEvent
	// ResponseEvent is emitted before the upstream response is written.
	ResponseEvent = intercept.ResponseEvent
	// RequestOptions describes the outbound upstream request.
	RequestOptions = model.RequestOptions
	// Response is the upstream response as seen by interceptors.
	Response = model.ProxyResponse
)

const (
	PhaseRequest  = intercept.PhaseRequest
	PhaseResponse = intercept.PhaseResponse
)

// Options configure a Proxy.
type Options struct {
	// Addr is the listen address for ListenAndServe. Defaults to DefaultAddr.
	Addr string
	// UpstreamHost is the host[:port] every request is forwarded to. Required.
	UpstreamHost string
	// UpstreamScheme is http (default) or https.
	UpstreamScheme string
	// Minify minifies transformed HTML.
	Minify bool
	// MaxBodyBytes caps a buffered HTML body. 0 selects 32 MiB; a negative
	// value disables the cap.
	MaxBodyBytes int64
	// Logger receives request and error logs. Defaults to discarding them.
	Logger *slog.Logger
}

// Proxy is an http.Handler that forwards to a single upstream and rewrites
// its HTML responses.
type Proxy struct {
	addr   string
	svc    *service.ProxyService
	echo   *echo.Echo
	logger *slog.Logger
	server *http.Server
}

// New builds a Proxy from opts.
func New(opts Options) (*Proxy, error) {
	if opts.UpstreamHost == "" {
		return nil, fmt.Errorf("htmlproxy: %w", ErrMissingUpstreamHost)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			Host:   opts.UpstreamHost,
			Scheme: opts.UpstreamScheme,
		},
		Transform: config.TransformConfig{
			Minify:       opts.Minify,
			MaxBodyBytes: opts.MaxBodyBytes,
		},
	}
	if err := cfg.Resolve(); err != nil {
		return nil, fmt.Errorf("htmlproxy: %w", err)
	}

	var minifier transform.Minifier
	if cfg.Transform.Minify {
		minifier = transform.NewHTMLMinifier()
	}

	svc, err := service.NewProxyService(
		client.NewUpstreamClient(cfg, logger, nil),
		cfg, logger,
		intercept.NewBus(), filter.NewRegistry(), minifier, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("htmlproxy: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.StripHopByHop())
	handler.RegisterRoutes(e, handler.NewProxyHandler(svc, logger))

	p := &Proxy{addr: addr, svc: svc, echo: e, logger: logger}
	p.server = &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return p, nil
}

// AddHTMLFilter appends f to the filters run over every HTML response, in
// registration order. Register filters before serving traffic.
func (p *Proxy) AddHTMLFilter(f Filter) error {
	return p.svc.AddHTMLFilter(f)
}

// LoadRules registers the declarative rules found at path (a YAML file or a
// directory of them) as HTML filters.
func (p *Proxy) LoadRules(path string) error {
	rs, err := rules.Load(path)
	if err != nil {
		return err
	}
	return rules.Register(p.svc.Filters(), rs)
}

// OnRequest subscribes fn to the proxyRequest phase.
func (p *Proxy) OnRequest(fn func(*RequestEvent)) error {
	return p.svc.OnRequest(fn)
}

// OnResponse subscribes fn to the proxyResponse phase.
func (p *Proxy) OnResponse(fn func(*ResponseEvent)) error {
	return p.svc.OnResponse(fn)
}

// Subscribe adds an untyped handler for phase.
func (p *Proxy) Subscribe(phase Phase, h Handler) error {
	return p.svc.Subscribe(phase, h)
}

// ServeHTTP proxies r to the upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.echo.ServeHTTP(w, r)
}

// Addr returns the address ListenAndServe binds to.
func (p *Proxy) Addr() string { return p.addr }

// ListenAndServe serves the proxy on its address until Shutdown is called.
// Like net/http, it returns http.ErrServerClosed after a Shutdown.
func (p *Proxy) ListenAndServe() error {
	p.logger.Info("starting proxy", "addr", p.addr)
	return p.server.ListenAndServe()
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
