package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"htmlproxy-go/internal/client"
	"htmlproxy-go/internal/config"
	"htmlproxy-go/internal/filter"
	"htmlproxy-go/internal/handler"
	"htmlproxy-go/internal/intercept"
	"htmlproxy-go/internal/metrics"
	"htmlproxy-go/internal/middleware"
	"htmlproxy-go/internal/rules"
	"htmlproxy-go/internal/service"
	"htmlproxy-go/internal/transform"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the Echo instance behind the admin listener.
type adminEcho struct{ *echo.Echo }

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("htmlproxy"),
		kong.Description("Single-upstream HTTP proxy that rewrites HTML responses."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			intercept.NewBus,
			filter.NewRegistry,
			newMinifier,
			newEcho,
			newAdminEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			loadRules,
			handler.RegisterRoutes,
			registerAdminRoutes,
			warnConfigPermissions,
			startServer,
			startAdminServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMinifier returns nil when minification is off.
func newMinifier(cfg *config.Config) transform.Minifier {
	if !cfg.Transform.Minify {
		return nil
	}
	return transform.NewHTMLMinifier()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): large documents are buffered and rewritten
	// before the first byte is written. The upstream client timeout bounds it.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho() adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	return adminEcho{e}
}

func registerAdminRoutes(admin adminEcho, health *handler.HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	handler.RegisterAdminRoutes(admin.Echo, health, cfg, m)
}

func loadRules(cfg *config.Config, reg *filter.Registry, logger *slog.Logger) error {
	if cfg.Transform.RulesPath == "" {
		return nil
	}
	rs, err := rules.Load(cfg.Transform.RulesPath)
	if err != nil {
		return err
	}
	if err := rules.Register(reg, rs); err != nil {
		return err
	}
	logger.Info("loaded html rules", "path", cfg.Transform.RulesPath, "count", len(rs))
	return nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, cfg.Server.Addr(), "proxy", logger)
	logger.Info("proxying", "upstream", cfg.Upstream.Scheme+"://"+cfg.Upstream.Host, "minify", cfg.Transform.Minify)
}

func startAdminServer(lc fx.Lifecycle, admin adminEcho, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	serve(lc, admin.Echo, cfg.Admin.Addr(), "admin", logger)
}

func serve(lc fx.Lifecycle, e *echo.Echo, addr, name string, logger *slog.Logger) {
	logger = logger.With("server", name)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
