package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"htmlproxy-go/internal/config"
	"htmlproxy-go/internal/metrics"
)

// RegisterRoutes sends every path and method on the proxy listener upstream.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and, when enabled, metrics onto the
// admin listener. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
