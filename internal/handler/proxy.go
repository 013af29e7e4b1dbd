package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"htmlproxy-go/internal/model"
	"htmlproxy-go/internal/service"
	"htmlproxy-go/internal/transform"
)

// ProxyHandler forwards every request to the upstream and relays the response.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and writes the (possibly
// rewritten) response back. When an interceptor stops a phase the handler
// writes nothing: the interceptor owns the response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.RequestURI(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Inbound:       req,
	}

	resp, err := h.service.Forward(pr, c.Response())
	if errors.Is(err, service.ErrStopped) {
		return nil
	}
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	err = h.service.Relay(pr, resp, c.Response())
	switch {
	case err == nil, errors.Is(err, service.ErrStopped):
		return nil
	case c.Response().Committed:
		// The status line is already out; the client sees a truncated body.
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	default:
		return h.mapError(c, err)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, transform.ErrBodyTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream document too large to rewrite",
		})
	}

	if errors.Is(err, transform.ErrMinify) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "document minification failed",
		})
	}

	if errors.Is(err, transform.ErrUnknownCharset) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream document has an unsupported charset",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
