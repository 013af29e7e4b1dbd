package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// HopByHopHeaders are headers meaningful only for a single transport-level
// connection; a proxy must not forward them.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes hop-by-hop headers from h, including any header
// named in a Connection value.
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request before it reaches the proxy handler.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			RemoveHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
