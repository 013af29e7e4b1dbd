package service

import (
	"net/http"
	"strings"
)

const htmlContentType = "text/html"

// RewriteLocation strips a literal "http://<host>" prefix from a redirect
// target so the client stays on the proxy. Any other value is returned as is.
func RewriteLocation(location, host string) string {
	if host == "" {
		return location
	}
	return strings.TrimPrefix(location, "http://"+host)
}

// IsHTML reports whether a Content-Type value selects the HTML pipeline.
func IsHTML(contentType string) bool {
	return strings.HasPrefix(contentType, htmlContentType)
}

// transformable reports whether a response body goes through the HTML
// pipeline. HEAD responses carry no body to rewrite.
func transformable(method string, status int, header http.Header) bool {
	return method != http.MethodHead && status == http.StatusOK && IsHTML(header.Get("Content-Type"))
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
