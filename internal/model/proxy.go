// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // request URI: path plus raw query
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// Inbound is the original client request, exposed to interceptors.
	Inbound *http.Request
}

// RequestOptions describes the outbound request sent to the upstream.
// Interceptors may mutate it during the proxyRequest phase.
type RequestOptions struct {
	Scheme        string
	Host          string
	Method        string
	Path          string
	Header        http.Header
	ContentLength int64
}

// URL returns the absolute upstream URL for the options.
func (o *RequestOptions) URL() string {
	return o.Scheme + "://" + o.Host + o.Path
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Request is the proxied request that produced this response.
	Request *RequestOptions
}
