package service

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"htmlproxy-go/internal/codec"
	"htmlproxy-go/internal/model"
	"htmlproxy-go/internal/transform"
)

// transformHTML decodes the body with its Content-Encoding, runs it through a
// transform session and writes the re-encoded result with the same encoding.
func (s *ProxyService) transformHTML(header http.Header, resp *model.ProxyResponse, w http.ResponseWriter) error {
	start := time.Now()
	token := header.Get("Content-Encoding")

	decode, err := codec.Select(token, codec.Decompress)
	if err != nil {
		return err
	}
	encode, err := codec.Select(token, codec.Compress)
	if err != nil {
		return err
	}

	sink := &responseSink{
		w:      w,
		header: header,
		status: resp.StatusCode,
		encode: encode,
	}
	sess, err := transform.NewSession(transform.Options{
		Charset:  transform.CharsetOf(header.Get("Content-Type")),
		Filters:  s.filters,
		Minifier: s.minifier,
		MaxBytes: s.cfg.Transform.MaxBufferBytes(),
	}, sink)
	if err != nil {
		s.observeTransform(start, err, 0)
		return err
	}

	if _, err := decode(sess, resp.Body); err != nil {
		err = sess.Abort(fmt.Errorf("decode %q body: %w", token, err))
		s.observeTransform(start, err, 0)
		return err
	}
	err = sess.Close()
	s.observeTransform(start, err, sink.written)
	return err
}

func (s *ProxyService) observeTransform(start time.Time, err error, written int) {
	if err != nil {
		s.logger.Warn("html transform failed", "err", err)
	}
	if s.metrics == nil {
		return
	}
	s.metrics.TransformDuration.Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.TransformsTotal.WithLabelValues(result).Inc()
	s.metrics.TransformedBytes.Add(float64(written))
}

// responseSink writes a finished transform payload to the client. Headers are
// only committed once the payload is encoded and compressed.
type responseSink struct {
	w       http.ResponseWriter
	header  http.Header
	status  int
	encode  codec.Stream
	written int
	err     error
}

func (r *responseSink) OnDataReady(p transform.Payload) error {
	raw, err := p.Encode()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if _, err := r.encode(&body, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	r.header.Set("Content-Length", strconv.Itoa(body.Len()))
	copyHeader(r.w.Header(), r.header)
	r.w.WriteHeader(r.status)

	n, err := r.w.Write(body.Bytes())
	r.written = n
	if err != nil {
		return fmt.Errorf("write transformed body: %w", err)
	}
	return nil
}

func (r *responseSink) OnEnd() error {
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// OnError records the failure. transformHTML receives the same error from the
// session and logs it.
func (r *responseSink) OnError(err error) {
	r.err = err
}
