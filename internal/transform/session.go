// Package transform buffers an HTML response body, runs the registered DOM
// filters over it and emits the re-serialized (optionally minified) markup.
package transform

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding"
	xtransform "golang.org/x/text/transform"
)

var (
	ErrMissingCharset = errors.New("transform: charset is required")
	ErrUnknownCharset = errors.New("transform: unknown charset")
	ErrNilSink        = errors.New("transform: sink is required")
	ErrSessionClosed  = errors.New("transform: session already closed")
	ErrBodyTooLarge   = errors.New("transform: body exceeds buffer limit")
	ErrMinify         = errors.New("transform: minify failed")
)

// Applier runs DOM filters over a document. *filter.Registry implements it.
type Applier interface {
	ApplyAll(doc *goquery.Document)
}

// Minifier shrinks serialized markup.
type Minifier interface {
	Minify(markup string) (string, error)
}

// Sink consumes the output of a Session. On success OnDataReady receives the
// payload exactly once and OnEnd follows it. A failure before the payload is
// built calls only OnError. If OnDataReady or OnEnd returns an error, OnError
// follows with that error. OnError is called at most once.
type Sink interface {
	OnDataReady(p Payload) error
	OnEnd() error
	OnError(err error)
}

// Options configure a Session.
type Options struct {
	Charset  string
	Filters  Applier  // nil applies no filters
	Minifier Minifier // nil disables minification
	MaxBytes int64    // <= 0 disables the buffer cap
}

// Session accumulates one response body. It is not safe for concurrent use and
// is never reused.
type Session struct {
	opts    Options
	sink    Sink
	buf     bytes.Buffer
	decoder *xtransform.Writer
	size    int64
	closed  bool
	err     error
}

// NewSession creates a Session decoding bytes with opts.Charset.
func NewSession(opts Options, sink Sink) (*Session, error) {
	if opts.Charset == "" {
		return nil, ErrMissingCharset
	}
	if sink == nil {
		return nil, ErrNilSink
	}
	enc, err := lookup(opts.Charset)
	if err != nil {
		return nil, err
	}

	s := &Session{opts: opts, sink: sink}
	s.decoder = xtransform.NewWriter(&s.buf, enc.NewDecoder())
	return s, nil
}

// Charset returns the charset the session decodes and encodes with.
func (s *Session) Charset() string { return s.opts.Charset }

// Write appends a byte chunk, decoding it with the session charset. Multi-byte
// sequences split across chunks are carried over to the next write.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.grow(len(p)); err != nil {
		return 0, err
	}
	n, err := s.decoder.Write(p)
	if err != nil {
		return n, s.fail(fmt.Errorf("transform: decode %s: %w", s.opts.Charset, err))
	}
	return n, nil
}

// WriteString appends an already decoded text chunk.
func (s *Session) WriteString(text string) (int, error) {
	if err := s.grow(len(text)); err != nil {
		return 0, err
	}
	return s.buf.WriteString(text)
}

func (s *Session) grow(n int) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.err != nil {
		return s.err
	}
	s.size += int64(n)
	if s.opts.MaxBytes > 0 && s.size > s.opts.MaxBytes {
		return s.fail(fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, s.opts.MaxBytes))
	}
	return nil
}

// Close signals the end of the body. It builds the payload and hands it to the
// sink, then signals OnEnd. Any failure is reported to the sink's OnError and
// returned; no payload is emitted in that case.
func (s *Session) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if s.err != nil {
		return s.err
	}

	if err := s.decoder.Close(); err != nil {
		return s.fail(fmt.Errorf("transform: decode %s: %w", s.opts.Charset, err))
	}

	payload, err := s.finalize()
	if err != nil {
		return s.fail(err)
	}
	s.buf.Reset()

	if err := s.sink.OnDataReady(payload); err != nil {
		return s.fail(err)
	}
	if err := s.sink.OnEnd(); err != nil {
		return s.fail(err)
	}
	return nil
}

// Abort ends the session without building a payload, for example when the
// body could not be read. The sink receives err on OnError unless it has
// already been told of an earlier failure, in which case that error is
// returned instead.
func (s *Session) Abort(err error) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.buf.Reset()
	return s.fail(err)
}

func (s *Session) finalize() (Payload, error) {
	doc, err := goquery.NewDocumentFromReader(&s.buf)
	if err != nil {
		return Payload{}, fmt.Errorf("transform: parse html: %w", err)
	}

	if s.opts.Filters != nil {
		s.opts.Filters.ApplyAll(doc)
	}

	markup, err := doc.Html()
	if err != nil {
		return Payload{}, fmt.Errorf("transform: render html: %w", err)
	}

	if s.opts.Minifier != nil {
		minified, err := s.opts.Minifier.Minify(markup)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrMinify, err)
		}
		markup = minified
	}

	return Payload{Text: markup, Charset: s.opts.Charset}, nil
}

func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.sink.OnError(err)
	}
	return s.err
}

// Payload is the final markup of a session paired with its charset.
type Payload struct {
	Text    string
	Charset string
}

// Encode returns the markup encoded in the payload charset. Characters the
// charset cannot represent are written as HTML numeric character references.
func (p Payload) Encode() ([]byte, error) {
	enc, err := lookup(p.Charset)
	if err != nil {
		return nil, err
	}
	out, err := encoding.HTMLEscapeUnsupported(enc.NewEncoder()).String(p.Text)
	if err != nil {
		return nil, fmt.Errorf("transform: encode %s: %w", p.Charset, err)
	}
	return []byte(out), nil
}
