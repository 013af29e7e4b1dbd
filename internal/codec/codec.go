// Package codec selects the compression streams matching a Content-Encoding token.
package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Direction tells Select which half of a codec pair to build.
type Direction int

const (
	// Decompress undoes the encoding of an upstream body.
	Decompress Direction = iota + 1
	// Compress re-applies the encoding before the body reaches the client.
	Compress
)

func (d Direction) String() string {
	switch d {
	case Decompress:
		return "decompress"
	case Compress:
		return "compress"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ErrInvalidDirection is returned by Select for a direction other than
// Decompress or Compress.
var ErrInvalidDirection = errors.New("codec: invalid direction")

// Stream copies src to dst, applying one direction of a codec.
type Stream func(dst io.Writer, src io.Reader) (int64, error)

// Codec is a matched decompress/compress pair for one encoding token.
type Codec interface {
	// Token is the Content-Encoding value the codec handles; empty for identity.
	Token() string
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// Lookup returns the codec for an encoding token. Unknown and empty tokens
// yield the identity codec: an unrecognised encoding is treated as absent.
func Lookup(token string) Codec {
	switch strings.TrimSpace(token) {
	case "gzip":
		return gzipCodec{}
	case "deflate":
		return deflateCodec{}
	default:
		return identity{}
	}
}

// Select returns the stream for token in the given direction.
func Select(token string, dir Direction) (Stream, error) {
	c := Lookup(token)
	switch dir {
	case Decompress:
		return func(dst io.Writer, src io.Reader) (int64, error) {
			r, err := c.NewReader(src)
			if err != nil {
				return 0, fmt.Errorf("codec: open %s reader: %w", dir, err)
			}
			defer func() { _ = r.Close() }()
			return io.Copy(dst, r)
		}, nil
	case Compress:
		return func(dst io.Writer, src io.Reader) (int64, error) {
			w, err := c.NewWriter(dst)
			if err != nil {
				return 0, fmt.Errorf("codec: open %s writer: %w", dir, err)
			}
			n, err := io.Copy(w, src)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			return n, err
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidDirection, dir)
	}
}

type gzipCodec struct{}

func (gzipCodec) Token() string { return "gzip" }

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	br, empty, err := peek(r)
	if err != nil {
		return nil, err
	}
	if empty {
		return http.NoBody, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

// deflateCodec handles HTTP "deflate", which is the zlib format (RFC 1950).
type deflateCodec struct{}

func (deflateCodec) Token() string { return "deflate" }

func (deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	br, empty, err := peek(r)
	if err != nil {
		return nil, err
	}
	if empty {
		return http.NoBody, nil
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

// peek reports whether r is empty. An empty compressed body decodes to an
// empty stream; the gzip and zlib readers would reject it as truncated.
func peek(r io.Reader) (*bufio.Reader, bool, error) {
	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return br, true, nil
		}
		return nil, false, err
	}
	return br, false, nil
}

func (deflateCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriter(w), nil
}

type identity struct{}

func (identity) Token() string { return "" }

func (identity) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (identity) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
