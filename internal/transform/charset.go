package transform

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// DefaultCharset is used when the Content-Type carries no charset parameter.
const DefaultCharset = "ascii"

// charsetParam is a fallback for Content-Type values mime cannot parse.
var charsetParam = regexp.MustCompile(`charset=([^;]+)`)

// CharsetOf returns the charset parameter of contentType, or DefaultCharset.
func CharsetOf(contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.TrimSpace(params["charset"]); cs != "" {
			return cs
		}
		return DefaultCharset
	}
	if m := charsetParam.FindStringSubmatch(contentType); m != nil {
		if cs := strings.Trim(strings.TrimSpace(m[1]), `"`); cs != "" {
			return cs
		}
	}
	return DefaultCharset
}

func lookup(name string) (encoding.Encoding, error) {
	enc, _ := charset.Lookup(name)
	if enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, name)
	}
	return enc, nil
}
