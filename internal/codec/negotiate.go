package codec

import "strings"

// roundTrippable lists the codings the selector can both decode and re-encode.
var roundTrippable = map[string]bool{
	"gzip":     true,
	"deflate":  true,
	"identity": true,
}

// Negotiate narrows a client Accept-Encoding value to the codings Select
// understands, preserving order and quality parameters. It returns an empty
// string when nothing usable remains, in which case the header should be
// dropped so the upstream answers uncompressed.
func Negotiate(acceptEncoding string) string {
	var kept []string
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token := part
		if i := strings.IndexByte(part, ';'); i >= 0 {
			token = strings.TrimSpace(part[:i])
		}
		if roundTrippable[strings.ToLower(token)] {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}
