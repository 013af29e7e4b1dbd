package transform

import (
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

const htmlMediaType = "text/html"

type htmlMinifier struct {
	m *minify.M
}

// NewHTMLMinifier returns a Minifier for HTML documents, including inline
// styles and scripts. Document, end tags and attribute quotes are kept so the
// output still parses to the same tree.
func NewHTMLMinifier() Minifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFuncRegexp(regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`), js.Minify)
	m.Add(htmlMediaType, &html.Minifier{
		KeepDocumentTags:    true,
		KeepEndTags:         true,
		KeepQuotes:          true,
		KeepDefaultAttrVals: true,
	})
	return &htmlMinifier{m: m}
}

func (h *htmlMinifier) Minify(markup string) (string, error) {
	return h.m.String(htmlMediaType, markup)
}
