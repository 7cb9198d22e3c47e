package rewrite

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// Document rewrites href and src attributes on a parsed HTML tree. It
// classifies values the same way Links does but never touches text outside
// attributes. The output is re-serialized and may differ from the input in
// formatting.
type Document struct{}

func (Document) Rewrite(body []byte, requestURL, proxyBaseURL string) ([]byte, error) {
	if bytes.IndexByte(body, 0) >= 0 {
		return nil, fmt.Errorf("%w: binary payload", ErrNotRewritable)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRewritable, err)
	}

	res := &resolver{requestURL: requestURL}
	var rerr error
	doc.Find("[href], [src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"href", "src"} {
			val, ok := s.Attr(attr)
			if !ok {
				continue
			}
			prefix := leadingPart.FindString(val)
			target, err := res.resolve(prefix)
			if err != nil {
				rerr = err
				return false
			}
			s.SetAttr(attr, proxied(proxyBaseURL, target)+val[len(prefix):])
		}
		return true
	})
	if rerr != nil {
		return nil, rerr
	}

	html, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRewritable, err)
	}
	return []byte(html), nil
}
