package rewrite

import (
	"bytes"
	"fmt"
	"regexp"
)

var linkPattern = regexp.MustCompile(`(?i)((?:href|src)=["']?)((?:https?://|/)?)`)

// Links rewrites references with a textual pattern substitution. Only the
// attribute name, the operator, the optional quote and the leading scheme or
// slash are touched; the rest of each value is left as it is.
type Links struct{}

func (Links) Rewrite(body []byte, requestURL, proxyBaseURL string) ([]byte, error) {
	if bytes.IndexByte(body, 0) >= 0 {
		return nil, fmt.Errorf("%w: binary payload", ErrNotRewritable)
	}

	matches := linkPattern.FindAllSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body, nil
	}

	res := &resolver{requestURL: requestURL}
	var out bytes.Buffer
	out.Grow(len(body) + len(matches)*(len(proxyBaseURL)+len(requestURL)+6))

	last := 0
	for _, m := range matches {
		target, err := res.resolve(string(body[m[4]:m[5]]))
		if err != nil {
			return nil, err
		}
		out.Write(body[last:m[0]])
		out.Write(body[m[2]:m[3]])
		out.WriteString(proxied(proxyBaseURL, target))
		last = m[1]
	}
	out.Write(body[last:])
	return out.Bytes(), nil
}
