package page

import (
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// DecodeCharset transcodes body from the named charset into UTF-8.
// An empty or unknown charset, or a body that fails to decode, yields the
// input unchanged.
func DecodeCharset(body []byte, charset string) []byte {
	charset = strings.TrimSpace(charset)
	if charset == "" || len(body) == 0 {
		return body
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return body
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}
