package page

import (
	"net/http"
	"strings"
)

// Format selects how a fetched page is handed back to the caller.
type Format string

const (
	// FormatInfo performs a HEAD fetch and returns metadata only.
	FormatInfo Format = "info"
	// FormatRaw returns the origin bytes untouched.
	FormatRaw Format = "raw"
	// FormatURL returns the origin bytes with HTML links routed back through the proxy.
	FormatURL Format = "url"
	// FormatContents returns the decoded body together with a status object.
	FormatContents Format = "contents"
)

// ParseFormat maps a user supplied format name onto a Format, falling back to
// FormatContents for anything it does not recognize.
func ParseFormat(s string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatInfo, FormatRaw, FormatURL, FormatContents:
		return f
	}
	return FormatContents
}

var allowedMethods = []string{
	http.MethodHead,
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodOptions,
}

// ParseMethod normalizes an inbound method name. Missing or unsupported
// methods become GET.
func ParseMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range allowedMethods {
		if m == method {
			return m
		}
	}
	return http.MethodGet
}

// Request describes one page fetch. It is built per inbound call and never
// modified afterwards.
type Request struct {
	// URL is the absolute target URL.
	URL    string
	Format Format
	Method string
	// Charset optionally names the encoding the origin body is written in.
	Charset string
	// BaseURL is the externally visible address of the proxy, without a
	// trailing slash. Rewritten links are built on top of it.
	BaseURL string
}
