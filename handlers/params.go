package handlers

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/andesco/originproxy/pkg/page"
	"github.com/gofiber/fiber/v2"
)

// Every entry point is mounted under a 4 character segment plus slash
// ("/url/", "/raw/", "/api/"); the target URL is whatever follows it.
const routePrefixLen = 5

// Params are the inbound request parameters.
type Params struct {
	URL          string
	Format       page.Format
	Method       string
	Charset      string
	BaseURL      string
	DisableCache bool
	CacheMaxAge  int
}

// Request is the part of p the page pipeline needs.
func (p Params) Request() page.Request {
	return page.Request{
		URL:     p.URL,
		Format:  p.Format,
		Method:  p.Method,
		Charset: p.Charset,
		BaseURL: p.BaseURL,
	}
}

func parseParams(c *fiber.Ctx, format page.Format) Params {
	target := strings.Clone(c.OriginalURL())
	if len(target) >= routePrefixLen {
		target = target[routePrefixLen:]
	} else {
		target = ""
	}

	params := Params{
		URL:     target,
		Format:  format,
		Method:  page.ParseMethod(c.Method()),
		Charset: strings.Clone(c.Query("charset")),
		BaseURL: strings.Clone(c.BaseURL()),
	}

	args := c.Context().QueryArgs()
	if args.Has("disableCache") {
		params.DisableCache = parseFlag(string(args.Peek("disableCache")))
	}
	params.CacheMaxAge = parseSeconds(c.Query("cacheMaxAge"))
	return params
}

// parseSeconds reads a lifetime written as any decimal number, such as "600",
// " 600 ", "1e4" or "1000.5". Fractions are truncated. Anything unreadable
// is 0, which callers treat as unset.
func parseSeconds(v string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(max(math.MinInt32, min(f, math.MaxInt32)))
}

// parseFlag treats a bare or unrecognized value as set; only explicit false
// values like "0" or "false" clear it.
func parseFlag(v string) bool {
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// resolveFromReferer rebuilds a full target for a relative request path using
// the page the browser came from.
// eg: referer https://proxy/url/https://realsite.com/a/b.html, path images/x.jpg
// -> https://realsite.com/images/x.jpg
func resolveFromReferer(referer, rel string) (string, bool) {
	if referer == "" {
		return "", false
	}
	refererURL, err := url.Parse(referer)
	if err != nil || !strings.HasPrefix(refererURL.Path, "/url/") {
		return "", false
	}
	realURL, err := url.Parse(refererURL.Path[routePrefixLen:])
	if err != nil || realURL.Scheme == "" || realURL.Host == "" {
		return "", false
	}
	return realURL.Scheme + "://" + realURL.Host + "/" + strings.TrimPrefix(rel, "/"), true
}
