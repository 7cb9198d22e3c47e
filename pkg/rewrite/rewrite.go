// Package rewrite routes resource references inside HTML back through the
// proxy.
//
// Every href/src value is classified by its leading part: a bare relative
// path is resolved against the fetched page URL, a root-relative path against
// the page's origin, and an absolute http(s) URL is kept. The result is
// prefixed with "<proxy base>/url/" so following it re-enters the proxy.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrNotRewritable is wrapped by every error a Rewriter returns. Callers are
// expected to fall back to the original payload.
var ErrNotRewritable = errors.New("payload cannot be rewritten")

// Names accepted by New.
const (
	NameLinks    = "links"
	NameDocument = "document"
)

// Rewriter rewrites the references in an HTML body fetched from requestURL so
// they point at the proxy mounted at proxyBaseURL.
type Rewriter interface {
	Rewrite(body []byte, requestURL, proxyBaseURL string) ([]byte, error)
}

// New returns the rewriter registered under name. An empty name selects the
// textual links rewriter.
func New(name string) (Rewriter, error) {
	switch strings.ToLower(name) {
	case "", NameLinks:
		return Links{}, nil
	case NameDocument:
		return Document{}, nil
	}
	return nil, fmt.Errorf("unknown rewriter %q", name)
}

var leadingPart = regexp.MustCompile(`(?i)^(?:https?://|/)?`)

// resolver maps the leading part of a reference onto its absolute form. The
// page origin is only computed when a root-relative reference needs it.
type resolver struct {
	requestURL string
	origin     string
}

func (r *resolver) resolve(prefix string) (string, error) {
	switch prefix {
	case "":
		return r.requestURL + "/", nil
	case "/":
		if r.origin == "" {
			origin, err := originOf(r.requestURL)
			if err != nil {
				return "", err
			}
			r.origin = origin
		}
		return r.origin + "/", nil
	}
	return prefix, nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRewritable, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q has no origin", ErrNotRewritable, rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

func proxied(proxyBaseURL, target string) string {
	return proxyBaseURL + "/url/" + target
}
