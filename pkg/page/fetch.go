package page

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andesco/originproxy/pkg/ruleset"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Defaults applied by NewHTTPFetcher and config.Default.
const (
	DefaultTimeout = 15 * time.Second
	// DefaultMaxBodyBytes bounds both the body read from the wire and the
	// body after Content-Encoding is undone.
	DefaultMaxBodyBytes = 32 << 20
	DefaultUserAgent    = "Mozilla/5.0 (compatible; originproxy/1.0)"

	acceptEncoding = "gzip, deflate, br"
)

// Response is what an origin answered.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues a single outbound request. When raw is false the body is
// decompressed; when charset names a known encoding the body is transcoded to
// UTF-8. Failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url, method string, raw bool, charset string) (*Response, error)
}

// Options configures an HTTPFetcher. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// MaxBodyBytes caps the body size; zero or negative means unlimited.
	MaxBodyBytes int64
	UserAgent    string
	ForwardedFor string
	Rules        ruleset.RuleSet
	// Strict makes non-2xx responses come back as a *FetchError with
	// CauseHTTP instead of a plain Response.
	Strict bool
}

// HTTPFetcher is the net/http backed Fetcher.
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
	forwardedFor string
	rules        ruleset.RuleSet
	strict       bool
}

// NewHTTPFetcher returns a fetcher with its own transport, so transparent
// decompression can be turned off without touching http.DefaultTransport.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	// Content-Encoding is handled here rather than by the transport so raw
	// fetches can keep the origin's bytes.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		maxBodyBytes: opts.MaxBodyBytes,
		userAgent:    opts.UserAgent,
		forwardedFor: opts.ForwardedFor,
		rules:        opts.Rules,
		strict:       opts.Strict,
	}
}

// Fetch issues one request to target. Transport failures and oversized bodies
// are CauseNetwork errors. A body that fails to decode comes back as a
// CauseHTTP error carrying the undecoded response.
func (f *HTTPFetcher) Fetch(ctx context.Context, target, method string, raw bool, charset string) (*Response, error) {
	networkErr := func(err error) error {
		return &FetchError{Cause: CauseNetwork, URL: target, Err: err}
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, networkErr(fmt.Errorf("error parsing target URL: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, networkErr(fmt.Errorf("unsupported URL scheme %q", u.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, networkErr(fmt.Errorf("error building request: %w", err))
	}
	f.setHeaders(req, u)
	if !raw {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, networkErr(fmt.Errorf("error fetching site: %w", err))
	}
	defer resp.Body.Close()

	out := &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}

	if method != http.MethodHead {
		body, err := f.readBody(resp.Body)
		if err != nil {
			return nil, networkErr(fmt.Errorf("error reading response body: %w", err))
		}
		if !raw {
			decoded, err := decompress(body, out.Header.Get("Content-Encoding"), f.maxBodyBytes)
			if errors.Is(err, ErrBodyTooLarge) {
				return nil, networkErr(fmt.Errorf("error decoding response body: %w", err))
			}
			if err != nil {
				out.Body = body
				return nil, &FetchError{
					Cause:    CauseHTTP,
					URL:      target,
					Response: out,
					Err:      fmt.Errorf("error decoding response body: %w", err),
				}
			}
			body = decoded
			out.Header.Del("Content-Encoding")
			out.Header.Del("Content-Length")
		}
		out.Body = DecodeCharset(body, charset)
	}

	if f.strict && (out.StatusCode < 200 || out.StatusCode > 299) {
		return nil, &FetchError{
			Cause:    CauseHTTP,
			URL:      target,
			Response: out,
			Err:      fmt.Errorf("origin responded with status %d", out.StatusCode),
		}
	}
	return out, nil
}

func (f *HTTPFetcher) setHeaders(req *http.Request, u *url.URL) {
	rule := f.rules.Match(u.Hostname(), u.Path)

	if rule.Headers.UserAgent != "" {
		req.Header.Set("User-Agent", rule.Headers.UserAgent)
	} else {
		req.Header.Set("User-Agent", f.userAgent)
	}

	setOptional(req.Header, "X-Forwarded-For", rule.Headers.XForwardedFor, f.forwardedFor)
	setOptional(req.Header, "Referer", rule.Headers.Referer, "")

	if rule.Headers.Cookie != "" {
		req.Header.Set("Cookie", rule.Headers.Cookie)
	}
}

// setOptional applies a rule header value, where "none" suppresses the
// header entirely and an empty value falls back to def.
func setOptional(h http.Header, key, ruleValue, def string) {
	switch ruleValue {
	case "none":
		return
	case "":
		if def != "" {
			h.Set(key, def)
		}
	default:
		h.Set(key, ruleValue)
	}
}

func (f *HTTPFetcher) readBody(r io.Reader) ([]byte, error) {
	return readLimited(r, f.maxBodyBytes)
}

// readLimited reads r to the end, failing with ErrBodyTooLarge once more than
// limit bytes arrive. A limit of zero or less reads everything.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// decompress undoes the Content-Encoding chain, last applied coding first.
// Every decoded stage is held to limit.
func decompress(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	if contentEncoding == "" {
		return body, nil
	}
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		body, err = decodeOne(body, strings.ToLower(strings.TrimSpace(codings[i])), limit)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decodeOne(body []byte, coding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Some servers send raw DEFLATE instead of the zlib wrapped form.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
	return readLimited(r, limit)
}
