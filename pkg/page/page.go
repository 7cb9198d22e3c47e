// Package page fetches a remote page and shapes the outcome into a Result.
package page

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/andesco/originproxy/pkg/rewrite"
	"github.com/andesco/originproxy/pkg/ruleset"
	"github.com/rs/zerolog"
)

// Pipeline composes a Fetcher and a Rewriter. It keeps no state between
// calls and is safe for concurrent use as long as its collaborators are.
type Pipeline struct {
	Fetcher  Fetcher
	Rewriter rewrite.Rewriter
	Rules    ruleset.RuleSet
	Log      zerolog.Logger
}

// GetPage runs the fetch mode selected by req and always returns a Result;
// fetch failures are folded in through Normalize.
func (p *Pipeline) GetPage(ctx context.Context, req Request) *Result {
	switch {
	case req.Format == FormatInfo || req.Method == http.MethodHead:
		return p.info(ctx, req)
	case req.Format == FormatRaw:
		return p.raw(ctx, req)
	case req.Format == FormatURL:
		return p.rewritten(ctx, req)
	}
	return p.contents(ctx, req)
}

func (p *Pipeline) info(ctx context.Context, req Request) *Result {
	resp, err := p.Fetcher.Fetch(ctx, req.URL, http.MethodHead, false, "")
	if err != nil {
		return Normalize(req.URL, err)
	}

	contentLength, err := strconv.Atoi(resp.Header.Get("Content-Length"))
	if err != nil || contentLength < 0 {
		contentLength = -1
	}
	return &Result{
		Kind: KindMetadata,
		Status: Status{
			URL:           req.URL,
			HTTPCode:      resp.StatusCode,
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: contentLength,
		},
	}
}

// raw keeps origin error pages raw too, so url mode rewrites them the same
// way whether or not the fetcher reports non-2xx statuses as errors.
func (p *Pipeline) raw(ctx context.Context, req Request) *Result {
	resp, err := p.Fetcher.Fetch(ctx, req.URL, req.Method, true, req.Charset)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) || fe.Response == nil {
			return Normalize(req.URL, err)
		}
		resp = fe.Response
	}
	return newResult(KindRaw, resp, req.URL)
}

func (p *Pipeline) rewritten(ctx context.Context, req Request) *Result {
	res := p.raw(ctx, req)
	if res.Kind != KindRaw || !isHTML(res.ContentType) {
		return res
	}

	log := p.Log.With().Str("url", req.URL).Logger()
	if enc := strings.ToLower(res.ContentEncoding); enc != "" && enc != "identity" {
		log.Debug().Str("content_encoding", enc).Msg("Skipping rewrite of encoded body")
		return res
	}

	body, err := p.Rewriter.Rewrite(res.Content, req.URL, req.BaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Couldn't rewrite page")
		return res
	}

	if rule := p.ruleFor(req.URL); rule.HasTransforms() {
		transformed, err := rule.Apply(body)
		if err != nil {
			log.Warn().Err(err).Msg("Couldn't apply ruleset to page")
		} else {
			body = transformed
		}
	}

	res.setContent(body)
	return res
}

func (p *Pipeline) contents(ctx context.Context, req Request) *Result {
	resp, err := p.Fetcher.Fetch(ctx, req.URL, req.Method, false, req.Charset)
	if err != nil {
		return Normalize(req.URL, err)
	}
	return newResult(KindText, resp, req.URL)
}

func (p *Pipeline) ruleFor(rawURL string) ruleset.Rule {
	if len(p.Rules) == 0 {
		return ruleset.Rule{}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ruleset.Rule{}
	}
	return p.Rules.Match(u.Hostname(), u.Path)
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}
