package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/andesco/originproxy/pkg/page"
	"github.com/andesco/originproxy/pkg/reqlog"
	"github.com/gofiber/fiber/v2"
)

type writeFunc func(c *fiber.Ctx, res *page.Result, params Params) error

// Setup mounts every entry point on app.
func Setup(app *fiber.App, p *page.Pipeline, rl reqlog.RequestLogger) {
	app.Get("/healthz", Healthz)
	app.All("/url/*", ProxySite(p, rl))
	app.All("/raw/*", Raw(p, rl))
	app.All("/api/*", API(p, rl))
	app.All("/*", Fallback(p, rl))
}

// ProxySite serves /url/<target>: the target is fetched and HTML links are
// rewritten so the browser keeps going through the proxy.
func ProxySite(p *page.Pipeline, rl reqlog.RequestLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		params := parseParams(c, page.FormatURL)
		if !isAbsoluteHTTP(params.URL) {
			if full, ok := resolveFromReferer(c.Get(fiber.HeaderReferer), params.URL); ok {
				params.URL = full
			}
		}
		return serve(c, p, rl, params, writeResult)
	}
}

// Raw serves /raw/<target> with the origin bytes untouched.
func Raw(p *page.Pipeline, rl reqlog.RequestLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return serve(c, p, rl, parseParams(c, page.FormatRaw), writeResult)
	}
}

// API serves /api/<target> as JSON: {contents, status} by default, or the
// bare status object with ?format=info.
func API(p *page.Pipeline, rl reqlog.RequestLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		format := page.FormatContents
		if page.ParseFormat(c.Query("format")) == page.FormatInfo {
			format = page.FormatInfo
		}
		return serve(c, p, rl, parseParams(c, format), writeJSON)
	}
}

// Fallback catches root-relative requests a rewritten page still makes, such
// as /images/x.png from a script, and fetches them from the site named in the
// Referer. Requests without a proxied Referer are 404.
func Fallback(p *page.Pipeline, rl reqlog.RequestLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		full, ok := resolveFromReferer(c.Get(fiber.HeaderReferer), strings.Clone(c.OriginalURL()))
		if !ok {
			return fiber.ErrNotFound
		}
		params := Params{
			URL:     full,
			Format:  page.FormatURL,
			Method:  page.ParseMethod(c.Method()),
			BaseURL: strings.Clone(c.BaseURL()),
		}
		return serve(c, p, rl, params, writeResult)
	}
}

// Healthz reports liveness.
func Healthz(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func serve(c *fiber.Ctx, p *page.Pipeline, rl reqlog.RequestLogger, params Params, write writeFunc) error {
	start := time.Now()
	if params.Method == http.MethodOptions {
		c.Status(fiber.StatusOK)
		return nil
	}

	res := p.GetPage(c.UserContext(), params.Request())
	err := write(c, res, params)

	ev := newEvent(c, params, res, time.Since(start))
	go record(rl, ev)

	return err
}

func newEvent(c *fiber.Ctx, params Params, res *page.Result, elapsed time.Duration) reqlog.Event {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})

	status := map[string]any{"response_time_ms": elapsed.Milliseconds()}
	if res.HasStatus() {
		status = res.Status.Fields()
	}
	status["url"] = params.URL

	return reqlog.Event{
		Format:  string(params.Format),
		Headers: headers,
		Status:  status,
	}
}

// record hands ev to the logger. It runs after the response is written and
// must never take the request down with it.
func record(rl reqlog.RequestLogger, ev reqlog.Event) {
	defer func() {
		_ = recover()
	}()
	rl.RequestProcessed(ev)
}
