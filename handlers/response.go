package handlers

import (
	"fmt"
	"net/http"

	"github.com/andesco/originproxy/pkg/page"
	"github.com/gofiber/fiber/v2"
)

// Cache-control lifetimes, in seconds.
const (
	DefaultCacheTime = 60 * 60
	MinCacheTime     = 5 * 60
	staleIfError     = 600
)

// CacheMaxAge returns the max-age advertised to clients. Callers may raise
// the default but never go below MinCacheTime unless caching is disabled.
func CacheMaxAge(disable bool, requested int) int {
	if disable {
		return 0
	}
	if requested == 0 {
		requested = DefaultCacheTime
	}
	return max(MinCacheTime, requested)
}

func cacheControl(maxAge int) string {
	return fmt.Sprintf("public, max-age=%d, stale-if-error=%d", maxAge, staleIfError)
}

// setCacheControl marks cacheable GET and HEAD answers. Network failures
// carry no origin answer and are left uncached.
func setCacheControl(c *fiber.Ctx, res *page.Result, params Params) {
	if res.Kind == page.KindNetworkFailure {
		return
	}
	if params.Method == http.MethodGet || params.Method == http.MethodHead {
		c.Set(fiber.HeaderCacheControl, cacheControl(CacheMaxAge(params.DisableCache, params.CacheMaxAge)))
	}
}

// writeResult emits res as the response, forwarding the origin's status and
// content headers. A network failure has no origin status to forward and is
// reported as 502 with an empty body.
func writeResult(c *fiber.Ctx, res *page.Result, params Params) error {
	if res.Kind == page.KindNetworkFailure {
		return c.Status(fiber.StatusBadGateway).Send(nil)
	}
	setCacheControl(c, res, params)

	if res.Status.HTTPCode > 0 {
		c.Status(res.Status.HTTPCode)
	}
	if res.ContentType != "" {
		c.Set(fiber.HeaderContentType, res.ContentType)
	}

	if res.Kind == page.KindMetadata {
		if res.Status.ContentType != "" {
			c.Set(fiber.HeaderContentType, res.Status.ContentType)
		}
		if res.Status.ContentLength >= 0 {
			c.Response().Header.SetContentLength(res.Status.ContentLength)
		}
		return nil
	}

	if res.ContentEncoding != "" {
		c.Set(fiber.HeaderContentEncoding, res.ContentEncoding)
	}
	c.Response().Header.SetContentLength(res.ContentLength)
	return c.Send(res.Content)
}

// writeJSON emits res as a JSON document. The origin status travels inside
// the document, so the response itself is always 200.
func writeJSON(c *fiber.Ctx, res *page.Result, params Params) error {
	setCacheControl(c, res, params)
	return c.JSON(res)
}
