// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// SecurityHeaders hardens the JSON API with a conservative header set. No CSP
// is emitted here: the service serves JSON and WebSocket upgrades, never HTML.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures the headers emitted by SecurityHeaders.
//
// EnableHSTS must only be set when traffic is HTTPS end-to-end, proxy hop
// included; the header is never written for plain-HTTP requests regardless.
// NoStore adds Cache-Control: no-store for responses that carry message
// content. Note the conversation and notification list endpoints set their own
// ETag validators, which no-store does not interfere with (If-None-Match
// revalidation still works; the response just never lands in a shared cache).
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration // defaults to 180 days when <= 0
	NoStore      bool
	EnablePolicy bool // Permissions-Policy and friends, browser-only effect
}

// SecurityHeaders returns a Gin middleware that attaches security headers to
// every response.
//
// Always set: X-Content-Type-Options, X-Frame-Options, Referrer-Policy.
// Conditionally set: Permissions-Policy (EnablePolicy), Cache-Control no-store
// (NoStore), Strict-Transport-Security (EnableHSTS and the request is HTTPS).
// When a request ID header is present it is added to
// Access-Control-Expose-Headers so browser clients can correlate.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security",
				"max-age="+strconv.Itoa(maxAge)+"; includeSubDomains; preload")
		}

		if rid := h.Get(requestIDHeader); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			switch {
			case cur == "":
				h.Set(hdr, requestIDHeader)
			case !strings.Contains(cur, requestIDHeader):
				h.Set(hdr, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS, either directly or via
// a proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
