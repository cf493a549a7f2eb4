package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders are set on every response. Talon listings and booking results
// reflect live lock-protected state, so no cache may keep them.
var apiHeaders = []struct{ name, value string }{
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders applies apiHeaders before the handler runs, so error
// responses written by echo carry them too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv.name, kv.value)
			}
			return next(c)
		}
	}
}
