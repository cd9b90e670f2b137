package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// framingHeaders would stop a proxied page from loading inside the client's
// frame.
var framingHeaders = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// FramingHeaders returns an Echo middleware that strips hop-by-hop headers
// from the request and removes framing restrictions from the response just
// before it is written.
func FramingHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				for _, h := range framingHeaders {
					res.Header().Del(h)
				}
				res.Header().Set("Referrer-Policy", "no-referrer")
			})

			return next(c)
		}
	}
}
