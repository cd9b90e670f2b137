// Package middleware provides Echo middleware for request logging, metrics,
// rate limiting and framing-header hygiene.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors log at error, client errors at warn, and health probes at
// debug.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			logger.Log(req.Context(), levelFor(req.Context(), c.Path(), status), "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

func levelFor(ctx context.Context, route string, status int) slog.Level {
	switch {
	case status >= 500 && ctx.Err() == nil:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case route == "/healthz":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
