package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/auth"
)

// Logger emits one structured line per request. Requests on the /fhir surface
// additionally carry the resource type from the route and the authenticated
// user, which is what an access audit of a clinical store needs to correlate.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if rt := c.Param("type"); rt != "" {
				evt = evt.Str("resource_type", rt)
			}
			if u := auth.UserFromContext(req.Context()); u.ID != "" {
				evt = evt.Str("user", u.ID)
			}

			evt.Msg("request")
			return err
		}
	}
}
