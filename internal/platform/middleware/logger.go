package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			// Auth runs inside this middleware, so the identity is read afterwards.
			req := c.Request()
			evt := logger.Info()
			if err != nil {
				// Let echo's error handler set the status before it is logged.
				c.Error(err)
				evt = logger.Warn().Err(err)
				if c.Response().Status >= 500 {
					evt = logger.Error().Err(err)
				}
			}
			if doctorID, ok := auth.DoctorIDFromContext(req.Context()); ok {
				evt = evt.Str("doctor_id", doctorID.String())
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
