package middleware

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs the stack with the
// request and doctor it happened under.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, 4096)
				stack = stack[:runtime.Stack(stack, false)]

				req := c.Request()
				evt := logger.Error().
					Interface("panic", r).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Bytes("stack", stack)
				if rid, ok := c.Get("request_id").(string); ok {
					evt = evt.Str("request_id", rid)
				}
				if doctorID, ok := auth.DoctorIDFromContext(req.Context()); ok {
					evt = evt.Str("doctor_id", doctorID.String())
				}
				evt.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
