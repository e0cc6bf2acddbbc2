package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cm/cm/internal/platform/apperr"
)

// RequestTimeout sets a deadline on each request context. When it passes
// before the handler returns, the client gets a 504 and the context is
// cancelled so in-flight store calls abort.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return echo.NewHTTPError(http.StatusGatewayTimeout, apperr.ErrorBody{
						Error: apperr.ErrorDetail{
							Code:    apperr.CodeNetworkServiceError,
							Message: "request processing exceeded the allowed time limit",
						},
					})
				}
				return ctx.Err()
			}
		}
	}
}
