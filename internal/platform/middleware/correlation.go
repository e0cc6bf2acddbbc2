package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/cm/cm/internal/platform/correlation"
)

// CorrelationIDKey is the echo context key holding the request's
// correlation id.
const CorrelationIDKey = "correlation_id"

// CorrelationID reads the CORRELATION-ID header, generating one when absent,
// and stores it on the echo context, the request context, and the response.
func CorrelationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(correlation.Header)
			if id == "" {
				id = uuid.NewString()
			}

			c.Set(CorrelationIDKey, id)
			c.Response().Header().Set(correlation.Header, id)
			ctx := correlation.WithID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}
