package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cm/cm/internal/platform/apperr"
)

// Authenticate verifies the Authorization header with v and stores the
// resulting Caller on the request context. Requests for which skipper
// returns true pass through untouched.
func Authenticate(v Verifier, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			caller, err := v.Verify(c.Request().Context(), c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return apperr.HTTPError(err)
			}

			ctx := WithCaller(c.Request().Context(), caller)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func forbidden(msg string) error {
	return echo.NewHTTPError(http.StatusForbidden, apperr.ErrorBody{
		Error: apperr.ErrorDetail{Code: apperr.CodeUnauthorized, Message: msg},
	})
}

// RequireAuthority allows callers holding at least one of authorities.
func RequireAuthority(authorities ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := CallerFromContext(c.Request().Context())
			if caller != nil {
				for _, a := range authorities {
					if caller.HasAuthority(a) {
						return next(c)
					}
				}
			}
			return forbidden("caller lacks the required authority")
		}
	}
}

// RequireServiceAccount allows only service-account callers.
func RequireServiceAccount() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := CallerFromContext(c.Request().Context())
			if caller == nil || !caller.IsServiceAccount {
				return forbidden("service account required")
			}
			return next(c)
		}
	}
}
