package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cm/cm/internal/platform/apperr"
)

// defaultRevocationTTL applies when the caller does not say when the token
// expires.
const defaultRevocationTTL = time.Hour

// revokeTokenRequest is the request body for POST /tokens/revoke.
type revokeTokenRequest struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type revocationStatusRequest struct {
	Token string `json:"token"`
}

type revocationStatusResponse struct {
	Revoked bool `json:"revoked"`
}

// RegisterRevocationRoutes registers the revocation endpoints under g. Only
// service accounts may call them.
func RegisterRevocationRoutes(g *echo.Group, list RevocationList) {
	tokens := g.Group("/tokens", RequireServiceAccount())
	tokens.POST("/revoke", handleRevokeToken(list))
	tokens.POST("/revocation-status", handleRevocationStatus(list))
}

func handleRevokeToken(list RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return apperr.HTTPError(apperr.InvalidRequest("invalid request body"))
		}
		if req.Token == "" {
			return apperr.HTTPError(apperr.InvalidRequest("token is required"))
		}

		ttl := defaultRevocationTTL
		if !req.ExpiresAt.IsZero() {
			ttl = time.Until(req.ExpiresAt)
			if ttl <= 0 {
				// Already expired; nothing to track.
				return c.NoContent(http.StatusNoContent)
			}
		}

		if err := list.Revoke(c.Request().Context(), req.Token, ttl); err != nil {
			return apperr.HTTPError(apperr.Wrap(apperr.CodeDBOperationFailed, "failed to revoke token", err))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevocationStatus(list RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revocationStatusRequest
		if err := c.Bind(&req); err != nil || req.Token == "" {
			return apperr.HTTPError(apperr.InvalidRequest("token is required"))
		}
		revoked, err := list.IsRevoked(c.Request().Context(), req.Token)
		if err != nil {
			return apperr.HTTPError(apperr.Wrap(apperr.CodeDBOperationFailed, "failed to read revocation list", err))
		}
		return c.JSON(http.StatusOK, revocationStatusResponse{Revoked: revoked})
	}
}
