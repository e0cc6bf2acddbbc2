package subscription

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/auth"
	"github.com/cm/cm/pkg/pagination"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the patient-facing routes on api and the
// gateway-facing routes on gateway. Each group must already authenticate its
// callers.
func (h *Handler) RegisterRoutes(api *echo.Group, gateway *echo.Group) {
	api.GET("/subscriptions", h.ListSubscriptions)
	api.GET("/subscriptions/:id", h.GetSubscription)
	api.PUT("/subscriptions/:id", h.UpdateSubscription)
	api.POST("/subscriptions/:id/revoke", h.RevokeSubscription)
	api.POST("/subscription-requests/:id/approve", h.ApproveRequest)
	api.POST("/subscription-requests/:id/deny", h.DenyRequest)

	gw := gateway.Group("", auth.RequireAuthority(auth.AuthorityGateway))
	gw.POST("/v0.5/subscription-requests", h.CreateRequest)
}

// GatewayRequest is the gateway's subscription request envelope.
type GatewayRequest struct {
	RequestID    string    `json:"requestId"`
	Timestamp    time.Time `json:"timestamp"`
	Subscription Detail    `json:"subscription"`
}

type CreateRequestResponse struct {
	SubscriptionRequestID uuid.UUID `json:"subscriptionRequestId"`
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var req GatewayRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.InvalidRequest("malformed request body"))
	}
	id, err := h.svc.CreateRequest(c.Request().Context(), req.Subscription)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, CreateRequestResponse{SubscriptionRequestID: id})
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), caller.Username, c.QueryParam("hiuId"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetSubscription(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	includeInactive, _ := strconv.ParseBool(c.QueryParam("includeInactive"))
	sub, err := h.svc.Get(c.Request().Context(), caller.Username, id, includeInactive)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ApproveRequest(c echo.Context) error {
	return h.reconcile(c, h.svc.Approve)
}

func (h *Handler) UpdateSubscription(c echo.Context) error {
	return h.reconcile(c, h.svc.UpdateSources)
}

type reconcileFunc func(ctx context.Context, userID string, id uuid.UUID, req ApprovalRequest) error

func (h *Handler) reconcile(c echo.Context, fn reconcileFunc) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.InvalidRequest("malformed request body"))
	}
	if err := fn(c.Request().Context(), caller.Username, id, req); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DenyRequest(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Deny(c.Request().Context(), caller.Username, id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RevokeSubscription(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Revoke(c.Request().Context(), caller.Username, id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func callerOf(c echo.Context) (*auth.Caller, error) {
	caller := auth.CallerFromContext(c.Request().Context())
	if caller == nil {
		return nil, apperr.HTTPError(apperr.Unauthorized("token verification failed"))
	}
	return caller, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.InvalidRequest("invalid id"))
	}
	return id, nil
}
