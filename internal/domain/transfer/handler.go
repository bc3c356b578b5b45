package transfer

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referralhub/internal/platform/auth"
	"github.com/ehr/referralhub/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	coord := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	coord.POST("/transfers", h.Create)
	coord.POST("/transfers/:id/admit", h.Admit)

	api.GET("/transfers", h.List)
	api.GET("/transfers/:id", h.Get)
}

type createRequest struct {
	ReferralID uuid.UUID `json:"referral_id"`
	Details
}

type admitRequest struct {
	ArrivalNotes string `json:"arrival_notes"`
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
	case errors.Is(err, ErrReferralNotAccepted):
		return echo.NewHTTPError(http.StatusNotFound, "referral not found or not accepted")
	case errors.Is(err, ErrTransferAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "transfer already exists for this referral")
	case errors.Is(err, ErrAlreadyAdmitted):
		return echo.NewHTTPError(http.StatusConflict, "transfer already admitted")
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not permitted")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func self(c echo.Context) (uuid.UUID, error) {
	id := auth.HospitalFromContext(c.Request().Context())
	if id == uuid.Nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "hospital context required")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ReferralID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "referral_id is required")
	}
	t, err := h.svc.CreateForReferral(c.Request().Context(), req.ReferralID, acting, req.Details)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"transfer_id": t.ID})
}

func (h *Handler) Admit(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req admitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := h.svc.Advance(c.Request().Context(), id, acting, req.ArrivalNotes); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) Get(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.Get(c.Request().Context(), id, acting)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) List(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActive(c.Request().Context(), acting, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
