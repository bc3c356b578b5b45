package referral

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referralhub/internal/domain/bed"
	"github.com/ehr/referralhub/internal/domain/transfer"
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
	coord.POST("/referrals", h.Create)
	coord.POST("/referrals/:id/respond", h.Respond)
	coord.POST("/referrals/:id/escalate", h.Escalate)

	api.GET("/referrals", h.List)
	api.GET("/referrals/pending", h.ListPending)
	api.GET("/referrals/:id/status", h.Status)
}

type createRequest struct {
	TargetHospitalID uuid.UUID `json:"target_hospital_id"`
	Urgency          string    `json:"urgency"`
	Patient
}

type respondRequest struct {
	Decision      string           `json:"decision"`
	Message       string           `json:"message"`
	ResponderName string           `json:"responder_name"`
	Transfer      transfer.Details `json:"transfer"`
}

// mapError translates domain errors. Hospitals outside a referral get 404
// whether or not it exists; 403 is only returned to one of its parties.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not permitted")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "referral not found")
	case errors.Is(err, ErrAlreadyProcessed):
		return echo.NewHTTPError(http.StatusConflict, "referral already processed, refresh and try again")
	case errors.Is(err, ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, "referral is no longer pending")
	case errors.Is(err, bed.ErrNoFreeBed):
		return echo.NewHTTPError(http.StatusConflict, "no free bed available")
	case errors.Is(err, ErrNoCapacity):
		return echo.NewHTTPError(http.StatusConflict, "target hospital has no available beds")
	case errors.Is(err, ErrNoEscalationTarget):
		return echo.NewHTTPError(http.StatusNotFound, "no hospital available for escalation")
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrInvalidUrgency), errors.Is(err, ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
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

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
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
	if req.TargetHospitalID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "target_hospital_id is required")
	}
	r, err := h.svc.Create(c.Request().Context(), CreateRequest{
		RequestingHospitalID: acting,
		TargetHospitalID:     req.TargetHospitalID,
		Patient:              req.Patient,
		Urgency:              req.Urgency,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"referral_id":     r.ID,
		"timeout_seconds": seconds(r.Timeout()),
	})
}

func (h *Handler) Respond(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	name := req.ResponderName
	if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok && p.Name != "" {
		name = p.Name
	}
	_, err = h.svc.Respond(c.Request().Context(), RespondRequest{
		ReferralID:       id,
		ActingHospitalID: acting,
		ResponderName:    name,
		Decision:         req.Decision,
		Message:          req.Message,
		Transfer:         req.Transfer,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) Escalate(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	next, err := h.svc.Escalate(c.Request().Context(), id, acting)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"new_referral_id": next.ID,
		"target_hospital": next.TargetHospitalID,
	})
}

func (h *Handler) ListPending(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPending(c.Request().Context(), acting)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) List(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAll(c.Request().Context(), acting, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Path()))
}

func (h *Handler) Status(c echo.Context) error {
	acting, err := self(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Status(c.Request().Context(), id, acting)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, v)
}
