package bed

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referralhub/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/beds/available", h.ListAvailable)
	api.GET("/beds/stats", h.Stats)
	api.POST("/beds/:id/release", h.Release, auth.RequireRole(auth.RoleBedManager))
}

// targetHospital reads ?hospital_id=, defaulting to the caller's hospital.
func targetHospital(c echo.Context) (uuid.UUID, error) {
	if raw := c.QueryParam("hospital_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		return id, nil
	}
	self := auth.HospitalFromContext(c.Request().Context())
	if self == uuid.Nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "hospital context required")
	}
	return self, nil
}

func (h *Handler) ListAvailable(c echo.Context) error {
	hospitalID, err := targetHospital(c)
	if err != nil {
		return err
	}
	beds, err := h.svc.ListAvailable(c.Request().Context(), hospitalID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if beds == nil {
		beds = []*Bed{}
	}
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) Stats(c echo.Context) error {
	hospitalID, err := targetHospital(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Stats(c.Request().Context(), hospitalID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// Release frees a bed of the caller's own hospital on discharge. Beds held
// for an inbound transfer are released by admitting and then discharging.
func (h *Handler) Release(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	self := auth.HospitalFromContext(ctx)

	b, err := h.svc.GetBed(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBedNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bed not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if b.HospitalID != self {
		return echo.NewHTTPError(http.StatusForbidden, "not permitted")
	}

	b, err = h.svc.Release(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrBedNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "bed not found")
		case errors.Is(err, ErrBedReserved):
			return echo.NewHTTPError(http.StatusConflict, "bed is reserved for a patient en route")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}
