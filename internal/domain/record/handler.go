package record

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medchain/medchain/internal/domain/consent"
	"github.com/medchain/medchain/internal/platform/auth"
)

type Handler struct {
	provider *Provider
}

func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctor := auth.RequireRole(auth.RoleDoctor)
	api.GET("/patient/:patientId/authorization", h.Authorization, doctor)
	api.GET("/patient/:patientId/data", h.GetData, doctor)
}

// doctorID resolves the doctorId query parameter against the session. It
// defaults to the session user and must match it for non-admins.
func doctorID(c echo.Context) (string, error) {
	s, _ := auth.SessionFromContext(c.Request().Context())
	id := strings.TrimSpace(c.QueryParam("doctorId"))
	if id == "" {
		id = s.UserID
	}
	if !s.Is(auth.RoleDoctor, id) {
		return "", echo.NewHTTPError(http.StatusForbidden, "Access denied")
	}
	return id, nil
}

func (h *Handler) Authorization(c echo.Context) error {
	id, err := doctorID(c)
	if err != nil {
		return err
	}
	ok, err := h.provider.Authorized(c.Request().Context(), id, c.Param("patientId"))
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"authorized": ok})
}

func (h *Handler) GetData(c echo.Context) error {
	id, err := doctorID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, err := h.provider.Fetch(ctx, auth.UserIDFromContext(ctx), id, c.Param("patientId"))
	if err != nil {
		return consent.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
