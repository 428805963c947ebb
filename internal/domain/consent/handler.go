package consent

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medchain/medchain/internal/platform/auth"
	"github.com/medchain/medchain/pkg/pagination"
)

type Handler struct {
	svc    *Service
	ledger *Ledger
}

func NewHandler(svc *Service, ledger *Ledger) *Handler {
	return &Handler{svc: svc, ledger: ledger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctor := auth.RequireRole(auth.RoleDoctor)
	patient := auth.RequireRole(auth.RolePatient)
	party := auth.RequireRole(auth.RoleDoctor, auth.RolePatient)

	api.POST("/requests", h.CreateRequest, doctor)
	api.GET("/requests/pending/:patientId", h.ListPending, patient)
	api.GET("/requests/doctor/:doctorId", h.ListForDoctor, doctor)
	api.GET("/requests/:id", h.GetRequest, party)
	api.POST("/requests/:id/approve", h.Approve, patient)
	api.POST("/requests/:id/reject", h.Reject, patient)

	api.GET("/audit/:patientId", h.ListAudit, party)
	api.GET("/audit/:patientId/verify", h.VerifyAudit, party)
	api.POST("/audit", h.AppendAudit, auth.RequireRole(auth.RoleLab))
}

// HTTPError maps the package's sentinel errors onto HTTP status codes.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var code int
	var msg string
	switch {
	case errors.Is(err, ErrValidation):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrInvalidState):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, ErrAccessDenied):
		code, msg = http.StatusForbidden, "Access denied"
	case errors.Is(err, ErrStorage):
		code, msg = http.StatusServiceUnavailable, "storage unavailable"
	default:
		code, msg = http.StatusInternalServerError, "internal error"
	}
	return echo.NewHTTPError(code, msg).SetInternal(err)
}

func session(c echo.Context) auth.Session {
	s, _ := auth.SessionFromContext(c.Request().Context())
	return s
}

func forbidden() *echo.HTTPError {
	return echo.NewHTTPError(http.StatusForbidden, "Access denied")
}

type createRequestBody struct {
	DoctorID  string  `json:"doctorId"`
	PatientID string  `json:"patientId"`
	Purpose   *string `json:"purpose"`
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s := session(c)
	if strings.TrimSpace(body.DoctorID) == "" && s.Role == auth.RoleDoctor {
		body.DoctorID = s.UserID
	}
	if !s.Is(auth.RoleDoctor, strings.TrimSpace(body.DoctorID)) {
		return forbidden()
	}

	req, err := h.svc.CreateRequest(c.Request().Context(), body.DoctorID, body.PatientID, body.Purpose)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": "Request created",
		"request": req,
	})
}

func (h *Handler) ListPending(c echo.Context) error {
	patientID := c.Param("patientId")
	if !session(c).Is(auth.RolePatient, patientID) {
		return forbidden()
	}

	reqs, err := h.svc.ListPendingForPatient(c.Request().Context(), patientID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pending": page(c, reqs)})
}

func (h *Handler) ListForDoctor(c echo.Context) error {
	doctorID := c.Param("doctorId")
	if !session(c).Is(auth.RoleDoctor, doctorID) {
		return forbidden()
	}

	reqs, err := h.svc.ListForDoctor(c.Request().Context(), doctorID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requests": page(c, reqs)})
}

func (h *Handler) GetRequest(c echo.Context) error {
	req, err := h.svc.GetRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	s := session(c)
	if !s.Is(auth.RolePatient, req.PatientID) && !s.Is(auth.RoleDoctor, req.DoctorID) {
		return forbidden()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"request": req})
}

func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, StatusApproved)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, StatusRejected)
}

// decide checks that the caller is the patient named on the request before
// transitioning it.
func (h *Handler) decide(c echo.Context, to Status) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	cur, err := h.svc.GetRequest(ctx, id)
	if err != nil {
		return HTTPError(err)
	}
	if !session(c).Is(auth.RolePatient, cur.PatientID) {
		return forbidden()
	}

	var req *AccessRequest
	msg := "Approved"
	if to == StatusApproved {
		req, err = h.svc.Approve(ctx, id)
	} else {
		msg = "Rejected"
		req, err = h.svc.Reject(ctx, id)
	}
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": msg,
		"request": req,
	})
}

func (h *Handler) ListAudit(c echo.Context) error {
	patientID := c.Param("patientId")
	s := session(c)

	events, err := h.ledger.ListForPatient(c.Request().Context(), patientID)
	if err != nil {
		return HTTPError(err)
	}

	switch {
	case s.Is(auth.RolePatient, patientID):
	case s.Role == auth.RoleDoctor:
		// Doctors only see the events that concern them.
		own := make([]*AuditEvent, 0, len(events))
		for _, ev := range events {
			if ev.DoctorID == s.UserID {
				own = append(own, ev)
			}
		}
		events = own
	default:
		return forbidden()
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"audit": page(c, events)})
}

func (h *Handler) VerifyAudit(c echo.Context) error {
	patientID := c.Param("patientId")
	s := session(c)
	if !s.Is(auth.RolePatient, patientID) && s.Role != auth.RoleDoctor {
		return forbidden()
	}

	st, err := h.ledger.Verify(c.Request().Context(), patientID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type appendAuditBody struct {
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	Event     EventType `json:"event"`
	RequestID string    `json:"requestId"`
}

// ingestible lists the events external systems may append. Lifecycle and
// access events are only written by this service.
var ingestible = map[EventType]bool{
	EventLabResultUploaded: true,
}

func (h *Handler) AppendAudit(c echo.Context) error {
	var body appendAuditBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Event == "" {
		body.Event = EventLabResultUploaded
	}
	if !ingestible[body.Event] {
		return echo.NewHTTPError(http.StatusBadRequest, "event type cannot be ingested: "+string(body.Event))
	}

	ev, err := h.ledger.Append(c.Request().Context(), AuditEvent{
		PatientID: body.PatientID,
		DoctorID:  strings.TrimSpace(body.DoctorID),
		RequestID: strings.TrimSpace(body.RequestID),
		Event:     body.Event,
		Actor:     session(c).UserID,
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"event": ev})
}

func page[T any](c echo.Context, items []T) []T {
	p := pagination.FromContext(c)
	pagination.SetHeaders(c, p, len(items))
	return pagination.Apply(items, p)
}
