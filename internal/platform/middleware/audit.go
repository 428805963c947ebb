package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medchain/medchain/internal/platform/auth"
)

// AccessEntry describes one call against a patient-scoped API route. It is
// an operational access log and is separate from the hash-chained ledger.
type AccessEntry struct {
	RequestID  string
	UserID     string
	Role       string
	PatientID  string
	DoctorID   string
	Route      string
	Path       string
	Method     string
	Action     string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Timestamp  time.Time
}

// AccessRecorder receives every audited entry after the handler returns.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc adapts a function to AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// Audit logs a "phi_access" line for every request under /api/ and forwards
// it to the recorders. Recorder failures are logged and never fail the
// request.
func Audit(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Route:      c.Path(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
				PatientID:  firstNonEmpty(c.Param("patientId"), c.QueryParam("patientId")),
				DoctorID:   firstNonEmpty(c.Param("doctorId"), c.QueryParam("doctorId")),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			if s, ok := auth.SessionFromContext(req.Context()); ok {
				entry.UserID = s.UserID
				entry.Role = string(s.Role)
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden || entry.StatusCode == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("patient_id", entry.PatientID).
				Str("doctor_id", entry.DoctorID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// responseStatus reports the status the error handler will write when the
// handler returned an HTTPError without committing a response.
func responseStatus(c echo.Context, err error) int {
	if c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
