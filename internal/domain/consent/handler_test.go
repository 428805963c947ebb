package consent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medchain/medchain/internal/platform/auth"
)

type handlerEnv struct {
	*testEnv
	e *echo.Echo
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := newTestEnv(NewMemoryStore(), PolicyLatest, WithIDGenerator(sequentialIDs("r1", "r2", "r3")))
	e := echo.New()
	api := e.Group("/api", auth.DevAuthMiddleware(nil))
	NewHandler(env.svc, env.ledger).RegisterRoutes(api)
	return &handlerEnv{testEnv: env, e: e}
}

// do sends a request as the given user, or as the header-less dev admin when
// user is empty.
func (h *handlerEnv) do(method, target, body, user string, role auth.Role) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Role", string(role))
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandler_CreateRequest(t *testing.T) {
	h := newHandlerEnv(t)

	rec := h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr1","patientId":"p1"}`, "dr1", auth.RoleDoctor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if string(body["message"]) != `"Request created"` {
		t.Errorf("unexpected message: %s", body["message"])
	}
	var req AccessRequest
	if err := json.Unmarshal(body["request"], &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.ID != "r1" || req.Status != StatusPending || req.Purpose == nil || *req.Purpose != DefaultPurpose {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestHandler_CreateRequest_DoctorFromSession(t *testing.T) {
	h := newHandlerEnv(t)

	rec := h.do(http.MethodPost, "/api/requests", `{"patientId":"p1"}`, "dr7", auth.RoleDoctor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var req AccessRequest
	_ = json.Unmarshal(decode(t, rec)["request"], &req)
	if req.DoctorID != "dr7" {
		t.Errorf("expected doctorId from session, got %q", req.DoctorID)
	}
}

func TestHandler_CreateRequest_Errors(t *testing.T) {
	h := newHandlerEnv(t)

	tests := []struct {
		name string
		body string
		user string
		role auth.Role
		code int
	}{
		{"doctor impersonation", `{"doctorId":"dr2","patientId":"p1"}`, "dr1", auth.RoleDoctor, http.StatusForbidden},
		{"patient cannot request", `{"doctorId":"dr1","patientId":"p1"}`, "p1", auth.RolePatient, http.StatusForbidden},
		{"missing patient", `{"doctorId":"dr1"}`, "dr1", auth.RoleDoctor, http.StatusBadRequest},
		{"malformed body", `{"doctorId":`, "dr1", auth.RoleDoctor, http.StatusBadRequest},
		{"admin without doctor", `{"patientId":"p1"}`, "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/requests", tt.body, tt.user, tt.role)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_ApproveFlow(t *testing.T) {
	h := newHandlerEnv(t)
	h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr1","patientId":"p1"}`, "dr1", auth.RoleDoctor)

	rec := h.do(http.MethodGet, "/api/requests/pending/p1", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var pending []AccessRequest
	_ = json.Unmarshal(decode(t, rec)["pending"], &pending)
	if len(pending) != 1 || pending[0].ID != "r1" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	// Only the patient named on the request may decide it.
	if rec := h.do(http.MethodPost, "/api/requests/r1/approve", "", "p2", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/requests/r1/approve", "", "dr1", auth.RoleDoctor); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for the doctor, got %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/api/requests/r1/approve", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := string(decode(t, rec)["message"]); msg != `"Approved"` {
		t.Errorf("unexpected message %s", msg)
	}

	rec = h.do(http.MethodPost, "/api/requests/r1/reject", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on second decision, got %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/api/requests/missing/approve", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_RejectAndDoctorList(t *testing.T) {
	h := newHandlerEnv(t)
	h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr2","patientId":"p1"}`, "dr2", auth.RoleDoctor)

	rec := h.do(http.MethodPost, "/api/requests/r1/reject", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if msg := string(decode(t, rec)["message"]); msg != `"Rejected"` {
		t.Errorf("unexpected message %s", msg)
	}

	rec = h.do(http.MethodGet, "/api/requests/doctor/dr2", "", "dr2", auth.RoleDoctor)
	var reqs []AccessRequest
	_ = json.Unmarshal(decode(t, rec)["requests"], &reqs)
	if len(reqs) != 1 || reqs[0].Status != StatusRejected {
		t.Errorf("unexpected doctor list: %+v", reqs)
	}

	if rec := h.do(http.MethodGet, "/api/requests/doctor/dr2", "", "dr1", auth.RoleDoctor); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 listing another doctor's requests, got %d", rec.Code)
	}

	if rec := h.do(http.MethodGet, "/api/requests/r1", "", "dr2", auth.RoleDoctor); rec.Code != http.StatusOK {
		t.Errorf("expected the requesting doctor to read the request, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/requests/r1", "", "p9", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for an unrelated patient, got %d", rec.Code)
	}
}

func TestHandler_AuditVisibility(t *testing.T) {
	h := newHandlerEnv(t)
	h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr1","patientId":"p1"}`, "dr1", auth.RoleDoctor)
	h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr2","patientId":"p1"}`, "dr2", auth.RoleDoctor)
	h.do(http.MethodPost, "/api/requests/r1/approve", "", "p1", auth.RolePatient)

	count := func(user string, role auth.Role) int {
		rec := h.do(http.MethodGet, "/api/audit/p1", "", user, role)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", user, rec.Code)
		}
		var events []AuditEvent
		_ = json.Unmarshal(decode(t, rec)["audit"], &events)
		return len(events)
	}

	if n := count("p1", auth.RolePatient); n != 3 {
		t.Errorf("patient should see all 3 events, got %d", n)
	}
	if n := count("dr1", auth.RoleDoctor); n != 2 {
		t.Errorf("dr1 should see its 2 events, got %d", n)
	}
	if n := count("dr2", auth.RoleDoctor); n != 1 {
		t.Errorf("dr2 should see its 1 event, got %d", n)
	}
	if rec := h.do(http.MethodGet, "/api/audit/p1", "", "p2", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient, got %d", rec.Code)
	}

	rec := h.do(http.MethodGet, "/api/audit/p1?limit=2&offset=1", "", "p1", auth.RolePatient)
	var window []AuditEvent
	_ = json.Unmarshal(decode(t, rec)["audit"], &window)
	if len(window) != 2 || window[0].Seq != 2 {
		t.Errorf("unexpected window: %+v", window)
	}
	if got := rec.Header().Get("X-Total-Count"); got != "3" {
		t.Errorf("expected X-Total-Count 3, got %q", got)
	}

	rec = h.do(http.MethodGet, "/api/audit/nobody", "", "", "")
	if body := string(decode(t, rec)["audit"]); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestHandler_VerifyAudit(t *testing.T) {
	h := newHandlerEnv(t)
	h.do(http.MethodPost, "/api/requests", `{"doctorId":"dr1","patientId":"p1"}`, "dr1", auth.RoleDoctor)

	rec := h.do(http.MethodGet, "/api/audit/p1/verify", "", "p1", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st ChainStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Valid || st.Length != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestHandler_AppendAudit(t *testing.T) {
	h := newHandlerEnv(t)

	rec := h.do(http.MethodPost, "/api/audit", `{"patientId":"p1","event":"LAB_RESULT_UPLOADED"}`, "lab1", auth.RoleLab)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ev AuditEvent
	_ = json.Unmarshal(decode(t, rec)["event"], &ev)
	if ev.Actor != "lab1" || ev.Seq != 1 || ev.Hash == "" {
		t.Errorf("unexpected event: %+v", ev)
	}

	tests := []struct {
		name string
		body string
		user string
		role auth.Role
		code int
	}{
		{"forged lifecycle event", `{"patientId":"p1","event":"REQUEST_APPROVED"}`, "lab1", auth.RoleLab, http.StatusBadRequest},
		{"missing patient", `{"event":"LAB_RESULT_UPLOADED"}`, "lab1", auth.RoleLab, http.StatusBadRequest},
		{"doctor cannot ingest", `{"patientId":"p1"}`, "dr1", auth.RoleDoctor, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/audit", tt.body, tt.user, tt.role)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{validationErr("doctorId"), http.StatusBadRequest},
		{notFoundErr("r1"), http.StatusNotFound},
		{invalidStateErr("r1", StatusApproved), http.StatusConflict},
		{ErrAccessDenied, http.StatusForbidden},
		{storageErr("op", errors.New("disk full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
		{echo.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
	}
	for _, tt := range tests {
		if got := HTTPError(tt.err).Code; got != tt.code {
			t.Errorf("HTTPError(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
