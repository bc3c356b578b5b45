package transfer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referralhub/internal/platform/auth"
)

func request(method, body string, hospitalID uuid.UUID) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{
		HospitalID: hospitalID,
		Roles:      []string{auth.RoleCoordinator},
	}))
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != code {
		t.Fatalf("expected %d, got %v", code, err)
	}
}

func TestHandler_Create(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"referral_id":"` + f.referralID.String() + `","patient_name":"Jane Roe","contact_name":"Dr. Osei"}`
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(request(http.MethodPost, body, f.from), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "transfer_id") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	err := h.Create(e.NewContext(request(http.MethodPost, body, f.from), httptest.NewRecorder()))
	expectStatus(t, err, http.StatusConflict)
}

func TestHandler_Create_NotAccepted(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	body := `{"referral_id":"` + uuid.New().String() + `"}`
	err := h.Create(echo.New().NewContext(request(http.MethodPost, body, f.from), httptest.NewRecorder()))
	expectStatus(t, err, http.StatusNotFound)
}

func TestHandler_Create_MissingReferral(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	err := h.Create(echo.New().NewContext(request(http.MethodPost, `{}`, f.from), httptest.NewRecorder()))
	expectStatus(t, err, http.StatusBadRequest)
}

func TestHandler_Admit(t *testing.T) {
	f := newFixture()
	tr := f.create(t)
	h := NewHandler(f.svc)
	e := echo.New()

	c := e.NewContext(request(http.MethodPost, `{"arrival_notes":"ok"}`, f.from), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(tr.ID.String())
	expectStatus(t, h.Admit(c), http.StatusForbidden)

	rec := httptest.NewRecorder()
	c = e.NewContext(request(http.MethodPost, `{"arrival_notes":"ok"}`, f.to), rec)
	c.SetParamNames("id")
	c.SetParamValues(tr.ID.String())
	if err := h.Admit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(request(http.MethodPost, `{}`, f.to), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(tr.ID.String())
	expectStatus(t, h.Admit(c), http.StatusConflict)
}

func TestHandler_Get(t *testing.T) {
	f := newFixture()
	tr := f.create(t)
	h := NewHandler(f.svc)

	c := echo.New().NewContext(request(http.MethodGet, "", uuid.New()), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(tr.ID.String())
	expectStatus(t, h.Get(c), http.StatusNotFound)

	c = echo.New().NewContext(request(http.MethodGet, "", f.to), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.Get(c), http.StatusNotFound)
}

func TestHandler_List(t *testing.T) {
	f := newFixture()
	f.create(t)
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	if err := h.List(echo.New().NewContext(request(http.MethodGet, "", f.to), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"is_receiving":true`) {
		t.Errorf("expected receiving transfer in body, got %s", rec.Body.String())
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectStatus(t, h.List(c), http.StatusUnauthorized)
}
