package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/config"
	"github.com/ehr/referralhub/internal/platform/auth"
	"github.com/ehr/referralhub/internal/platform/telemetry"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:               env,
		AuthSigningKey:    strings.Repeat("ab", 32),
		CORSOrigins:       []string{"http://localhost:3000"},
		RequestTimeout:    time.Second,
		EscalationTimeout: time.Second,
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"beds", "provision"},
		{"token", "issue"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}

func TestBedsProvision_Flags(t *testing.T) {
	cmd, _, _ := newRootCmd().Find([]string{"beds", "provision"})
	if f := cmd.Flags().Lookup("type"); f == nil || f.DefValue != "ICU" {
		t.Errorf("expected --type defaulting to ICU, got %+v", f)
	}
	if f := cmd.Flags().Lookup("count"); f == nil || f.DefValue != "1" {
		t.Errorf("expected --count defaulting to 1, got %+v", f)
	}
}

func TestNewServer_HealthIsPublic(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected request id header")
	}
}

func TestNewServer_MetricsArePublic(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop())
	metrics := telemetry.NewProvider()
	e.Use(metrics.MetricsMiddleware())
	e.GET("/metrics", metrics.PrometheusHandler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_server_active_requests") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestNewServer_ProductionRequiresToken(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, zerolog.Nop())
	e.GET("/api/v1/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, hospitalFromRequest(c))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-Hospital-ID", uuid.New().String())
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for header-only auth in production, got %d", rec.Code)
	}

	hid := uuid.New()
	tok, err := auth.IssueToken(jwtConfig(cfg), auth.Principal{HospitalID: hid, Name: "Dr B", Roles: []string{auth.RoleCoordinator}}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != hid.String() {
		t.Fatalf("expected 200 with hospital id, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewServer_DevTrustsHeader(t *testing.T) {
	e := newServer(testConfig("development"), zerolog.Nop())
	e.GET("/api/v1/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, hospitalFromRequest(c))
	})

	hid := uuid.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-Hospital-ID", hid.String())
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != hid.String() {
		t.Fatalf("expected dev header principal, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHospitalFromRequest_Unauthenticated(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())
	if got := hospitalFromRequest(c); got != "" {
		t.Errorf("expected empty hospital, got %q", got)
	}
}

func TestRateLimitConfig_DefaultsWhenUnset(t *testing.T) {
	rl := rateLimitConfig(&config.Config{})
	if rl.RequestsPerSecond != 100 || rl.BurstSize != 200 {
		t.Errorf("expected defaults, got %+v", rl)
	}
	rl = rateLimitConfig(&config.Config{RateLimitRPS: 5, RateLimitBurst: 10})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 10 {
		t.Errorf("expected configured values, got %+v", rl)
	}
}
