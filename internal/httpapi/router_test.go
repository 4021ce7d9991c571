package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRouter(adminToken string) *Router {
	return New(Options{AdminToken: adminToken})
}

func TestRequireAdminTokenRejectsMissingToken(t *testing.T) {
	r := newTestRouter("root-secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unauthenticated health check should succeed, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/shards", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing admin token, got %d", rec.Code)
	}
}

func TestRequireAdminTokenAcceptsRootSecret(t *testing.T) {
	r := newTestRouter("root-secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/shards", nil)
	req.Header.Set("X-Admin-Token", "root-secret")
	r.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Errorf("root secret should pass auth, got %d", rec.Code)
	}
}

func TestRequireAdminTokenAcceptsBearerSessionToken(t *testing.T) {
	r := newTestRouter("root-secret")
	token, err := SignAdminSessionToken("root-secret", "ci", time.Hour)
	if err != nil {
		t.Fatalf("SignAdminSessionToken: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/shards", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Errorf("valid session token should pass auth, got %d", rec.Code)
	}
}

func TestRequireAdminTokenRejectsWrongToken(t *testing.T) {
	r := newTestRouter("root-secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/shards", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong admin token, got %d", rec.Code)
	}
}

func TestServeHTTPHandlesOptionsPreflight(t *testing.T) {
	r := newTestRouter("root-secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/admin/shards", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for OPTIONS preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS header on preflight response")
	}
}
