package obs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckerAggregatesUnhealthy(t *testing.T) {
	c := NewChecker("test")
	c.Register("catalog-db", func(ctx context.Context) error { return nil })
	c.Register("queue", func(ctx context.Context) error { return errors.New("backlog too deep") })

	resp := c.Check(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Errorf("got %s, want unhealthy", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("got %d checks, want 2", len(resp.Checks))
	}
}

func TestCheckerAllHealthy(t *testing.T) {
	c := NewChecker("test")
	c.Register("catalog-db", func(ctx context.Context) error { return nil })

	resp := c.Check(context.Background())
	if resp.Status != StatusHealthy {
		t.Errorf("got %s, want healthy", resp.Status)
	}
}

func TestHTTPHandlerStatusCode(t *testing.T) {
	c := NewChecker("test")
	c.Register("queue", func(ctx context.Context) error { return errors.New("down") })

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}

func TestNewCollectorRegistersMetrics(t *testing.T) {
	c := NewCollector("obs_test")
	if c.PoolsActive == nil || c.CatalogCacheHits == nil || c.MigrationDuration == nil {
		t.Errorf("expected metrics to be constructed")
	}
}
