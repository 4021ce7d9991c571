// Package httpapi is the thin administrative HTTP surface over the core
// components: shard reservations, tenant migrations, JWKS and S3
// credential management, plus health and metrics endpoints. It exists to
// exercise those components end to end; a full edge/gateway API is out
// of scope.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbusstore/tenantcore/internal/jwks"
	"github.com/nimbusstore/tenantcore/internal/migrate"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/s3creds"
	"github.com/nimbusstore/tenantcore/internal/shard"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// Router wires the admin HTTP surface together.
type Router struct {
	mux *http.ServeMux

	shards    *shard.Ledger
	jwksMgr   *jwks.Manager
	s3Mgr     *s3creds.Manager
	migration *migrate.Engine

	adminToken string
	log        *log.Logger

	checker *obs.Checker
}

// Options configures a Router. AdminToken gates every /admin/ route via
// the X-Admin-Token header or a Bearer Authorization header, mirroring
// the teacher's cluster-admin auth shape. Checker, if set, backs
// /health/ready with its aggregated per-component checks; a nil Checker
// makes /health/ready always report healthy, which is adequate for tests
// that don't exercise any backing store.
type Options struct {
	Shards     *shard.Ledger
	JWKS       *jwks.Manager
	S3Creds    *s3creds.Manager
	Migration  *migrate.Engine
	AdminToken string
	Logger     *log.Logger
	Checker    *obs.Checker
}

// New builds a Router and registers its routes.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		shards:     opts.Shards,
		jwksMgr:    opts.JWKS,
		s3Mgr:      opts.S3Creds,
		migration:  opts.Migration,
		adminToken: opts.AdminToken,
		log:        logger,
		checker:    opts.Checker,
	}
	r.setupRoutes()
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	r.mux.Handle("/health/live", obs.LivenessHandler())
	if r.checker != nil {
		r.mux.Handle("/health/ready", obs.ReadinessHandler(r.checker))
	} else {
		r.mux.Handle("/health/ready", obs.LivenessHandler())
	}
	r.mux.Handle("/metrics", promhttp.Handler())

	admin := r.requireAdminToken
	r.mux.Handle("/admin/shards", admin(http.HandlerFunc(r.handleCreateShard)))
	r.mux.Handle("/admin/shards/reservations", admin(http.HandlerFunc(r.handleReservations)))
	r.mux.Handle("/admin/shards/reservations/confirm", admin(http.HandlerFunc(r.handleConfirmReservation)))
	r.mux.Handle("/admin/shards/reservations/cancel", admin(http.HandlerFunc(r.handleCancelReservation)))
	r.mux.Handle("/admin/tenants/migrate", admin(http.HandlerFunc(r.handleEnsureTenantMigrated)))
	r.mux.Handle("/admin/tenants/jwks/generate", admin(http.HandlerFunc(r.handleGenerateJwks)))
	r.mux.Handle("/admin/tenants/s3-credentials", admin(http.HandlerFunc(r.handleS3Credentials)))
	r.mux.Handle("/admin/session", admin(http.HandlerFunc(r.handleMintAdminSession)))
}

// requireAdminToken is middleware gating admin routes, grounded on the
// teacher's cluster-admin X-Admin-Token/Bearer dual lookup.
func (r *Router) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := req.Header.Get("X-Admin-Token")
		if token == "" {
			if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" || r.adminToken == "" {
			http.Error(w, "admin token required", http.StatusUnauthorized)
			return
		}
		if token != r.adminToken && !validAdminSessionToken(r.adminToken, token) {
			http.Error(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, svcerr.HTTPStatus(err), map[string]string{"error": err.Error()})
}
