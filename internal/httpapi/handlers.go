package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nimbusstore/tenantcore/internal/shard"
)

type createShardRequest struct {
	Kind     string `json:"kind"`
	ShardKey string `json:"shardKey"`
	Capacity int    `json:"capacity"`
	Active   bool   `json:"active"`
}

func (r *Router) handleCreateShard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body createShardRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := r.shards.CreateShard(req.Context(), body.Kind, body.ShardKey, body.Capacity, body.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (r *Router) handleReservations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var opts shard.ReserveOptions
	if err := json.NewDecoder(req.Body).Decode(&opts); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reservation, err := r.shards.Reserve(req.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

type reservationRequest struct {
	ReservationID string `json:"reservationId"`
	Resource      string `json:"resource"`
}

func (r *Router) handleConfirmReservation(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body reservationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := r.shards.Confirm(req.Context(), body.ReservationID, body.Resource); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCancelReservation(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body reservationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := r.shards.Cancel(req.Context(), body.ReservationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type migrateTenantRequest struct {
	TenantID    string `json:"tenantId"`
	DatabaseURL string `json:"databaseUrl"`
}

func (r *Router) handleEnsureTenantMigrated(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body migrateTenantRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := r.migration.EnsureTenantMigrated(req.Context(), body.TenantID, body.DatabaseURL); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleGenerateJwks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := req.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId is required", http.StatusBadRequest)
		return
	}
	if err := r.jwksMgr.GenerateUrlSigningJwk(req.Context(), tenantID, nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleS3Credentials(w http.ResponseWriter, req *http.Request) {
	tenantID := req.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId is required", http.StatusBadRequest)
		return
	}
	switch req.Method {
	case http.MethodGet:
		creds, err := r.s3Mgr.ListS3Credentials(req.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, creds)
	case http.MethodPost:
		var body struct {
			Description string         `json:"description"`
			Claims      map[string]any `json:"claims"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		cred, err := r.s3Mgr.CreateS3Credentials(req.Context(), tenantID, body.Description, body.Claims)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cred)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type mintAdminSessionRequest struct {
	Name   string `json:"name"`
	TTLSec int    `json:"ttlSeconds"`
}

// handleMintAdminSession issues a short-lived, signed admin session token
// so an operator's root admin secret never has to be shared with a script
// or a teammate directly: they authenticate once with the root secret and
// hand out a time-boxed token instead.
func (r *Router) handleMintAdminSession(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body mintAdminSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(body.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := SignAdminSessionToken(r.adminToken, body.Name, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
