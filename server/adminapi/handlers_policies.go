package adminapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/logger"
)

// PolicyResponse is the JSON shape of a domain policy.
type PolicyResponse struct {
	ID                      int64  `json:"id"`
	Domain                  string `json:"domain"`
	Mode                    string `json:"mode"`
	DefaultAction           string `json:"default_action"`
	QuarantineRetentionDays *int   `json:"quarantine_retention_days"`
	CreatedAt               string `json:"created_at"`
	UpdatedAt               string `json:"updated_at"`
}

// UpdatePolicyRequest is the body of PUT /policies/{domain}.
type UpdatePolicyRequest struct {
	Mode                    string `json:"mode"`
	DefaultAction           string `json:"default_action"`
	QuarantineRetentionDays *int   `json:"quarantine_retention_days"`
}

func policyResponse(p db.DomainPolicy) PolicyResponse {
	return PolicyResponse{
		ID:                      p.ID,
		Domain:                  p.Domain,
		Mode:                    string(p.Mode),
		DefaultAction:           string(p.DefaultAction),
		QuarantineRetentionDays: p.QuarantineRetentionDays,
		CreatedAt:               p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:               p.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.database.ListDomainPolicies(r.Context())
	if err != nil {
		logger.Error("admin API: error listing policies", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list domain policies")
		return
	}

	out := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyResponse(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": out,
		"total":    len(out),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(mux.Vars(r)["domain"])

	policy, err := s.database.GetDomainPolicy(r.Context(), domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Domain policy not found")
			return
		}
		logger.Error("admin API: error getting policy", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get domain policy")
		return
	}
	s.writeJSON(w, http.StatusOK, policyResponse(policy))
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	domain := strings.ToLower(mux.Vars(r)["domain"])

	var req UpdatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	mode := db.DomainMode(strings.ToUpper(req.Mode))
	switch mode {
	case db.ModeOpen, db.ModeRestricted, db.ModePaused:
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be one of OPEN, RESTRICTED, PAUSED")
		return
	}
	action := db.Status(strings.ToUpper(req.DefaultAction))
	switch action {
	case db.StatusInbox, db.StatusQuarantine, db.StatusDrop:
	default:
		s.writeError(w, http.StatusBadRequest, "default_action must be one of INBOX, QUARANTINE, DROP")
		return
	}
	if req.QuarantineRetentionDays != nil && *req.QuarantineRetentionDays <= 0 {
		s.writeError(w, http.StatusBadRequest, "quarantine_retention_days must be positive")
		return
	}

	ctx := r.Context()

	// PUT is upsert: unknown domains get their default row first, the same
	// way classification would create it.
	before, err := s.database.GetOrCreateDomainPolicy(ctx, domain)
	if err != nil {
		logger.Error("admin API: error loading policy for update", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load domain policy")
		return
	}

	updated, err := s.database.UpdateDomainPolicy(ctx, domain, mode, action, req.QuarantineRetentionDays)
	if err != nil {
		logger.Error("admin API: error updating policy", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update domain policy")
		return
	}

	s.audit(r, "policy_updated", "domain:"+domain, policyResponse(before), policyResponse(updated))
	s.writeJSON(w, http.StatusOK, policyResponse(updated))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(mux.Vars(r)["domain"])
	ctx := r.Context()

	before, err := s.database.GetDomainPolicy(ctx, domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Domain policy not found")
			return
		}
		logger.Error("admin API: error loading policy for delete", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load domain policy")
		return
	}

	deleted, err := s.database.DeleteDomainPolicy(ctx, domain)
	if err != nil {
		logger.Error("admin API: error deleting policy", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete domain policy")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "Domain policy not found")
		return
	}

	s.audit(r, "policy_deleted", "domain:"+domain, policyResponse(before), nil)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"domain":  domain,
		"message": "Domain policy deleted",
	})
}
