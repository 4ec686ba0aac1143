package adminapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/quail/db"
	"github.com/migadu/quail/logger"
	"golang.org/x/crypto/bcrypt"
)

// SettingsResponse is the JSON shape of the tunable gateway settings.
type SettingsResponse struct {
	RetentionDays           int      `json:"retention_days"`
	QuarantineRetentionDays int      `json:"quarantine_retention_days"`
	AllowedMIMETypes        []string `json:"allowed_attachment_mime_types"`
	AdminPinSet             bool     `json:"admin_pin_set"`
}

// UpdateSettingsRequest is the body of PUT /settings. Only the fields present
// are changed.
type UpdateSettingsRequest struct {
	RetentionDays           *int      `json:"retention_days"`
	QuarantineRetentionDays *int      `json:"quarantine_retention_days"`
	AllowedMIMETypes        *[]string `json:"allowed_attachment_mime_types"`
	AdminPin                *string   `json:"admin_pin"`
}

func (s *Server) currentSettings(r *http.Request) (SettingsResponse, error) {
	ctx := r.Context()
	inbox, err := s.database.GetInboxRetentionDays(ctx)
	if err != nil {
		return SettingsResponse{}, err
	}
	quarantine, err := s.database.GetQuarantineRetentionDays(ctx)
	if err != nil {
		return SettingsResponse{}, err
	}
	allowed, err := s.database.GetAllowedMIMETypes(ctx)
	if err != nil {
		return SettingsResponse{}, err
	}
	pinHash, err := s.database.GetSetting(ctx, db.SettingAdminPinHash)
	if err != nil {
		return SettingsResponse{}, err
	}

	types := make([]string, 0, len(allowed))
	for t := range allowed {
		types = append(types, t)
	}
	sort.Strings(types)

	return SettingsResponse{
		RetentionDays:           inbox,
		QuarantineRetentionDays: quarantine,
		AllowedMIMETypes:        types,
		AdminPinSet:             pinHash != "",
	}, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.currentSettings(r)
	if err != nil {
		logger.Error("admin API: error reading settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read settings")
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.RetentionDays != nil && *req.RetentionDays <= 0 {
		s.writeError(w, http.StatusBadRequest, "retention_days must be positive")
		return
	}
	if req.QuarantineRetentionDays != nil && *req.QuarantineRetentionDays <= 0 {
		s.writeError(w, http.StatusBadRequest, "quarantine_retention_days must be positive")
		return
	}

	ctx := r.Context()
	before, err := s.currentSettings(r)
	if err != nil {
		logger.Error("admin API: error reading settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read settings")
		return
	}

	if req.RetentionDays != nil {
		if err := s.database.SetSetting(ctx, db.SettingRetentionDays, strconv.Itoa(*req.RetentionDays)); err != nil {
			logger.Error("admin API: error updating retention", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to update settings")
			return
		}
	}
	if req.QuarantineRetentionDays != nil {
		if err := s.database.SetSetting(ctx, db.SettingQuarantineRetentionDays, strconv.Itoa(*req.QuarantineRetentionDays)); err != nil {
			logger.Error("admin API: error updating quarantine retention", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to update settings")
			return
		}
	}
	if req.AllowedMIMETypes != nil {
		var cleaned []string
		for _, t := range *req.AllowedMIMETypes {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				cleaned = append(cleaned, t)
			}
		}
		if len(cleaned) == 0 {
			s.writeError(w, http.StatusBadRequest, "allowed_attachment_mime_types must not be empty")
			return
		}
		if err := s.database.SetSetting(ctx, db.SettingAllowedMIMETypes, strings.Join(cleaned, ",")); err != nil {
			logger.Error("admin API: error updating allowed MIME types", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to update settings")
			return
		}
	}
	if req.AdminPin != nil {
		if len(*req.AdminPin) < 4 {
			s.writeError(w, http.StatusBadRequest, "admin_pin must be at least 4 characters")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.AdminPin), bcrypt.DefaultCost)
		if err != nil {
			logger.Error("admin API: error hashing admin PIN", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to update settings")
			return
		}
		if err := s.database.SetSetting(ctx, db.SettingAdminPinHash, string(hash)); err != nil {
			logger.Error("admin API: error storing admin PIN", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to update settings")
			return
		}
	}

	after, err := s.currentSettings(r)
	if err != nil {
		logger.Error("admin API: error reading settings after update", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read settings")
		return
	}

	s.audit(r, "settings_updated", "settings", before, after)
	s.writeJSON(w, http.StatusOK, after)
}

func (s *Server) handleRunPurge(w http.ResponseWriter, r *http.Request) {
	if s.purgeEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Purge engine not available")
		return
	}
	if err := s.requirePin(r); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	report, err := s.purgeEngine.RunOnce(r.Context(), time.Now())
	if err != nil {
		logger.Error("admin API: purge run failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Purge run failed")
		return
	}

	s.audit(r, "purge_triggered", "purge", nil, report)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"inbox_purged":      report.InboxPurged,
		"quarantine_purged": report.QuarantinePurged,
		"files_removed":     report.FilesRemoved,
		"audit_pruned":      report.AuditPruned,
	})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	actions, err := s.database.ListAdminActions(r.Context(), limit)
	if err != nil {
		logger.Error("admin API: error listing audit entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}

	type auditEntry struct {
		ID          int64   `json:"id"`
		Action      string  `json:"action"`
		Actor       string  `json:"actor"`
		Entity      string  `json:"entity"`
		BeforeState *string `json:"before_state"`
		AfterState  *string `json:"after_state"`
		SourceIP    string  `json:"source_ip"`
		PerformedAt string  `json:"performed_at"`
	}
	out := make([]auditEntry, 0, len(actions))
	for _, a := range actions {
		out = append(out, auditEntry{
			ID:          a.ID,
			Action:      a.Action,
			Actor:       a.Actor,
			Entity:      a.Entity,
			BeforeState: a.BeforeState,
			AfterState:  a.AfterState,
			SourceIP:    a.SourceIP,
			PerformedAt: a.PerformedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": out,
		"count":   len(out),
	})
}
