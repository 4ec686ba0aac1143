package adminapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/logger"
)

// RuleResponse is the JSON shape of an address rule.
type RuleResponse struct {
	ID         int64  `json:"id"`
	Domain     string `json:"domain"`
	RuleType   string `json:"rule_type"`
	MatchField string `json:"match_field"`
	Pattern    string `json:"pattern"`
	Priority   int    `json:"priority"`
	Action     string `json:"action"`
	Enabled    bool   `json:"enabled"`
	Note       string `json:"note"`
}

// RuleRequest is the body of POST /rules and PUT /rules/{id}.
type RuleRequest struct {
	Domain     string `json:"domain"`
	RuleType   string `json:"rule_type"`
	MatchField string `json:"match_field"`
	Pattern    string `json:"pattern"`
	Priority   *int   `json:"priority"`
	Action     string `json:"action"`
	Enabled    *bool  `json:"enabled"`
	Note       string `json:"note"`
}

func ruleResponse(r db.AddressRule) RuleResponse {
	return RuleResponse{
		ID:         r.ID,
		Domain:     r.Domain,
		RuleType:   r.RuleType,
		MatchField: r.MatchField,
		Pattern:    r.Pattern,
		Priority:   r.Priority,
		Action:     r.Action,
		Enabled:    r.Enabled,
		Note:       r.Note,
	}
}

func (req *RuleRequest) toRule() (db.AddressRule, error) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		return db.AddressRule{}, fmt.Errorf("domain is required")
	}
	ruleType := strings.ToUpper(req.RuleType)
	if _, ok := db.NormalizeRuleType(ruleType); !ok {
		return db.AddressRule{}, fmt.Errorf("rule_type must be ALLOW or BLOCK")
	}
	matchField := strings.ToUpper(req.MatchField)
	if _, ok := db.KnownMatchField(matchField); !ok {
		return db.AddressRule{}, fmt.Errorf("match_field must be one of RCPT_LOCALPART, MAIL_FROM, FROM_DOMAIN, SUBJECT")
	}
	if req.Pattern == "" {
		return db.AddressRule{}, fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(req.Pattern); err != nil {
		return db.AddressRule{}, fmt.Errorf("invalid pattern: %v", err)
	}

	action := strings.ToUpper(req.Action)
	switch db.Status(action) {
	case db.StatusInbox, db.StatusQuarantine, db.StatusDrop:
	case "":
		// An omitted action falls back to the rule-type default.
		if ruleType == string(db.RuleAllow) {
			action = string(db.RuleAllowDefault)
		} else {
			action = string(db.RuleBlockDefault)
		}
	default:
		return db.AddressRule{}, fmt.Errorf("action must be one of INBOX, QUARANTINE, DROP")
	}

	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return db.AddressRule{
		Domain:     domain,
		RuleType:   ruleType,
		MatchField: matchField,
		Pattern:    req.Pattern,
		Priority:   priority,
		Action:     action,
		Enabled:    enabled,
		Note:       req.Note,
	}, nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(r.URL.Query().Get("domain"))

	rules, err := s.database.ListRules(r.Context(), domain)
	if err != nil {
		logger.Error("admin API: error listing rules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	out := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleResponse(rule))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": out,
		"total": len(out),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule, err := req.toRule()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := s.database.InsertRule(r.Context(), rule)
	if err != nil {
		logger.Error("admin API: error creating rule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	s.audit(r, "rule_created", fmt.Sprintf("rule:%d", inserted.ID), nil, ruleResponse(inserted))
	s.writeJSON(w, http.StatusCreated, ruleResponse(inserted))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	rule, err := s.database.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("admin API: error getting rule", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get rule")
		return
	}
	s.writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule, err := req.toRule()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id

	ctx := r.Context()
	before, err := s.database.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("admin API: error loading rule for update", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	updated, err := s.database.UpdateRule(ctx, rule)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("admin API: error updating rule", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	s.audit(r, "rule_updated", fmt.Sprintf("rule:%d", id), ruleResponse(before), ruleResponse(updated))
	s.writeJSON(w, http.StatusOK, ruleResponse(updated))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	ctx := r.Context()

	before, err := s.database.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("admin API: error loading rule for delete", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	deleted, err := s.database.DeleteRule(ctx, id)
	if err != nil {
		logger.Error("admin API: error deleting rule", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "Rule not found")
		return
	}

	s.audit(r, "rule_deleted", fmt.Sprintf("rule:%d", id), ruleResponse(before), nil)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"message": "Rule deleted",
	})
}
