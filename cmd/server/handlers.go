package main

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/rules"
)

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		respondError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}
	if req.Record == nil {
		respondError(w, http.StatusBadRequest, "record is required", nil)
		return
	}

	verdict, err := s.decisions.Decide(r.Context(), req.OrganizationID, req.PolicyID, req.Record, req.Enrichment)
	if err != nil {
		respondLookupError(w, "decision failed", err)
		return
	}
	respondJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		respondError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}
	if req.Record == nil {
		respondError(w, http.StatusBadRequest, "record is required", nil)
		return
	}

	engine, err := s.orgs.GetEngine(req.OrganizationID)
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return
	}

	start := time.Now()
	resp := EvaluateResponse{}
	if len(req.Rules) > 0 {
		resp.Results = make([]*rules.EvaluationResult, 0, len(req.Rules))
		for _, id := range req.Rules {
			result, err := engine.Evaluate(id, req.Record, req.Enrichment)
			if result == nil {
				logger.Warn("rule not evaluated", "rule_id", id, "error", err)
				continue
			}
			resp.Results = append(resp.Results, result)
		}
	} else {
		eval, err := engine.EvaluateAll(r.Context(), req.Record, req.Enrichment)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "evaluation failed", err)
			return
		}
		resp.Results = eval.Results
		resp.Triggered = eval.Triggered
		resp.FinalAction = rules.Resolve(eval.Actions)
		resp.Decision, resp.Reason = decision.DecisionForAction(resp.FinalAction, eval)
	}
	resp.EvaluationTime = time.Since(start).String()

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs := s.orgs.List()
	resp := make([]OrganizationResponse, len(orgs))
	for i, o := range orgs {
		resp[i] = OrganizationResponse{ID: o.ID, Name: o.Name, SchemaVersion: o.SchemaVersion}
	}
	respondJSON(w, http.StatusOK, map[string]any{"organizations": resp})
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	org, err := s.orgs.CreateOrganization(r.Context(), req.Name, req.Schema)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to create organization", err)
		return
	}
	logger.Info("organization created", "organization_id", org.ID, "name", org.Name)

	respondJSON(w, http.StatusCreated, OrganizationResponse{
		ID:            org.ID,
		Name:          org.Name,
		SchemaVersion: org.SchemaVersion,
	})
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.orgs.Get(chi.URLParam(r, "orgId"))
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return
	}
	respondJSON(w, http.StatusOK, OrganizationResponse{ID: org.ID, Name: org.Name, SchemaVersion: org.SchemaVersion})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	org, err := s.orgs.Get(chi.URLParam(r, "orgId"))
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return
	}
	if org.SchemaVersion == 0 {
		respondError(w, http.StatusNotFound, "schema not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    org.SchemaVersion,
		Status:     "active",
		Definition: org.Schema,
	})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	var req SchemaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if _, err := s.orgs.Get(orgID); err != nil {
		respondLookupError(w, "organization not found", err)
		return
	}

	// Evaluations in flight finish on the previous engine.
	if err := s.orgs.UpdateSchema(r.Context(), orgID, req.Definition); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update schema", err)
		return
	}

	org, err := s.orgs.Get(orgID)
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return
	}
	enabled, err := org.Engine.Store().ListEnabled()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	recompiled := len(enabled)

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:         org.SchemaVersion,
		Status:          "active",
		Definition:      org.Schema,
		RulesRecompiled: &recompiled,
	})
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*rules.Engine, string, bool) {
	orgID := chi.URLParam(r, "orgId")
	engine, err := s.orgs.GetEngine(orgID)
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return nil, "", false
	}
	return engine, orgID, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	list, err := engine.Store().List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, orgID, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	rule := req.rule(orgID, id)
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now

	// AddRule validates and compiles the rule
	if err := engine.AddRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	rule, err := engine.Store().Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondLookupError(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, orgID, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	existing, err := engine.Store().Get(ruleID)
	if err != nil {
		respondLookupError(w, "rule not found", err)
		return
	}

	rule := req.rule(orgID, ruleID)
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	if err := engine.UpdateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondLookupError(w, "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleFeedback(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var req FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TruePositive == nil {
		respondError(w, http.StatusBadRequest, "true_positive is required", nil)
		return
	}

	if err := engine.RecordFeedback(r.Context(), ruleID, *req.TruePositive); err != nil {
		respondLookupError(w, "failed to record feedback", err)
		return
	}
	rule, err := engine.Store().Get(ruleID)
	if err != nil {
		respondLookupError(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule.Stats)
}
