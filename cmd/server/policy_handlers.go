package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/workflow"
)

// graphWarnings collects the warnings of both variants of a policy
func graphWarnings(graph *workflow.Graph, variantB *workflow.Graph) []string {
	warnings := workflow.Warnings(graph)
	for _, w := range workflow.Warnings(variantB) {
		warnings = append(warnings, "variant_b: "+w)
	}
	return warnings
}

// errorList flattens a joined error into its messages
func errorList(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, errorList(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func (s *Server) handleValidateGraph(w http.ResponseWriter, r *http.Request) {
	var req ValidateGraphRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp := ValidateGraphResponse{
		Errors:   errorList(workflow.Validate(&req.Graph)),
		Warnings: graphWarnings(&req.Graph, req.VariantB),
	}
	if req.VariantB != nil {
		for _, e := range errorList(workflow.Validate(req.VariantB)) {
			resp.Errors = append(resp.Errors, "variant_b: "+e)
		}
	}
	resp.Valid = len(resp.Errors) == 0
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) policiesFor(w http.ResponseWriter, r *http.Request) (decision.PolicyStore, string, bool) {
	orgID := chi.URLParam(r, "orgId")
	store, err := s.orgs.GetPolicyStore(orgID)
	if err != nil {
		respondLookupError(w, "organization not found", err)
		return nil, "", false
	}
	return store, orgID, true
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	store, _, ok := s.policiesFor(w, r)
	if !ok {
		return
	}
	policies, err := store.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list policies", err)
		return
	}
	if policies == nil {
		policies = []*decision.Policy{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	store, orgID, ok := s.policiesFor(w, r)
	if !ok {
		return
	}

	var req PolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	p := req.policy(orgID, id)
	if err := p.Validate(); err != nil {
		respondJSON(w, http.StatusBadRequest, ValidateGraphResponse{
			Errors:   errorList(err),
			Warnings: graphWarnings(&p.Graph, p.VariantB),
		})
		return
	}
	if err := store.Add(r.Context(), p); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add policy", err)
		return
	}
	logger.Info("policy created", "organization_id", orgID, "policy_id", p.ID)

	respondJSON(w, http.StatusCreated, PolicyResponse{Policy: p, Warnings: graphWarnings(&p.Graph, p.VariantB)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	store, _, ok := s.policiesFor(w, r)
	if !ok {
		return
	}
	p, err := store.Get(r.Context(), chi.URLParam(r, "policyId"))
	if err != nil {
		respondLookupError(w, "policy not found", err)
		return
	}
	respondJSON(w, http.StatusOK, PolicyResponse{Policy: p, Warnings: graphWarnings(&p.Graph, p.VariantB)})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	store, orgID, ok := s.policiesFor(w, r)
	if !ok {
		return
	}
	policyID := chi.URLParam(r, "policyId")

	var req PolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	p := req.policy(orgID, policyID)
	if err := p.Validate(); err != nil {
		respondJSON(w, http.StatusBadRequest, ValidateGraphResponse{
			Errors:   errorList(err),
			Warnings: graphWarnings(&p.Graph, p.VariantB),
		})
		return
	}
	if err := store.Update(r.Context(), p); err != nil {
		respondLookupError(w, "failed to update policy", err)
		return
	}
	s.decisions.Forget(orgID, policyID)

	updated, err := store.Get(r.Context(), policyID)
	if err != nil {
		respondLookupError(w, "policy not found", err)
		return
	}
	respondJSON(w, http.StatusOK, PolicyResponse{Policy: updated, Warnings: graphWarnings(&updated.Graph, updated.VariantB)})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	store, orgID, ok := s.policiesFor(w, r)
	if !ok {
		return
	}
	policyID := chi.URLParam(r, "policyId")

	if err := store.Delete(r.Context(), policyID); err != nil {
		respondLookupError(w, "policy not found", err)
		return
	}
	s.decisions.Forget(orgID, policyID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecutePolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")
	policyID := chi.URLParam(r, "policyId")

	var req ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	out, err := s.decisions.ExecutePolicy(r.Context(), orgID, policyID, req.Record, req.Enrichment)
	if err != nil {
		respondLookupError(w, "execution failed", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.decisions.Stats(r.Context(), chi.URLParam(r, "orgId"), chi.URLParam(r, "policyId"))
	if err != nil {
		respondLookupError(w, "failed to get policy stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
