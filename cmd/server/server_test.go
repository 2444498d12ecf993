package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/workflow"
)

func init() {
	logger.SetOutput(io.Discard)
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	s, err := NewServerWithDB(context.Background(), nil, opts...)
	if err != nil {
		t.Fatalf("NewServerWithDB() error = %v", err)
	}
	return s
}

// call sends a JSON request to the server and decodes the JSON response
func call(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

// mustCall is call that fails the test on an unexpected status
func mustCall(t *testing.T, s *Server, method, path string, body any, want int) map[string]any {
	t.Helper()
	code, out := call(t, s, method, path, body)
	if code != want {
		t.Fatalf("%s %s = %d, want %d: %v", method, path, code, want, out)
	}
	return out
}

func createOrganization(t *testing.T, s *Server, name string, schema map[string]any) string {
	t.Helper()
	body := map[string]any{"name": name}
	if schema != nil {
		body["schema"] = schema
	}
	out := mustCall(t, s, http.MethodPost, "/api/v1/organizations", body, http.StatusCreated)
	return out["id"].(string)
}

// limitGraph rejects amounts above threshold and approves the rest
func limitGraph(threshold float64) map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "check", "type": "condition", "config": map[string]any{
				"condition": map[string]any{"attribute": "amount", "operator": "greater_than", "value": threshold},
			}},
			map[string]any{"id": "reject", "type": "reject", "label": "over limit"},
			map[string]any{"id": "approve", "type": "approve"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "check"},
			map[string]any{"source": "check", "target": "reject", "label": "true"},
			map[string]any{"source": "check", "target": "approve", "label": "false"},
		},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	out := mustCall(t, s, http.MethodGet, "/api/v1/health", nil, http.StatusOK)
	if out["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", out["status"])
	}
	if out["organizations_loaded"] != 0.0 {
		t.Errorf("organizations_loaded = %v, want 0", out["organizations_loaded"])
	}
}

func TestSchemaAndExpressionRules(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Acme", map[string]any{
		"User": map[string]any{"Age": "int", "Name": "string"},
	})

	schema := mustCall(t, s, http.MethodGet, "/api/v1/organizations/"+orgID+"/schema", nil, http.StatusOK)
	if schema["version"] != 1.0 {
		t.Errorf("schema version = %v, want 1", schema["version"])
	}

	rule := mustCall(t, s, http.MethodPost, "/api/v1/organizations/"+orgID+"/rules", map[string]any{
		"name":       "adult-check",
		"kind":       "expression",
		"expression": "User.Age >= 18",
		"action":     map[string]any{"type": "approve"},
	}, http.StatusCreated)
	ruleID := rule["id"].(string)
	if rule["enabled"] != true {
		t.Errorf("enabled = %v, want true by default", rule["enabled"])
	}

	evaluate := func(age int) bool {
		out := mustCall(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
			"organization_id": orgID,
			"rules":           []string{ruleID},
			"record":          map[string]any{"User": map[string]any{"Age": age, "Name": "Jo"}},
		}, http.StatusOK)
		results := out["results"].([]any)
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		return results[0].(map[string]any)["matched"].(bool)
	}

	if !evaluate(25) {
		t.Error("adult should match")
	}
	if evaluate(16) {
		t.Error("minor should not match")
	}

	updated := mustCall(t, s, http.MethodPut, "/api/v1/organizations/"+orgID+"/schema", map[string]any{
		"definition": map[string]any{"User": map[string]any{"Age": "int", "Email": "string"}},
	}, http.StatusOK)
	if updated["version"] != 2.0 {
		t.Errorf("version after update = %v, want 2", updated["version"])
	}
	if updated["rules_recompiled"] != 1.0 {
		t.Errorf("rules_recompiled = %v, want 1", updated["rules_recompiled"])
	}
	if !evaluate(30) {
		t.Error("rule should still match after the schema update")
	}
}

func TestCreateOrganizationValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{}},
		{"bad field type", map[string]any{"name": "x", "schema": map[string]any{"User": map[string]any{"Age": "blob"}}}},
		{"reserved object", map[string]any{"name": "y", "schema": map[string]any{"record": map[string]any{"a": "int"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := call(t, s, http.MethodPost, "/api/v1/organizations", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %v", code, out)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/organizations", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestUnknownOrganization(t *testing.T) {
	s := newTestServer(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/organizations/nope"},
		{http.MethodGet, "/api/v1/organizations/nope/schema"},
		{http.MethodGet, "/api/v1/organizations/nope/rules"},
		{http.MethodGet, "/api/v1/organizations/nope/policies"},
		{http.MethodGet, "/api/v1/organizations/nope/policies/p/stats"},
	}
	for _, p := range paths {
		if code, _ := call(t, s, p.method, p.path, nil); code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", p.method, p.path, code)
		}
	}

	code, _ := call(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": "nope",
		"record":          map[string]any{"amount": 1},
	})
	if code != http.StatusNotFound {
		t.Errorf("decide for unknown organization = %d, want 404", code)
	}
}

func TestGetSchemaWithoutSchema(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Schemaless", nil)
	if code, _ := call(t, s, http.MethodGet, "/api/v1/organizations/"+orgID+"/schema", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestRuleLifecycleAndFeedback(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Rules", nil)
	base := "/api/v1/organizations/" + orgID + "/rules"

	mustCall(t, s, http.MethodPost, base, map[string]any{
		"id":       "high-amount",
		"name":     "High amount",
		"priority": 10,
		"kind":     "simple",
		"conditions": []any{
			map[string]any{"attribute": "amount", "operator": "greater_than", "value": 10000},
		},
		"action": map[string]any{"type": "block"},
	}, http.StatusCreated)

	code, _ := call(t, s, http.MethodPost, base, map[string]any{
		"id": "high-amount", "name": "dup", "kind": "simple",
		"conditions": []any{map[string]any{"attribute": "a", "operator": "equals", "value": 1}},
		"action":     map[string]any{"type": "flag"},
	})
	if code != http.StatusBadRequest {
		t.Errorf("duplicate rule status = %d, want 400", code)
	}

	code, _ = call(t, s, http.MethodPost, base, map[string]any{"name": "no conditions", "kind": "simple", "action": map[string]any{"type": "flag"}})
	if code != http.StatusBadRequest {
		t.Errorf("invalid rule status = %d, want 400", code)
	}

	got := mustCall(t, s, http.MethodGet, base+"/high-amount", nil, http.StatusOK)
	if got["name"] != "High amount" || got["organization_id"] != orgID {
		t.Errorf("GET rule = %v", got)
	}

	mustCall(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"organization_id": orgID,
		"record":          map[string]any{"amount": 20000},
	}, http.StatusOK)

	stats := mustCall(t, s, http.MethodPost, base+"/high-amount/feedback", map[string]any{"true_positive": true}, http.StatusOK)
	if stats["trigger_count"] != 1.0 || stats["true_positive_count"] != 1.0 {
		t.Errorf("stats after feedback = %v", stats)
	}
	if code, _ := call(t, s, http.MethodPost, base+"/high-amount/feedback", map[string]any{}); code != http.StatusBadRequest {
		t.Errorf("feedback without verdict = %d, want 400", code)
	}
	if code, _ := call(t, s, http.MethodPost, base+"/ghost/feedback", map[string]any{"true_positive": false}); code != http.StatusNotFound {
		t.Errorf("feedback for missing rule = %d, want 404", code)
	}

	updated := mustCall(t, s, http.MethodPut, base+"/high-amount", map[string]any{
		"name":     "High amount",
		"priority": 10,
		"enabled":  false,
		"kind":     "simple",
		"conditions": []any{
			map[string]any{"attribute": "amount", "operator": "greater_than", "value": 10000},
		},
		"action": map[string]any{"type": "block"},
	}, http.StatusOK)
	if updated["enabled"] != false {
		t.Errorf("enabled after update = %v", updated["enabled"])
	}

	list := mustCall(t, s, http.MethodGet, base, nil, http.StatusOK)
	if n := len(list["rules"].([]any)); n != 1 {
		t.Errorf("listed %d rules, want 1 (disabled rules are listed)", n)
	}

	mustCall(t, s, http.MethodDelete, base+"/high-amount", nil, http.StatusNoContent)
	if code, _ := call(t, s, http.MethodGet, base+"/high-amount", nil); code != http.StatusNotFound {
		t.Errorf("GET deleted rule = %d, want 404", code)
	}
	if code, _ := call(t, s, http.MethodDelete, base+"/high-amount", nil); code != http.StatusNotFound {
		t.Errorf("DELETE deleted rule = %d, want 404", code)
	}
}

func TestEvaluateResolvesFinalAction(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Resolve", nil)
	base := "/api/v1/organizations/" + orgID + "/rules"

	for _, r := range []map[string]any{
		{"id": "flag-any", "name": "flag", "priority": 1, "kind": "simple", "action": map[string]any{"type": "flag"},
			"conditions": []any{map[string]any{"attribute": "amount", "operator": "greater_than", "value": 0}}},
		{"id": "block-big", "name": "block", "priority": 5, "kind": "simple", "action": map[string]any{"type": "block"},
			"conditions": []any{map[string]any{"attribute": "amount", "operator": "greater_than", "value": 500}}},
	} {
		mustCall(t, s, http.MethodPost, base, r, http.StatusCreated)
	}

	tests := []struct {
		amount       float64
		wantAction   any
		wantDecision string
	}{
		{1000, "block", "rejected"},
		{10, "flag", "manual_review"},
		{-1, nil, "approved"},
	}
	for _, tt := range tests {
		out := mustCall(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
			"organization_id": orgID,
			"record":          map[string]any{"amount": tt.amount},
		}, http.StatusOK)

		var action any
		if fa, ok := out["final_action"].(map[string]any); ok {
			action = fa["type"]
		}
		if action != tt.wantAction || out["decision"] != tt.wantDecision {
			t.Errorf("amount %v: action %v decision %v, want %v %v", tt.amount, action, out["decision"], tt.wantAction, tt.wantDecision)
		}
	}
}

func TestDecideThroughPolicyAndRules(t *testing.T) {
	recorder := &events.Recorder{}
	s := newTestServer(t, WithEmitter(recorder))
	orgID := createOrganization(t, s, "Decide", nil)
	org := "/api/v1/organizations/" + orgID

	mustCall(t, s, http.MethodPost, org+"/rules", map[string]any{
		"id": "big", "name": "big", "kind": "simple", "action": map[string]any{"type": "escalate"},
		"conditions": []any{map[string]any{"attribute": "amount", "operator": "greater_than", "value": 5000}},
	}, http.StatusCreated)

	created := mustCall(t, s, http.MethodPost, org+"/policies", map[string]any{
		"id":    "limits",
		"name":  "Limits",
		"graph": limitGraph(1000),
	}, http.StatusCreated)
	if created["enabled"] != true || created["variant_a_percentage"] != 100.0 {
		t.Errorf("policy defaults = enabled %v, variant_a_percentage %v", created["enabled"], created["variant_a_percentage"])
	}

	out := mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"policy_id":       "limits",
		"record":          map[string]any{"amount": 2000},
	}, http.StatusOK)
	if out["source"] != "policy" || out["decision"] != "rejected" || out["reason"] != "over limit" {
		t.Errorf("policy verdict = %v", out)
	}

	out = mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"record":          map[string]any{"amount": 9000},
	}, http.StatusOK)
	if out["source"] != "rules" || out["decision"] != "manual_review" {
		t.Errorf("rules verdict = %v", out)
	}

	if code, _ := call(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"policy_id":       "missing",
		"record":          map[string]any{},
	}); code != http.StatusNotFound {
		t.Errorf("decide with missing policy = %d, want 404", code)
	}

	evs := recorder.Events()
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Kind != events.KindPolicyExecuted || evs[1].Kind != events.KindRulesEvaluated {
		t.Errorf("event kinds = %s, %s", evs[0].Kind, evs[1].Kind)
	}

	stats := mustCall(t, s, http.MethodGet, org+"/policies/limits/stats", nil, http.StatusOK)
	overall := stats["overall"].(map[string]any)
	if overall["execution_count"] != 1.0 || overall["approval_rate"] != 0.0 {
		t.Errorf("overall stats = %v", overall)
	}
}

func TestPolicyValidationErrors(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Invalid", nil)
	base := "/api/v1/organizations/" + orgID + "/policies"

	noStart := map[string]any{
		"nodes": []any{map[string]any{"id": "a", "type": "approve"}},
	}
	code, out := call(t, s, http.MethodPost, base, map[string]any{"id": "bad", "name": "bad", "graph": noStart})
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if errs, _ := out["errors"].([]any); len(errs) == 0 {
		t.Errorf("expected errors in %v", out)
	}

	code, _ = call(t, s, http.MethodPost, base, map[string]any{
		"id": "pct", "name": "pct", "graph": limitGraph(1), "variant_a_percentage": 140,
	})
	if code != http.StatusBadRequest {
		t.Errorf("out of range percentage status = %d, want 400", code)
	}

	code, _ = call(t, s, http.MethodPut, base+"/ghost", map[string]any{"name": "ghost", "graph": limitGraph(1)})
	if code != http.StatusNotFound {
		t.Errorf("update of missing policy = %d, want 404", code)
	}
}

func TestPolicyValidationListsEachIssue(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Issues", nil)

	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "s", "type": "start"},
			map[string]any{"id": "kyc", "type": "data_source"},
			map[string]any{"id": "credit", "type": "data_source"},
			map[string]any{"id": "a", "type": "approve"},
		},
		"edges": []any{
			map[string]any{"source": "s", "target": "kyc"},
			map[string]any{"source": "kyc", "target": "credit"},
			map[string]any{"source": "credit", "target": "a"},
		},
	}
	code, out := call(t, s, http.MethodPost, "/api/v1/organizations/"+orgID+"/policies",
		map[string]any{"id": "two", "name": "two", "graph": graph})
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}

	errs, _ := out["errors"].([]any)
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want one entry per issue", out["errors"])
	}
	for _, e := range errs {
		msg, _ := e.(string)
		if !strings.HasPrefix(msg, "graph: ") || strings.Contains(msg, "\n") {
			t.Errorf("unexpected error entry %q", msg)
		}
	}
}

func TestValidateGraphEndpoint(t *testing.T) {
	s := newTestServer(t)

	fallThrough := map[string]any{
		"nodes": []any{
			map[string]any{"id": "s", "type": "start"},
			map[string]any{"id": "c", "type": "condition", "config": map[string]any{
				"condition": map[string]any{"attribute": "x", "operator": "equals", "value": 1},
			}},
			map[string]any{"id": "a", "type": "approve"},
		},
		"edges": []any{
			map[string]any{"source": "s", "target": "c"},
			map[string]any{"source": "c", "target": "a"},
		},
	}
	out := mustCall(t, s, http.MethodPost, "/api/v1/policies/validate", map[string]any{"graph": fallThrough}, http.StatusOK)
	if out["valid"] != true {
		t.Errorf("fall through graph should be valid: %v", out)
	}
	if w, _ := out["warnings"].([]any); len(w) != 1 {
		t.Errorf("warnings = %v, want one", out["warnings"])
	}

	broken := map[string]any{
		"nodes": []any{
			map[string]any{"id": "s", "type": "start"},
			map[string]any{"id": "x", "type": "webhook"},
		},
		"edges": []any{
			map[string]any{"source": "s", "target": "x"},
			map[string]any{"source": "s", "target": "y"},
		},
	}
	out = mustCall(t, s, http.MethodPost, "/api/v1/policies/validate", map[string]any{"graph": broken}, http.StatusOK)
	if out["valid"] != false {
		t.Errorf("broken graph should be invalid: %v", out)
	}
	if errs, _ := out["errors"].([]any); len(errs) < 2 {
		t.Errorf("errors = %v, want every problem listed", out["errors"])
	}
}

func TestPolicyUpdateTakesEffect(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Update", nil)
	base := "/api/v1/organizations/" + orgID + "/policies"

	mustCall(t, s, http.MethodPost, base, map[string]any{"id": "limits", "name": "Limits", "graph": limitGraph(1000)}, http.StatusCreated)

	decide := func() any {
		out := mustCall(t, s, http.MethodPost, base+"/limits/execute", map[string]any{
			"record": map[string]any{"amount": 500},
		}, http.StatusOK)
		return out["decision"]
	}
	if got := decide(); got != "approved" {
		t.Fatalf("before update = %v, want approved", got)
	}

	mustCall(t, s, http.MethodPut, base+"/limits", map[string]any{"name": "Limits", "graph": limitGraph(100)}, http.StatusOK)
	if got := decide(); got != "rejected" {
		t.Errorf("after update = %v, want rejected", got)
	}

	list := mustCall(t, s, http.MethodGet, base, nil, http.StatusOK)
	if n := len(list["policies"].([]any)); n != 1 {
		t.Errorf("listed %d policies, want 1", n)
	}

	mustCall(t, s, http.MethodDelete, base+"/limits", nil, http.StatusNoContent)
	if code, _ := call(t, s, http.MethodGet, base+"/limits", nil); code != http.StatusNotFound {
		t.Errorf("GET deleted policy = %d, want 404", code)
	}
}

func TestDisabledPolicy(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Disabled", nil)
	base := "/api/v1/organizations/" + orgID + "/policies"

	mustCall(t, s, http.MethodPost, base, map[string]any{
		"id": "off", "name": "Off", "graph": limitGraph(10), "enabled": false,
	}, http.StatusCreated)

	out := mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"policy_id":       "off",
		"record":          map[string]any{"amount": 50},
	}, http.StatusOK)
	if out["source"] != "rules" || out["decision"] != "approved" {
		t.Errorf("disabled policy should fall back to rules: %v", out)
	}

	exec := mustCall(t, s, http.MethodPost, base+"/off/execute", map[string]any{
		"record": map[string]any{"amount": 50},
	}, http.StatusOK)
	if exec["decision"] != "rejected" {
		t.Errorf("explicit execution = %v, want rejected", exec["decision"])
	}
}

func TestVariantBSelection(t *testing.T) {
	s := newTestServer(t, WithOrchestratorOptions(decision.WithRandom(func() float64 { return 0.95 })))
	orgID := createOrganization(t, s, "AB", nil)
	base := "/api/v1/organizations/" + orgID + "/policies"

	mustCall(t, s, http.MethodPost, base, map[string]any{
		"id":                   "ab",
		"name":                 "AB",
		"graph":                limitGraph(1000),
		"variant_b":            limitGraph(10),
		"variant_a_percentage": 90,
	}, http.StatusCreated)

	out := mustCall(t, s, http.MethodPost, base+"/ab/execute", map[string]any{"record": map[string]any{"amount": 100}}, http.StatusOK)
	if out["variant"] != "B" || out["decision"] != "rejected" {
		t.Errorf("outcome = variant %v decision %v, want B rejected", out["variant"], out["decision"])
	}

	stats := mustCall(t, s, http.MethodGet, base+"/ab/stats", nil, http.StatusOK)
	variants := stats["variants"].(map[string]any)
	if b := variants["B"].(map[string]any); b["execution_count"] != 1.0 {
		t.Errorf("variant B stats = %v", b)
	}
}

func TestDataSourceNodes(t *testing.T) {
	s := newTestServer(t, WithInvoker(workflow.Static(map[string]any{"score": 720})))
	orgID := createOrganization(t, s, "Bureau", nil)
	base := "/api/v1/organizations/" + orgID + "/policies"

	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "bureau", "type": "data_source", "config": map[string]any{"source": "credit"}},
			map[string]any{"id": "check", "type": "condition", "config": map[string]any{
				"condition": map[string]any{"attribute": "results.bureau.score", "operator": "greater_than", "value": 650},
			}},
			map[string]any{"id": "approve", "type": "approve"},
			map[string]any{"id": "review", "type": "manual_review"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "bureau"},
			map[string]any{"source": "bureau", "target": "check"},
			map[string]any{"source": "check", "target": "approve", "label": "true"},
			map[string]any{"source": "check", "target": "review", "label": "false"},
		},
	}
	mustCall(t, s, http.MethodPost, base, map[string]any{"id": "credit", "name": "Credit", "graph": graph}, http.StatusCreated)

	out := mustCall(t, s, http.MethodPost, base+"/credit/execute", map[string]any{"record": map[string]any{"applicant": "a-1"}}, http.StatusOK)
	if out["decision"] != "approved" {
		t.Errorf("decision = %v, want approved", out["decision"])
	}
	results := out["results"].(map[string]any)
	if bureau := results["bureau"].(map[string]any); bureau["score"] != 720.0 {
		t.Errorf("bureau result = %v", bureau)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	orgID := createOrganization(t, s, "Metrics", nil)
	mustCall(t, s, http.MethodPost, "/api/v1/organizations/"+orgID+"/policies",
		map[string]any{"id": "limits", "name": "Limits", "graph": limitGraph(1000)}, http.StatusCreated)
	mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID, "policy_id": "limits", "record": map[string]any{"amount": 1},
	}, http.StatusOK)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`decisions_policy_executions_total{decision="approved",policy_id="limits",variant="A"} 1`,
		"decisions_policy_execution_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
}

func TestRequestLoggerCountsErrors(t *testing.T) {
	s := newTestServer(t)
	before := logger.Total4xxErrors.Load()
	call(t, s, http.MethodGet, "/api/v1/organizations/missing", nil)
	if got := logger.Total4xxErrors.Load(); got != before+1 {
		t.Errorf("Total4xxErrors = %d, want %d", got, before+1)
	}
}

func TestListOrganizations(t *testing.T) {
	s := newTestServer(t)
	createOrganization(t, s, "Zeta", nil)
	createOrganization(t, s, "Alpha", nil)

	out := mustCall(t, s, http.MethodGet, "/api/v1/organizations", nil, http.StatusOK)
	orgs := out["organizations"].([]any)
	if len(orgs) != 2 {
		t.Fatalf("got %d organizations, want 2", len(orgs))
	}
	if orgs[0].(map[string]any)["name"] != "Alpha" {
		t.Errorf("organizations should be sorted by name: %v", orgs)
	}

	if code, _ := call(t, s, http.MethodPost, "/api/v1/organizations", map[string]any{"name": "Alpha"}); code != http.StatusBadRequest {
		t.Errorf("duplicate organization = %d, want 400", code)
	}
}

const definitionsYAML = `
rules:
  - id: high-amount
    name: High amount
    priority: 10
    kind: simple
    conditions:
      - attribute: amount
        operator: greater_than
        value: 10000
    action:
      type: block
policies:
  - id: onboarding
    name: Onboarding
    graph:
      nodes:
        - {id: start, type: start}
        - id: age
          type: condition
          config:
            condition: {attribute: age, operator: less_than, value: 18}
        - {id: reject, type: reject, label: underage}
        - {id: approve, type: approve}
      edges:
        - {source: start, target: age}
        - {source: age, target: reject, label: "true"}
        - {source: age, target: approve, label: "false"}
`

func TestLoadDefinitions(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fraud.yaml"), []byte(definitionsYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadDefinitions(context.Background(), dir, "default"); err != nil {
		t.Fatalf("LoadDefinitions() error = %v", err)
	}

	orgs := s.orgs.List()
	if len(orgs) != 1 || orgs[0].Name != "default" {
		t.Fatalf("organizations = %v, want the default organization", orgs)
	}
	orgID := orgs[0].ID

	out := mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"policy_id":       "onboarding",
		"record":          map[string]any{"age": 16},
	}, http.StatusOK)
	if out["decision"] != "rejected" || out["reason"] != "underage" {
		t.Errorf("verdict = %v", out)
	}

	out = mustCall(t, s, http.MethodPost, "/api/v1/decide", map[string]any{
		"organization_id": orgID,
		"record":          map[string]any{"amount": 50000},
	}, http.StatusOK)
	if out["decision"] != "rejected" || out["source"] != "rules" {
		t.Errorf("rules verdict = %v", out)
	}

	// A second load reuses the organization
	if _, err := s.LoadDefinitions(context.Background(), dir, "default"); err != nil {
		t.Fatalf("second LoadDefinitions() error = %v", err)
	}
	if n := len(s.orgs.List()); n != 1 {
		t.Errorf("got %d organizations after reload, want 1", n)
	}
}
