package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/quorum/internal/agent"
	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/definition"
	"github.com/pitabwire/quorum/internal/flow"
	"github.com/pitabwire/quorum/internal/idempotency"
	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/internal/policy"
	"github.com/pitabwire/quorum/internal/workflow"
	"github.com/pitabwire/quorum/model"
)

const testTenant = "acme"

// --- Test helpers ---

func testCatalog() *definition.Registry {
	user := func(id string, seq int) model.StepAgent {
		return model.StepAgent{
			ID:       "review-agent-" + id,
			Sequence: seq,
			Required: true,
			Rule:     model.AgentRule{Type: model.RuleUser, EmployeeID: id},
		}
	}
	return definition.NewRegistry([]definition.Document{{
		TenantID: testTenant,
		ObjectTypes: []model.ObjectType{{
			TenantID:       testTenant,
			ObjectType:     "PO",
			ObjectCategory: model.CategoryFinancial,
			ObjectName:     "Purchase Order",
		}},
		Policies: []model.Policy{{
			ID:                 "po-review",
			TenantID:           testTenant,
			PolicyName:         "PO review",
			ApprovalObjectType: "PO",
			ObjectCategory:     model.CategoryFinancial,
			ApprovalStrategy:   model.StrategyConfigured,
			IsActive:           true,
			Steps: []model.StepDefinition{{
				ID:             "review",
				Sequence:       1,
				Name:           "Review",
				CompletionRule: model.CompletionAny,
				TimeoutHours:   24,
				Agents:         []model.StepAgent{user("a1", 1), user("a2", 2)},
			}},
		}},
		OrgNodes: []model.OrgNode{
			{EmployeeID: "req", EmployeeName: "Requester", PositionTitle: "Buyer", ManagerID: "a1"},
			{EmployeeID: "a1", EmployeeName: "Reviewer One", PositionTitle: "Reviewer"},
			{EmployeeID: "a2", EmployeeName: "Reviewer Two", PositionTitle: "Reviewer"},
		},
	}})
}

type testServer struct {
	router  http.Handler
	engine  *workflow.Engine
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, idem idempotency.Store) *testServer {
	t.Helper()
	catalog := testCatalog()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := workflow.NewEngine(
		policy.NewStore(catalog),
		flow.NewGenerator(flow.NewDefaultRegistry(catalog)),
		agent.NewResolver(catalog, nil),
		workflow.NewMemoryStore(),
		workflow.WithMetrics(metrics),
	)
	cfg := config.Defaults()
	cfg.Observability.Metrics.Enabled = false
	router := NewRouter(Dependencies{
		Config:      cfg,
		Metrics:     metrics,
		Approvals:   engine,
		Inventory:   inventory.NewService(inventory.NewMemoryLedger()),
		Idempotency: idem,
		Readiness:   observability.ReadinessChecks{CatalogLoaded: catalog.Loaded},
	})
	return &testServer{router: router, engine: engine, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path, subject string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, testTenant)
	if subject != "" {
		req.Header.Set(HeaderSubjectID, subject)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v (raw %q)", err, w.Body.String())
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	return resp.Error.Code
}

func (s *testServer) submit(t *testing.T, objectID string) model.WorkflowInstance {
	t.Helper()
	w := s.do(t, "POST", "/api/v1/approvals", "req", map[string]any{
		"object_type": "PO",
		"object_id":   objectID,
		"context":     map[string]any{"amount": "1200.00"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	return decodeBody[model.WorkflowInstance](t, w)
}

func (s *testServer) pendingFor(t *testing.T, agentID string) []model.PendingApproval {
	t.Helper()
	w := s.do(t, "GET", "/api/v1/agents/"+agentID+"/pending", agentID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pending status = %d", w.Code)
	}
	return decodeBody[struct {
		Data []model.PendingApproval `json:"data"`
	}](t, w).Data
}

// --- Approval handler tests ---

func TestHandleSubmit_success(t *testing.T) {
	s := newTestServer(t, nil)
	inst := s.submit(t, "PO-1")

	if inst.Status != model.WorkflowStatusActive {
		t.Errorf("status = %q, want ACTIVE", inst.Status)
	}
	if inst.PolicyID != "po-review" || inst.TotalSteps != 1 {
		t.Errorf("instance = %+v", inst)
	}
	if inst.CreatedBy != "req" {
		t.Errorf("CreatedBy = %q, want req", inst.CreatedBy)
	}
}

func TestHandleSubmit_validation(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, "POST", "/api/v1/approvals", "req", map[string]any{"object_type": "PO"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "object_id" {
		t.Errorf("details = %+v, want object_id", resp.Error.Details)
	}
	if resp.Error.Details[0].Code != "REQUIRED" {
		t.Errorf("detail code = %q, want REQUIRED", resp.Error.Details[0].Code)
	}
}

func TestHandleSubmit_invalidJSON(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/approvals", bytes.NewReader([]byte("{not json")))
	req.Header.Set(HeaderTenantID, testTenant)
	req.Header.Set(HeaderSubjectID, "req")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleSubmit_unknownObjectType(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, "POST", "/api/v1/approvals", "req", map[string]any{
		"object_type": "INVOICE",
		"object_id":   "INV-1",
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleSubmit_activeInstanceConflict(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")

	w := s.do(t, "POST", "/api/v1/approvals", "req", map[string]any{
		"object_type": "PO",
		"object_id":   "PO-1",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", code)
	}
}

func TestHandleSubmit_missingIdentityHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/approvals", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleDecision_approvesInstance(t *testing.T) {
	s := newTestServer(t, nil)
	inst := s.submit(t, "PO-1")

	pending := s.pendingFor(t, "a2")
	if len(pending) != 1 {
		t.Fatalf("pending for a2 = %d, want 1", len(pending))
	}

	w := s.do(t, "POST", "/api/v1/step-instances/"+pending[0].ID+"/decision", "a2",
		map[string]string{"decision": "APPROVE", "comments": "fine"})
	if w.Code != http.StatusOK {
		t.Fatalf("decision status = %d, body %s", w.Code, w.Body.String())
	}
	out := decodeBody[workflow.DecisionOutcome](t, w)
	if !out.StepCompleted || out.StepOutcome != model.OutcomeApproved {
		t.Errorf("outcome = %+v", out)
	}
	if out.Instance.Status != model.WorkflowStatusApproved {
		t.Errorf("instance status = %q, want APPROVED", out.Instance.Status)
	}

	// ANY short-circuits: the other reviewer no longer has work.
	if got := s.pendingFor(t, "a1"); len(got) != 0 {
		t.Errorf("pending for a1 = %d, want 0", len(got))
	}

	w = s.do(t, "GET", "/api/v1/approvals/"+inst.ID, "a1", nil)
	view := decodeBody[model.InstanceView](t, w)
	if view.Status != model.WorkflowStatusApproved || len(view.StepStatuses) != 1 {
		t.Errorf("view = %+v", view)
	}
}

func TestHandleDecision_invalidDecision(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")
	pending := s.pendingFor(t, "a1")

	w := s.do(t, "POST", "/api/v1/step-instances/"+pending[0].ID+"/decision", "a1",
		map[string]string{"decision": "MAYBE"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleDecision_wrongAgentForbidden(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")
	pending := s.pendingFor(t, "a1")

	w := s.do(t, "POST", "/api/v1/step-instances/"+pending[0].ID+"/decision", "a2",
		map[string]string{"decision": "APPROVE"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleDecision_alreadyDecided(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")
	pending := s.pendingFor(t, "a1")
	path := "/api/v1/step-instances/" + pending[0].ID + "/decision"

	s.do(t, "POST", path, "a1", map[string]string{"decision": "APPROVE"})
	w := s.do(t, "POST", path, "a1", map[string]string{"decision": "APPROVE"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrInvalidStepTransition {
		t.Errorf("code = %q, want INVALID_STEP_TRANSITION", code)
	}
}

func TestHandleDecision_idempotentReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := newTestServer(t, idempotency.NewRedisStore(client))
	s.submit(t, "PO-1")
	pending := s.pendingFor(t, "a1")
	path := "/api/v1/step-instances/" + pending[0].ID + "/decision"
	body := map[string]string{"decision": "REJECT", "comments": "over budget"}

	first := s.do(t, "POST", path, "a1", body, HeaderIdempotencyKey, "k-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body %s", first.Code, first.Body.String())
	}
	if !mr.Exists(idempotency.FormatKey(testTenant, "decision", "k-1")) {
		t.Error("response was not stored in redis")
	}

	second := s.do(t, "POST", path, "a1", body, HeaderIdempotencyKey, "k-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay should be flagged")
	}
	out := decodeBody[workflow.DecisionOutcome](t, second)
	if out.Instance.Status != model.WorkflowStatusActive || out.StepCompleted {
		t.Errorf("replayed outcome = %+v, want the stored first response", out)
	}
	if got := testutil.ToFloat64(s.metrics.IdempotentReplaysTotal); got != 1 {
		t.Errorf("idempotent replays = %v, want 1", got)
	}

	conflict := s.do(t, "POST", path, "a1", map[string]string{"decision": "APPROVE"}, HeaderIdempotencyKey, "k-1")
	if conflict.Code != http.StatusConflict {
		t.Errorf("different input status = %d, want 409", conflict.Code)
	}
}

func TestHandleDecision_failureNotStored(t *testing.T) {
	store := idempotency.NewMemoryStore()
	s := newTestServer(t, store)

	w := s.do(t, "POST", "/api/v1/step-instances/missing/decision", "a1",
		map[string]string{"decision": "APPROVE"}, HeaderIdempotencyKey, "k-2")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries, want 0", store.Len())
	}
}

func TestHandleBulkDecision(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")
	s.submit(t, "PO-2")

	pending := s.pendingFor(t, "a1")
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	ids := []string{pending[0].ID, pending[1].ID, "missing"}

	w := s.do(t, "POST", "/api/v1/step-instances/bulk-decision", "a1", map[string]any{
		"step_instance_ids": ids,
		"decision":          "APPROVE",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[struct {
		Results   []model.DecisionResult `json:"results"`
		Succeeded int                    `json:"succeeded"`
		Failed    int                    `json:"failed"`
	}](t, w)
	if resp.Succeeded != 2 || resp.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", resp.Succeeded, resp.Failed)
	}
	if len(resp.Results) != 3 || resp.Results[2].StepInstanceID != "missing" || resp.Results[2].Error == nil {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestHandleBulkDecision_emptyIDs(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, "POST", "/api/v1/step-instances/bulk-decision", "a1", map[string]any{
		"step_instance_ids": []string{},
		"decision":          "APPROVE",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	s := newTestServer(t, nil)
	inst := s.submit(t, "PO-1")

	w := s.do(t, "POST", "/api/v1/approvals/"+inst.ID+"/cancel", "req", map[string]string{"reason": "withdrawn"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody[model.WorkflowInstance](t, w)
	if got.Status != model.WorkflowStatusCancelled {
		t.Errorf("status = %q, want CANCELLED", got.Status)
	}

	w = s.do(t, "GET", "/api/v1/approvals/"+inst.ID+"/events", "req", nil)
	events := decodeBody[struct {
		Data []model.WorkflowEvent `json:"data"`
	}](t, w).Data
	if len(events) < 2 {
		t.Errorf("events = %d, want submit and cancel", len(events))
	}
}

func TestHandleStepStatusAndEscalate(t *testing.T) {
	s := newTestServer(t, nil)
	inst := s.submit(t, "PO-1")

	w := s.do(t, "GET", "/api/v1/approvals/"+inst.ID+"/steps/1", "req", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("step status = %d", w.Code)
	}
	status := decodeBody[model.StepStatus](t, w)
	if len(status.Instances) != 2 {
		t.Errorf("step instances = %d, want 2", len(status.Instances))
	}

	w = s.do(t, "GET", "/api/v1/approvals/"+inst.ID+"/steps/zero", "req", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad sequence status = %d, want 400", w.Code)
	}

	w = s.do(t, "POST", "/api/v1/approvals/"+inst.ID+"/steps/1/escalate", "req", map[string]string{})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("escalate without reason = %d, want 422", w.Code)
	}

	w = s.do(t, "POST", "/api/v1/approvals/"+inst.ID+"/steps/1/escalate", "req", map[string]string{"reason": "stalled"})
	if w.Code != http.StatusOK {
		t.Fatalf("escalate status = %d, body %s", w.Code, w.Body.String())
	}
	out := decodeBody[workflow.EscalationOutcome](t, w)
	if len(out.Escalated) != 2 {
		t.Errorf("escalated = %d, want 2", len(out.Escalated))
	}
}

func TestHandleList_pagination(t *testing.T) {
	s := newTestServer(t, nil)
	for _, id := range []string{"PO-1", "PO-2", "PO-3"} {
		s.submit(t, id)
	}

	w := s.do(t, "GET", "/api/v1/approvals?page=2&page_size=2", "req", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[listResponse[model.WorkflowInstance]](t, w)
	if resp.Page != 2 || resp.PageSize != 2 || len(resp.Data) != 1 {
		t.Errorf("page %d size %d data %d, want 2/2/1", resp.Page, resp.PageSize, len(resp.Data))
	}

	w = s.do(t, "GET", "/api/v1/approvals?object_id=PO-2", "req", nil)
	resp = decodeBody[listResponse[model.WorkflowInstance]](t, w)
	if len(resp.Data) != 1 || resp.Data[0].ObjectID != "PO-2" {
		t.Errorf("filtered data = %+v", resp.Data)
	}

	w = s.do(t, "GET", "/api/v1/approvals?page_size=500", "req", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized page status = %d, want 400", w.Code)
	}
}

func TestHandleWorkload(t *testing.T) {
	s := newTestServer(t, nil)
	s.submit(t, "PO-1")
	s.submit(t, "PO-2")

	w := s.do(t, "GET", "/api/v1/agents/a1/workload", "a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	wl := decodeBody[model.AgentWorkload](t, w)
	if wl.TotalPending != 2 || wl.ByObjectType["PO"] != 2 {
		t.Errorf("workload = %+v", wl)
	}
}

func TestHandleGetInstance_otherTenant(t *testing.T) {
	s := newTestServer(t, nil)
	inst := s.submit(t, "PO-1")

	req := httptest.NewRequest("GET", "/api/v1/approvals/"+inst.ID, nil)
	req.Header.Set(HeaderTenantID, "globex")
	req.Header.Set(HeaderSubjectID, "req")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req.WithContext(context.Background()))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
