// Package integration provides a reusable test harness for end-to-end
// testing of the quorum service. It starts the full HTTP router over the
// in-memory workflow store and stock ledger, loaded from a YAML catalog.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/agent"
	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/definition"
	"github.com/pitabwire/quorum/internal/flow"
	"github.com/pitabwire/quorum/internal/idempotency"
	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/internal/policy"
	"github.com/pitabwire/quorum/internal/transport"
	"github.com/pitabwire/quorum/internal/workflow"
	"github.com/pitabwire/quorum/model"
)

// Tenant is the tenant of the testdata catalog.
const Tenant = "acme-corp"

// TestHarness encapsulates a fully wired quorum instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Store       *workflow.MemoryStore
	Engine      *workflow.Engine
	Inventory   *inventory.Service
	Idempotency idempotency.Store
	Metrics     *observability.Metrics
	Clock       *Clock
}

// Clock is a settable time source shared by the engine and the inventory
// service.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	catalogDirs     []string
	idempotency     idempotency.Store
	reassign        bool
	bulkConcurrency int
	handlerTimeout  time.Duration
	start           time.Time
}

// WithCatalog sets the catalog directories to load. Relative paths are
// resolved from the testdata directory.
func WithCatalog(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.catalogDirs = dirs
	}
}

// WithIdempotency enables decision idempotency backed by store. A nil store
// selects the in-memory store.
func WithIdempotency(store idempotency.Store) HarnessOption {
	return func(c *harnessConfig) {
		if store == nil {
			store = idempotency.NewMemoryStore()
		}
		c.idempotency = store
	}
}

// WithReassign routes escalated steps to the escalated agent's manager.
func WithReassign() HarnessOption {
	return func(c *harnessConfig) {
		c.reassign = true
	}
}

// WithBulkConcurrency sets the bulk decision fan-out.
func WithBulkConcurrency(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.bulkConcurrency = n
	}
}

// WithStartTime sets the initial fake clock time.
func WithStartTime(ts time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.start = ts
	}
}

// NewTestHarness creates and starts a full quorum test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		catalogDirs:     []string{"catalog"},
		bulkConcurrency: 4,
		handlerTimeout:  10 * time.Second,
		start:           time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(hc)
	}

	// Step 1: Load and validate the catalog.
	dirs := make([]string, len(hc.catalogDirs))
	for i, d := range hc.catalogDirs {
		if filepath.IsAbs(d) {
			dirs[i] = d
		} else {
			dirs[i] = filepath.Join(testdataDir(), d)
		}
	}
	docs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		t.Fatalf("harness: load catalog: %v", err)
	}
	if verrs := definition.NewValidator().Validate(docs); len(verrs) > 0 {
		t.Fatalf("harness: invalid catalog: %v", &definition.ValidationErrors{Errors: verrs})
	}

	// Step 2: Wire the engine and inventory service.
	clock := &Clock{now: hc.start}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	registry := definition.NewRegistry(docs, definition.WithMetrics(metrics))
	store := workflow.NewMemoryStore()
	logger := zap.NewNop()

	engine := workflow.NewEngine(
		policy.NewStore(registry, policy.WithLogger(logger)),
		flow.NewGenerator(flow.NewDefaultRegistry(registry)),
		agent.NewResolver(registry, logger),
		store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithReassignOnEscalation(hc.reassign),
		workflow.WithBulkConcurrency(hc.bulkConcurrency),
		workflow.WithClock(clock.Now),
	)
	inv := inventory.NewService(inventory.NewMemoryLedger(),
		inventory.WithLogger(logger),
		inventory.WithMetrics(metrics),
		inventory.WithClock(clock.Now),
	)

	// Step 3: Build the router and start the server.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Observability.Metrics.Enabled = false

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Approvals:   engine,
		Inventory:   inv,
		Idempotency: hc.idempotency,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: registry.Loaded,
			WorkflowStore: store,
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:           t,
		server:      server,
		Registry:    registry,
		Store:       store,
		Engine:      engine,
		Inventory:   inv,
		Idempotency: hc.idempotency,
		Metrics:     metrics,
		Clock:       clock,
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GET sends a GET request as subject.
func (h *TestHarness) GET(path, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, subject, nil)
}

// POST sends a JSON POST request as subject.
func (h *TestHarness) POST(path string, body any, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, subject, nil)
}

// POSTWithHeaders sends a JSON POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, subject string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, subject, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, subject string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("harness: marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("harness: create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set(transport.HeaderTenantID, Tenant)
		req.Header.Set(transport.HeaderSubjectID, subject)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("harness: execute request: %v", err)
	}
	return resp
}

// ParseJSON decodes the response body into target and closes the body.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("harness: read response body: %v", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		h.t.Fatalf("harness: decode response body: %v\nbody: %s", err, body)
	}
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("harness: read response body: %v", err)
	}
	return body
}

// AssertStatus fails the test when the response status differs.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body := h.ReadBody(resp)
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	h.AssertStatus(t, resp, expected)
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Fatalf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// Submit opens an approval for objectType/objectID as requester and returns
// the created instance.
func (h *TestHarness) Submit(t *testing.T, objectType, objectID, requester string, amount int) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.POST("/api/v1/approvals", SubmitFixture(objectType, objectID, amount), requester), http.StatusCreated, &inst)
	return inst
}

// Instance fetches the instance view.
func (h *TestHarness) Instance(t *testing.T, instanceID string) model.InstanceView {
	t.Helper()
	var view model.InstanceView
	h.AssertJSON(t, h.GET("/api/v1/approvals/"+instanceID, "auditor"), http.StatusOK, &view)
	return view
}

// Pending returns the agent's pending approvals.
func (h *TestHarness) Pending(t *testing.T, agentID string) []model.PendingApproval {
	t.Helper()
	var body struct {
		Data []model.PendingApproval `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/agents/"+agentID+"/pending", agentID), http.StatusOK, &body)
	return body.Data
}

// PendingFor returns the agent's pending step instance on instanceID and
// fails the test when there is none.
func (h *TestHarness) PendingFor(t *testing.T, agentID, instanceID string) model.PendingApproval {
	t.Helper()
	for _, p := range h.Pending(t, agentID) {
		if p.WorkflowInstanceID == instanceID {
			return p
		}
	}
	t.Fatalf("no pending approval for %s on instance %s", agentID, instanceID)
	return model.PendingApproval{}
}

// Decide records agentID's decision on its pending step of instanceID.
func (h *TestHarness) Decide(t *testing.T, agentID, instanceID, decision string) workflow.DecisionOutcome {
	t.Helper()
	p := h.PendingFor(t, agentID, instanceID)
	var out workflow.DecisionOutcome
	h.AssertJSON(t, h.POST("/api/v1/step-instances/"+p.ID+"/decision", DecisionFixture(decision, ""), agentID), http.StatusOK, &out)
	return out
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "testdata")
}

// SubmitFixture builds an approval request body.
func SubmitFixture(objectType, objectID string, amount int) map[string]any {
	return map[string]any{
		"object_type": objectType,
		"object_id":   objectID,
		"context": map[string]any{
			"company_code": "1000",
			"amount":       amount,
			"currency":     "EUR",
		},
	}
}

// DecisionFixture builds a decision request body.
func DecisionFixture(decision, comments string) map[string]any {
	return map[string]any{"decision": decision, "comments": comments}
}

// ReceiptFixture builds a stock receipt request body.
func ReceiptFixture(store, item, qty, unitCost string, receivedAt time.Time) map[string]any {
	return map[string]any{
		"store_id":         store,
		"stock_item_id":    item,
		"quantity":         qty,
		"unit_cost":        unitCost,
		"receipt_date":     receivedAt,
		"reference_number": fmt.Sprintf("GRN-%s-%d", item, receivedAt.Unix()),
	}
}

// IssueFixture builds a stock issue request body.
func IssueFixture(store, item, qty, ref string) map[string]any {
	return map[string]any{
		"store_id":         store,
		"stock_item_id":    item,
		"quantity":         qty,
		"reference_number": ref,
		"reference_type":   "WORK_ORDER",
	}
}

// FormatJSON pretty-prints a value for test output.
func FormatJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
