package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/idempotency"
	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/internal/workflow"
	"github.com/pitabwire/quorum/model"
)

// Approvals is the workflow surface served over HTTP. *workflow.Engine
// implements it.
type Approvals interface {
	Submit(ctx context.Context, rctx *model.RequestContext, req model.ApprovalRequest) (model.WorkflowInstance, error)
	RecordDecision(ctx context.Context, rctx *model.RequestContext, stepInstanceID, decision, comments string) (workflow.DecisionOutcome, error)
	BulkDecide(ctx context.Context, rctx *model.RequestContext, stepInstanceIDs []string, decision, comments string) []model.DecisionResult
	Escalate(ctx context.Context, rctx *model.RequestContext, instanceID string, stepSequence int, reason string) (workflow.EscalationOutcome, error)
	Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error)
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.InstanceView, error)
	GetStepStatus(ctx context.Context, tenantID, instanceID string, stepSequence int) (model.StepStatus, error)
	ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)
	GetPendingApprovals(ctx context.Context, tenantID, agentID string) ([]model.PendingApproval, error)
	GetAgentWorkload(ctx context.Context, tenantID, agentID string) (model.AgentWorkload, error)
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)
}

// Inventory is the stock surface served over HTTP. *inventory.Service
// implements it.
type Inventory interface {
	Receive(ctx context.Context, actor string, req inventory.ReceiptRequest) (inventory.ReceiptResult, error)
	Issue(ctx context.Context, actor string, req inventory.IssueRequest) (inventory.IssueResult, error)
	Transfer(ctx context.Context, actor string, req inventory.TransferRequest) (inventory.TransferResult, error)
	Layers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error)
	Balance(ctx context.Context, storeID, stockItemID string) (model.StockBalance, error)
	Movements(ctx context.Context, storeID, stockItemID string) ([]model.StockMovement, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Approvals   Approvals
	Inventory   Inventory
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks

	// Tokens, when set, identifies callers from bearer tokens instead of the
	// identity headers.
	Tokens *TokenVerifier
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// request context middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(Correlation)
	r.Use(NoStore)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler())
	}

	h := &handlers{
		approvals:   deps.Approvals,
		inventory:   deps.Inventory,
		idempotency: deps.Idempotency,
		idemTTL:     idempotencyTTL(cfg),
		metrics:     deps.Metrics,
		logger:      logger,
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		if deps.Tokens != nil {
			r.Use(BearerIdentity(deps.Tokens))
		} else {
			r.Use(RequestContext)
		}
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if h.approvals != nil {
			r.Route("/approvals", func(r chi.Router) {
				r.Post("/", h.submit)
				r.Get("/", h.listInstances)
				r.Get("/{instanceId}", h.getInstance)
				r.Get("/{instanceId}/events", h.getEvents)
				r.Post("/{instanceId}/cancel", h.cancel)
				r.Get("/{instanceId}/steps/{sequence}", h.getStepStatus)
				r.Post("/{instanceId}/steps/{sequence}/escalate", h.escalate)
			})
			r.Post("/step-instances/{stepInstanceId}/decision", h.decide)
			r.Post("/step-instances/bulk-decision", h.bulkDecide)
			r.Get("/agents/{agentId}/pending", h.pending)
			r.Get("/agents/{agentId}/workload", h.workload)
		}

		if h.inventory != nil {
			r.Route("/inventory", func(r chi.Router) {
				r.Post("/receipts", h.receive)
				r.Post("/issues", h.issue)
				r.Post("/transfers", h.transfer)
				r.Get("/stores/{storeId}/items/{itemId}/layers", h.layers)
				r.Get("/stores/{storeId}/items/{itemId}/balance", h.balance)
				r.Get("/stores/{storeId}/items/{itemId}/movements", h.movements)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error: &model.ErrorEnvelope{Code: model.ErrBadRequest, Message: r.Method + " is not allowed here"},
		})
	})

	return r
}

func idempotencyTTL(cfg *config.Config) time.Duration {
	if cfg.Idempotency.TTL > 0 {
		return cfg.Idempotency.TTL
	}
	return 24 * time.Hour
}
