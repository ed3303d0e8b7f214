package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/idempotency"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type handlers struct {
	approvals   Approvals
	inventory   Inventory
	idempotency idempotency.Store
	idemTTL     time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT RETURN"`
	Comments string `json:"comments" validate:"max=4000"`
}

type bulkDecisionRequest struct {
	StepInstanceIDs []string `json:"step_instance_ids" validate:"required,min=1,max=500,dive,required"`
	Decision        string   `json:"decision" validate:"required,oneof=APPROVE REJECT RETURN"`
	Comments        string   `json:"comments" validate:"max=4000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=4000"`
}

type escalateRequest struct {
	Reason string `json:"reason" validate:"required,max=4000"`
}

type listResponse[T any] struct {
	Data     []T `json:"data"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var req model.ApprovalRequest
	if err := bind(r, h.logger, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	inst, err := h.approvals.Submit(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	page, pageSize, err := pagination(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	filters := model.InstanceFilters{
		Status:     q.Get("status"),
		ObjectType: q.Get("object_type"),
		ObjectID:   q.Get("object_id"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}

	instances, err := h.approvals.ListInstances(r.Context(), rctx.TenantID, filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if instances == nil {
		instances = []model.WorkflowInstance{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.WorkflowInstance]{
		Data:     instances,
		Page:     page,
		PageSize: pageSize,
	})
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	view, err := h.approvals.GetInstance(r.Context(), rctx.TenantID, chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) getEvents(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	events, err := h.approvals.GetEvents(r.Context(), rctx.TenantID, chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if events == nil {
		events = []model.WorkflowEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var body cancelRequest
	if err := bind(r, h.logger, &body); err != nil {
		WriteError(w, r, err)
		return
	}

	inst, err := h.approvals.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Reason)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) getStepStatus(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	seq, err := stepSequence(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	status, err := h.approvals.GetStepStatus(r.Context(), rctx.TenantID, chi.URLParam(r, "instanceId"), seq)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *handlers) escalate(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	seq, err := stepSequence(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var body escalateRequest
	if err := bind(r, h.logger, &body); err != nil {
		WriteError(w, r, err)
		return
	}

	out, err := h.approvals.Escalate(r.Context(), rctx, chi.URLParam(r, "instanceId"), seq, body.Reason)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) decide(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	stepInstanceID := chi.URLParam(r, "stepInstanceId")

	var body decisionRequest
	if err := bind(r, h.logger, &body); err != nil {
		WriteError(w, r, err)
		return
	}

	run := func() (int, any, error) {
		out, err := h.approvals.RecordDecision(r.Context(), rctx, stepInstanceID, body.Decision, body.Comments)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, out, nil
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || h.idempotency == nil {
		status, out, err := run()
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, status, out)
		return
	}

	input := struct {
		StepInstanceID string `json:"step_instance_id"`
		Decision       string `json:"decision"`
		Comments       string `json:"comments"`
	}{stepInstanceID, body.Decision, body.Comments}
	h.withIdempotency(w, r, rctx, "decision", key, input, run)
}

func (h *handlers) bulkDecide(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var body bulkDecisionRequest
	if err := bind(r, h.logger, &body); err != nil {
		WriteError(w, r, err)
		return
	}

	results := h.approvals.BulkDecide(r.Context(), rctx, body.StepInstanceIDs, body.Decision, body.Comments)
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	items, err := h.approvals.GetPendingApprovals(r.Context(), rctx.TenantID, chi.URLParam(r, "agentId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if items == nil {
		items = []model.PendingApproval{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (h *handlers) workload(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	wl, err := h.approvals.GetAgentWorkload(r.Context(), rctx.TenantID, chi.URLParam(r, "agentId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, wl)
}

// withIdempotency replays a stored response for a repeated key or runs the
// mutation and stores its successful response.
func (h *handlers) withIdempotency(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, op, key string, input any, run func() (int, any, error)) {
	ctx := r.Context()
	logger := observability.LoggerFrom(ctx, h.logger)

	// Step 1: Hash the input and look for a previous response.
	idemKey := idempotency.FormatKey(rctx.TenantID, op, key)
	hash, err := idempotency.HashInput(input)
	if err != nil {
		WriteError(w, r, model.NewInternalError())
		return
	}
	cached, found, err := h.idempotency.Check(ctx, idemKey, hash)
	if err != nil {
		WriteError(w, r, model.AsEnvelope("idempotency check", err))
		return
	}
	if found {
		h.metrics.RecordIdempotentReplay()
		logger.Debug("idempotent replay", zap.String("idempotency_key", idemKey))
		w.Header().Set(HeaderIdempotentReply, "true")
		writeRaw(w, cached.StatusCode, cached.Body)
		return
	}

	// Step 2: Run the mutation.
	status, out, err := run()
	if err != nil {
		WriteError(w, r, err)
		return
	}

	// Step 3: Store the response. Best-effort.
	if raw, merr := json.Marshal(out); merr == nil {
		resp := idempotency.Response{StatusCode: status, Body: raw}
		if serr := h.idempotency.Save(ctx, idemKey, hash, resp, h.idemTTL); serr != nil {
			logger.Warn("idempotency save failed", zap.String("idempotency_key", idemKey), zap.Error(serr))
		}
	}
	WriteJSON(w, status, out)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}

func stepSequence(r *http.Request) (int, error) {
	seq, err := strconv.Atoi(chi.URLParam(r, "sequence"))
	if err != nil || seq < 1 {
		return 0, model.NewBadRequestError("step sequence must be a positive integer")
	}
	return seq, nil
}

func pagination(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, model.NewBadRequestError("page must be a positive integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, model.NewBadRequestError("page_size must be between 1 and 100")
		}
	}
	return page, pageSize, nil
}
