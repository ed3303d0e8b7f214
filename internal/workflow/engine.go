package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/quorum/internal/agent"
	"github.com/pitabwire/quorum/internal/notify"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

// Audit event names.
const (
	EventInstanceCreated   = "instance_created"
	EventStepInitialized   = "step_initialized"
	EventDecisionRecorded  = "decision_recorded"
	EventStepCompleted     = "step_completed"
	EventStepEscalated     = "step_escalated"
	EventPendingCancelled  = "pending_cancelled"
	EventInstanceCompleted = "instance_completed"
	EventInstanceCancelled = "instance_cancelled"
)

// Escalation triggers.
const (
	TriggerManual  = "manual"
	TriggerTimeout = "timeout"
)

const (
	systemActor            = "system"
	defaultBulkConcurrency = 4
)

// PolicySelector picks the object type and policy governing a request.
type PolicySelector interface {
	Select(ctx context.Context, tenantID string, req model.ApprovalRequest) (model.ObjectType, model.Policy, error)
}

// FlowGenerator produces the step definitions of a policy for a request.
type FlowGenerator interface {
	Steps(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.StepDefinition, error)
}

// AgentResolver binds step agents to employees.
type AgentResolver interface {
	Resolve(ctx context.Context, tenantID string, step model.StepDefinition, ic agent.InstanceContext) ([]agent.ResolvedAgent, error)
	Manager(ctx context.Context, tenantID, employeeID string) (agent.ResolvedAgent, bool, error)
}

// Engine runs approval instances through their steps.
type Engine struct {
	policies  PolicySelector
	flows     FlowGenerator
	agents    AgentResolver
	store     Store
	publisher notify.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger

	reassignOnEscalation bool
	bulkConcurrency      int
	now                  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics the engine records to.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets the publisher events are sent to after commit.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithReassignOnEscalation controls whether escalating a step instance
// assigns a replacement to the escalated agent's manager.
func WithReassignOnEscalation(b bool) Option {
	return func(e *Engine) { e.reassignOnEscalation = b }
}

// WithBulkConcurrency bounds the number of decisions BulkDecide runs at once.
func WithBulkConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bulkConcurrency = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a workflow engine.
func NewEngine(policies PolicySelector, flows FlowGenerator, agents AgentResolver, store Store, opts ...Option) *Engine {
	e := &Engine{
		policies:             policies,
		flows:                flows,
		agents:               agents,
		store:                store,
		publisher:            notify.Nop{},
		logger:               zap.NewNop(),
		reassignOnEscalation: true,
		bulkConcurrency:      defaultBulkConcurrency,
		now:                  func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewInstance is everything needed to open an approval instance once the
// policy and its steps are known.
type NewInstance struct {
	ObjectType     string
	ObjectID       string
	ObjectCategory string
	Policy         model.Policy
	Steps          []model.StepDefinition
	Context        model.ApprovalContext
}

// DecisionOutcome is the result of a recorded decision.
type DecisionOutcome struct {
	StepInstance  model.StepInstance     `json:"step_instance"`
	Instance      model.WorkflowInstance `json:"instance"`
	StepCompleted bool                   `json:"step_completed"`
	StepOutcome   string                 `json:"step_outcome,omitempty"`
}

// EscalationOutcome is the result of escalating a step.
type EscalationOutcome struct {
	Instance     model.WorkflowInstance `json:"instance"`
	Escalated    []model.StepInstance   `json:"escalated"`
	Replacements []model.StepInstance   `json:"replacements,omitempty"`
}

// Submit selects the policy for a request, generates its steps, and opens an
// instance at step 1.
func (e *Engine) Submit(ctx context.Context, rctx *model.RequestContext, req model.ApprovalRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.submit",
		observability.AttrObjectType.String(req.ObjectType),
	)
	category := "unknown"
	defer func() {
		e.metrics.RecordSubmission(category, statusLabel(err))
		observability.EndSpanWithError(span, err)
	}()

	// 1. Validate the caller and the request.
	if err := requireTenant(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if req.ObjectType == "" || req.ObjectID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("object_type and object_id are required")
	}
	if req.Context.RequestedBy == "" {
		req.Context.RequestedBy = rctx.SubjectID
	}

	// 2. Select the governing policy.
	ot, p, err := e.policies.Select(ctx, rctx.TenantID, req)
	if err != nil {
		return model.WorkflowInstance{}, fail("select policy", err)
	}
	category = ot.ObjectCategory
	span.SetAttributes(observability.AttrPolicyID.String(p.ID))

	// 3. Generate the flow.
	steps, err := e.flows.Steps(ctx, rctx.TenantID, p, req)
	if err != nil {
		return model.WorkflowInstance{}, fail("generate flow", err)
	}

	// 4. Open the instance.
	return e.createInstance(ctx, rctx, NewInstance{
		ObjectType:     req.ObjectType,
		ObjectID:       req.ObjectID,
		ObjectCategory: ot.ObjectCategory,
		Policy:         p,
		Steps:          steps,
		Context:        req.Context,
	})
}

// CreateInstance opens an instance for an already selected policy and flow
// and initializes its first step. Fails with CONFLICT when the object already
// has an ACTIVE instance.
func (e *Engine) CreateInstance(ctx context.Context, rctx *model.RequestContext, ni NewInstance) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create_instance",
		observability.AttrObjectType.String(ni.ObjectType),
		observability.AttrPolicyID.String(ni.Policy.ID),
	)
	defer func() {
		e.metrics.RecordSubmission(categoryOf(ni), statusLabel(err))
		observability.EndSpanWithError(span, err)
	}()

	if err := requireTenant(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.createInstance(ctx, rctx, ni)
}

func (e *Engine) createInstance(ctx context.Context, rctx *model.RequestContext, ni NewInstance) (model.WorkflowInstance, error) {
	if len(ni.Steps) == 0 {
		return model.WorkflowInstance{}, model.NewEmptyFlowError(ni.Policy.PolicyName)
	}
	ni.ObjectCategory = categoryOf(ni)

	now := e.now()
	inst := model.WorkflowInstance{
		ID:                  uuid.NewString(),
		TenantID:            rctx.TenantID,
		ObjectType:          ni.ObjectType,
		ObjectID:            ni.ObjectID,
		ObjectCategory:      ni.ObjectCategory,
		PolicyID:            ni.Policy.ID,
		PolicyName:          ni.Policy.PolicyName,
		Strategy:            ni.Policy.ApprovalStrategy,
		Status:              model.WorkflowStatusActive,
		CurrentStepSequence: ni.Steps[0].Sequence,
		TotalSteps:          len(ni.Steps),
		Steps:               ni.Steps,
		Context:             ni.Context,
		CreatedBy:           actorOf(rctx),
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}

	var outbox []notify.Event
	err := e.store.Atomic(ctx, "", func(ctx context.Context, tx InstanceTx) error {
		outbox = outbox[:0]

		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e.event(inst.ID, 0, EventInstanceCreated, inst.CreatedBy, map[string]any{
			"policy_id":   inst.PolicyID,
			"total_steps": inst.TotalSteps,
		}, "")); err != nil {
			return err
		}

		assigned, err := e.initializeStep(ctx, tx, inst, ni.Steps[0])
		if err != nil {
			return err
		}

		outbox = append(outbox,
			e.notification(inst, notify.EventInstanceCreated, 0, inst.CreatedBy, nil),
			e.notification(inst, notify.EventStepAssigned, ni.Steps[0].Sequence, "", agentIDs(assigned)),
		)
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, fail("create instance", err)
	}

	observability.RequestLogger(ctx, e.logger).Info("approval instance created",
		zap.String("instance_id", inst.ID),
		zap.String("object_type", inst.ObjectType),
		zap.String("object_id", inst.ObjectID),
		zap.String("policy_id", inst.PolicyID),
		zap.Int("total_steps", inst.TotalSteps),
	)
	e.publish(ctx, outbox)
	return inst, nil
}

// initializeStep resolves the agents of a step and opens one PENDING step
// instance per agent. A required agent that cannot be resolved fails the
// whole unit of work.
func (e *Engine) initializeStep(ctx context.Context, tx InstanceTx, inst model.WorkflowInstance, def model.StepDefinition) ([]model.StepInstance, error) {
	ctx, span := observability.StartSpan(ctx, "agent.resolve",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrStepSequence.Int(def.Sequence),
	)
	resolved, err := e.agents.Resolve(ctx, inst.TenantID, def, agent.InstanceContext{
		RequestedBy: requester(inst),
		Context:     inst.Context,
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		if model.HasCode(err, model.ErrAgentResolutionFailed) {
			e.metrics.RecordAgentResolutionFailure(inst.ObjectCategory)
		}
		return nil, err
	}

	now := e.now()
	steps := make([]model.StepInstance, 0, len(resolved))
	for _, ra := range resolved {
		steps = append(steps, e.newStepInstance(inst.ID, def, ra, now))
	}
	if err := tx.CreateStepInstances(ctx, steps); err != nil {
		return nil, err
	}

	if err := tx.UpsertCompletionStatus(ctx, model.StepCompletionStatus{
		WorkflowInstanceID: inst.ID,
		WorkflowStepID:     def.ID,
		StepSequence:       def.Sequence,
		TotalAgents:        len(steps),
		PendingCount:       len(steps),
		CompletionRule:     def.CompletionRule,
		MinApprovals:       def.MinApprovals,
	}); err != nil {
		return nil, err
	}

	if err := tx.AppendEvent(ctx, e.event(inst.ID, def.Sequence, EventStepInitialized, systemActor, map[string]any{
		"step_id": def.ID,
		"agents":  agentIDs(steps),
	}, "")); err != nil {
		return nil, err
	}
	return steps, nil
}

func (e *Engine) newStepInstance(instanceID string, def model.StepDefinition, ra agent.ResolvedAgent, now time.Time) model.StepInstance {
	si := model.StepInstance{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instanceID,
		WorkflowStepID:     def.ID,
		StepAgentID:        ra.StepAgentID,
		StepSequence:       def.Sequence,
		AssignedAgentID:    ra.EmployeeID,
		AssignedAgentName:  ra.Name,
		AssignedAgentRole:  ra.Role,
		Status:             model.StepStatusPending,
		CreatedAt:          now,
	}
	if def.TimeoutHours > 0 {
		t := now.Add(time.Duration(def.TimeoutHours) * time.Hour)
		si.TimeoutAt = &t
	}
	return si
}

// RecordDecision records an agent's decision on one step instance, then
// re-evaluates the step's completion rule. The step decision that completes a
// step is the only one that advances or terminates the instance.
func (e *Engine) RecordDecision(ctx context.Context, rctx *model.RequestContext, stepInstanceID, decision, comments string) (out DecisionOutcome, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.record_decision",
		observability.AttrStepInstanceID.String(stepInstanceID),
		observability.AttrDecision.String(decision),
	)
	defer func() {
		e.metrics.RecordDecision(decision, statusLabel(err), time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	// 1. Validate the decision and caller.
	if err := requireTenant(rctx); err != nil {
		return DecisionOutcome{}, err
	}
	status, ok := decisionStatus(decision)
	if !ok {
		return DecisionOutcome{}, model.NewBadRequestError(
			fmt.Sprintf("decision must be one of APPROVE, REJECT, RETURN; got %q", decision),
		)
	}

	// 2. Locate the owning instance, scoped to the tenant.
	si, tenantID, err := e.store.GetStepInstance(ctx, stepInstanceID)
	if err != nil {
		return DecisionOutcome{}, fail("load step instance", err)
	}
	if tenantID != rctx.TenantID {
		return DecisionOutcome{}, stepInstanceNotFound(stepInstanceID)
	}
	span.SetAttributes(observability.AttrInstanceID.String(si.WorkflowInstanceID))

	var res stepResult
	var outbox []notify.Event
	err = e.store.Atomic(ctx, si.WorkflowInstanceID, func(ctx context.Context, tx InstanceTx) error {
		outbox = outbox[:0]

		// 3. Re-read under the lock.
		inst, err := tx.GetInstance(ctx, si.WorkflowInstanceID)
		if err != nil {
			return err
		}
		cur, err := tx.GetStepInstance(ctx, stepInstanceID)
		if err != nil {
			return err
		}

		// 4. Only the assigned agent may decide.
		if rctx.SubjectID != "" && rctx.SubjectID != cur.AssignedAgentID {
			return model.NewForbiddenError(fmt.Sprintf(
				"step instance %q is assigned to %q", stepInstanceID, cur.AssignedAgentID,
			))
		}

		// 5. Guard the transition.
		if inst.IsTerminal() {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"workflow instance %q is %s", inst.ID, inst.Status,
			))
		}
		if cur.Status != model.StepStatusPending {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"step instance %q is %s, not PENDING", cur.ID, cur.Status,
			))
		}
		if cur.StepSequence != inst.CurrentStepSequence {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"step %d is not the current step (%d)", cur.StepSequence, inst.CurrentStepSequence,
			))
		}
		def, ok := inst.Step(cur.StepSequence)
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("step %d not found on instance %q", cur.StepSequence, inst.ID))
		}

		// 6. Record the decision.
		now := e.now()
		cur.Status = status
		cur.Decision = decision
		cur.Comments = comments
		cur.DecidedAt = &now
		if err := tx.UpdateStepInstance(ctx, cur); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e.event(inst.ID, cur.StepSequence, EventDecisionRecorded, cur.AssignedAgentID, map[string]any{
			"step_instance_id": cur.ID,
			"decision":         decision,
		}, comments)); err != nil {
			return err
		}
		outbox = append(outbox, e.notification(inst, notify.EventStepDecided, cur.StepSequence, cur.AssignedAgentID, nil))

		// 7. Evaluate the completion rule and move the instance on.
		res, err = e.evaluateStep(ctx, tx, inst, def, cur.AssignedAgentID)
		if err != nil {
			return err
		}
		outbox = append(outbox, res.notifications...)
		si = cur
		return nil
	})
	if err != nil {
		return DecisionOutcome{}, fail("record decision", err)
	}

	e.recordStepResult(res)
	observability.RequestLogger(ctx, e.logger).Info("decision recorded",
		zap.String("instance_id", si.WorkflowInstanceID),
		zap.String("step_instance_id", si.ID),
		zap.Int("step_sequence", si.StepSequence),
		zap.String("decision", decision),
		zap.Bool("step_completed", res.completed),
		zap.String("instance_status", res.instance.Status),
	)
	e.publish(ctx, outbox)

	return DecisionOutcome{
		StepInstance:  si,
		Instance:      res.instance,
		StepCompleted: res.completed,
		StepOutcome:   res.outcome,
	}, nil
}

// stepResult is what evaluating a step did to its instance.
type stepResult struct {
	instance      model.WorkflowInstance
	rule          string
	completed     bool
	outcome       string
	terminated    bool
	notifications []notify.Event
}

// evaluateStep recounts a step from its step instances, caches the tally,
// and on completion cancels leftover approvals, advances to the next step,
// or terminates the instance. Must run inside Atomic.
func (e *Engine) evaluateStep(ctx context.Context, tx InstanceTx, inst model.WorkflowInstance, def model.StepDefinition, actor string) (stepResult, error) {
	res := stepResult{instance: inst, rule: def.CompletionRule}

	steps, err := tx.GetStepInstances(ctx, inst.ID, def.Sequence)
	if err != nil {
		return res, err
	}
	tally := TallyOf(steps)
	done, outcome := EvaluateCompletion(def.CompletionRule, def.MinApprovals, tally)

	now := e.now()
	cs := model.StepCompletionStatus{
		WorkflowInstanceID: inst.ID,
		WorkflowStepID:     def.ID,
		StepSequence:       def.Sequence,
		TotalAgents:        tally.Total,
		ApprovedCount:      tally.Approved,
		RejectedCount:      tally.Rejected,
		ReturnedCount:      tally.Returned,
		PendingCount:       tally.Pending,
		CompletionRule:     def.CompletionRule,
		MinApprovals:       def.MinApprovals,
	}
	if !done {
		return res, tx.UpsertCompletionStatus(ctx, cs)
	}

	cs.IsCompleted = true
	cs.Outcome = outcome
	cs.CompletedAt = &now
	res.completed = true
	res.outcome = outcome

	// Leftover approvals are moot once the step is decided. Failing to
	// cancel them must not fail the decision that completed the step.
	if tally.Pending > 0 {
		n, err := tx.CancelPending(ctx, inst.ID, def.Sequence, now, "step completed "+strings.ToLower(outcome))
		if err != nil {
			e.metrics.RecordCancellationFailure()
			e.logger.Warn("cancel pending step instances failed",
				zap.String("instance_id", inst.ID),
				zap.Int("step_sequence", def.Sequence),
				zap.Error(err),
			)
		} else {
			cs.PendingCount -= n
			if err := tx.AppendEvent(ctx, e.event(inst.ID, def.Sequence, EventPendingCancelled, systemActor, map[string]any{
				"cancelled": n,
			}, "")); err != nil {
				return res, err
			}
		}
	}
	if err := tx.UpsertCompletionStatus(ctx, cs); err != nil {
		return res, err
	}
	if err := tx.AppendEvent(ctx, e.event(inst.ID, def.Sequence, EventStepCompleted, actor, map[string]any{
		"outcome":  outcome,
		"approved": tally.Approved,
		"rejected": tally.Rejected,
		"returned": tally.Returned,
		"total":    tally.Total,
	}, "")); err != nil {
		return res, err
	}

	var next model.StepDefinition
	hasNext := false
	if outcome == model.OutcomeApproved {
		next, hasNext = inst.Step(def.Sequence + 1)
	}

	switch {
	case hasNext:
		inst.CurrentStepSequence = next.Sequence
	case outcome == model.OutcomeApproved:
		inst.Status = model.WorkflowStatusApproved
		inst.CompletedAt = &now
	default:
		inst.Status = model.WorkflowStatusRejected
		inst.CompletedAt = &now
	}

	inst.UpdatedAt = now
	updated, err := tx.UpdateInstance(ctx, inst)
	if err != nil {
		return res, err
	}
	res.instance = updated

	if hasNext {
		assigned, err := e.initializeStep(ctx, tx, updated, next)
		if err != nil {
			return res, err
		}
		res.notifications = append(res.notifications,
			e.notification(updated, notify.EventStepAssigned, next.Sequence, "", agentIDs(assigned)))
		return res, nil
	}

	res.terminated = true
	if err := tx.AppendEvent(ctx, e.event(inst.ID, def.Sequence, EventInstanceCompleted, actor, map[string]any{
		"status": updated.Status,
	}, "")); err != nil {
		return res, err
	}
	res.notifications = append(res.notifications,
		e.notification(updated, notify.EventInstanceCompleted, def.Sequence, actor, []string{updated.CreatedBy}))
	return res, nil
}

func (e *Engine) recordStepResult(res stepResult) {
	if !res.completed {
		return
	}
	e.metrics.RecordStepCompletion(res.rule, res.outcome)
	if res.terminated {
		e.metrics.RecordInstanceCompletion(res.instance.ObjectCategory, res.instance.Status)
	}
}

// BulkDecide records the same decision on several step instances. Each id is
// its own unit of work; the result for every id is reported in input order.
func (e *Engine) BulkDecide(ctx context.Context, rctx *model.RequestContext, stepInstanceIDs []string, decision, comments string) []model.DecisionResult {
	results := make([]model.DecisionResult, len(stepInstanceIDs))

	var g errgroup.Group
	g.SetLimit(e.bulkConcurrency)
	for i, id := range stepInstanceIDs {
		g.Go(func() error {
			results[i] = model.DecisionResult{StepInstanceID: id, Success: true}
			if _, err := e.RecordDecision(ctx, rctx, id, decision, comments); err != nil {
				results[i].Success = false
				results[i].Error = model.AsEnvelope("record decision", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Escalate marks every PENDING step instance of the instance's current step
// ESCALATED. With re-assignment enabled each escalated approval is handed to
// the agent's manager.
func (e *Engine) Escalate(ctx context.Context, rctx *model.RequestContext, instanceID string, stepSequence int, reason string) (EscalationOutcome, error) {
	if err := requireTenant(rctx); err != nil {
		return EscalationOutcome{}, err
	}
	if _, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID); err != nil {
		return EscalationOutcome{}, fail("load instance", err)
	}
	return e.escalate(ctx, actorOf(rctx), instanceID, stepSequence, reason, TriggerManual, nil)
}

// escalate escalates the PENDING step instances of one step. When only is
// non-nil, only the listed step instances are escalated.
func (e *Engine) escalate(ctx context.Context, actor, instanceID string, stepSequence int, reason, trigger string, only map[string]bool) (out EscalationOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.escalate",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepSequence.Int(stepSequence),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var res stepResult
	var outbox []notify.Event
	err = e.store.Atomic(ctx, instanceID, func(ctx context.Context, tx InstanceTx) error {
		outbox = outbox[:0]
		out = EscalationOutcome{}

		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsTerminal() {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"workflow instance %q is %s", inst.ID, inst.Status,
			))
		}
		if stepSequence != inst.CurrentStepSequence {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"step %d is not the current step (%d)", stepSequence, inst.CurrentStepSequence,
			))
		}
		def, ok := inst.Step(stepSequence)
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("step %d not found on instance %q", stepSequence, inst.ID))
		}

		steps, err := tx.GetStepInstances(ctx, inst.ID, stepSequence)
		if err != nil {
			return err
		}
		// Agents holding a live assignment on this step, decided or not.
		assigned := make(map[string]bool)
		for _, s := range steps {
			if s.Status != model.StepStatusEscalated {
				assigned[s.AssignedAgentID] = true
			}
		}

		now := e.now()
		for _, s := range steps {
			if s.Status != model.StepStatusPending || (only != nil && !only[s.ID]) {
				continue
			}
			s.Status = model.StepStatusEscalated
			s.Comments = reason
			s.DecidedAt = &now

			if e.reassignOnEscalation {
				mgr, found, err := e.agents.Manager(ctx, inst.TenantID, s.AssignedAgentID)
				if err != nil {
					return err
				}
				if found {
					s.EscalatedTo = mgr.EmployeeID
					// A manager already assigned to this step keeps the one
					// approval they hold, so no agent counts twice.
					if !assigned[mgr.EmployeeID] {
						mgr.StepAgentID = s.StepAgentID
						replacement := e.newStepInstance(inst.ID, def, mgr, now)
						out.Replacements = append(out.Replacements, replacement)
						assigned[mgr.EmployeeID] = true
					}
				}
			}
			if err := tx.UpdateStepInstance(ctx, s); err != nil {
				return err
			}
			out.Escalated = append(out.Escalated, s)
		}
		if len(out.Escalated) == 0 {
			out.Instance = inst
			return nil
		}
		if len(out.Replacements) > 0 {
			if err := tx.CreateStepInstances(ctx, out.Replacements); err != nil {
				return err
			}
		}

		if err := tx.AppendEvent(ctx, e.event(inst.ID, stepSequence, EventStepEscalated, actor, map[string]any{
			"trigger":      trigger,
			"escalated":    agentIDs(out.Escalated),
			"replacements": agentIDs(out.Replacements),
		}, reason)); err != nil {
			return err
		}
		outbox = append(outbox, e.notification(inst, notify.EventStepEscalated, stepSequence, actor, agentIDs(out.Escalated)))
		if len(out.Replacements) > 0 {
			outbox = append(outbox, e.notification(inst, notify.EventStepAssigned, stepSequence, actor, agentIDs(out.Replacements)))
		}

		// Escalations without a replacement can decide the step.
		res, err = e.evaluateStep(ctx, tx, inst, def, actor)
		if err != nil {
			return err
		}
		outbox = append(outbox, res.notifications...)
		out.Instance = res.instance
		return nil
	})
	if err != nil {
		return EscalationOutcome{}, fail("escalate step", err)
	}

	e.metrics.RecordEscalation(trigger, len(out.Escalated))
	e.recordStepResult(res)
	if len(out.Escalated) > 0 {
		observability.RequestLogger(ctx, e.logger).Info("step escalated",
			zap.String("instance_id", instanceID),
			zap.Int("step_sequence", stepSequence),
			zap.String("trigger", trigger),
			zap.Int("escalated", len(out.Escalated)),
			zap.Int("replacements", len(out.Replacements)),
		)
	}
	e.publish(ctx, outbox)
	return out, nil
}

// EscalateOverdue escalates every PENDING step instance whose timeout passed
// before now, up to limit (0 = unbounded). It returns the number of step
// instances escalated. Failures on one instance are logged and do not stop
// the others.
func (e *Engine) EscalateOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := e.store.FindOverdue(ctx, e.now(), limit)
	if err != nil {
		return 0, fail("find overdue steps", err)
	}

	type stepRef struct {
		instanceID string
		sequence   int
	}
	var order []stepRef
	groups := make(map[stepRef]map[string]bool)
	for _, o := range overdue {
		ref := stepRef{o.InstanceID, o.StepSequence}
		if groups[ref] == nil {
			groups[ref] = make(map[string]bool)
			order = append(order, ref)
		}
		groups[ref][o.StepInstanceID] = true
	}

	total := 0
	for _, ref := range order {
		out, err := e.escalate(ctx, systemActor, ref.instanceID, ref.sequence, "approval timeout exceeded", TriggerTimeout, groups[ref])
		if err != nil {
			e.logger.Warn("escalate overdue step failed",
				zap.String("instance_id", ref.instanceID),
				zap.Int("step_sequence", ref.sequence),
				zap.Error(err),
			)
			continue
		}
		total += len(out.Escalated)
	}
	return total, nil
}

// Cancel withdraws an ACTIVE instance. Pending approvals of the current step
// are cancelled with it.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := requireTenant(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if _, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID); err != nil {
		return model.WorkflowInstance{}, fail("load instance", err)
	}

	actor := actorOf(rctx)
	var outbox []notify.Event
	err = e.store.Atomic(ctx, instanceID, func(ctx context.Context, tx InstanceTx) error {
		outbox = outbox[:0]

		cur, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			return model.NewInvalidStepTransitionError(fmt.Sprintf(
				"workflow instance %q is %s", cur.ID, cur.Status,
			))
		}

		now := e.now()
		if _, err := tx.CancelPending(ctx, cur.ID, cur.CurrentStepSequence, now, reason); err != nil {
			return err
		}
		cur.Status = model.WorkflowStatusCancelled
		cur.CompletedAt = &now
		cur.UpdatedAt = now
		inst, err = tx.UpdateInstance(ctx, cur)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e.event(cur.ID, cur.CurrentStepSequence, EventInstanceCancelled, actor, nil, reason)); err != nil {
			return err
		}
		outbox = append(outbox, e.notification(inst, notify.EventInstanceCancelled, cur.CurrentStepSequence, actor, []string{inst.CreatedBy}))
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, fail("cancel instance", err)
	}

	e.metrics.RecordInstanceCompletion(inst.ObjectCategory, inst.Status)
	observability.RequestLogger(ctx, e.logger).Info("approval instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("reason", reason),
	)
	e.publish(ctx, outbox)
	return inst, nil
}

// GetInstance returns an instance with the status of every step initialized
// so far.
func (e *Engine) GetInstance(ctx context.Context, tenantID, instanceID string) (model.InstanceView, error) {
	inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return model.InstanceView{}, fail("load instance", err)
	}

	view := model.InstanceView{WorkflowInstance: inst, StepStatuses: []model.StepStatus{}}
	for _, def := range inst.Steps {
		if def.Sequence > inst.CurrentStepSequence {
			break
		}
		ss, err := e.stepStatus(ctx, inst, def)
		if err != nil {
			return model.InstanceView{}, err
		}
		view.StepStatuses = append(view.StepStatuses, ss)
	}
	return view, nil
}

// GetStepStatus returns the definition, cached tally, and step instances of
// one step.
func (e *Engine) GetStepStatus(ctx context.Context, tenantID, instanceID string, stepSequence int) (model.StepStatus, error) {
	inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return model.StepStatus{}, fail("load instance", err)
	}
	def, ok := inst.Step(stepSequence)
	if !ok {
		return model.StepStatus{}, model.NewNotFoundError(
			fmt.Sprintf("step %d not found on instance %q", stepSequence, instanceID),
		)
	}
	return e.stepStatus(ctx, inst, def)
}

func (e *Engine) stepStatus(ctx context.Context, inst model.WorkflowInstance, def model.StepDefinition) (model.StepStatus, error) {
	ss := model.StepStatus{Definition: def}

	cs, ok, err := e.store.GetCompletionStatus(ctx, inst.ID, def.Sequence)
	if err != nil {
		return model.StepStatus{}, fail("load completion status", err)
	}
	if ok {
		ss.Completion = &cs
	}

	steps, err := e.store.GetStepInstances(ctx, inst.ID, def.Sequence)
	if err != nil {
		return model.StepStatus{}, fail("load step instances", err)
	}
	if steps == nil {
		steps = []model.StepInstance{}
	}
	ss.Instances = steps
	return ss, nil
}

// ListInstances lists a tenant's instances, newest first.
func (e *Engine) ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	result, err := e.store.FindInstances(ctx, tenantID, filters)
	if err != nil {
		return nil, fail("list instances", err)
	}
	return result, nil
}

// GetPendingApprovals returns an agent's PENDING approvals on ACTIVE
// instances, oldest first.
func (e *Engine) GetPendingApprovals(ctx context.Context, tenantID, agentID string) ([]model.PendingApproval, error) {
	result, err := e.store.ListPendingForAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, fail("list pending approvals", err)
	}
	if result == nil {
		result = []model.PendingApproval{}
	}
	return result, nil
}

// GetAgentWorkload counts an agent's PENDING approvals by object type.
func (e *Engine) GetAgentWorkload(ctx context.Context, tenantID, agentID string) (model.AgentWorkload, error) {
	pending, err := e.GetPendingApprovals(ctx, tenantID, agentID)
	if err != nil {
		return model.AgentWorkload{}, err
	}
	w := model.AgentWorkload{AgentID: agentID, ByObjectType: make(map[string]int)}
	for _, p := range pending {
		w.TotalPending++
		w.ByObjectType[p.ObjectType]++
	}
	return w, nil
}

// GetEvents returns the audit trail of an instance.
func (e *Engine) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	events, err := e.store.GetEvents(ctx, tenantID, instanceID)
	if err != nil {
		return nil, fail("load events", err)
	}
	return events, nil
}

func (e *Engine) event(instanceID string, stepSequence int, name, actor string, data map[string]any, comment string) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instanceID,
		StepSequence:       stepSequence,
		Event:              name,
		ActorID:            actor,
		Data:               data,
		Comment:            comment,
		Timestamp:          e.now(),
	}
}

func (e *Engine) notification(inst model.WorkflowInstance, eventType string, stepSequence int, actor string, recipients []string) notify.Event {
	return notify.Event{
		EventType:    eventType,
		TenantID:     inst.TenantID,
		InstanceID:   inst.ID,
		ObjectType:   inst.ObjectType,
		ObjectID:     inst.ObjectID,
		StepSequence: stepSequence,
		ActorID:      actor,
		Recipients:   recipients,
		Status:       inst.Status,
		Timestamp:    e.now(),
	}
}

// publish sends events after commit. Delivery failures are logged only.
func (e *Engine) publish(ctx context.Context, events []notify.Event) {
	for _, evt := range events {
		if err := e.publisher.Publish(ctx, evt); err != nil {
			e.metrics.RecordNotification(evt.EventType, "error")
			e.logger.Warn("publish workflow event failed",
				zap.String("event_type", evt.EventType),
				zap.String("instance_id", evt.InstanceID),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordNotification(evt.EventType, "success")
	}
}

func decisionStatus(decision string) (string, bool) {
	switch decision {
	case model.DecisionApprove:
		return model.StepStatusApproved, true
	case model.DecisionReject:
		return model.StepStatusRejected, true
	case model.DecisionReturn:
		return model.StepStatusReturned, true
	default:
		return "", false
	}
}

func requireTenant(rctx *model.RequestContext) error {
	if rctx == nil || rctx.TenantID == "" {
		return model.NewBadRequestError("tenant is required")
	}
	return nil
}

func actorOf(rctx *model.RequestContext) string {
	if rctx == nil || rctx.SubjectID == "" {
		return systemActor
	}
	return rctx.SubjectID
}

func categoryOf(ni NewInstance) string {
	if ni.ObjectCategory != "" {
		return ni.ObjectCategory
	}
	return ni.Policy.ObjectCategory
}

func requester(inst model.WorkflowInstance) string {
	if inst.Context.RequestedBy != "" {
		return inst.Context.RequestedBy
	}
	return inst.CreatedBy
}

func agentIDs(steps []model.StepInstance) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.AssignedAgentID)
	}
	return ids
}

// fail converts err into an *model.ErrorEnvelope. err must be non-nil.
func fail(op string, err error) error {
	return model.AsEnvelope(op, err)
}

// statusLabel is the metrics status of an operation result.
func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(model.AsEnvelope("", err).Code)
}
