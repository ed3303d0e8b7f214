package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/quorum/model"
)

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Atomic runs in a
// transaction holding a row lock on the instance.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Atomic runs fn in a transaction. For an existing instance the row is
// locked with SELECT ... FOR UPDATE before fn runs.
func (s *PgStore) Atomic(ctx context.Context, instanceID string, fn func(ctx context.Context, tx InstanceTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if instanceID != "" {
			var id string
			err := tx.QueryRow(ctx,
				`SELECT id FROM workflow_instances WHERE id = $1 FOR UPDATE`, instanceID,
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return instanceNotFound(instanceID)
			}
			if err != nil {
				return fmt.Errorf("lock workflow instance: %w", err)
			}
		}
		return fn(ctx, &pgTx{tx: tx})
	})
}

const instanceColumns = `id, tenant_id, object_type, object_id, object_category,
	policy_id, policy_name, strategy, status, current_step_sequence, total_steps,
	steps, context, created_by, created_at, updated_at, completed_at, version`

const stepColumns = `id, workflow_instance_id, workflow_step_id, step_agent_id, step_sequence,
	assigned_agent_id, assigned_agent_name, assigned_agent_role, status, decision,
	comments, decided_at, timeout_at, escalated_to, created_at`

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst        model.WorkflowInstance
		stepsJSON   []byte
		contextJSON []byte
	)
	if err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.ObjectType, &inst.ObjectID, &inst.ObjectCategory,
		&inst.PolicyID, &inst.PolicyName, &inst.Strategy, &inst.Status, &inst.CurrentStepSequence, &inst.TotalSteps,
		&stepsJSON, &contextJSON, &inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return inst, nil
}

func scanStep(row pgx.Row) (model.StepInstance, error) {
	var step model.StepInstance
	err := row.Scan(
		&step.ID, &step.WorkflowInstanceID, &step.WorkflowStepID, &step.StepAgentID, &step.StepSequence,
		&step.AssignedAgentID, &step.AssignedAgentName, &step.AssignedAgentRole, &step.Status, &step.Decision,
		&step.Comments, &step.DecidedAt, &step.TimeoutAt, &step.EscalatedTo, &step.CreatedAt,
	)
	return step, err
}

func getInstance(ctx context.Context, q querier, where string, args ...any) (model.WorkflowInstance, error) {
	inst, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(fmt.Sprint(args[0]))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func getStepInstances(ctx context.Context, q querier, instanceID string, stepSequence int) ([]model.StepInstance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+stepColumns+`
		FROM step_instances
		WHERE workflow_instance_id = $1 AND step_sequence = $2
		ORDER BY created_at ASC, id ASC`,
		instanceID, stepSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("query step instances: %w", err)
	}
	defer rows.Close()

	var steps []model.StepInstance
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step instance: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetInstance returns an instance scoped to a tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	return getInstance(ctx, s.pool, `id = $1 AND tenant_id = $2`, instanceID, tenantID)
}

// GetStepInstance returns a step instance and its owner's tenant.
func (s *PgStore) GetStepInstance(ctx context.Context, stepInstanceID string) (model.StepInstance, string, error) {
	var tenantID string
	row := s.pool.QueryRow(ctx, `
		SELECT s.id, s.workflow_instance_id, s.workflow_step_id, s.step_agent_id, s.step_sequence,
		       s.assigned_agent_id, s.assigned_agent_name, s.assigned_agent_role, s.status, s.decision,
		       s.comments, s.decided_at, s.timeout_at, s.escalated_to, s.created_at, i.tenant_id
		FROM step_instances s
		JOIN workflow_instances i ON i.id = s.workflow_instance_id
		WHERE s.id = $1`,
		stepInstanceID,
	)
	var step model.StepInstance
	err := row.Scan(
		&step.ID, &step.WorkflowInstanceID, &step.WorkflowStepID, &step.StepAgentID, &step.StepSequence,
		&step.AssignedAgentID, &step.AssignedAgentName, &step.AssignedAgentRole, &step.Status, &step.Decision,
		&step.Comments, &step.DecidedAt, &step.TimeoutAt, &step.EscalatedTo, &step.CreatedAt, &tenantID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepInstance{}, "", stepInstanceNotFound(stepInstanceID)
	}
	if err != nil {
		return model.StepInstance{}, "", fmt.Errorf("query step instance: %w", err)
	}
	return step, tenantID, nil
}

// GetStepInstances returns the step instances of one step.
func (s *PgStore) GetStepInstances(ctx context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error) {
	return getStepInstances(ctx, s.pool, instanceID, stepSequence)
}

// GetCompletionStatus returns the cached tally of one step.
func (s *PgStore) GetCompletionStatus(ctx context.Context, instanceID string, stepSequence int) (model.StepCompletionStatus, bool, error) {
	var c model.StepCompletionStatus
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_instance_id, workflow_step_id, step_sequence, total_agents,
		       approved_count, rejected_count, returned_count, pending_count,
		       completion_rule, min_approvals, is_completed, outcome, completed_at
		FROM step_completion_status
		WHERE workflow_instance_id = $1 AND step_sequence = $2`,
		instanceID, stepSequence,
	).Scan(
		&c.WorkflowInstanceID, &c.WorkflowStepID, &c.StepSequence, &c.TotalAgents,
		&c.ApprovedCount, &c.RejectedCount, &c.ReturnedCount, &c.PendingCount,
		&c.CompletionRule, &c.MinApprovals, &c.IsCompleted, &c.Outcome, &c.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepCompletionStatus{}, false, nil
	}
	if err != nil {
		return model.StepCompletionStatus{}, false, fmt.Errorf("query completion status: %w", err)
	}
	return c, true, nil
}

// ListPendingForAgent returns an agent's pending approvals, oldest first.
func (s *PgStore) ListPendingForAgent(ctx context.Context, tenantID, agentID string) ([]model.PendingApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.workflow_instance_id, s.workflow_step_id, s.step_agent_id, s.step_sequence,
		       s.assigned_agent_id, s.assigned_agent_name, s.assigned_agent_role, s.status, s.decision,
		       s.comments, s.decided_at, s.timeout_at, s.escalated_to, s.created_at,
		       i.tenant_id, i.object_type, i.object_id, i.object_category, i.policy_name,
		       i.created_by, i.created_at, i.steps
		FROM step_instances s
		JOIN workflow_instances i ON i.id = s.workflow_instance_id
		WHERE i.tenant_id = $1 AND s.assigned_agent_id = $2
		  AND s.status = 'PENDING' AND i.status = 'ACTIVE'
		ORDER BY s.created_at ASC, s.id ASC`,
		tenantID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var result []model.PendingApproval
	for rows.Next() {
		var (
			pa        model.PendingApproval
			stepsJSON []byte
		)
		step := &pa.StepInstance
		if err := rows.Scan(
			&step.ID, &step.WorkflowInstanceID, &step.WorkflowStepID, &step.StepAgentID, &step.StepSequence,
			&step.AssignedAgentID, &step.AssignedAgentName, &step.AssignedAgentRole, &step.Status, &step.Decision,
			&step.Comments, &step.DecidedAt, &step.TimeoutAt, &step.EscalatedTo, &step.CreatedAt,
			&pa.TenantID, &pa.ObjectType, &pa.ObjectID, &pa.ObjectCategory, &pa.PolicyName,
			&pa.SubmittedBy, &pa.SubmittedAt, &stepsJSON,
		); err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		var defs []model.StepDefinition
		if len(stepsJSON) > 0 && json.Unmarshal(stepsJSON, &defs) == nil {
			for _, d := range defs {
				if d.Sequence == step.StepSequence {
					pa.StepName = d.Name
					break
				}
			}
		}
		result = append(result, pa)
	}
	return result, rows.Err()
}

// FindInstances lists a tenant's instances, newest first.
func (s *PgStore) FindInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.ObjectType != "" {
		query += fmt.Sprintf(" AND object_type = $%d", argIdx)
		args = append(args, filters.ObjectType)
		argIdx++
	}
	if filters.ObjectID != "" {
		query += fmt.Sprintf(" AND object_id = $%d", argIdx)
		args = append(args, filters.ObjectID)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// FindOverdue returns pending step instances past their timeout.
func (s *PgStore) FindOverdue(ctx context.Context, cutoff time.Time, limit int) ([]OverdueStep, error) {
	query := `
		SELECT i.tenant_id, s.workflow_instance_id, s.step_sequence, s.id, s.timeout_at
		FROM step_instances s
		JOIN workflow_instances i ON i.id = s.workflow_instance_id
		WHERE s.status = 'PENDING' AND i.status = 'ACTIVE'
		  AND s.timeout_at IS NOT NULL AND s.timeout_at < $1
		ORDER BY s.timeout_at ASC, s.id ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overdue steps: %w", err)
	}
	defer rows.Close()

	var result []OverdueStep
	for rows.Next() {
		var o OverdueStep
		if err := rows.Scan(&o.TenantID, &o.InstanceID, &o.StepSequence, &o.StepInstanceID, &o.TimeoutAt); err != nil {
			return nil, fmt.Errorf("scan overdue step: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// GetEvents returns the audit trail of an instance.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, step_sequence, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE workflow_instance_id = $1
		ORDER BY created_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var (
			evt      model.WorkflowEvent
			dataJSON []byte
		)
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowInstanceID, &evt.StepSequence, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// pgTx implements InstanceTx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inst.ID, inst.TenantID, inst.ObjectType, inst.ObjectID, inst.ObjectCategory,
		inst.PolicyID, inst.PolicyName, inst.Strategy, inst.Status, inst.CurrentStepSequence, inst.TotalSteps,
		stepsJSON, contextJSON, inst.CreatedBy, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf(
			"%s %q already has an active approval instance", inst.ObjectType, inst.ObjectID,
		))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return getInstance(ctx, t.tx, `id = $1`, instanceID)
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_sequence = $2,
			completed_at = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		inst.Status, inst.CurrentStepSequence, inst.CompletedAt, inst.Version+1, inst.UpdatedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	return inst, nil
}

func (t *pgTx) CreateStepInstances(ctx context.Context, steps []model.StepInstance) error {
	batch := &pgx.Batch{}
	for _, s := range steps {
		batch.Queue(`
			INSERT INTO step_instances (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			s.ID, s.WorkflowInstanceID, s.WorkflowStepID, s.StepAgentID, s.StepSequence,
			s.AssignedAgentID, s.AssignedAgentName, s.AssignedAgentRole, s.Status, s.Decision,
			s.Comments, s.DecidedAt, s.TimeoutAt, s.EscalatedTo, s.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert step instances: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateStepInstance(ctx context.Context, s model.StepInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE step_instances SET
			status = $1, decision = $2, comments = $3, decided_at = $4, escalated_to = $5
		WHERE id = $6`,
		s.Status, s.Decision, s.Comments, s.DecidedAt, s.EscalatedTo, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stepInstanceNotFound(s.ID)
	}
	return nil
}

func (t *pgTx) GetStepInstance(ctx context.Context, stepInstanceID string) (model.StepInstance, error) {
	step, err := scanStep(t.tx.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM step_instances WHERE id = $1`, stepInstanceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepInstance{}, stepInstanceNotFound(stepInstanceID)
	}
	if err != nil {
		return model.StepInstance{}, fmt.Errorf("query step instance: %w", err)
	}
	return step, nil
}

func (t *pgTx) GetStepInstances(ctx context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error) {
	return getStepInstances(ctx, t.tx, instanceID, stepSequence)
}

func (t *pgTx) UpsertCompletionStatus(ctx context.Context, c model.StepCompletionStatus) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO step_completion_status (
			workflow_instance_id, step_sequence, workflow_step_id, total_agents,
			approved_count, rejected_count, returned_count, pending_count,
			completion_rule, min_approvals, is_completed, outcome, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (workflow_instance_id, step_sequence) DO UPDATE SET
			total_agents = EXCLUDED.total_agents,
			approved_count = EXCLUDED.approved_count,
			rejected_count = EXCLUDED.rejected_count,
			returned_count = EXCLUDED.returned_count,
			pending_count = EXCLUDED.pending_count,
			is_completed = EXCLUDED.is_completed,
			outcome = EXCLUDED.outcome,
			completed_at = EXCLUDED.completed_at`,
		c.WorkflowInstanceID, c.StepSequence, c.WorkflowStepID, c.TotalAgents,
		c.ApprovedCount, c.RejectedCount, c.ReturnedCount, c.PendingCount,
		c.CompletionRule, c.MinApprovals, c.IsCompleted, c.Outcome, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert completion status: %w", err)
	}
	return nil
}

// CancelPending runs in a savepoint so that a failure leaves the enclosing
// transaction usable.
func (t *pgTx) CancelPending(ctx context.Context, instanceID string, stepSequence int, at time.Time, comment string) (int, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, `
		UPDATE step_instances SET status = 'CANCELLED', decided_at = $1, comments = $2
		WHERE workflow_instance_id = $3 AND step_sequence = $4 AND status = 'PENDING'`,
		at, comment, instanceID, stepSequence,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		return 0, fmt.Errorf("cancel pending step instances: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return 0, fmt.Errorf("release savepoint: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_instance_id, step_sequence, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowInstanceID, event.StepSequence, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}
