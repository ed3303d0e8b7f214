package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/quorum/model"
)

// Store persists workflow instances, their step instances, completion
// counters, and audit events.
//
// All mutations of one instance go through Atomic, which serializes them: the
// function passed to Atomic sees a consistent view of the instance and its
// writes become visible together or not at all.
type Store interface {
	// Atomic runs fn in a unit of work locked on instanceID. An empty
	// instanceID is used for creating a new instance. Returning an error
	// from fn discards every write made through tx.
	Atomic(ctx context.Context, instanceID string, fn func(ctx context.Context, tx InstanceTx) error) error

	// GetInstance returns an instance scoped to a tenant. Returns NOT_FOUND
	// if it doesn't exist or belongs to a different tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// GetStepInstance returns a step instance together with the tenant of
	// its owning instance. Returns NOT_FOUND if it doesn't exist.
	GetStepInstance(ctx context.Context, stepInstanceID string) (model.StepInstance, string, error)

	// GetStepInstances returns the step instances of one step, oldest first.
	GetStepInstances(ctx context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error)

	// GetCompletionStatus returns the cached tally of one step, or false if
	// the step was never initialized.
	GetCompletionStatus(ctx context.Context, instanceID string, stepSequence int) (model.StepCompletionStatus, bool, error)

	// ListPendingForAgent returns the PENDING step instances of an agent on
	// ACTIVE instances of a tenant, oldest first.
	ListPendingForAgent(ctx context.Context, tenantID, agentID string) ([]model.PendingApproval, error)

	// FindInstances lists a tenant's instances, newest first.
	FindInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// FindOverdue returns PENDING step instances of ACTIVE instances whose
	// timeout is before cutoff, oldest timeout first.
	FindOverdue(ctx context.Context, cutoff time.Time, limit int) ([]OverdueStep, error)

	// GetEvents returns the audit trail of an instance, oldest first.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)
}

// InstanceTx is the view of the store inside Atomic.
type InstanceTx interface {
	// CreateInstance persists a new instance. Returns CONFLICT if the
	// tenant already has an ACTIVE instance for the same object.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance reads the locked instance.
	GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// UpdateInstance persists inst, including the UpdatedAt the caller
	// set, if its version matches the stored version and increments the
	// version. Returns CONFLICT otherwise.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	CreateStepInstances(ctx context.Context, steps []model.StepInstance) error
	UpdateStepInstance(ctx context.Context, step model.StepInstance) error
	GetStepInstance(ctx context.Context, stepInstanceID string) (model.StepInstance, error)
	GetStepInstances(ctx context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error)

	// UpsertCompletionStatus replaces the cached tally of one step.
	UpsertCompletionStatus(ctx context.Context, status model.StepCompletionStatus) error

	// CancelPending marks every PENDING step instance of a step CANCELLED
	// and returns how many changed.
	CancelPending(ctx context.Context, instanceID string, stepSequence int, at time.Time, comment string) (int, error)

	AppendEvent(ctx context.Context, event model.WorkflowEvent) error
}

// OverdueStep identifies a pending step instance past its timeout.
type OverdueStep struct {
	TenantID       string
	InstanceID     string
	StepSequence   int
	StepInstanceID string
	TimeoutAt      time.Time
}
