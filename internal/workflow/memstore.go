package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/quorum/model"
)

type stepKey struct {
	instanceID string
	sequence   int
}

// MemoryStore is an in-memory Store for tests and single-process use.
// Atomic holds a per-instance lock and stages writes in a transaction that
// is applied under the store lock on success.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[string]model.WorkflowInstance
	steps      map[string]model.StepInstance
	stepIDs    map[string][]string // instance ID -> step instance IDs
	completion map[stepKey]model.StepCompletionStatus
	events     map[string][]model.WorkflowEvent

	locks sync.Map // instance ID -> *sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string]model.WorkflowInstance),
		steps:      make(map[string]model.StepInstance),
		stepIDs:    make(map[string][]string),
		completion: make(map[stepKey]model.StepCompletionStatus),
		events:     make(map[string][]model.WorkflowEvent),
	}
}

func (s *MemoryStore) lockFor(instanceID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Atomic runs fn with the instance locked and commits its writes if fn
// returns nil.
func (s *MemoryStore) Atomic(ctx context.Context, instanceID string, fn func(ctx context.Context, tx InstanceTx) error) error {
	if instanceID != "" {
		l := s.lockFor(instanceID)
		l.Lock()
		defer l.Unlock()
	}

	tx := &memTx{
		s:          s,
		instances:  make(map[string]model.WorkflowInstance),
		created:    make(map[string]bool),
		steps:      make(map[string]model.StepInstance),
		completion: make(map[stepKey]model.StepCompletionStatus),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.created {
		inst := tx.instances[id]
		if _, exists := s.instances[id]; exists {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", id))
		}
		if inst.Status == model.WorkflowStatusActive {
			if other, ok := s.activeFor(inst.TenantID, inst.ObjectType, inst.ObjectID); ok {
				return activeConflict(inst, other)
			}
		}
	}

	for id, inst := range tx.instances {
		s.instances[id] = inst
	}
	for _, id := range tx.newSteps {
		step := tx.steps[id]
		s.stepIDs[step.WorkflowInstanceID] = append(s.stepIDs[step.WorkflowInstanceID], id)
	}
	for id, step := range tx.steps {
		s.steps[id] = step
	}
	for k, c := range tx.completion {
		s.completion[k] = c
	}
	for _, evt := range tx.events {
		s.events[evt.WorkflowInstanceID] = append(s.events[evt.WorkflowInstanceID], evt)
	}
	return nil
}

// activeFor must be called with s.mu held.
func (s *MemoryStore) activeFor(tenantID, objectType, objectID string) (string, bool) {
	for id, inst := range s.instances {
		if inst.TenantID == tenantID && inst.ObjectType == objectType &&
			inst.ObjectID == objectID && inst.Status == model.WorkflowStatusActive {
			return id, true
		}
	}
	return "", false
}

func activeConflict(inst model.WorkflowInstance, existingID string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf(
		"%s %q already has active approval instance %q", inst.ObjectType, inst.ObjectID, existingID,
	))
}

func instanceNotFound(instanceID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
}

func stepInstanceNotFound(stepInstanceID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("step instance %q not found", stepInstanceID))
}

// GetInstance returns an instance scoped to a tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	return inst, nil
}

// GetStepInstance returns a step instance and its owner's tenant.
func (s *MemoryStore) GetStepInstance(_ context.Context, stepInstanceID string) (model.StepInstance, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[stepInstanceID]
	if !ok {
		return model.StepInstance{}, "", stepInstanceNotFound(stepInstanceID)
	}
	return step, s.instances[step.WorkflowInstanceID].TenantID, nil
}

// GetStepInstances returns the step instances of one step.
func (s *MemoryStore) GetStepInstances(_ context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepsOf(instanceID, stepSequence, nil), nil
}

// stepsOf must be called with s.mu held. Staged steps override committed
// ones.
func (s *MemoryStore) stepsOf(instanceID string, stepSequence int, tx *memTx) []model.StepInstance {
	ids := s.stepIDs[instanceID]
	if tx != nil {
		for _, id := range tx.newSteps {
			if tx.steps[id].WorkflowInstanceID == instanceID {
				ids = append(ids[:len(ids):len(ids)], id)
			}
		}
	}

	result := make([]model.StepInstance, 0, len(ids))
	for _, id := range ids {
		step, ok := s.steps[id]
		if tx != nil {
			if staged, ok2 := tx.steps[id]; ok2 {
				step, ok = staged, true
			}
		}
		if ok && step.StepSequence == stepSequence {
			result = append(result, step)
		}
	}
	sortSteps(result)
	return result
}

func sortSteps(steps []model.StepInstance) {
	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].ID < steps[j].ID
	})
}

// GetCompletionStatus returns the cached tally of one step.
func (s *MemoryStore) GetCompletionStatus(_ context.Context, instanceID string, stepSequence int) (model.StepCompletionStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.completion[stepKey{instanceID, stepSequence}]
	return c, ok, nil
}

// ListPendingForAgent returns an agent's pending approvals, oldest first.
func (s *MemoryStore) ListPendingForAgent(_ context.Context, tenantID, agentID string) ([]model.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingApproval
	for _, step := range s.steps {
		if step.AssignedAgentID != agentID || step.Status != model.StepStatusPending {
			continue
		}
		inst, ok := s.instances[step.WorkflowInstanceID]
		if !ok || inst.TenantID != tenantID || inst.Status != model.WorkflowStatusActive {
			continue
		}
		result = append(result, pendingApproval(inst, step))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func pendingApproval(inst model.WorkflowInstance, step model.StepInstance) model.PendingApproval {
	pa := model.PendingApproval{
		StepInstance:   step,
		TenantID:       inst.TenantID,
		ObjectType:     inst.ObjectType,
		ObjectID:       inst.ObjectID,
		ObjectCategory: inst.ObjectCategory,
		PolicyName:     inst.PolicyName,
		SubmittedBy:    inst.CreatedBy,
		SubmittedAt:    inst.CreatedAt,
	}
	if def, ok := inst.Step(step.StepSequence); ok {
		pa.StepName = def.Name
	}
	return pa
}

// FindInstances lists a tenant's instances, newest first.
func (s *MemoryStore) FindInstances(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.ObjectType != "" && inst.ObjectType != filters.ObjectType {
			continue
		}
		if filters.ObjectID != "" && inst.ObjectID != filters.ObjectID {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindOverdue returns pending step instances past their timeout.
func (s *MemoryStore) FindOverdue(_ context.Context, cutoff time.Time, limit int) ([]OverdueStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []OverdueStep
	for _, step := range s.steps {
		if step.Status != model.StepStatusPending || step.TimeoutAt == nil || !step.TimeoutAt.Before(cutoff) {
			continue
		}
		inst, ok := s.instances[step.WorkflowInstanceID]
		if !ok || inst.Status != model.WorkflowStatusActive {
			continue
		}
		result = append(result, OverdueStep{
			TenantID:       inst.TenantID,
			InstanceID:     inst.ID,
			StepSequence:   step.StepSequence,
			StepInstanceID: step.ID,
			TimeoutAt:      *step.TimeoutAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].TimeoutAt.Equal(result[j].TimeoutAt) {
			return result[i].TimeoutAt.Before(result[j].TimeoutAt)
		}
		return result[i].StepInstanceID < result[j].StepInstanceID
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// GetEvents returns the audit trail of an instance.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, instanceNotFound(instanceID)
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// memTx stages writes until the surrounding Atomic call commits.
type memTx struct {
	s          *MemoryStore
	instances  map[string]model.WorkflowInstance
	created    map[string]bool
	steps      map[string]model.StepInstance
	newSteps   []string
	completion map[stepKey]model.StepCompletionStatus
	events     []model.WorkflowEvent
}

func (tx *memTx) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	if _, ok := tx.instances[inst.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	tx.instances[inst.ID] = inst
	tx.created[inst.ID] = true
	return nil
}

func (tx *memTx) GetInstance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	if inst, ok := tx.instances[instanceID]; ok {
		return inst, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	inst, ok := tx.s.instances[instanceID]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	return inst, nil
}

func (tx *memTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	current, err := tx.GetInstance(ctx, inst.ID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if current.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(fmt.Sprintf(
			"workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, current.Version,
		))
	}
	inst.Version++
	tx.instances[inst.ID] = inst
	return inst, nil
}

func (tx *memTx) CreateStepInstances(_ context.Context, steps []model.StepInstance) error {
	for _, step := range steps {
		if _, ok := tx.steps[step.ID]; ok {
			return model.NewConflictError(fmt.Sprintf("step instance %q already exists", step.ID))
		}
		tx.steps[step.ID] = step
		tx.newSteps = append(tx.newSteps, step.ID)
	}
	return nil
}

func (tx *memTx) UpdateStepInstance(ctx context.Context, step model.StepInstance) error {
	if _, err := tx.GetStepInstance(ctx, step.ID); err != nil {
		return err
	}
	tx.steps[step.ID] = step
	return nil
}

func (tx *memTx) GetStepInstance(_ context.Context, stepInstanceID string) (model.StepInstance, error) {
	if step, ok := tx.steps[stepInstanceID]; ok {
		return step, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	step, ok := tx.s.steps[stepInstanceID]
	if !ok {
		return model.StepInstance{}, stepInstanceNotFound(stepInstanceID)
	}
	return step, nil
}

func (tx *memTx) GetStepInstances(_ context.Context, instanceID string, stepSequence int) ([]model.StepInstance, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.stepsOf(instanceID, stepSequence, tx), nil
}

func (tx *memTx) UpsertCompletionStatus(_ context.Context, status model.StepCompletionStatus) error {
	tx.completion[stepKey{status.WorkflowInstanceID, status.StepSequence}] = status
	return nil
}

func (tx *memTx) CancelPending(ctx context.Context, instanceID string, stepSequence int, at time.Time, comment string) (int, error) {
	steps, err := tx.GetStepInstances(ctx, instanceID, stepSequence)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, step := range steps {
		if step.Status != model.StepStatusPending {
			continue
		}
		step.Status = model.StepStatusCancelled
		step.DecidedAt = &at
		step.Comments = comment
		tx.steps[step.ID] = step
		n++
	}
	return n, nil
}

func (tx *memTx) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	tx.events = append(tx.events, event)
	return nil
}
