// Package flow turns a selected policy into an ordered list of approval
// steps. Category specific generation lives behind the Strategy interface;
// the Registry dispatches on the policy's object category and owns sequence
// numbering.
package flow

import (
	"context"
	"sync"

	"github.com/pitabwire/quorum/model"
)

// Strategy generates the approval steps for one object category. Strategies
// do not need to number their steps; the Registry does that.
type Strategy interface {
	Generate(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error)

// Generate calls f.
func (f StrategyFunc) Generate(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error) {
	return f(ctx, tenantID, p, req)
}

// Directory is the organizational data the built-in strategies read.
type Directory interface {
	GetOrganizationalHierarchy(ctx context.Context, tenantID string) ([]model.OrgNode, error)
	GetApprovers(ctx context.Context, tenantID, domain string) ([]model.Approver, error)
}

// Registry maps object categories to strategies. It is safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewRegistry creates an empty registry that uses fallback for categories
// without a registered strategy.
func NewRegistry(fallback Strategy) *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		fallback:   fallback,
	}
}

// NewDefaultRegistry creates a registry with the built-in strategies for
// every known category.
func NewDefaultRegistry(dir Directory) *Registry {
	r := NewRegistry(StrategyFunc(defaultFlow))
	r.Register(model.CategoryFinancial, &FinancialStrategy{Directory: dir})
	r.Register(model.CategoryDocument, StrategyFunc(documentFlow))
	r.Register(model.CategoryStorage, StrategyFunc(storageFlow))
	r.Register(model.CategoryTravel, StrategyFunc(travelFlow))
	r.Register(model.CategoryHR, StrategyFunc(hrFlow))
	return r
}

// Register installs or replaces the strategy for a category.
func (r *Registry) Register(category string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[category] = s
}

// Lookup returns the strategy for a category, falling back to the default.
func (r *Registry) Lookup(category string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[category]; ok {
		return s
	}
	return r.fallback
}

// Generate runs the strategy for the policy's category and numbers the
// resulting steps contiguously from 1.
func (r *Registry) Generate(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error) {
	s := r.Lookup(p.ObjectCategory)
	if s == nil {
		return nil, nil
	}
	steps, err := s.Generate(ctx, tenantID, p, req)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Sequence = i + 1
	}
	return steps, nil
}
