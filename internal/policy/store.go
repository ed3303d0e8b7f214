// Package policy selects the approval policy that governs a request: it finds
// the candidate policies for an object type and scores them against the
// request context.
package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/quorum/model"
)

// Catalog is the read side of the policy and object type configuration.
type Catalog interface {
	// GetObjectType returns the object type, or false if the tenant has no
	// such object type.
	GetObjectType(ctx context.Context, tenantID, objectType string) (model.ObjectType, bool, error)

	// GetPolicies returns the tenant's policies matching the filters in
	// catalog order.
	GetPolicies(ctx context.Context, tenantID string, filters model.PolicyFilters) ([]model.Policy, error)
}

// Store finds and selects policies.
type Store struct {
	catalog Catalog
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for selection diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a policy Store over the given catalog.
func NewStore(catalog Catalog, opts ...Option) *Store {
	s := &Store{catalog: catalog, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ObjectType returns the object type or NOT_FOUND.
func (s *Store) ObjectType(ctx context.Context, tenantID, objectType string) (model.ObjectType, error) {
	ot, ok, err := s.catalog.GetObjectType(ctx, tenantID, objectType)
	if err != nil {
		return model.ObjectType{}, model.AsEnvelope("load object type", err)
	}
	if !ok {
		return model.ObjectType{}, model.NewNotFoundError(
			fmt.Sprintf("unknown object type %q", objectType),
		)
	}
	return ot, nil
}

// FindCandidatePolicies returns the active policies of a tenant that apply
// to the object type within the category.
func (s *Store) FindCandidatePolicies(ctx context.Context, tenantID, objectType, category string) ([]model.Policy, error) {
	filters := model.PolicyFilters{
		ObjectType: objectType,
		Category:   category,
		ActiveOnly: true,
	}
	policies, err := s.catalog.GetPolicies(ctx, tenantID, filters)
	if err != nil {
		return nil, model.AsEnvelope("load policies", err)
	}

	// Catalog implementations may ignore filters; enforce them here.
	candidates := make([]model.Policy, 0, len(policies))
	for _, p := range policies {
		if filters.Matches(p) {
			candidates = append(candidates, p)
		}
	}
	return candidates, nil
}

// Select resolves the object type of the request and returns it together
// with the best matching policy. It fails with POLICY_NOT_FOUND when no
// candidate exists.
func (s *Store) Select(ctx context.Context, tenantID string, req model.ApprovalRequest) (model.ObjectType, model.Policy, error) {
	ot, err := s.ObjectType(ctx, tenantID, req.ObjectType)
	if err != nil {
		return model.ObjectType{}, model.Policy{}, err
	}

	candidates, err := s.FindCandidatePolicies(ctx, tenantID, ot.ObjectType, ot.ObjectCategory)
	if err != nil {
		return model.ObjectType{}, model.Policy{}, err
	}

	best, ok := SelectBestPolicy(candidates, req.Context)
	if !ok {
		return model.ObjectType{}, model.Policy{}, model.NewPolicyNotFoundError(ot.ObjectType, ot.ObjectCategory)
	}

	s.logger.Debug("policy selected",
		zap.String("tenant_id", tenantID),
		zap.String("object_type", ot.ObjectType),
		zap.String("policy_id", best.ID),
		zap.Int("candidates", len(candidates)),
	)
	return ot, best, nil
}
