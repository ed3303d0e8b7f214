package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

// Catalog entry kinds reported by Counts and the catalog gauge.
const (
	KindObjectTypes = "object_types"
	KindPolicies    = "policies"
	KindOrgNodes    = "org_nodes"
	KindApprovers   = "approvers"
)

// tenantCatalog is one tenant's slice of the snapshot.
type tenantCatalog struct {
	objectTypes map[string]model.ObjectType
	policies    []model.Policy
	nodes       []model.OrgNode
	approvers   []model.Approver
}

// snapshot is an immutable view of all loaded documents indexed by tenant.
type snapshot struct {
	tenants  map[string]*tenantCatalog
	counts   map[string]int
	checksum string
}

// Registry is a read-optimized, thread-safe catalog. It uses atomic pointer
// swap for lock-free concurrent reads and satisfies policy.Catalog,
// flow.Directory, and agent.Directory.
type Registry struct {
	snap    atomic.Pointer[snapshot]
	metrics *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics records reloads and entry counts on m.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a Registry from the given documents.
func NewRegistry(docs []Document, opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, o := range opts {
		o(r)
	}
	r.Replace(docs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given documents. Documents of the same tenant are merged in order;
// a later object type with the same code wins.
func (r *Registry) Replace(docs []Document) {
	s := &snapshot{
		tenants: make(map[string]*tenantCatalog),
		counts:  make(map[string]int, 4),
	}

	checksumParts := make([]string, 0, len(docs))

	for _, doc := range docs {
		checksumParts = append(checksumParts, doc.Checksum)
		tc := s.tenant(doc.TenantID)

		for _, ot := range doc.ObjectTypes {
			tc.objectTypes[ot.ObjectType] = ot
		}
		tc.policies = append(tc.policies, doc.Policies...)
		tc.nodes = append(tc.nodes, doc.OrgNodes...)
		tc.approvers = append(tc.approvers, doc.Approvers...)
	}

	for _, tc := range s.tenants {
		s.counts[KindObjectTypes] += len(tc.objectTypes)
		s.counts[KindPolicies] += len(tc.policies)
		s.counts[KindOrgNodes] += len(tc.nodes)
		s.counts[KindApprovers] += len(tc.approvers)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)

	for _, kind := range []string{KindObjectTypes, KindPolicies, KindOrgNodes, KindApprovers} {
		r.metrics.SetCatalogEntries(kind, s.counts[kind])
	}
}

// Reload loads the directories, validates the result, and swaps it in. The
// current snapshot stays in place when loading or validation fails.
func (r *Registry) Reload(loader *Loader, validator *Validator, directories []string) error {
	docs, err := loader.LoadAll(directories)
	if err != nil {
		r.metrics.RecordCatalogReload("error")
		return err
	}
	if verrs := validator.Validate(docs); len(verrs) > 0 {
		r.metrics.RecordCatalogReload("invalid")
		return &ValidationErrors{Errors: verrs}
	}
	r.Replace(docs)
	r.metrics.RecordCatalogReload("success")
	return nil
}

func (s *snapshot) tenant(id string) *tenantCatalog {
	tc, ok := s.tenants[id]
	if !ok {
		tc = &tenantCatalog{objectTypes: make(map[string]model.ObjectType)}
		s.tenants[id] = tc
	}
	return tc
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

func (r *Registry) lookup(tenantID string) *tenantCatalog {
	return r.current().tenants[tenantID]
}

// GetObjectType returns the tenant's object type with the given code.
func (r *Registry) GetObjectType(_ context.Context, tenantID, objectType string) (model.ObjectType, bool, error) {
	tc := r.lookup(tenantID)
	if tc == nil {
		return model.ObjectType{}, false, nil
	}
	ot, ok := tc.objectTypes[objectType]
	return ot, ok, nil
}

// GetPolicies returns the tenant's policies matching the filters in catalog
// order.
func (r *Registry) GetPolicies(_ context.Context, tenantID string, filters model.PolicyFilters) ([]model.Policy, error) {
	tc := r.lookup(tenantID)
	if tc == nil {
		return nil, nil
	}
	var out []model.Policy
	for _, p := range tc.policies {
		if filters.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetOrganizationalHierarchy returns the tenant's org nodes.
func (r *Registry) GetOrganizationalHierarchy(_ context.Context, tenantID string) ([]model.OrgNode, error) {
	tc := r.lookup(tenantID)
	if tc == nil {
		return nil, nil
	}
	return append([]model.OrgNode(nil), tc.nodes...), nil
}

// GetApprovers returns the tenant's approvers for a functional domain. An
// empty domain returns every approver.
func (r *Registry) GetApprovers(_ context.Context, tenantID, domain string) ([]model.Approver, error) {
	tc := r.lookup(tenantID)
	if tc == nil {
		return nil, nil
	}
	var out []model.Approver
	for _, a := range tc.approvers {
		if domain == "" || strings.EqualFold(a.FunctionalDomain, domain) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Tenants returns the ids of every tenant with catalog data, sorted.
func (r *Registry) Tenants() []string {
	s := r.current()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of loaded entries per kind.
func (r *Registry) Counts() map[string]int {
	s := r.current()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Loaded reports whether at least one object type is available.
func (r *Registry) Loaded() bool {
	return r.current().counts[KindObjectTypes] > 0
}

// Checksum returns the combined checksum of all loaded documents.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
