// Package agent resolves the abstract agent rules attached to a step into
// concrete approvers using the tenant's organizational hierarchy.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/quorum/model"
)

// Directory provides the organizational hierarchy of a tenant.
type Directory interface {
	GetOrganizationalHierarchy(ctx context.Context, tenantID string) ([]model.OrgNode, error)
}

// ResolvedAgent is a concrete approver bound to one StepAgent.
type ResolvedAgent struct {
	StepAgentID string
	EmployeeID  string
	Name        string
	Role        string
	Required    bool
}

// InstanceContext is the request data rules resolve against.
type InstanceContext struct {
	RequestedBy string
	Context     model.ApprovalContext
}

// Resolver applies agent rules.
type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

// NewResolver creates a Resolver reading from dir.
func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dir: dir, logger: logger}
}

// Resolve returns the agents of a step in StepAgent order. Optional agents
// that cannot be resolved are omitted and an agent resolved by two rules is
// kept once. It fails with AGENT_RESOLUTION_FAILED when a required agent is
// unresolved, when no agent resolves at all, or when a MIN_N step resolves
// fewer agents than its minimum.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, step model.StepDefinition, ic InstanceContext) ([]ResolvedAgent, error) {
	nodes, err := r.dir.GetOrganizationalHierarchy(ctx, tenantID)
	if err != nil {
		return nil, model.AsEnvelope("load organizational hierarchy", err)
	}
	idx := newIndex(nodes)

	agents := make([]model.StepAgent, len(step.Agents))
	copy(agents, step.Agents)
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].Sequence < agents[j].Sequence })

	resolved := make([]ResolvedAgent, 0, len(agents))
	seen := make(map[string]bool, len(agents))
	for _, sa := range agents {
		node, ok := idx.resolve(sa.Rule, ic)
		if !ok {
			if sa.Required {
				return nil, model.NewAgentResolutionError(fmt.Sprintf(
					"step %d (%s): required agent %s could not be resolved", step.Sequence, step.Name, sa.Rule,
				))
			}
			r.logger.Debug("optional agent unresolved",
				zap.Int("step_sequence", step.Sequence),
				zap.String("rule", sa.Rule.String()),
			)
			continue
		}
		if seen[node.EmployeeID] {
			continue
		}
		seen[node.EmployeeID] = true
		resolved = append(resolved, ResolvedAgent{
			StepAgentID: sa.ID,
			EmployeeID:  node.EmployeeID,
			Name:        node.EmployeeName,
			Role:        node.PositionTitle,
			Required:    sa.Required,
		})
	}

	if len(resolved) == 0 {
		return nil, model.NewAgentResolutionError(fmt.Sprintf(
			"step %d (%s): no agents could be resolved", step.Sequence, step.Name,
		))
	}
	if step.CompletionRule == model.CompletionMinN && step.MinApprovals > len(resolved) {
		return nil, model.NewAgentResolutionError(fmt.Sprintf(
			"step %d (%s): %d agents resolved, %d approvals required", step.Sequence, step.Name, len(resolved), step.MinApprovals,
		))
	}
	return resolved, nil
}

// Manager returns the direct manager of an employee.
func (r *Resolver) Manager(ctx context.Context, tenantID, employeeID string) (ResolvedAgent, bool, error) {
	nodes, err := r.dir.GetOrganizationalHierarchy(ctx, tenantID)
	if err != nil {
		return ResolvedAgent{}, false, model.AsEnvelope("load organizational hierarchy", err)
	}
	idx := newIndex(nodes)
	node, ok := idx.climb(employeeID, 1)
	if !ok {
		return ResolvedAgent{}, false, nil
	}
	return ResolvedAgent{
		EmployeeID: node.EmployeeID,
		Name:       node.EmployeeName,
		Role:       node.PositionTitle,
	}, true, nil
}

type index struct {
	nodes []model.OrgNode
	byID  map[string]model.OrgNode
}

func newIndex(nodes []model.OrgNode) *index {
	byID := make(map[string]model.OrgNode, len(nodes))
	for _, n := range nodes {
		byID[n.EmployeeID] = n
	}
	return &index{nodes: nodes, byID: byID}
}

func (x *index) resolve(rule model.AgentRule, ic InstanceContext) (model.OrgNode, bool) {
	switch rule.Type {
	case model.RuleHierarchy:
		levels := rule.Levels
		if levels <= 0 {
			levels = 1
		}
		return x.climb(ic.RequestedBy, levels)
	case model.RuleRole:
		return x.pick(rule, ic, func(n model.OrgNode) bool { return n.HasRole(rule.Code) })
	case model.RuleResponsibility:
		return x.pick(rule, ic, func(n model.OrgNode) bool { return n.HasResponsibility(rule.Code) })
	case model.RulePosition:
		return x.pick(rule, ic, func(n model.OrgNode) bool { return strings.EqualFold(n.PositionTitle, rule.Code) })
	case model.RuleUser:
		n, ok := x.byID[rule.EmployeeID]
		return n, ok
	default:
		return model.OrgNode{}, false
	}
}

// climb walks the manager chain up from employeeID.
func (x *index) climb(employeeID string, levels int) (model.OrgNode, bool) {
	current, ok := x.byID[employeeID]
	if !ok {
		return model.OrgNode{}, false
	}
	for i := 0; i < levels; i++ {
		if current.ManagerID == "" {
			return model.OrgNode{}, false
		}
		current, ok = x.byID[current.ManagerID]
		if !ok {
			return model.OrgNode{}, false
		}
	}
	return current, true
}

// pick returns the best matching candidate within the rule's scope, widening
// to the whole organization when the rule allows fallback.
func (x *index) pick(rule model.AgentRule, ic InstanceContext, match func(model.OrgNode) bool) (model.OrgNode, bool) {
	var scoped, all []model.OrgNode
	for _, n := range x.nodes {
		if !match(n) {
			continue
		}
		all = append(all, n)
		if inScope(rule, ic, n) {
			scoped = append(scoped, n)
		}
	}
	if len(scoped) > 0 {
		return best(scoped), true
	}
	if rule.Fallback && len(all) > 0 {
		return best(all), true
	}
	return model.OrgNode{}, false
}

func inScope(rule model.AgentRule, ic InstanceContext, n model.OrgNode) bool {
	if rule.PlantScoped && ic.Context.PlantCode != "" && n.PlantCode != ic.Context.PlantCode {
		return false
	}
	if rule.DepartmentScoped && ic.Context.DepartmentCode != "" && n.DepartmentCode != ic.Context.DepartmentCode {
		return false
	}
	return true
}

// best prefers the lowest approval limit, then the lowest employee id.
func best(candidates []model.OrgNode) model.OrgNode {
	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].ApprovalLimit.Cmp(candidates[j].ApprovalLimit); c != 0 {
			return c < 0
		}
		return candidates[i].EmployeeID < candidates[j].EmployeeID
	})
	return candidates[0]
}
