package flow

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

// Well-known approver roles produced by the built-in strategies.
const (
	RoleDirectManager       = "Direct Manager"
	RoleDepartmentHead      = "Department Head"
	RoleFinanceManager      = "Finance Manager"
	RoleHRManager           = "HR Manager"
	RolePlantManager        = "Plant Manager"
	RoleManager             = "Manager"
	RoleStructuralEngineer  = "Structural Engineer"
	RoleChiefEngineer       = "Chief Engineer"
	RoleMEPEngineer         = "MEP Engineer"
	RoleDesignManager       = "Design Manager"
	RoleRegulatoryAuthority = "Regulatory Authority"
	RoleSafetyOfficer       = "Safety Officer"
	RoleFireMarshal         = "Fire Marshal"
	RoleSecurityManager     = "Security Manager"
)

const (
	financeDomain       = "FINANCE"
	executiveDepartment = "EXECUTIVE"
	maxHierarchySteps   = 3
)

var (
	travelTierOne = decimal.NewFromInt(1000)
	travelTierTwo = decimal.NewFromInt(5000)
)

func step(role string) model.FlowStep {
	return model.FlowStep{ApproverRole: role, Required: true}
}

// FinancialStrategy routes amount based policies to the finance approver
// with the smallest sufficient limit, and everything else up the plant's
// hierarchy.
type FinancialStrategy struct {
	Directory Directory
}

// Generate implements Strategy.
func (s *FinancialStrategy) Generate(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error) {
	if p.ApprovalStrategy == model.StrategyAmountBased {
		return s.amountBased(ctx, tenantID, req)
	}
	return s.hierarchical(ctx, tenantID, req)
}

func (s *FinancialStrategy) amountBased(ctx context.Context, tenantID string, req model.ApprovalRequest) ([]model.FlowStep, error) {
	approvers, err := s.Directory.GetApprovers(ctx, tenantID, financeDomain)
	if err != nil {
		return nil, model.AsEnvelope("load approvers", err)
	}

	var best *model.Approver
	for i := range approvers {
		a := &approvers[i]
		if !strings.EqualFold(a.FunctionalDomain, financeDomain) || req.Context.Amount.GreaterThan(a.ApprovalLimit) {
			continue
		}
		if best == nil || a.ApprovalLimit.LessThan(best.ApprovalLimit) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}

	limit := best.ApprovalLimit
	return []model.FlowStep{{
		ApproverRole: best.ApproverRole,
		LevelName:    best.ApprovalScope + " Approval",
		Required:     true,
		AmountLimit:  &limit,
		AssigneeID:   best.EmployeeID,
	}}, nil
}

func (s *FinancialStrategy) hierarchical(ctx context.Context, tenantID string, req model.ApprovalRequest) ([]model.FlowStep, error) {
	plant := req.Context.PlantCode
	if plant == "" {
		return nil, nil
	}

	nodes, err := s.Directory.GetOrganizationalHierarchy(ctx, tenantID)
	if err != nil {
		return nil, model.AsEnvelope("load organizational hierarchy", err)
	}

	chain := make([]model.OrgNode, 0, len(nodes))
	for _, n := range nodes {
		if n.PlantCode == plant || n.DepartmentCode == executiveDepartment {
			chain = append(chain, n)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].ApprovalLimit.LessThan(chain[j].ApprovalLimit)
	})
	if len(chain) > maxHierarchySteps {
		chain = chain[:maxHierarchySteps]
	}

	steps := make([]model.FlowStep, len(chain))
	for i, n := range chain {
		limit := n.ApprovalLimit
		steps[i] = model.FlowStep{
			ApproverRole: n.PositionTitle,
			LevelName:    n.PositionTitle + " Approval",
			Required:     true,
			AmountLimit:  &limit,
			AssigneeID:   n.EmployeeID,
		}
	}
	return steps, nil
}

func documentFlow(_ context.Context, _ string, p model.Policy, _ model.ApprovalRequest) ([]model.FlowStep, error) {
	discipline := p.ContextString("discipline")
	if discipline == "" {
		discipline = p.DocumentDiscipline
	}

	var steps []model.FlowStep
	switch discipline {
	case "STRUCTURAL":
		steps = append(steps, step(RoleStructuralEngineer), step(RoleChiefEngineer))
	case "MECHANICAL":
		steps = append(steps, step(RoleMEPEngineer), step(RoleDesignManager))
	}
	if p.ContextFlag("regulatory_impact") {
		steps = append(steps, step(RoleRegulatoryAuthority))
	}
	return steps, nil
}

func storageFlow(_ context.Context, _ string, p model.Policy, _ model.ApprovalRequest) ([]model.FlowStep, error) {
	storageType := p.ContextString("storage_type")
	if storageType == "" {
		storageType = p.StorageType
	}

	var steps []model.FlowStep
	switch storageType {
	case "HAZMAT":
		steps = append(steps, step(RoleSafetyOfficer), step(RoleFireMarshal))
	case "SECURE":
		steps = append(steps, step(RoleSecurityManager))
	}
	return append(steps, step(RolePlantManager)), nil
}

func travelFlow(_ context.Context, _ string, _ model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error) {
	amount := req.Context.Amount
	switch {
	case amount.LessThan(travelTierOne):
		return []model.FlowStep{step(RoleDirectManager)}, nil
	case amount.LessThan(travelTierTwo):
		return []model.FlowStep{step(RoleDirectManager), step(RoleDepartmentHead)}, nil
	default:
		return []model.FlowStep{step(RoleDirectManager), step(RoleDepartmentHead), step(RoleFinanceManager)}, nil
	}
}

func hrFlow(_ context.Context, _ string, p model.Policy, req model.ApprovalRequest) ([]model.FlowStep, error) {
	if p.ContextString("leave_type") != "ANNUAL" {
		return nil, nil
	}
	steps := []model.FlowStep{step(RoleDirectManager)}
	if req.Context.DaysRequested > 5 {
		steps = append(steps, step(RoleHRManager))
	}
	return steps, nil
}

func defaultFlow(_ context.Context, _ string, _ model.Policy, _ model.ApprovalRequest) ([]model.FlowStep, error) {
	return []model.FlowStep{{
		ApproverRole: RoleManager,
		LevelName:    "Manager Approval",
		Required:     true,
	}}, nil
}
