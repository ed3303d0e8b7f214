package model

import "github.com/shopspring/decimal"

// Object categories.
const (
	CategoryFinancial = "FINANCIAL"
	CategoryDocument  = "DOCUMENT"
	CategoryStorage   = "STORAGE"
	CategoryTravel    = "TRAVEL"
	CategoryHR        = "HR"
)

// Approval strategies.
const (
	StrategyRoleBased   = "ROLE_BASED"
	StrategyAmountBased = "AMOUNT_BASED"
	StrategyHybrid      = "HYBRID"
	StrategyConfigured  = "CONFIGURED"
)

// ObjectType is a tenant-scoped catalog entry describing a kind of
// approvable thing (a purchase order, a drawing, a leave request).
type ObjectType struct {
	TenantID        string         `json:"tenant_id" yaml:"tenant_id"`
	ObjectType      string         `json:"object_type" yaml:"object_type"`
	ObjectCategory  string         `json:"object_category" yaml:"object_category"`
	ObjectName      string         `json:"object_name" yaml:"object_name"`
	DefaultStrategy string         `json:"default_strategy,omitempty" yaml:"default_strategy"`
	RequiredFields  []string       `json:"required_fields,omitempty" yaml:"required_fields"`
	ValidationRules map[string]any `json:"validation_rules,omitempty" yaml:"validation_rules"`
}

// Policy is a tenant-scoped rule set selecting the approval flow for an
// object type under optional context qualifiers.
type Policy struct {
	ID                 string           `json:"id" yaml:"id"`
	TenantID           string           `json:"tenant_id" yaml:"tenant_id"`
	PolicyName         string           `json:"policy_name" yaml:"policy_name"`
	ApprovalObjectType string           `json:"approval_object_type" yaml:"approval_object_type"`
	ObjectCategory     string           `json:"object_category" yaml:"object_category"`
	ApprovalStrategy   string           `json:"approval_strategy" yaml:"approval_strategy"`
	AmountThresholds   map[string]any   `json:"amount_thresholds,omitempty" yaml:"amount_thresholds"`
	CompanyCode        string           `json:"company_code,omitempty" yaml:"company_code"`
	CountryCode        string           `json:"country_code,omitempty" yaml:"country_code"`
	PlantCode          string           `json:"plant_code,omitempty" yaml:"plant_code"`
	ProjectCode        string           `json:"project_code,omitempty" yaml:"project_code"`
	PurchaseOrg        string           `json:"purchase_org,omitempty" yaml:"purchase_org"`
	StorageType        string           `json:"storage_type,omitempty" yaml:"storage_type"`
	DocumentDiscipline string           `json:"document_discipline,omitempty" yaml:"document_discipline"`
	ApprovalContext    map[string]any   `json:"approval_context,omitempty" yaml:"approval_context"`
	EscalationRules    map[string]any   `json:"escalation_rules,omitempty" yaml:"escalation_rules"`
	Steps              []StepDefinition `json:"steps,omitempty" yaml:"steps"`
	IsActive           bool             `json:"is_active" yaml:"is_active"`
}

// ContextString returns a string setting from the policy's approval context.
func (p Policy) ContextString(key string) string {
	if p.ApprovalContext == nil {
		return ""
	}
	s, _ := p.ApprovalContext[key].(string)
	return s
}

// ContextFlag reports whether a boolean-ish approval context setting is set.
// Non-empty strings and non-zero numbers count as set.
func (p Policy) ContextFlag(key string) bool {
	if p.ApprovalContext == nil {
		return false
	}
	switch v := p.ApprovalContext[key].(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		return v != nil
	}
}

// ApprovalRequest is a submission of a business object for approval.
type ApprovalRequest struct {
	ObjectType string          `json:"object_type" validate:"required"`
	ObjectID   string          `json:"object_id" validate:"required"`
	ObjectData map[string]any  `json:"object_data,omitempty"`
	Context    ApprovalContext `json:"context"`
}

// ApprovalContext qualifies a request for policy scoring, flow generation,
// and agent resolution.
type ApprovalContext struct {
	CompanyCode    string          `json:"company_code,omitempty" yaml:"company_code"`
	CountryCode    string          `json:"country_code,omitempty" yaml:"country_code"`
	PlantCode      string          `json:"plant_code,omitempty" yaml:"plant_code"`
	ProjectCode    string          `json:"project_code,omitempty" yaml:"project_code"`
	PurchaseOrg    string          `json:"purchase_org,omitempty" yaml:"purchase_org"`
	DepartmentCode string          `json:"department_code,omitempty" yaml:"department_code"`
	Amount         decimal.Decimal `json:"amount" yaml:"amount"`
	Currency       string          `json:"currency,omitempty" yaml:"currency"`
	DaysRequested  int             `json:"days_requested,omitempty" yaml:"days_requested"`
	RequestedBy    string          `json:"requested_by,omitempty" yaml:"requested_by"`
}

// FlowStep is one generated approval step before agent binding.
type FlowStep struct {
	Sequence     int              `json:"sequence"`
	ApproverRole string           `json:"approver_role"`
	LevelName    string           `json:"level_name,omitempty"`
	Required     bool             `json:"required"`
	AmountLimit  *decimal.Decimal `json:"amount_limit,omitempty"`
	AssigneeID   string           `json:"assignee_id,omitempty"`
}

// OrgNode is one person in a tenant's organizational hierarchy.
type OrgNode struct {
	EmployeeID       string          `json:"employee_id" yaml:"employee_id"`
	EmployeeName     string          `json:"employee_name" yaml:"employee_name"`
	PositionTitle    string          `json:"position_title" yaml:"position_title"`
	DepartmentCode   string          `json:"department_code" yaml:"department_code"`
	PlantCode        string          `json:"plant_code,omitempty" yaml:"plant_code"`
	ManagerID        string          `json:"manager_id,omitempty" yaml:"manager_id"`
	ApprovalLimit    decimal.Decimal `json:"approval_limit" yaml:"approval_limit"`
	Roles            []string        `json:"roles,omitempty" yaml:"roles"`
	Responsibilities []string        `json:"responsibilities,omitempty" yaml:"responsibilities"`
}

// HasRole reports whether the node holds the role code.
func (n OrgNode) HasRole(code string) bool {
	for _, r := range n.Roles {
		if r == code {
			return true
		}
	}
	return false
}

// HasResponsibility reports whether the node holds the responsibility code.
func (n OrgNode) HasResponsibility(code string) bool {
	for _, r := range n.Responsibilities {
		if r == code {
			return true
		}
	}
	return false
}

// Approver is a functional approver with a monetary approval limit.
type Approver struct {
	ID               string          `json:"id" yaml:"id"`
	EmployeeID       string          `json:"employee_id,omitempty" yaml:"employee_id"`
	EmployeeName     string          `json:"employee_name,omitempty" yaml:"employee_name"`
	ApproverRole     string          `json:"approver_role" yaml:"approver_role"`
	FunctionalDomain string          `json:"functional_domain" yaml:"functional_domain"`
	ApprovalLimit    decimal.Decimal `json:"approval_limit" yaml:"approval_limit"`
	ApprovalScope    string          `json:"approval_scope" yaml:"approval_scope"`
}

// PolicyFilters narrow a policy lookup.
type PolicyFilters struct {
	ObjectType string
	Category   string
	ActiveOnly bool
}

// Matches reports whether p satisfies the filters.
func (f PolicyFilters) Matches(p Policy) bool {
	if f.ObjectType != "" && p.ApprovalObjectType != f.ObjectType {
		return false
	}
	if f.Category != "" && p.ObjectCategory != f.Category {
		return false
	}
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	return true
}
