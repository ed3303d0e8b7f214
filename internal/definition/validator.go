package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/quorum/model"
)

// VError describes a single validation error in a catalog document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is returned by Registry.Reload when the catalog is invalid.
type ValidationErrors struct {
	Errors []VError
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "catalog validation failed: " + strings.Join(msgs, "; ")
}

var validStrategies = map[string]bool{
	"":                        true,
	model.StrategyRoleBased:   true,
	model.StrategyAmountBased: true,
	model.StrategyHybrid:      true,
	model.StrategyConfigured:  true,
}

var validCompletionRules = map[string]bool{
	"":                   true,
	model.CompletionAll:  true,
	model.CompletionAny:  true,
	model.CompletionMinN: true,
}

var validRuleTypes = map[string]bool{
	model.RuleHierarchy:      true,
	model.RuleRole:           true,
	model.RuleResponsibility: true,
	model.RulePosition:       true,
	model.RuleUser:           true,
}

// Validator checks catalog documents structurally and referentially.
type Validator struct {
	categories map[string]bool
}

// NewValidator creates a Validator accepting the built-in object categories
// plus any extra ones a deployment registers flow strategies for.
func NewValidator(extraCategories ...string) *Validator {
	cats := map[string]bool{
		model.CategoryFinancial: true,
		model.CategoryDocument:  true,
		model.CategoryStorage:   true,
		model.CategoryTravel:    true,
		model.CategoryHR:        true,
	}
	for _, c := range extraCategories {
		cats[c] = true
	}
	return &Validator{categories: cats}
}

// Validate checks all documents. References resolve across documents of the
// same tenant.
func (v *Validator) Validate(docs []Document) []VError {
	objectTypes := make(map[string]map[string]model.ObjectType)
	nodes := make(map[string]map[string]model.OrgNode)
	for _, doc := range docs {
		if objectTypes[doc.TenantID] == nil {
			objectTypes[doc.TenantID] = make(map[string]model.ObjectType)
			nodes[doc.TenantID] = make(map[string]model.OrgNode)
		}
		for _, ot := range doc.ObjectTypes {
			objectTypes[doc.TenantID][ot.ObjectType] = ot
		}
		for _, n := range doc.OrgNodes {
			nodes[doc.TenantID][n.EmployeeID] = n
		}
	}

	var errs []VError
	policyIDs := make(map[string]string)
	for i, doc := range docs {
		prefix := fmt.Sprintf("catalog[%d]", i)
		if doc.SourceFile != "" {
			prefix = doc.SourceFile
		}
		errs = append(errs, v.validateDocument(prefix, doc, objectTypes[doc.TenantID], nodes[doc.TenantID], policyIDs)...)
	}
	return errs
}

func (v *Validator) validateDocument(
	prefix string,
	doc Document,
	objectTypes map[string]model.ObjectType,
	nodes map[string]model.OrgNode,
	policyIDs map[string]string,
) []VError {
	var errs []VError

	if doc.TenantID == "" {
		errs = append(errs, VError{Path: prefix + ".tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}

	seenTypes := make(map[string]bool)
	for i, ot := range doc.ObjectTypes {
		op := fmt.Sprintf("%s.object_types[%d]", prefix, i)
		errs = append(errs, v.validateObjectType(op, doc.TenantID, ot)...)
		if ot.ObjectType != "" && seenTypes[ot.ObjectType] {
			errs = append(errs, VError{Path: op + ".object_type", Code: "DUPLICATE", Message: fmt.Sprintf("object type %q declared twice", ot.ObjectType)})
		}
		seenTypes[ot.ObjectType] = true
	}

	for i, p := range doc.Policies {
		pp := fmt.Sprintf("%s.policies[%d]", prefix, i)
		errs = append(errs, v.validatePolicy(pp, p, objectTypes)...)
		if p.ID != "" {
			key := p.TenantID + "/" + p.ID
			if where, dup := policyIDs[key]; dup {
				errs = append(errs, VError{Path: pp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("policy %q already declared at %s", p.ID, where)})
			} else {
				policyIDs[key] = pp
			}
		}
	}

	seenNodes := make(map[string]bool)
	for i, n := range doc.OrgNodes {
		np := fmt.Sprintf("%s.org_nodes[%d]", prefix, i)
		if n.EmployeeID == "" {
			errs = append(errs, VError{Path: np + ".employee_id", Code: "REQUIRED", Message: "employee_id is required"})
			continue
		}
		if seenNodes[n.EmployeeID] {
			errs = append(errs, VError{Path: np + ".employee_id", Code: "DUPLICATE", Message: fmt.Sprintf("employee %q declared twice", n.EmployeeID)})
		}
		seenNodes[n.EmployeeID] = true
		if n.ManagerID != "" {
			if _, ok := nodes[n.ManagerID]; !ok {
				errs = append(errs, VError{Path: np + ".manager_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("manager %q not found", n.ManagerID)})
			} else if managerCycle(n.EmployeeID, nodes) {
				errs = append(errs, VError{Path: np + ".manager_id", Code: "MANAGER_CYCLE", Message: fmt.Sprintf("manager chain of %q loops", n.EmployeeID)})
			}
		}
		if n.ApprovalLimit.IsNegative() {
			errs = append(errs, VError{Path: np + ".approval_limit", Code: "RANGE", Message: "approval_limit must not be negative"})
		}
	}

	for i, a := range doc.Approvers {
		ap := fmt.Sprintf("%s.approvers[%d]", prefix, i)
		if a.ID == "" {
			errs = append(errs, VError{Path: ap + ".id", Code: "REQUIRED", Message: "id is required"})
		}
		if a.ApproverRole == "" {
			errs = append(errs, VError{Path: ap + ".approver_role", Code: "REQUIRED", Message: "approver_role is required"})
		}
		if a.FunctionalDomain == "" {
			errs = append(errs, VError{Path: ap + ".functional_domain", Code: "REQUIRED", Message: "functional_domain is required"})
		}
		if a.ApprovalLimit.IsNegative() {
			errs = append(errs, VError{Path: ap + ".approval_limit", Code: "RANGE", Message: "approval_limit must not be negative"})
		}
	}

	return errs
}

func (v *Validator) validateObjectType(prefix, tenantID string, ot model.ObjectType) []VError {
	var errs []VError

	if ot.ObjectType == "" {
		errs = append(errs, VError{Path: prefix + ".object_type", Code: "REQUIRED", Message: "object_type is required"})
	}
	if ot.ObjectCategory == "" {
		errs = append(errs, VError{Path: prefix + ".object_category", Code: "REQUIRED", Message: "object_category is required"})
	} else if !v.categories[ot.ObjectCategory] {
		errs = append(errs, VError{Path: prefix + ".object_category", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid object_category %q", ot.ObjectCategory)})
	}
	if ot.TenantID != tenantID {
		errs = append(errs, VError{Path: prefix + ".tenant_id", Code: "TENANT_MISMATCH", Message: fmt.Sprintf("tenant %q does not match document tenant %q", ot.TenantID, tenantID)})
	}

	return errs
}

func (v *Validator) validatePolicy(prefix string, p model.Policy, objectTypes map[string]model.ObjectType) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if p.PolicyName == "" {
		errs = append(errs, VError{Path: prefix + ".policy_name", Code: "REQUIRED", Message: "policy_name is required"})
	}
	if !validStrategies[p.ApprovalStrategy] {
		errs = append(errs, VError{Path: prefix + ".approval_strategy", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid approval_strategy %q", p.ApprovalStrategy)})
	}

	if p.ApprovalObjectType == "" {
		errs = append(errs, VError{Path: prefix + ".approval_object_type", Code: "REQUIRED", Message: "approval_object_type is required"})
	} else if ot, ok := objectTypes[p.ApprovalObjectType]; !ok {
		errs = append(errs, VError{
			Path:    prefix + ".approval_object_type",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("object type %q not found for tenant", p.ApprovalObjectType),
		})
	} else if p.ObjectCategory != ot.ObjectCategory {
		// A category mismatch makes the policy unreachable: candidate
		// lookup filters on both type and category.
		errs = append(errs, VError{
			Path:    prefix + ".object_category",
			Code:    "CATEGORY_MISMATCH",
			Message: fmt.Sprintf("category %q does not match object type category %q", p.ObjectCategory, ot.ObjectCategory),
		})
	}

	if p.ApprovalStrategy == model.StrategyConfigured && len(p.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "configured policies need at least one step"})
	}
	for i, s := range p.Steps {
		errs = append(errs, v.validateStep(fmt.Sprintf("%s.steps[%d]", prefix, i), s)...)
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepDefinition) []VError {
	var errs []VError

	if s.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if !validCompletionRules[s.CompletionRule] {
		errs = append(errs, VError{Path: prefix + ".completion_rule", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid completion_rule %q", s.CompletionRule)})
	}
	if s.CompletionRule == model.CompletionMinN && (s.MinApprovals < 1 || s.MinApprovals > len(s.Agents)) {
		errs = append(errs, VError{
			Path:    prefix + ".min_approvals",
			Code:    "RANGE",
			Message: fmt.Sprintf("min_approvals must be between 1 and %d", len(s.Agents)),
		})
	}
	if s.TimeoutHours < 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_hours", Code: "RANGE", Message: "timeout_hours must not be negative"})
	}
	if len(s.Agents) == 0 {
		errs = append(errs, VError{Path: prefix + ".agents", Code: "REQUIRED", Message: "at least one agent is required"})
	}

	for i, a := range s.Agents {
		ap := fmt.Sprintf("%s.agents[%d].rule", prefix, i)
		switch {
		case !validRuleTypes[a.Rule.Type]:
			errs = append(errs, VError{Path: ap + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid rule type %q", a.Rule.Type)})
		case a.Rule.Type == model.RuleUser && a.Rule.EmployeeID == "":
			errs = append(errs, VError{Path: ap + ".employee_id", Code: "REQUIRED", Message: "employee_id is required for USER rules"})
		case a.Rule.Type != model.RuleUser && a.Rule.Type != model.RuleHierarchy && a.Rule.Code == "":
			errs = append(errs, VError{Path: ap + ".code", Code: "REQUIRED", Message: fmt.Sprintf("code is required for %s rules", a.Rule.Type)})
		}
		if a.Rule.Levels < 0 {
			errs = append(errs, VError{Path: ap + ".levels", Code: "RANGE", Message: "levels must not be negative"})
		}
	}

	return errs
}

// managerCycle reports whether walking up from id revisits a node.
func managerCycle(id string, nodes map[string]model.OrgNode) bool {
	seen := map[string]bool{id: true}
	cur := nodes[id].ManagerID
	for cur != "" {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		cur = nodes[cur].ManagerID
	}
	return false
}
