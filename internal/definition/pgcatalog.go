package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

// PgCatalog serves the catalog from PostgreSQL tables. It satisfies the same
// read interfaces as Registry so deployments can keep approval configuration
// in the database instead of YAML files.
type PgCatalog struct {
	pool *pgxpool.Pool
}

// NewPgCatalog creates a PostgreSQL-backed catalog.
func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

// HealthCheck pings the database.
func (c *PgCatalog) HealthCheck(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// GetObjectType returns the tenant's object type with the given code.
func (c *PgCatalog) GetObjectType(ctx context.Context, tenantID, objectType string) (model.ObjectType, bool, error) {
	var (
		ot        model.ObjectType
		fields    []string
		rulesJSON []byte
	)
	err := c.pool.QueryRow(ctx, `
		SELECT tenant_id, object_type, object_category, object_name, default_strategy,
			required_fields, validation_rules
		FROM approval_object_types
		WHERE tenant_id = $1 AND object_type = $2`,
		tenantID, objectType,
	).Scan(&ot.TenantID, &ot.ObjectType, &ot.ObjectCategory, &ot.ObjectName, &ot.DefaultStrategy, &fields, &rulesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ObjectType{}, false, nil
	}
	if err != nil {
		return model.ObjectType{}, false, fmt.Errorf("query object type: %w", err)
	}
	ot.RequiredFields = fields
	if err := unmarshalOptional(rulesJSON, &ot.ValidationRules); err != nil {
		return model.ObjectType{}, false, fmt.Errorf("unmarshal validation_rules: %w", err)
	}
	return ot, true, nil
}

// GetPolicies returns the tenant's policies matching the filters in
// declaration order.
func (c *PgCatalog) GetPolicies(ctx context.Context, tenantID string, filters model.PolicyFilters) ([]model.Policy, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{tenantID}
	)
	if filters.ObjectType != "" {
		args = append(args, filters.ObjectType)
		where = append(where, fmt.Sprintf("approval_object_type = $%d", len(args)))
	}
	if filters.Category != "" {
		args = append(args, filters.Category)
		where = append(where, fmt.Sprintf("object_category = $%d", len(args)))
	}
	if filters.ActiveOnly {
		where = append(where, "is_active")
	}

	rows, err := c.pool.Query(ctx, `
		SELECT id, tenant_id, policy_name, approval_object_type, object_category, approval_strategy,
			amount_thresholds, company_code, country_code, plant_code, project_code, purchase_org,
			storage_type, document_discipline, approval_context, escalation_rules, steps, is_active
		FROM approval_policies
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY position ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var (
			p                                          model.Policy
			thresholds, approvalCtx, escalation, steps []byte
		)
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.PolicyName, &p.ApprovalObjectType, &p.ObjectCategory, &p.ApprovalStrategy,
			&thresholds, &p.CompanyCode, &p.CountryCode, &p.PlantCode, &p.ProjectCode, &p.PurchaseOrg,
			&p.StorageType, &p.DocumentDiscipline, &approvalCtx, &escalation, &steps, &p.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		for _, f := range []struct {
			name string
			data []byte
			dst  any
		}{
			{"amount_thresholds", thresholds, &p.AmountThresholds},
			{"approval_context", approvalCtx, &p.ApprovalContext},
			{"escalation_rules", escalation, &p.EscalationRules},
			{"steps", steps, &p.Steps},
		} {
			if err := unmarshalOptional(f.data, f.dst); err != nil {
				return nil, fmt.Errorf("unmarshal %s of policy %s: %w", f.name, p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOrganizationalHierarchy returns the tenant's org nodes.
func (c *PgCatalog) GetOrganizationalHierarchy(ctx context.Context, tenantID string) ([]model.OrgNode, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT employee_id, employee_name, position_title, department_code, plant_code,
			manager_id, approval_limit::text, roles, responsibilities
		FROM org_nodes
		WHERE tenant_id = $1
		ORDER BY employee_id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query org nodes: %w", err)
	}
	defer rows.Close()

	var out []model.OrgNode
	for rows.Next() {
		var (
			n     model.OrgNode
			limit string
		)
		if err := rows.Scan(
			&n.EmployeeID, &n.EmployeeName, &n.PositionTitle, &n.DepartmentCode, &n.PlantCode,
			&n.ManagerID, &limit, &n.Roles, &n.Responsibilities,
		); err != nil {
			return nil, fmt.Errorf("scan org node: %w", err)
		}
		if n.ApprovalLimit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("parse approval_limit of %s: %w", n.EmployeeID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetApprovers returns the tenant's approvers for a functional domain. An
// empty domain returns every approver.
func (c *PgCatalog) GetApprovers(ctx context.Context, tenantID, domain string) ([]model.Approver, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, employee_id, employee_name, approver_role, functional_domain,
			approval_limit::text, approval_scope
		FROM approvers
		WHERE tenant_id = $1 AND ($2::text = '' OR upper(functional_domain) = upper($2::text))
		ORDER BY id ASC`, tenantID, domain)
	if err != nil {
		return nil, fmt.Errorf("query approvers: %w", err)
	}
	defer rows.Close()

	var out []model.Approver
	for rows.Next() {
		var (
			a     model.Approver
			limit string
		)
		if err := rows.Scan(
			&a.ID, &a.EmployeeID, &a.EmployeeName, &a.ApproverRole, &a.FunctionalDomain, &limit, &a.ApprovalScope,
		); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		if a.ApprovalLimit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("parse approval_limit of %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Import replaces the tenant's catalog rows with the document's entries in
// one transaction.
func (c *PgCatalog) Import(ctx context.Context, doc Document) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		// Step 1: Clear the tenant's existing rows.
		for _, table := range []string{"approval_policies", "approval_object_types", "approvers", "org_nodes"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE tenant_id = $1`, doc.TenantID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		// Step 2: Object types.
		for _, ot := range doc.ObjectTypes {
			rules, err := json.Marshal(ot.ValidationRules)
			if err != nil {
				return fmt.Errorf("marshal validation_rules of %s: %w", ot.ObjectType, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO approval_object_types (tenant_id, object_type, object_category, object_name,
					default_strategy, required_fields, validation_rules)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				doc.TenantID, ot.ObjectType, ot.ObjectCategory, ot.ObjectName, ot.DefaultStrategy,
				nonNilStrings(ot.RequiredFields), rules,
			); err != nil {
				return fmt.Errorf("insert object type %s: %w", ot.ObjectType, err)
			}
		}

		// Step 3: Policies, keeping declaration order in position.
		for i, p := range doc.Policies {
			var enc [4][]byte
			for j, v := range []any{p.AmountThresholds, p.ApprovalContext, p.EscalationRules, p.Steps} {
				b, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("marshal policy %s: %w", p.ID, err)
				}
				enc[j] = b
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO approval_policies (id, tenant_id, position, policy_name, approval_object_type,
					object_category, approval_strategy, amount_thresholds, company_code, country_code,
					plant_code, project_code, purchase_org, storage_type, document_discipline,
					approval_context, escalation_rules, steps, is_active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
				p.ID, doc.TenantID, i, p.PolicyName, p.ApprovalObjectType,
				p.ObjectCategory, p.ApprovalStrategy, enc[0], p.CompanyCode, p.CountryCode,
				p.PlantCode, p.ProjectCode, p.PurchaseOrg, p.StorageType, p.DocumentDiscipline,
				enc[1], enc[2], enc[3], p.IsActive,
			); err != nil {
				return fmt.Errorf("insert policy %s: %w", p.ID, err)
			}
		}

		// Step 4: Org nodes and approvers.
		for _, n := range doc.OrgNodes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO org_nodes (tenant_id, employee_id, employee_name, position_title, department_code,
					plant_code, manager_id, approval_limit, roles, responsibilities)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)`,
				doc.TenantID, n.EmployeeID, n.EmployeeName, n.PositionTitle, n.DepartmentCode,
				n.PlantCode, n.ManagerID, n.ApprovalLimit.String(), nonNilStrings(n.Roles), nonNilStrings(n.Responsibilities),
			); err != nil {
				return fmt.Errorf("insert org node %s: %w", n.EmployeeID, err)
			}
		}
		for _, a := range doc.Approvers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO approvers (tenant_id, id, employee_id, employee_name, approver_role,
					functional_domain, approval_limit, approval_scope)
				VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)`,
				doc.TenantID, a.ID, a.EmployeeID, a.EmployeeName, a.ApproverRole,
				a.FunctionalDomain, a.ApprovalLimit.String(), a.ApprovalScope,
			); err != nil {
				return fmt.Errorf("insert approver %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

func unmarshalOptional(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
