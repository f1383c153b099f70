package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/espritsec/scanctl/pkg/types"
)

// TenantPlanStore resolves a tenant's subscription plan
type TenantPlanStore struct {
	pool *pgxpool.Pool
}

// GetPlan returns the plan tier for a tenant. Returns ErrNotFound for
// tenants with no plan row; callers are expected to default to free.
func (s *TenantPlanStore) GetPlan(ctx context.Context, tenantID string) (types.Plan, error) {
	query := `
		SELECT plan FROM tenant_plans WHERE tenant_id = $1
	`

	var plan types.Plan
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(&plan)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get tenant plan: %w", err)
	}

	return plan, nil
}

// SetPlan upserts the plan tier for a tenant
func (s *TenantPlanStore) SetPlan(ctx context.Context, tenantID string, plan types.Plan) error {
	if !plan.IsValid() {
		return fmt.Errorf("invalid plan %q", plan)
	}

	query := `
		INSERT INTO tenant_plans (tenant_id, plan)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET plan = EXCLUDED.plan, updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, tenantID, plan)
	if err != nil {
		return fmt.Errorf("set tenant plan: %w", err)
	}

	return nil
}
