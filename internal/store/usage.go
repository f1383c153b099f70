package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/espritsec/scanctl/pkg/types"
)

// UsageStore handles the per-(tenant, month) usage ledger. All counter
// mutations are single-statement atomic upserts; callers never
// read-modify-write.
type UsageStore struct {
	pool *pgxpool.Pool
}

// GetOrCreate returns the usage record for a tenant and month, lazily
// creating a zeroed row when none exists yet
func (s *UsageStore) GetOrCreate(ctx context.Context, tenantID, month string) (*types.UsageRecord, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict
	query := `
		INSERT INTO usage_records (tenant_id, month, scans_count, tokens_used)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (tenant_id, month) DO UPDATE
		SET tenant_id = usage_records.tenant_id
		RETURNING tenant_id, month, scans_count, tokens_used, created_at, updated_at
	`

	record := &types.UsageRecord{}
	err := s.pool.QueryRow(ctx, query, tenantID, month).Scan(
		&record.TenantID,
		&record.Month,
		&record.ScansCount,
		&record.TokensUsed,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}

	return record, nil
}

// Increment atomically adds to a tenant's counters for the given month,
// creating the record if absent. Zero deltas are valid.
func (s *UsageStore) Increment(ctx context.Context, tenantID, month string, scans int, tokens int64) error {
	query := `
		INSERT INTO usage_records (tenant_id, month, scans_count, tokens_used)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, month) DO UPDATE
		SET scans_count = usage_records.scans_count + EXCLUDED.scans_count,
			tokens_used = usage_records.tokens_used + EXCLUDED.tokens_used,
			updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, tenantID, month, scans, tokens)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}

	return nil
}

// ReserveScan attempts to debit one scan from the tenant's monthly
// allowance in a single statement. The increment only happens while the
// counter is below scanLimit, so concurrent reservations cannot push the
// count past the limit. Returns whether the reservation was granted and
// the post-reservation record when it was.
func (s *UsageStore) ReserveScan(ctx context.Context, tenantID, month string, scanLimit int) (bool, *types.UsageRecord, error) {
	query := `
		INSERT INTO usage_records (tenant_id, month, scans_count, tokens_used)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (tenant_id, month) DO UPDATE
		SET scans_count = usage_records.scans_count + 1,
			updated_at = NOW()
		WHERE usage_records.scans_count < $3
		RETURNING tenant_id, month, scans_count, tokens_used, created_at, updated_at
	`

	record := &types.UsageRecord{}
	err := s.pool.QueryRow(ctx, query, tenantID, month, scanLimit).Scan(
		&record.TenantID,
		&record.Month,
		&record.ScansCount,
		&record.TokensUsed,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		// Limit already reached
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("reserve scan: %w", err)
	}

	return true, record, nil
}

// ReleaseScan returns a previously reserved scan, used when provisioning
// fails after a successful reservation. The counter never goes negative.
func (s *UsageStore) ReleaseScan(ctx context.Context, tenantID, month string) error {
	query := `
		UPDATE usage_records
		SET scans_count = GREATEST(scans_count - 1, 0),
			updated_at = NOW()
		WHERE tenant_id = $1 AND month = $2
	`

	_, err := s.pool.Exec(ctx, query, tenantID, month)
	if err != nil {
		return fmt.Errorf("release scan: %w", err)
	}

	return nil
}
