package types

import "time"

// UsageRecord is one ledger row per (tenant, calendar month).
// Counters are only ever mutated by atomic increments at the store layer.
type UsageRecord struct {
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Month      string    `db:"month" json:"month"` // YYYY-MM
	ScansCount int       `db:"scans_count" json:"scans_count"`
	TokensUsed int64     `db:"tokens_used" json:"tokens_used"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Usage is the per-tenant usage summary exposed to callers
type Usage struct {
	ScansUsed   int    `json:"scans_used"`
	ScansLimit  int    `json:"scans_limit"`
	TokensUsed  int64  `json:"tokens_used"`
	TokensLimit int64  `json:"tokens_limit"`
	Month       string `json:"month"`
	Plan        Plan   `json:"plan"`
}

// CurrentMonth returns the ledger month key (YYYY-MM, UTC) for the given time
func CurrentMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}
