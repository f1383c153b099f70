package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/espritsec/scanctl/pkg/types"
)

// Ledger is the durable usage counter backend. Increment and ReserveScan
// must be atomic at the store: two concurrent callers for the same tenant
// must never both observe the same pre-increment value.
type Ledger interface {
	GetOrCreate(ctx context.Context, tenantID, month string) (*types.UsageRecord, error)
	Increment(ctx context.Context, tenantID, month string, scans int, tokens int64) error
	ReserveScan(ctx context.Context, tenantID, month string, scanLimit int) (bool, *types.UsageRecord, error)
	ReleaseScan(ctx context.Context, tenantID, month string) error
}

// PlanResolver resolves a tenant's subscription tier
type PlanResolver interface {
	GetPlan(ctx context.Context, tenantID string) (types.Plan, error)
}

// Enforcer answers whether a tenant may start a scan or consume more
// tokens this month, and records consumption against the ledger
type Enforcer struct {
	ledger Ledger
	plans  PlanResolver
	limits *LimitTable
	now    func() time.Time
}

// NewEnforcer creates a quota enforcer
func NewEnforcer(ledger Ledger, plans PlanResolver, limits *LimitTable) *Enforcer {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Enforcer{
		ledger: ledger,
		plans:  plans,
		limits: limits,
		now:    time.Now,
	}
}

// ResolvePlan returns the tenant's plan tier, defaulting to free when the
// lookup fails for any reason
func (e *Enforcer) ResolvePlan(ctx context.Context, tenantID string) types.Plan {
	plan, err := e.plans.GetPlan(ctx, tenantID)
	if err != nil || !plan.IsValid() {
		return types.PlanFree
	}
	return plan
}

// GetUsage returns the tenant's current-month usage summary, lazily
// creating the ledger record on first read
func (e *Enforcer) GetUsage(ctx context.Context, tenantID string) (*types.Usage, error) {
	month := types.CurrentMonth(e.now())
	plan := e.ResolvePlan(ctx, tenantID)
	limits := e.limits.For(plan)

	record, err := e.ledger.GetOrCreate(ctx, tenantID, month)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}

	return &types.Usage{
		ScansUsed:   record.ScansCount,
		ScansLimit:  limits.Scans,
		TokensUsed:  record.TokensUsed,
		TokensLimit: limits.Tokens,
		Month:       month,
		Plan:        plan,
	}, nil
}

// CheckQuota computes the tenant's remaining allowance without reserving
// anything. The scan-limit message wins when both limits are exhausted.
func (e *Enforcer) CheckQuota(ctx context.Context, tenantID string) (*types.QuotaStatus, error) {
	usage, err := e.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return statusFromUsage(usage), nil
}

// ReserveScan atomically debits one scan from the tenant's monthly
// allowance before provisioning begins. On a denied reservation the
// returned status carries HasQuota=false and a user-facing message.
// Callers that reserved but then failed to provision must call
// ReleaseScan to return the debit.
func (e *Enforcer) ReserveScan(ctx context.Context, tenantID string) (*types.QuotaStatus, error) {
	month := types.CurrentMonth(e.now())
	plan := e.ResolvePlan(ctx, tenantID)
	limits := e.limits.For(plan)

	if limits.Scans <= 0 {
		return e.deniedStatus(ctx, tenantID, limits, scanLimitMessage(limits.Scans))
	}

	granted, record, err := e.ledger.ReserveScan(ctx, tenantID, month, limits.Scans)
	if err != nil {
		return nil, fmt.Errorf("reserve scan: %w", err)
	}
	if !granted {
		return e.deniedStatus(ctx, tenantID, limits, scanLimitMessage(limits.Scans))
	}

	// Scans are reserved atomically; token exhaustion is checked against
	// the post-reservation row and rolled back when exceeded.
	if record.TokensUsed >= limits.Tokens {
		if relErr := e.ledger.ReleaseScan(ctx, tenantID, month); relErr != nil {
			log.Printf("Failed to release scan reservation for tenant %s: %v", tenantID, relErr)
		}
		msg := tokenLimitMessage()
		return &types.QuotaStatus{
			HasQuota:        false,
			ScansRemaining:  maxInt(0, limits.Scans-record.ScansCount+1),
			TokensRemaining: 0,
			Message:         &msg,
		}, nil
	}

	return &types.QuotaStatus{
		HasQuota:        true,
		ScansRemaining:  maxInt(0, limits.Scans-record.ScansCount),
		TokensRemaining: maxInt64(0, limits.Tokens-record.TokensUsed),
	}, nil
}

// ReleaseScan returns a reserved scan after a failed provisioning attempt
func (e *Enforcer) ReleaseScan(ctx context.Context, tenantID string) error {
	month := types.CurrentMonth(e.now())
	if err := e.ledger.ReleaseScan(ctx, tenantID, month); err != nil {
		return fmt.Errorf("release scan: %w", err)
	}
	return nil
}

// RecordScan atomically increments the tenant's scan count for the
// current month, creating the record if absent
func (e *Enforcer) RecordScan(ctx context.Context, tenantID string) error {
	month := types.CurrentMonth(e.now())
	if err := e.ledger.Increment(ctx, tenantID, month, 1, 0); err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return nil
}

// RecordTokens atomically adds token consumption for the current month.
// A count of zero is valid and still touches the record.
func (e *Enforcer) RecordTokens(ctx context.Context, tenantID string, count int64) error {
	if count < 0 {
		return fmt.Errorf("record tokens: negative count %d", count)
	}
	month := types.CurrentMonth(e.now())
	if err := e.ledger.Increment(ctx, tenantID, month, 0, count); err != nil {
		return fmt.Errorf("record tokens: %w", err)
	}
	return nil
}

// deniedStatus builds a QuotaStatus for a rejected reservation, reading
// the current counters so remaining allowances are accurate
func (e *Enforcer) deniedStatus(ctx context.Context, tenantID string, limits types.PlanLimits, msg string) (*types.QuotaStatus, error) {
	month := types.CurrentMonth(e.now())
	record, err := e.ledger.GetOrCreate(ctx, tenantID, month)
	if err != nil {
		return nil, fmt.Errorf("read usage after denied reservation: %w", err)
	}

	return &types.QuotaStatus{
		HasQuota:        false,
		ScansRemaining:  maxInt(0, limits.Scans-record.ScansCount),
		TokensRemaining: maxInt64(0, limits.Tokens-record.TokensUsed),
		Message:         &msg,
	}, nil
}

func statusFromUsage(usage *types.Usage) *types.QuotaStatus {
	scansRemaining := maxInt(0, usage.ScansLimit-usage.ScansUsed)
	tokensRemaining := maxInt64(0, usage.TokensLimit-usage.TokensUsed)

	status := &types.QuotaStatus{
		HasQuota:        scansRemaining > 0 && tokensRemaining > 0,
		ScansRemaining:  scansRemaining,
		TokensRemaining: tokensRemaining,
	}

	if !status.HasQuota {
		var msg string
		if scansRemaining == 0 {
			msg = scanLimitMessage(usage.ScansLimit)
		} else {
			msg = tokenLimitMessage()
		}
		status.Message = &msg
	}

	return status
}

func scanLimitMessage(limit int) string {
	return fmt.Sprintf("You've reached your monthly scan limit (%d scans). Upgrade to Pro for more.", limit)
}

func tokenLimitMessage() string {
	return "You've reached your monthly token limit. Upgrade for more tokens."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
